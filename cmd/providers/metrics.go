package providers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	prometheusmetrics "github.com/deathowl/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/viper"
	otelprom "go.opentelemetry.io/otel/exporters/metric/prometheus"
	"go.opentelemetry.io/otel/metric/global"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// GOMPrometheusSync specifies the time interval to sync go-metrics to Prometheus.
var GOMPrometheusSync = 5 * time.Second

// MetricsHandler is the Prometheus exporter, set up by the root command.
var MetricsHandler http.Handler

// ConfMetricsListenAddr is the address of the metrics endpoint,
// either host:port or unix:<path>. Metrics are not served if empty.
const ConfMetricsListenAddr = "metrics.listen_addr"

func init() {
	viper.SetDefault(ConfMetricsListenAddr, "")
}

// SetupPrometheus configures the OpenTelemetry and go-metrics Prometheus exporters.
// Returns the Prometheus exporter HTTP handler.
func SetupPrometheus() (http.Handler, error) {
	// Setup go-metrics Prometheus exporter.
	gomProvider := prometheusmetrics.NewPrometheusProvider(
		metrics.DefaultRegistry,
		"fleet", "",
		prometheus.DefaultRegisterer,
		GOMPrometheusSync)
	go gomProvider.UpdatePrometheusMetrics()
	// Set up OpenTelemetry Prometheus exporter.
	exporter, err := otelprom.NewExportPipeline(otelprom.Config{
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build OpenTelemetry Prometheus exporter: %w", err)
	}
	global.SetMeterProvider(exporter.MeterProvider())
	return exporter, nil
}

// ServeMetrics exposes MetricsHandler on addr for the lifetime of the app.
func ServeMetrics(log *zap.Logger, lc fx.Lifecycle, addr string) {
	if addr == "" || MetricsHandler == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler)
	network, address := SplitListenAddr(addr)
	LifecycleServe(log, lc, MustListen(log, network, address), &httpServer{
		Server: http.Server{Handler: mux},
	})
}

type httpServer struct {
	http.Server
}

func (s *httpServer) Serve(sock net.Listener) error {
	if err := s.Server.Serve(sock); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *httpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.Server.Shutdown(ctx)
}
