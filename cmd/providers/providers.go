package providers

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric/global"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Log is the global logger.
var Log *zap.Logger

// Providers holds constructors for shared components.
var Providers = []interface{}{
	// metrics.go
	NewMetricsRegistry,
	// providers.go
	NewContext,
	// queue.go
	NewManager,
	NewConsumers,
	NewReaper,
	NewRegistry,
	// redis.go
	NewBrokerOptions,
	NewBroker,
	// sarama.go
	NewSaramaConfig,
	NewEventSink,
}

func NewApp(cmd *cobra.Command, opts ...fx.Option) *fx.App {
	baseOpts := []fx.Option{
		fx.Provide(Providers...),
		fx.Supply(cmd),
		fx.Supply(Log),
		fx.Logger(zap.NewStdLog(Log)),
		fx.Supply(global.GetMeterProvider().Meter(cmd.Name())),
	}
	baseOpts = append(baseOpts, opts...)
	return fx.New(baseOpts...)
}

// NewCmd builds a one-shot command running invoke with the shared providers.
// Errors returned by invoke end the process with exit code 1.
func NewCmd(invoke interface{}) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		app := fx.New(
			fx.Provide(Providers...),
			fx.Supply(cmd),
			fx.Supply(args),
			fx.Supply(Log),
			fx.Logger(zap.NewStdLog(zap.NewNop())),
			fx.Supply(global.GetMeterProvider().Meter(cmd.Name())),
			fx.Invoke(invoke),
		)
		ctx, cancel := context.WithTimeout(context.Background(), fx.DefaultTimeout)
		defer cancel()
		if err := app.Start(ctx); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		if err := app.Stop(ctx); err != nil {
			Log.Warn("Failed to stop", zap.Error(err))
		}
	}
}

func NewContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}

// RunWithContext runs fn in the background once the app started.
// Stopping the app cancels the context passed to fn and waits for fn to return.
func RunWithContext(lc fx.Lifecycle, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			wg.Add(1)
			go func() {
				defer wg.Done()
				fn(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

// NewMetricsRegistry returns the go-metrics registry exported to Prometheus.
func NewMetricsRegistry() metrics.Registry {
	return metrics.DefaultRegistry
}
