package worker

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.od2.network/fleet/cmd/providers"
	"go.od2.network/fleet/pkg/events"
	"go.od2.network/fleet/pkg/jobs"
	"go.od2.network/fleet/pkg/redisqueue"
	"go.od2.network/fleet/pkg/worker"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Cmd is the worker sub-command.
var Cmd = cobra.Command{
	Use:   "worker",
	Short: "Run job worker",
	Long: "Runs a worker processing jobs from the given queues, one at a time.\n" +
		"Queues are listed in priority order.\n" +
		"Workers are usually spawned by the controller.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		status := new(providers.ExitStatus)
		app := providers.NewApp(cmd,
			fx.Supply(status),
			fx.Provide(NewOptions),
			fx.Invoke(Run),
			// An in-flight job may run up to its timeout after shutdown was requested.
			fx.StopTimeout(viper.GetDuration(ConfDefaultTimeout)+time.Minute),
		)
		app.Run()
		os.Exit(status.Code())
	},
}

// Worker config keys.
const (
	ConfDefaultTimeout      = "worker.default_timeout"
	ConfPollTimeout         = "worker.poll_timeout"
	ConfRegistrationTTL     = "worker.registration_ttl"
	ConfMaintenanceInterval = "worker.maintenance_interval"
	ConfMetricsListenAddr   = "worker.metrics_listen_addr"
)

func init() {
	defaults := worker.DefaultOptions(nil)
	viper.SetDefault(ConfDefaultTimeout, defaults.DefaultTimeout)
	viper.SetDefault(ConfPollTimeout, defaults.PollTimeout)
	viper.SetDefault(ConfRegistrationTTL, defaults.RegistrationTTL)
	viper.SetDefault(ConfMaintenanceInterval, defaults.MaintenanceInterval)
	viper.SetDefault(ConfMetricsListenAddr, "")

	flags := Cmd.Flags()
	flags.StringSlice("queues", []string{"default"}, "Queues to process, highest priority first")
	flags.String("name", "", "Worker name, generated if empty")
	flags.Bool("burst", false, "Exit once the queues are empty")
}

// ErrNoQueues is returned if the worker was started without queues.
var ErrNoQueues = errors.New("no queues given")

// NewOptions reads the worker options from flags and config.
func NewOptions(cmd *cobra.Command) (worker.Options, error) {
	flags := cmd.Flags()
	queues, err := flags.GetStringSlice("queues")
	if err != nil {
		return worker.Options{}, err
	}
	if len(queues) == 0 {
		return worker.Options{}, ErrNoQueues
	}
	opts := worker.DefaultOptions(queues)
	if name, _ := flags.GetString("name"); name != "" {
		opts.Name = name
	}
	opts.Burst, _ = flags.GetBool("burst")
	opts.DefaultTimeout = viper.GetDuration(ConfDefaultTimeout)
	opts.PollTimeout = viper.GetDuration(ConfPollTimeout)
	opts.RegistrationTTL = viper.GetDuration(ConfRegistrationTTL)
	opts.MaintenanceInterval = viper.GetDuration(ConfMaintenanceInterval)
	return opts, opts.Validate()
}

type workerIn struct {
	fx.In

	Lifecycle fx.Lifecycle
	Shutdown  fx.Shutdowner
	Status    *providers.ExitStatus
	Options   worker.Options
	Consumers *redisqueue.Consumers
	Reaper    *redisqueue.Reaper
	Registry  *jobs.Registry
	Events    events.Sink
	Meter     metric.Meter
}

func Run(log *zap.Logger, inputs workerIn) error {
	metrics, err := worker.NewMetrics(inputs.Meter)
	if err != nil {
		return err
	}
	w := &worker.Worker{
		Options:   inputs.Options,
		Consumers: inputs.Consumers,
		Registry:  inputs.Registry,
		Log:       log.Named("worker").With(zap.String("worker.name", inputs.Options.Name)),
		Reaper:    inputs.Reaper,
		Events:    inputs.Events,
		Metrics:   metrics,
	}
	providers.ServeMetrics(log, inputs.Lifecycle, viper.GetString(ConfMetricsListenAddr))
	providers.RunWithContext(inputs.Lifecycle, func(ctx context.Context) {
		if err := w.Run(ctx); err != nil {
			log.Error("Worker failed", zap.Error(err))
			inputs.Status.Fail(log, inputs.Shutdown, err)
			return
		}
		if ctx.Err() == nil {
			// Burst mode done.
			if err := inputs.Shutdown.Shutdown(); err != nil {
				log.Fatal("Failed to shut down", zap.Error(err))
			}
		}
	})
	return nil
}
