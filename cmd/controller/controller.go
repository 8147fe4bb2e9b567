package controller

import (
	"context"
	"os"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.od2.network/fleet/cmd/providers"
	"go.od2.network/fleet/pkg/broker"
	"go.od2.network/fleet/pkg/events"
	"go.od2.network/fleet/pkg/fleet"
	"go.od2.network/fleet/pkg/redisqueue"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Cmd is the controller sub-command.
var Cmd = cobra.Command{
	Use:   "controller",
	Short: "Run fleet controller",
	Long: "Runs the controller spawning and stopping worker processes to match the queue backlog.\n" +
		"Only one controller should run per set of queues.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		if testConn, _ := cmd.Flags().GetBool("test-connection"); testConn {
			os.Exit(TestConnection(providers.Log, providers.NewBrokerOptions()))
		}
		status := new(providers.ExitStatus)
		app := providers.NewApp(cmd,
			fx.Supply(status),
			fx.Provide(NewConfig, NewSpawner),
			fx.Invoke(Run),
			fx.StopTimeout(2*viper.GetDuration(ConfGracePeriod)+15*time.Second),
		)
		app.Run()
		os.Exit(status.Code())
	},
}

// Fleet config keys.
const (
	ConfMinWorkers        = "fleet.min_workers"
	ConfMaxWorkers        = "fleet.max_workers"
	ConfCheckInterval     = "fleet.check_interval"
	ConfScaleUpCooldown   = "fleet.scale_up_cooldown"
	ConfScaleDownCooldown = "fleet.scale_down_cooldown"
	ConfGracePeriod       = "fleet.grace_period"
	ConfSpawnRate         = "fleet.spawn_rate"
	ConfNamePrefix        = "fleet.name_prefix"
)

func init() {
	defaults := fleet.DefaultConfig()
	viper.SetDefault(ConfMinWorkers, defaults.MinWorkers)
	viper.SetDefault(ConfMaxWorkers, defaults.MaxWorkers)
	viper.SetDefault(ConfCheckInterval, defaults.CheckInterval)
	viper.SetDefault(ConfScaleUpCooldown, defaults.ScaleUpCooldown)
	viper.SetDefault(ConfScaleDownCooldown, defaults.ScaleDownCooldown)
	viper.SetDefault(ConfGracePeriod, defaults.GracePeriod)
	viper.SetDefault(ConfSpawnRate, defaults.SpawnRate)
	viper.SetDefault(ConfNamePrefix, defaults.NamePrefix)

	flags := Cmd.Flags()
	flags.StringSlice("queues", []string{"default"}, "Queues to serve, highest priority first")
	flags.Bool("test-connection", false, "Check the Redis connection and exit")
}

// NewConfig reads the controller config.
func NewConfig() (fleet.Config, error) {
	config := fleet.Config{
		MinWorkers:        viper.GetInt(ConfMinWorkers),
		MaxWorkers:        viper.GetInt(ConfMaxWorkers),
		CheckInterval:     viper.GetDuration(ConfCheckInterval),
		ScaleUpCooldown:   viper.GetDuration(ConfScaleUpCooldown),
		ScaleDownCooldown: viper.GetDuration(ConfScaleDownCooldown),
		GracePeriod:       viper.GetDuration(ConfGracePeriod),
		SpawnRate:         viper.GetFloat64(ConfSpawnRate),
		NamePrefix:        viper.GetString(ConfNamePrefix),
	}
	return config, config.Validate()
}

// NewSpawner re-executes this binary for workers,
// passing down the config file and log mode.
func NewSpawner(cmd *cobra.Command) (fleet.Spawner, error) {
	var args []string
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		args = append(args, "--config", configFile)
	}
	if dev, _ := cmd.Flags().GetBool("dev"); dev {
		args = append(args, "--dev")
	}
	spawner, err := fleet.NewExecSpawner(args...)
	if err != nil {
		return nil, err
	}
	return spawner, nil
}

// TestConnection connects to Redis once and returns the exit code.
func TestConnection(log *zap.Logger, opts broker.Options) int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	conn, err := broker.Connect(ctx, opts, log.Named("broker"))
	if err != nil {
		log.Error("Connection test failed", zap.Error(err))
		return 1
	}
	defer conn.Close()
	if !conn.Test(ctx) {
		log.Error("Connection test failed")
		return 1
	}
	log.Info("Connection test succeeded", zap.String("redis.addr", opts.Addr()))
	return 0
}

type controllerIn struct {
	fx.In

	Lifecycle fx.Lifecycle
	Shutdown  fx.Shutdowner
	Status    *providers.ExitStatus
	Cmd       *cobra.Command
	Config    fleet.Config
	Spawner   fleet.Spawner
	Manager   *redisqueue.Manager
	Reaper    *redisqueue.Reaper
	Events    events.Sink
	Registry  metrics.Registry
	Meter     metric.Meter
}

func Run(log *zap.Logger, inputs controllerIn) error {
	queues, err := inputs.Cmd.Flags().GetStringSlice("queues")
	if err != nil {
		return err
	}
	controller, err := fleet.NewController(inputs.Config, queues, inputs.Manager, inputs.Spawner, log.Named("fleet"))
	if err != nil {
		return err
	}
	controller.Events = inputs.Events
	controller.Metrics, err = fleet.NewMetrics(inputs.Registry, inputs.Meter)
	if err != nil {
		return err
	}
	providers.ServeMetrics(log, inputs.Lifecycle, viper.GetString(providers.ConfMetricsListenAddr))
	providers.RunWithContext(inputs.Lifecycle, func(ctx context.Context) {
		if err := inputs.Reaper.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Reaper failed", zap.Error(err))
		}
	})
	providers.RunWithContext(inputs.Lifecycle, func(ctx context.Context) {
		log.Info("Starting controller",
			zap.Strings("fleet.queues", queues),
			zap.Int("fleet.min_workers", inputs.Config.MinWorkers),
			zap.Int("fleet.max_workers", inputs.Config.MaxWorkers))
		if err := controller.Run(ctx); err != nil {
			log.Error("Controller failed", zap.Error(err))
			inputs.Status.Fail(log, inputs.Shutdown, err)
		}
	})
	return nil
}
