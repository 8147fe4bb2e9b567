package providers

import (
	"time"

	"github.com/spf13/viper"
	"go.od2.network/fleet/pkg/broker"
	"go.od2.network/fleet/pkg/jobs"
	"go.od2.network/fleet/pkg/redisqueue"
	"go.uber.org/zap"
)

// Reaper config keys.
const (
	ConfReaperInterval  = "reaper.interval"
	ConfReaperBatchSize = "reaper.batch_size"
)

func init() {
	viper.SetDefault(ConfReaperInterval, time.Minute)
	viper.SetDefault(ConfReaperBatchSize, uint(1000))
}

func NewManager(conn *broker.Conn, log *zap.Logger) *redisqueue.Manager {
	return redisqueue.NewManager(conn, log.Named("queue"))
}

func NewConsumers(conn *broker.Conn, log *zap.Logger) *redisqueue.Consumers {
	return &redisqueue.Consumers{
		Conn: conn,
		Log:  log.Named("consumers"),
	}
}

func NewReaper(manager *redisqueue.Manager, log *zap.Logger) *redisqueue.Reaper {
	return &redisqueue.Reaper{
		Manager:   manager,
		Log:       log.Named("reaper"),
		Interval:  viper.GetDuration(ConfReaperInterval),
		BatchSize: viper.GetUint(ConfReaperBatchSize),
	}
}

// NewRegistry returns the table of job functions this binary can run.
func NewRegistry() (*jobs.Registry, error) {
	registry := jobs.NewRegistry()
	if err := jobs.RegisterBuiltins(registry); err != nil {
		return nil, err
	}
	return registry, nil
}
