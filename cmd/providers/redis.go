package providers

import (
	"context"

	"github.com/spf13/viper"
	"go.od2.network/fleet/pkg/broker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Redis config keys.
const (
	ConfRedisNetwork      = "redis.network"
	ConfRedisHost         = "redis.host"
	ConfRedisPort         = "redis.port"
	ConfRedisDB           = "redis.db"
	ConfRedisPassword     = "redis.password"
	ConfRedisPoolSize     = "redis.pool_size"
	ConfRedisTextPoolSize = "redis.text_pool_size"
	ConfRedisDialTimeout  = "redis.dial_timeout"
	ConfRedisReadTimeout  = "redis.read_timeout"
	ConfRedisWriteTimeout = "redis.write_timeout"
	ConfRedisPingAttempts = "redis.ping_attempts"
)

func init() {
	defaults := broker.DefaultOptions
	viper.SetDefault(ConfRedisNetwork, defaults.Network)
	viper.SetDefault(ConfRedisHost, defaults.Host)
	viper.SetDefault(ConfRedisPort, defaults.Port)
	viper.SetDefault(ConfRedisDB, defaults.DB)
	viper.SetDefault(ConfRedisPassword, "")
	viper.SetDefault(ConfRedisPoolSize, defaults.PoolSize)
	viper.SetDefault(ConfRedisTextPoolSize, defaults.TextPoolSize)
	viper.SetDefault(ConfRedisDialTimeout, defaults.DialTimeout)
	viper.SetDefault(ConfRedisReadTimeout, defaults.ReadTimeout)
	viper.SetDefault(ConfRedisWriteTimeout, defaults.WriteTimeout)
	viper.SetDefault(ConfRedisPingAttempts, defaults.PingAttempts)
}

// NewBrokerOptions reads the Redis connection settings.
func NewBrokerOptions() broker.Options {
	return broker.Options{
		Network:      viper.GetString(ConfRedisNetwork),
		Host:         viper.GetString(ConfRedisHost),
		Port:         viper.GetInt(ConfRedisPort),
		DB:           viper.GetInt(ConfRedisDB),
		Password:     viper.GetString(ConfRedisPassword),
		PoolSize:     viper.GetInt(ConfRedisPoolSize),
		TextPoolSize: viper.GetInt(ConfRedisTextPoolSize),
		DialTimeout:  viper.GetDuration(ConfRedisDialTimeout),
		ReadTimeout:  viper.GetDuration(ConfRedisReadTimeout),
		WriteTimeout: viper.GetDuration(ConfRedisWriteTimeout),
		PingAttempts: viper.GetUint64(ConfRedisPingAttempts),
	}
}

// NewBroker connects to Redis and closes the pools when the app stops.
func NewBroker(ctx context.Context, log *zap.Logger, lc fx.Lifecycle, opts broker.Options) (*broker.Conn, error) {
	conn, err := broker.Connect(ctx, opts, log.Named("broker"))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return conn.Close()
		},
	})
	return conn, nil
}
