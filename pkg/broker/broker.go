// Package broker manages the Redis connection pools shared by queue producers and workers.
//
// Each process holds exactly one Conn, constructed at startup and closed at shutdown.
// The Conn exposes two named pools:
// the binary pool carries serialized job payloads,
// the text pool serves cheap introspection commands (queue lengths, counters).
package broker

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Mode selects one of the two connection pools.
type Mode int

const (
	// Binary is the pool used for job payloads.
	Binary Mode = iota
	// Text is the pool used for introspection.
	Text
)

func (m Mode) String() string {
	switch m {
	case Binary:
		return "binary"
	case Text:
		return "text"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Options configures the broker connection.
type Options struct {
	Network  string
	Host     string
	Port     int
	DB       int
	Password string

	PoolSize     int // max connections of the binary pool
	TextPoolSize int // max connections of the text pool

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PingAttempts uint64 // pings before giving up on Connect
}

// DefaultOptions holds the default connection settings.
// Only pass by value, not reference, to avoid modifying this globally.
var DefaultOptions = Options{
	Network:      "tcp",
	Host:         "localhost",
	Port:         6379,
	PoolSize:     10,
	TextPoolSize: 4,
	DialTimeout:  5 * time.Second,
	ReadTimeout:  3 * time.Second,
	WriteTimeout: 3 * time.Second,
	PingAttempts: 3,
}

// Addr returns the dial address.
func (o *Options) Addr() string {
	if o.Network == "unix" {
		return o.Host
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func (o *Options) redisOptions(poolSize int) *redis.Options {
	return &redis.Options{
		Network:      o.Network,
		Addr:         o.Addr(),
		Password:     o.Password,
		DB:           o.DB,
		PoolSize:     poolSize,
		DialTimeout:  o.DialTimeout,
		ReadTimeout:  o.ReadTimeout,
		WriteTimeout: o.WriteTimeout,
	}
}

// Conn holds the binary and text pools.
type Conn struct {
	log    *zap.Logger
	binary *redis.Client
	text   *redis.Client

	closeOnce sync.Once
	closeErr  error
}

// Connect creates both pools and pings them.
// It fails if Redis is unreachable after the configured number of pings.
func Connect(ctx context.Context, opts Options, log *zap.Logger) (*Conn, error) {
	log.Info("Connecting to Redis",
		zap.String("redis.network", opts.Network),
		zap.String("redis.addr", opts.Addr()),
		zap.Int("redis.db", opts.DB),
		zap.Int("redis.pool_size", opts.PoolSize),
		zap.Int("redis.text_pool_size", opts.TextPoolSize))
	c := &Conn{
		log:    log,
		binary: redis.NewClient(opts.redisOptions(opts.PoolSize)),
		text:   redis.NewClient(opts.redisOptions(opts.TextPoolSize)),
	}
	var policy backoff.BackOff = backoff.NewExponentialBackOff()
	if opts.PingAttempts > 0 {
		policy = backoff.WithMaxRetries(policy, opts.PingAttempts-1)
	}
	err := backoff.RetryNotify(func() error {
		return c.ping(ctx)
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		log.Warn("Redis ping failed, retrying",
			zap.Error(err),
			zap.Duration("retry_in", next))
	})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis unreachable at %s: %w", opts.Addr(), err)
	}
	return c, nil
}

// NewConn wraps existing clients without probing.
// Both modes may share the same client.
func NewConn(binary, text *redis.Client, log *zap.Logger) *Conn {
	return &Conn{log: log, binary: binary, text: text}
}

func (c *Conn) ping(ctx context.Context) error {
	if err := c.binary.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("binary pool: %w", err)
	}
	if err := c.text.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("text pool: %w", err)
	}
	return nil
}

// Client returns the pool for the requested mode.
func (c *Conn) Client(mode Mode) *redis.Client {
	if mode == Text {
		return c.text
	}
	return c.binary
}

// Binary returns the pool carrying serialized job payloads.
func (c *Conn) Binary() *redis.Client {
	return c.binary
}

// Text returns the pool used for introspection.
func (c *Conn) Text() *redis.Client {
	return c.text
}

// Test reports whether both pools answer a ping.
// It never returns an error, failures are logged.
func (c *Conn) Test(ctx context.Context) bool {
	if err := c.ping(ctx); err != nil {
		c.log.Warn("Redis health check failed", zap.Error(err))
		return false
	}
	return true
}

// Close disconnects both pools.
// Close is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.log.Info("Closing Redis pools")
		c.closeErr = c.binary.Close()
		if c.text != c.binary {
			c.closeErr = multierr.Append(c.closeErr, c.text.Close())
		}
		if c.closeErr != nil {
			c.log.Error("Failed to close Redis pools", zap.Error(c.closeErr))
		}
	})
	return c.closeErr
}
