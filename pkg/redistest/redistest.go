// Package redistest contains utilities for unit tests with Redis.
//
// Available backends: Subprocess (local redis-server), Docker.
package redistest

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"go.od2.network/fleet/pkg/exectest"
	"go.od2.network/fleet/pkg/supervisor"
)

// Redis is a Redis server and client for use in end-to-end unit tests.
type Redis struct {
	Client *redis.Client
	// Options the client was built with, for constructing more clients.
	Options *redis.Options

	close func(t testing.TB)
}

// NewRedis constructs a Redis server/client from the fastest available backend.
// The test is skipped if neither redis-server nor Docker is available.
func NewRedis(ctx context.Context, t testing.TB) *Redis {
	if SupportsSubprocess() {
		t.Log("redistest: redis-server installed, using subprocess")
		return NewSubprocess(ctx, t)
	}
	t.Log("redistest: Falling back to Docker")
	return NewDocker(ctx, t)
}

// SupportsSubprocess checks if redis-server is on the PATH.
func SupportsSubprocess() bool {
	_, err := exec.LookPath("redis-server")
	return err == nil
}

// NewSubprocess starts an ephemeral Redis server listening on a unix socket.
func NewSubprocess(ctx context.Context, t testing.TB) *Redis {
	dir, err := os.MkdirTemp("", "redistest-")
	if err != nil {
		t.Fatal("Failed to get temp dir:", err)
	}
	socket := filepath.Join(dir, "redis.sock")
	redisCmd := exec.Command("redis-server",
		"--port", "0",
		"--unixsocket", socket,
		"--unixsocketperm", "700",
		"--save", "",
		"--loglevel", "verbose")
	redisCmd.Dir = dir
	exectest.Capture(t, redisCmd, "redis")
	proc, err := supervisor.Start("redis", redisCmd, nil)
	if err != nil {
		t.Fatal("Failed to start redis-server:", err)
	}
	opts := &redis.Options{
		Network: "unix",
		Addr:    socket,
	}
	client := redis.NewClient(opts)
	closeFn := func(t testing.TB) {
		_ = client.Close()
		_, _ = proc.Terminate(context.Background(), time.Second)
		t.Log("redistest: Removing", dir)
		_ = os.RemoveAll(dir)
	}
	// Give Redis a few seconds to start up.
	startupTicker := time.NewTicker(100 * time.Millisecond)
	defer startupTicker.Stop()
	var pingErr error
tryLoop:
	for try := 0; try < 30; try++ {
		if try > 0 {
			select {
			case <-startupTicker.C:
			case <-proc.Done():
				break tryLoop
			}
		}
		pingErr = client.Ping(ctx).Err()
		if errors.Is(pingErr, os.ErrNotExist) {
			continue // Redis hasn't created the socket yet
		} else if pingErr != nil {
			continue // Redis still not up
		}
		t.Log("redistest: Redis is up")
		return &Redis{Client: client, Options: opts, close: closeFn}
	}
	closeFn(t)
	if err := proc.Err(); err != nil {
		t.Fatal("Subprocess failed:", err)
	}
	t.Fatal("Failed to ping Redis:", pingErr)
	return nil
}

// NewDocker starts Redis in a Docker container.
// The test is skipped if Docker is unreachable.
func NewDocker(ctx context.Context, t testing.TB) *Redis {
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skip("redistest: Neither redis-server nor Docker available:", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skip("redistest: Neither redis-server nor Docker available:", err)
	}
	pool.MaxWait = time.Minute
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "redis",
		Tag:        "6-alpine",
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Fatal("Creating Redis container:", err)
	}
	opts := &redis.Options{
		Network: "tcp",
		Addr:    "localhost:" + resource.GetPort("6379/tcp"),
	}
	client := redis.NewClient(opts)
	if err := pool.Retry(func() error {
		return client.Ping(ctx).Err()
	}); err != nil {
		_ = resource.Close()
		t.Fatal("Connection to Redis container:", err)
	}
	t.Log("redistest: Redis container is up")
	return &Redis{
		Client:  client,
		Options: opts,
		close: func(t testing.TB) {
			_ = client.Close()
			assert.NoError(t, resource.Close(), "Removing container")
		},
	}
}

// Close shuts down the server and client.
func (r *Redis) Close(t testing.TB) {
	r.close(t)
}
