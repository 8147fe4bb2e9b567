package controller

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/fleet/cmd/providers"
	"go.od2.network/fleet/cmd/providers/providerstest"
	"go.od2.network/fleet/pkg/broker"
	"go.od2.network/fleet/pkg/fleet"
	"go.od2.network/fleet/pkg/redistest"
	"go.uber.org/fx"
	"go.uber.org/zap/zaptest"
)

func TestApp(t *testing.T) {
	providerstest.Validate(t,
		fx.Supply(new(providers.ExitStatus)),
		fx.Provide(NewConfig, NewSpawner),
		fx.Invoke(Run))
}

func TestNewConfig(t *testing.T) {
	config, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, fleet.DefaultConfig(), config)

	viper.Set(ConfMaxWorkers, 0)
	t.Cleanup(func() { viper.Set(ConfMaxWorkers, nil) })
	_, err = NewConfig()
	assert.Error(t, err)
}

func TestNewSpawner(t *testing.T) {
	cmd := new(cobra.Command)
	cmd.Flags().String("config", "", "")
	cmd.Flags().Bool("dev", false, "")
	require.NoError(t, cmd.Flags().Parse([]string{"--config", "/etc/fleet.toml", "--dev"}))
	spawner, err := NewSpawner(cmd)
	require.NoError(t, err)
	assert.Equal(t, []string{"--config", "/etc/fleet.toml", "--dev"}, spawner.(*fleet.ExecSpawner).Args)
}

func TestTestConnection(t *testing.T) {
	log := zaptest.NewLogger(t)
	opts := broker.DefaultOptions
	opts.Network = "unix"
	opts.Host = "/nonexistent/redis.sock"
	opts.PingAttempts = 1
	assert.Equal(t, 1, TestConnection(log, opts))
}

func TestTestConnection_Live(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(ctx, t)
	defer instance.Close(t)

	opts := broker.DefaultOptions
	opts.Network = instance.Options.Network
	if opts.Network == "unix" {
		opts.Host = instance.Options.Addr
	} else {
		host, port, err := net.SplitHostPort(instance.Options.Addr)
		require.NoError(t, err)
		opts.Host = host
		opts.Port, err = strconv.Atoi(port)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, TestConnection(zaptest.NewLogger(t), opts))
}
