package providers

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zaptest"
)

func TestSplitListenAddr(t *testing.T) {
	network, address := SplitListenAddr("localhost:9100")
	assert.Equal(t, "tcp", network)
	assert.Equal(t, "localhost:9100", address)
	network, address = SplitListenAddr("unix:/run/fleet/metrics.sock")
	assert.Equal(t, "unix", network)
	assert.Equal(t, "/run/fleet/metrics.sock", address)
}

func TestListen_Unix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.sock")
	sock, err := Listen("unix", path)
	require.NoError(t, err)
	// Leave a stale socket file behind, like a killed process would.
	sock.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, sock.Close())
	_, err = os.Stat(path)
	require.NoError(t, err)

	sock, err = Listen("unix", path)
	require.NoError(t, err)
	require.NoError(t, sock.Close())

	regular := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(regular, nil, 0o644))
	_, err = Listen("unix", regular)
	assert.Error(t, err)
}

func TestServeMetrics_Unix(t *testing.T) {
	saved := MetricsHandler
	t.Cleanup(func() { MetricsHandler = saved })
	MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "fleet_workers 3\n")
	})

	path := filepath.Join(t.TempDir(), "metrics.sock")
	lc := fxtest.NewLifecycle(t)
	ServeMetrics(zaptest.NewLogger(t), lc, "unix:"+path)
	lc.RequireStart()
	defer lc.RequireStop()

	client := http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}}
	res, err := client.Get("http://fleet/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "fleet_workers 3\n", string(body))
}

func TestServeMetrics_Disabled(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	ServeMetrics(zaptest.NewLogger(t), lc, "")
	lc.RequireStart().RequireStop()
}
