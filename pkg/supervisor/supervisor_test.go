package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcess_Exit(t *testing.T) {
	exited := make(chan *Process, 1)
	p, err := Start("exit3", exec.Command("sh", "-c", "exit 3"), func(p *Process) {
		exited <- p
	})
	require.NoError(t, err)
	assert.NotZero(t, p.Pid())
	select {
	case got := <-exited:
		assert.Same(t, p, got)
	case <-time.After(5 * time.Second):
		t.Fatal("Exit callback not called")
	}
	assert.Equal(t, Exited, p.State())
	assert.False(t, p.Alive())
	assert.Equal(t, 3, p.ExitCode())
	assert.Error(t, p.Err())
	// Signaling an exited process is a no-op.
	assert.NoError(t, p.Signal(os.Interrupt))
}

func TestProcess_StartFailure(t *testing.T) {
	_, err := Start("missing", exec.Command("/nonexistent/binary"), nil)
	assert.Error(t, err)

	p := New("twice", exec.Command("true"), nil)
	assert.Equal(t, Starting, p.State())
	require.NoError(t, p.Start())
	assert.Error(t, p.Start())
	<-p.Done()
	assert.Equal(t, 0, p.ExitCode())
}

func TestProcess_TerminateGraceful(t *testing.T) {
	p, err := Start("sleep", exec.Command("sleep", "30"), nil)
	require.NoError(t, err)
	assert.Equal(t, Running, p.State())
	forced, err := p.Terminate(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.False(t, forced)
	assert.Equal(t, Exited, p.State())
}

func TestProcess_TerminateForced(t *testing.T) {
	ready := filepath.Join(t.TempDir(), "ready")
	cmd := exec.Command("sh", "-c", `trap "" TERM; touch "$READY"; exec sleep 30`)
	cmd.Env = append(os.Environ(), "READY="+ready)
	p, err := Start("stubborn", cmd, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := os.Stat(ready)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	forced, err := p.Terminate(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, forced)
	assert.GreaterOrEqual(t, int64(time.Since(start)), int64(200*time.Millisecond))
	assert.Equal(t, Exited, p.State())
	assert.Equal(t, -1, p.ExitCode())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "starting", Starting.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "exited", Exited.String())
}
