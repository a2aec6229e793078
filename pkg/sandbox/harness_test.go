package sandbox

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain mirrors how every cmd/ entrypoint must call
// MaybeRunReexecChild before doing anything else: the test binary is
// itself os.Executable(), so Harness.Run's self-reexec spawns this same
// binary, and the reexec child path below intercepts it before
// testing.Main ever runs a test.
func TestMain(m *testing.M) {
	MaybeRunReexecChild()
	os.Exit(m.Run())
}

func TestHarnessRunSuccess(t *testing.T) {
	h := &Harness{Timeout: 5 * time.Second}
	res, err := h.Run(context.Background(), []string{"echo", "hello"}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "hello")
}

func TestHarnessRunNonZeroExit(t *testing.T) {
	h := &Harness{Timeout: 5 * time.Second}
	res, err := h.Run(context.Background(), []string{"sh", "-c", "exit 7"}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
}

func TestHarnessRunTimeout(t *testing.T) {
	h := &Harness{Timeout: 200 * time.Millisecond}
	res, err := h.Run(context.Background(), []string{"sleep", "5"}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, ExitTimeout, res.ExitCode)
}

func TestHarnessRunCommandNotFound(t *testing.T) {
	h := &Harness{Timeout: 5 * time.Second}
	res, err := h.Run(context.Background(), []string{"definitely-not-a-real-binary-xyz"}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 127, res.ExitCode)
}

func TestHarnessRunMemoryLimit(t *testing.T) {
	h := &Harness{MemoryMB: 1, Timeout: 5 * time.Second}
	// Allocate well beyond 1MB so the monitor's poll has something to catch.
	res, err := h.Run(context.Background(), []string{"sh", "-c", "a=$(head -c 50000000 /dev/zero | tr '\\0' 'x'); sleep 2"}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, ExitOOM, res.ExitCode)
}
