package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/cancelbus"
	"github.com/scalyclaw/scalyclaw/internal/keyspace"
)

func TestRunCapturesStdoutAndExitCode(t *testing.T) {
	res, err := run(context.Background(), execOptions{
		Command: "sh",
		Args:    []string{"-c", "echo hello"},
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, "hello\n", res.Stdout)
	require.Equal(t, 0, res.ExitCode)
}

func TestRunReportsNonZeroExitCode(t *testing.T) {
	res, err := run(context.Background(), execOptions{
		Command: "sh",
		Args:    []string{"-c", "exit 7"},
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, 7, res.ExitCode)
}

func TestRunRejectsDeniedCommand(t *testing.T) {
	_, err := run(context.Background(), execOptions{
		Command:        "rm",
		Args:           []string{"-rf", "/"},
		Timeout:        5 * time.Second,
		DeniedCommands: []string{"rm -rf"},
	})
	require.Error(t, err)
}

func TestRunRegistersAndUnregistersPID(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := cancelbus.New(rdb, nil)

	res, err := run(context.Background(), execOptions{
		Command: "sh",
		Args:    []string{"-c", "echo ok"},
		Timeout: 5 * time.Second,
		JobID:   "job-1",
		Cancel:  bus,
	})
	require.NoError(t, err)
	require.NotZero(t, res.Pid)
	require.Zero(t, rdb.Exists(context.Background(), keyspace.PIDKey("job-1")).Val())
}

func TestBoundedWriterTruncates(t *testing.T) {
	w := newBoundedWriter(4)
	_, _ = w.Write([]byte("abcdef"))
	require.Equal(t, "abcd", w.String())
	require.True(t, w.Truncated())
}
