package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/scalyclaw/scalyclaw/internal/broker"
	"github.com/scalyclaw/scalyclaw/internal/cancelbus"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/keyspace"
)

type noopPulseClient struct{}

func (noopPulseClient) Stream(string, ...streamopts.Stream) (broker.PulseStream, error) {
	return noopPulseStream{}, nil
}

type noopPulseStream struct{}

func (noopPulseStream) Add(context.Context, string, []byte) (string, error) { return "", nil }
func (noopPulseStream) NewSink(context.Context, string, ...streamopts.Sink) (broker.PulseSink, error) {
	return nil, nil
}

func newTestWorker(t *testing.T, nodeURL string) *Worker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	brk, err := broker.New(broker.Options{Redis: rdb, Pulse: noopPulseClient{}})
	require.NoError(t, err)
	cancel := cancelbus.New(rdb, nil)

	cfg := &config.WorkerConfig{
		NodeURL:     nodeURL,
		Workspace:   t.TempDir(),
		Concurrency: 1,
	}
	w, err := New(cfg, brk, cancel, nil)
	require.NoError(t, err)
	return w
}

func TestHandleToolExecutionRunsCommand(t *testing.T) {
	w := newTestWorker(t, "")
	payload, err := json.Marshal(broker.ToolExecutionPayload{
		ChannelID: "chan-1",
		ToolName:  "echo",
		Input:     json.RawMessage(`{"args":["hi"]}`),
	})
	require.NoError(t, err)

	out, err := w.handleToolExecution(context.Background(), &broker.Job{ID: "job-1", Name: string(keyspace.JobToolExecution), Data: payload})
	require.NoError(t, err)

	var res execResult
	require.NoError(t, json.Unmarshal(out, &res))
	require.Equal(t, "hi\n", res.Stdout)
	require.Equal(t, 0, res.ExitCode)
}

func TestHandleToolExecutionRejectsDeniedCommand(t *testing.T) {
	w := newTestWorker(t, "")
	payload, err := json.Marshal(broker.ToolExecutionPayload{
		ChannelID: "chan-1",
		ToolName:  "rm",
		Input:     json.RawMessage(`{"args":["-rf","/"],"_deniedCommands":["rm -rf"]}`),
	})
	require.NoError(t, err)

	_, err = w.handleToolExecution(context.Background(), &broker.Job{ID: "job-1", Name: string(keyspace.JobToolExecution), Data: payload})
	require.Error(t, err)
}

func TestHandleSkillExecutionFetchesInstallsAndRuns(t *testing.T) {
	archive := buildTestZip(t, map[string]string{
		"manifest.json": `{"runtime":"sh","entryCommand":"sh","entryArgs":["run.sh"]}`,
		"run.sh":        "#!/bin/sh\necho done\n",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	w := newTestWorker(t, srv.URL)
	payload, err := json.Marshal(broker.SkillExecutionPayload{ChannelID: "chan-1", SkillID: "skill-1"})
	require.NoError(t, err)

	out, err := w.handleSkillExecution(context.Background(), &broker.Job{ID: "job-1", Name: string(keyspace.JobSkillExecution), Data: payload})
	require.NoError(t, err)

	var res map[string]any
	require.NoError(t, json.Unmarshal(out, &res))
	require.Contains(t, res["result"], "done")
}

func TestHandleDispatchesUnknownJobNameAsPermanentError(t *testing.T) {
	w := newTestWorker(t, "")
	_, err := w.handle(context.Background(), &broker.Job{ID: "job-1", Name: "unknown-job", Data: json.RawMessage(`{}`)})
	require.Error(t, err)
	var perm *broker.PermanentError
	require.ErrorAs(t, err, &perm)
}
