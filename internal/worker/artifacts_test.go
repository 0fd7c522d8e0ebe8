package worker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRewriteArtifactsJSONStdout(t *testing.T) {
	stdout := `{"report":"/workspace/out/report.pdf","count":3}`
	raw, err := rewriteArtifacts("/workspace", stdout, 4242)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, "out/report.pdf", out["report"])
	require.Equal(t, float64(4242), out["_workerProcessId"])
	require.ElementsMatch(t, []any{"out/report.pdf"}, out["_workerFiles"])
}

func TestRewriteArtifactsTextStdout(t *testing.T) {
	stdout := "wrote /workspace/data/result.csv\n"
	raw, err := rewriteArtifacts("/workspace", stdout, 1)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Contains(t, out["result"], "data/result.csv")
	require.ElementsMatch(t, []any{"data/result.csv"}, out["_workerFiles"])
}

func TestRewriteArtifactsNoMatchesLeavesFilesEmpty(t *testing.T) {
	raw, err := rewriteArtifacts("/workspace", `{"ok":true}`, 1)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Empty(t, out["_workerFiles"])
}
