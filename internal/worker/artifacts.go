package worker

import (
	"encoding/json"
	"sort"
	"strings"
)

// rewriteArtifacts scans a skill job's stdout for absolute paths beginning
// with workspace, rewrites them to workspace-relative form, and appends the
// touched set under _workerFiles plus _workerProcessId (spec §4.10:
// "Artifact rewriting"). stdout is interpreted as JSON first; if it doesn't
// parse, it is treated as a single text blob.
func rewriteArtifacts(workspace, stdout string, processID int) (json.RawMessage, error) {
	prefix := strings.TrimRight(workspace, "/") + "/"
	files := map[string]struct{}{}

	var asJSON any
	if err := json.Unmarshal([]byte(stdout), &asJSON); err == nil {
		rewritten := rewriteValue(asJSON, prefix, files)
		obj, ok := rewritten.(map[string]any)
		if !ok {
			obj = map[string]any{"result": rewritten}
		}
		obj["_workerFiles"] = sortedKeys(files)
		obj["_workerProcessId"] = processID
		return json.Marshal(obj)
	}

	text := rewriteText(stdout, prefix, files)
	return json.Marshal(map[string]any{
		"result":           text,
		"_workerFiles":     sortedKeys(files),
		"_workerProcessId": processID,
	})
}

func rewriteValue(v any, prefix string, files map[string]struct{}) any {
	switch val := v.(type) {
	case string:
		return rewriteText(val, prefix, files)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = rewriteValue(child, prefix, files)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = rewriteValue(child, prefix, files)
		}
		return out
	default:
		return v
	}
}

// rewriteText replaces every occurrence of prefix in text with "" (making
// the path workspace-relative) and records each rewritten path.
func rewriteText(text, prefix string, files map[string]struct{}) string {
	if !strings.Contains(text, prefix) {
		return text
	}
	var b strings.Builder
	rest := text
	for {
		idx := strings.Index(rest, prefix)
		if idx < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:idx])
		rest = rest[idx+len(prefix):]

		end := len(rest)
		for i, r := range rest {
			if r == ' ' || r == '\n' || r == '\t' || r == '"' || r == '\'' {
				end = i
				break
			}
		}
		relPath := rest[:end]
		files[relPath] = struct{}{}
		b.WriteString(relPath)
		rest = rest[end:]
	}
	return b.String()
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
