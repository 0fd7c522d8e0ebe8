package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildTestZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestSkillCacheEnsureFetchesAndUnpacksOnce(t *testing.T) {
	archive := buildTestZip(t, map[string]string{"manifest.json": `{"runtime":"bash","entryCommand":"true"}`})

	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	workspace := t.TempDir()
	cache := newSkillCache(workspace, srv.URL, "secret", srv.Client())

	dir, err := cache.Ensure(context.Background(), "skill-1")
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dir, "manifest.json"))
	require.Equal(t, 1, requests)

	_, err = cache.Ensure(context.Background(), "skill-1")
	require.NoError(t, err)
	require.Equal(t, 1, requests, "cached skill should not refetch")
}

func TestSkillCacheClearForcesRefetch(t *testing.T) {
	archive := buildTestZip(t, map[string]string{"manifest.json": `{"runtime":"bash","entryCommand":"true"}`})
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	cache := newSkillCache(t.TempDir(), srv.URL, "", srv.Client())
	_, err := cache.Ensure(context.Background(), "skill-1")
	require.NoError(t, err)
	cache.Clear()
	_, err = cache.Ensure(context.Background(), "skill-1")
	require.NoError(t, err)
	require.Equal(t, 2, requests)
}

func TestUnzipIntoRejectsPathEscape(t *testing.T) {
	archive := buildTestZip(t, map[string]string{"../../evil.txt": "nope"})
	err := unzipInto(archive, t.TempDir())
	require.Error(t, err)
}

func TestUnzipIntoWritesNestedFiles(t *testing.T) {
	archive := buildTestZip(t, map[string]string{"nested/file.txt": "hi"})
	dir := t.TempDir()
	require.NoError(t, unzipInto(archive, dir))
	data, err := os.ReadFile(filepath.Join(dir, "nested", "file.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(data))
}
