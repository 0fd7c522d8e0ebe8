package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir string, m skillManifest) {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644))
}

func TestLoadManifestRejectsMissingFields(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, skillManifest{Runtime: "bash"})
	_, err := loadManifest(dir)
	require.Error(t, err)
}

func TestLoadManifestParsesValidFile(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, skillManifest{Runtime: "bash", EntryCommand: "sh", EntryArgs: []string{"run.sh"}})
	m, err := loadManifest(dir)
	require.NoError(t, err)
	require.Equal(t, "bash", m.Runtime)
	require.Equal(t, "sh", m.EntryCommand)
}

func TestEnsureInstalledSkipsWhenFingerprintMatches(t *testing.T) {
	dir := t.TempDir()
	m := &skillManifest{Runtime: "bash", InstallCommand: "", EntryCommand: "true"}
	fp, err := fingerprint(dir, m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, installMarkerName), []byte(fp), 0o644))

	in := newInstaller()
	require.NoError(t, in.EnsureInstalled(context.Background(), dir, m))
}

func TestEnsureInstalledRunsInstallCommandOnce(t *testing.T) {
	dir := t.TempDir()
	m := &skillManifest{Runtime: "sh", InstallCommand: "touch installed.marker", EntryCommand: "true"}

	in := newInstaller()
	require.NoError(t, in.EnsureInstalled(context.Background(), dir, m))
	require.FileExists(t, filepath.Join(dir, "installed.marker"))
	require.FileExists(t, filepath.Join(dir, installMarkerName))

	require.NoError(t, os.Remove(filepath.Join(dir, "installed.marker")))
	require.NoError(t, in.EnsureInstalled(context.Background(), dir, m))
	require.NoFileExists(t, filepath.Join(dir, "installed.marker"))
}
