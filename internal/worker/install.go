package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// installMarkerName is the fingerprint file left behind by a successful
// install, compared against on every subsequent run (spec §4.10: "Skill
// install").
const installMarkerName = ".scalyclaw-installed"

// defaultInstallTimeout is the "generous timeout" spec §4.10 asks for
// around dependency installation, which can involve network fetches.
const defaultInstallTimeout = 5 * time.Minute

// skillManifest describes a skill bundle's runtime and entrypoint. Read
// from `manifest.json` at the root of the unpacked skill directory.
type skillManifest struct {
	Runtime        string   `json:"runtime"`        // e.g. "python3", "node", "bash"
	InstallCommand string   `json:"installCommand"` // run once per fingerprint change
	DepFiles       []string `json:"depFiles"`        // e.g. ["requirements.txt"]
	EntryCommand   string   `json:"entryCommand"`
	EntryArgs      []string `json:"entryArgs"`
}

func loadManifest(skillDir string) (*skillManifest, error) {
	data, err := os.ReadFile(filepath.Join(skillDir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("worker: read skill manifest: %w", err)
	}
	var m skillManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("worker: parse skill manifest: %w", err)
	}
	if m.Runtime == "" || m.EntryCommand == "" {
		return nil, fmt.Errorf("worker: skill manifest missing runtime/entryCommand")
	}
	return &m, nil
}

// installer guards concurrent installs of the same skill directory with a
// single-flight, so two jobs for the same cold skill don't race the install
// command (spec §4.10: "per-skill single-flight guarded by skillDir key").
type installer struct {
	sf singleflight.Group
}

func newInstaller() *installer { return &installer{} }

// EnsureInstalled computes a fingerprint over the install command and the
// manifest's dependency files, skips reinstall if it matches the marker
// file, otherwise verifies the runtime is on PATH, prepares a virtualenv for
// python3, runs the install command, and writes the marker on success.
func (in *installer) EnsureInstalled(ctx context.Context, skillDir string, m *skillManifest) error {
	fp, err := fingerprint(skillDir, m)
	if err != nil {
		return err
	}
	marker := filepath.Join(skillDir, installMarkerName)
	if current, err := os.ReadFile(marker); err == nil && strings.TrimSpace(string(current)) == fp {
		return nil
	}

	_, err, _ = in.sf.Do(skillDir, func() (any, error) {
		if current, err := os.ReadFile(marker); err == nil && strings.TrimSpace(string(current)) == fp {
			return nil, nil
		}
		if _, err := exec.LookPath(m.Runtime); err != nil {
			return nil, fmt.Errorf("worker: required runtime %q not found on PATH: %w", m.Runtime, err)
		}
		if m.Runtime == "python3" {
			if err := ensureVenv(ctx, skillDir); err != nil {
				return nil, err
			}
		}
		if m.InstallCommand != "" {
			res, err := run(ctx, execOptions{
				Dir:     skillDir,
				Command: "sh",
				Args:    []string{"-c", m.InstallCommand},
				Timeout: defaultInstallTimeout,
			})
			if err != nil {
				return nil, fmt.Errorf("worker: install command failed: %w", err)
			}
			if res.ExitCode != 0 {
				return nil, fmt.Errorf("worker: install command exited %d: %s", res.ExitCode, res.Stderr)
			}
		}
		if err := os.WriteFile(marker, []byte(fp), 0o644); err != nil {
			return nil, fmt.Errorf("worker: write install marker: %w", err)
		}
		return nil, nil
	})
	return err
}

func ensureVenv(ctx context.Context, skillDir string) error {
	venvDir := filepath.Join(skillDir, ".venv")
	if info, err := os.Stat(venvDir); err == nil && info.IsDir() {
		return nil
	}
	res, err := run(ctx, execOptions{Dir: skillDir, Command: "python3", Args: []string{"-m", "venv", ".venv"}, Timeout: defaultInstallTimeout})
	if err != nil {
		return fmt.Errorf("worker: create virtualenv: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("worker: create virtualenv exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// fingerprint hashes the install command plus the contents of every
// declared dependency file, so an unchanged skill bundle never reinstalls.
func fingerprint(skillDir string, m *skillManifest) (string, error) {
	h := sha256.New()
	h.Write([]byte(m.InstallCommand))
	for _, name := range m.DepFiles {
		data, err := os.ReadFile(filepath.Join(skillDir, name))
		if err != nil {
			continue // missing dep file for this language; ignore
		}
		h.Write([]byte(name))
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
