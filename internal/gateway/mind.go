package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/scalyclaw/scalyclaw/internal/pathsafe"
)

// mindStore persists the user-editable "mind" files referenced by spec §6's
// `GET /api/mind[/{name}]`, `PUT /api/mind/{name} restricted to identity
// files`. Files live at {homeDir}/mind/{name}.md; only names in writable may
// be PUT, matching memstore.Store.SetIdentity's own restriction to the
// identity section of the system prompt.
type mindStore struct {
	root string
}

// writableMindFiles are the only names PUT accepts. Other mind files (if any
// exist on disk) are readable but fixed, the same way fixedArchitecture is
// fixed in orchestrator/systemprompt.go.
var writableMindFiles = map[string]bool{"identity": true}

func newMindStore(homeDir string) *mindStore {
	return &mindStore{root: filepath.Join(homeDir, "mind")}
}

func (m *mindStore) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("mind: invalid file name %q", name)
	}
	return pathsafe.Resolve(m.root, name+".md")
}

// List returns the names of every mind file present on disk.
func (m *mindStore) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mind: list: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".md"))
	}
	sort.Strings(names)
	return names, nil
}

// Get reads one mind file's contents.
func (m *mindStore) Get(name string) (string, error) {
	full, err := m.path(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("mind: read %q: %w", name, err)
	}
	return string(data), nil
}

// Put writes a mind file's contents. Only writableMindFiles may be written.
func (m *mindStore) Put(name, content string) error {
	if !writableMindFiles[name] {
		return fmt.Errorf("mind: %q is not an identity file", name)
	}
	full, err := m.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("mind: create mind directory: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("mind: write %q: %w", name, err)
	}
	return nil
}
