// Package skills is the node-side half of the skill distribution pipeline
// (spec §4.10/§6): a directory of skill bundles under the node's home
// directory, each zipped on demand for GET /api/skills/{id}/zip. The
// worker-side half (fetch, cache, install) lives in internal/worker.
// Grounded on internal/worker/skillcache.go's archive/zip usage, mirrored
// from unpack to pack.
package skills

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/scalyclaw/scalyclaw/internal/keyspace"
	"github.com/scalyclaw/scalyclaw/internal/pathsafe"
)

// Store manages the node's on-disk skill bundle directories and serves
// zipped snapshots of them. Bundles are registered under {root}/{id}/.
type Store struct {
	root string

	mu         sync.RWMutex
	registered []string // insertion-ordered ids listed via List
}

// New constructs a Store rooted at {homeDir}/skills.
func New(homeDir string) *Store {
	return &Store{root: filepath.Join(homeDir, "skills")}
}

// Dir returns the on-disk directory for a skill bundle, rejecting ids that
// escape the skills root. It does not create the directory.
func (s *Store) Dir(skillID string) (string, error) {
	dir, err := pathsafe.Resolve(s.root, skillID)
	if err != nil {
		return "", fmt.Errorf("skills: %w", err)
	}
	return dir, nil
}

// Register records skillID in an in-memory, sorted list; idempotent. List
// does not consult this list and always reads the skills directory.
func (s *Store) Register(skillID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.registered {
		if id == skillID {
			return
		}
	}
	s.registered = append(s.registered, skillID)
	sort.Strings(s.registered)
}

// List returns every skill id with a bundle directory on disk, used by the
// orchestrator's system-prompt assembly (spec §4.7: "dynamic lists of
// registered skills").
func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("skills: list bundles: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Zip packs skillID's bundle directory into a zip archive in memory for
// serving by the gateway's GET /api/skills/{id}/zip endpoint. Returns
// (nil, false, nil) if the skill has no bundle on disk.
func (s *Store) Zip(skillID string) ([]byte, bool, error) {
	dir, err := s.Dir(skillID)
	if err != nil {
		return nil, false, err
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("skills: stat bundle %q: %w", skillID, err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, ok := pathsafe.Rel(dir, path)
		if !ok || rel == "." {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		w, err := zw.Create(rel)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("skills: zip bundle %q: %w", skillID, err)
	}
	if err := zw.Close(); err != nil {
		return nil, false, fmt.Errorf("skills: finalize zip %q: %w", skillID, err)
	}
	return buf.Bytes(), true, nil
}

// ZipRoutePath mirrors keyspace.SkillZipPath for handler registration.
func ZipRoutePath() string { return "/api/skills/:id/zip" }

// ReloadChannel is the pub/sub channel workers clear their cache on after an
// operator updates a bundle on disk (spec §6: "scalyclaw:skills:reload").
func ReloadChannel() string { return keyspace.ChanSkillsReload }
