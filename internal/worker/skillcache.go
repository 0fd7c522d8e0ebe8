package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/scalyclaw/scalyclaw/internal/keyspace"
)

// skillCache is the in-memory map keyed by skillId with per-skill
// single-flight fetch, matching spec §4.10 ("Skill cache"). golang.org/x/sync
// is already an indirect dependency of the teacher (goa.design/pulse pulls
// it in); this promotes it to a direct, exercised import.
type skillCache struct {
	workspace  string
	nodeURL    string
	authToken  string
	httpClient *http.Client

	sf singleflight.Group

	mu      sync.Mutex
	present map[string]struct{}
}

func newSkillCache(workspace, nodeURL, authToken string, client *http.Client) *skillCache {
	if client == nil {
		client = http.DefaultClient
	}
	return &skillCache{
		workspace:  workspace,
		nodeURL:    strings.TrimRight(nodeURL, "/"),
		authToken:  authToken,
		httpClient: client,
		present:    make(map[string]struct{}),
	}
}

func (c *skillCache) dir(skillID string) string {
	return filepath.Join(c.workspace, "skills", skillID)
}

// Ensure returns the on-disk directory for skillID, fetching and unpacking
// the bundle from the node on a cache miss. Concurrent callers for the same
// skillID share one fetch.
func (c *skillCache) Ensure(ctx context.Context, skillID string) (string, error) {
	dir := c.dir(skillID)

	c.mu.Lock()
	_, hit := c.present[skillID]
	c.mu.Unlock()
	if hit {
		return dir, nil
	}

	_, err, _ := c.sf.Do(skillID, func() (any, error) {
		if err := c.fetch(ctx, skillID, dir); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.present[skillID] = struct{}{}
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return dir, nil
}

func (c *skillCache) fetch(ctx context.Context, skillID, dir string) error {
	url := c.nodeURL + keyspace.SkillZipPath(skillID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("worker: build skill fetch request: %w", err)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("worker: fetch skill %q: %w", skillID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker: fetch skill %q: unexpected status %d", skillID, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("worker: read skill bundle %q: %w", skillID, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("worker: create skill dir %q: %w", dir, err)
	}
	return unzipInto(body, dir)
}

// unzipInto extracts a zip archive's contents into dir, rejecting any entry
// whose cleaned path would escape dir (spec §5: "paths are never resolved
// outside these roots").
func unzipInto(archive []byte, dir string) error {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return fmt.Errorf("worker: open skill archive: %w", err)
	}
	for _, f := range zr.File {
		target := filepath.Join(dir, f.Name)
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) && target != filepath.Clean(dir) {
			return fmt.Errorf("worker: skill archive entry %q escapes skill directory", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("worker: open archive entry %q: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, f.Mode())
	if err != nil {
		return fmt.Errorf("worker: create skill file %q: %w", target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("worker: write skill file %q: %w", target, err)
	}
	return nil
}

// Clear drops every cached skill presence marker. Triggered by the
// scalyclaw:skills:reload pub/sub message (spec §4.10).
func (c *skillCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.present = make(map[string]struct{})
}
