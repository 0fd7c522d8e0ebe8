// Package pathsafe implements the path-containment invariant every
// workspace-scoped file API in ScalyClaw must uphold (spec §5: "paths are
// never resolved outside these roots"; spec §8: "Path containment: every
// resolveFilePath(p) either returns a path whose absolute form is within its
// declared root, or rejects p"). Grounded on the zip-slip guard in
// internal/worker/skillcache.go's unzipInto, generalized from archive
// extraction to arbitrary request-supplied relative paths.
package pathsafe

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Resolve joins root and rel, rejecting any result that would escape root
// (via "..", a symlink-free lexical check, or an absolute rel) and any rel
// containing a NUL byte. The returned path is absolute and cleaned.
func Resolve(root, rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("pathsafe: path contains NUL byte")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("pathsafe: resolve root: %w", err)
	}
	absRoot = filepath.Clean(absRoot)

	joined := filepath.Join(absRoot, rel)
	if joined != absRoot && !strings.HasPrefix(joined, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("pathsafe: path %q escapes root %q", rel, root)
	}
	return joined, nil
}

// Rel returns p's path relative to root, for rewriting an absolute
// in-root path back into the request-facing relative form. Returns ("",
// false) if p is not within root.
func Rel(root, p string) (string, bool) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	absRoot = filepath.Clean(absRoot)
	absP, err := filepath.Abs(p)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(absRoot, absP)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return rel, true
}
