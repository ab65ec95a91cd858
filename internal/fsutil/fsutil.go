package fsutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// AtomicWrite writes data to a file atomically: the bytes land in a
// temporary sibling, are fsynced, and are renamed over the target. Partial
// writes are never visible. Files are created with 0600 permissions.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := renameio.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s atomically: %w", path, err)
	}

	return nil
}

// AtomicWriteJSON atomically writes a value as indented JSON with a
// trailing newline, the format every corch record on disk uses (run
// state, waivers, config).
func AtomicWriteJSON(path string, v interface{}) error {
	if v == nil {
		return fmt.Errorf("cannot write nil value")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}

	// Encode already appends the newline.
	return AtomicWrite(path, buf.Bytes())
}

// ResolveWorkspacePath resolves a workspace-relative path to an absolute
// one, rejecting anything that could land outside the workspace: absolute
// inputs, ".." traversal, and symlinks whose target escapes the root. The
// diff applier trusts the result as a write target, so the checks here are
// load-bearing.
func ResolveWorkspacePath(workspace, relative string) (string, error) {
	if filepath.IsAbs(relative) {
		return "", fmt.Errorf("absolute paths not allowed: %s", relative)
	}

	// Normalize first so "a/../../x" is caught before any filesystem
	// access.
	normalized := filepath.Clean(filepath.FromSlash(relative))
	if normalized == ".." || strings.HasPrefix(normalized, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", relative)
	}

	root, err := filepath.EvalSymlinks(filepath.Clean(workspace))
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}

	candidate := filepath.Join(root, normalized)

	// An existing target may itself be (or sit behind) a symlink; resolve
	// it and require the real path to stay under the workspace root.
	if _, err := os.Lstat(candidate); err == nil {
		real, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			return "", fmt.Errorf("failed to resolve symlinks: %w", err)
		}
		if !contains(root, real) {
			return "", fmt.Errorf("symlink escapes workspace: %s", relative)
		}
		return real, nil
	}

	return candidate, nil
}

// contains reports whether path sits at or below root.
func contains(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
