package patch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/renameio/v2"
	"github.com/iambrandonn/corch/internal/checksum"
	"github.com/iambrandonn/corch/internal/fsutil"
	"github.com/iambrandonn/corch/internal/protocol"
)

// Applier applies unified diffs inside one workspace root. Writes to a
// single path are serialized; distinct paths may be written concurrently.
type Applier struct {
	root      string
	allowList []string
	logger    *slog.Logger

	mu        sync.Mutex
	pathLocks map[string]*sync.Mutex
}

// NewApplier creates an applier rooted at the workspace directory. The
// allow-list entries are path prefixes or doublestar glob patterns,
// evaluated against workspace-relative paths.
func NewApplier(root string, allowList []string, logger *slog.Logger) *Applier {
	return &Applier{
		root:      root,
		allowList: allowList,
		logger:    logger,
		pathLocks: make(map[string]*sync.Mutex),
	}
}

// allowed reports whether a workspace-relative path falls under at least
// one allow-list entry.
func (a *Applier) allowed(relPath string) bool {
	rel := filepath.ToSlash(relPath)
	for _, entry := range a.allowList {
		pattern := filepath.ToSlash(entry)
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
		if rel == pattern || strings.HasPrefix(rel, pattern+"/") {
			return true
		}
	}
	return false
}

// lockPath serializes writes to one relative path.
func (a *Applier) lockPath(relPath string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.pathLocks[relPath]
	if !ok {
		l = &sync.Mutex{}
		a.pathLocks[relPath] = l
	}
	return l
}

// Apply verifies and applies one unified diff. On success it returns the
// digest of the new content. With dryRun set, all checks and the in-memory
// application run but nothing touches the filesystem.
//
// Re-applying a diff to a file whose current digest already equals the
// diff's post-image is a no-op success.
func (a *Applier) Apply(d protocol.UnifiedDiff, dryRun bool) (string, error) {
	hunks, err := Parse(d.DiffText)
	if err != nil {
		return "", err
	}

	if !checksum.Valid(d.ExpectedPreImageDigest) {
		return "", fmt.Errorf("%w: invalid expected digest %q", ErrPreImageMismatch, d.ExpectedPreImageDigest)
	}

	target, err := fsutil.ResolveWorkspacePath(a.root, d.FilePath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathNotAllowed, err)
	}

	lock := a.lockPath(d.FilePath)
	lock.Lock()
	defer lock.Unlock()

	current, err := checksum.SHA256FileOrEmpty(target)
	if err != nil {
		return "", fmt.Errorf("failed to digest %s: %w", d.FilePath, err)
	}

	// Idempotence: already at the post-image.
	if d.PostImageDigest != "" && current == d.PostImageDigest {
		return current, nil
	}

	if current != d.ExpectedPreImageDigest {
		return "", fmt.Errorf("%w: %s is at %s, diff expects %s",
			ErrPreImageMismatch, d.FilePath, current, d.ExpectedPreImageDigest)
	}

	if !a.allowed(d.FilePath) {
		return "", fmt.Errorf("%w: %s is outside the allow-list", ErrPathNotAllowed, d.FilePath)
	}

	oldContent, err := readFileOrEmpty(target)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", d.FilePath, err)
	}

	newContent, err := applyHunks(oldContent, hunks)
	if err != nil {
		return "", err
	}

	newDigest := checksum.SHA256Bytes([]byte(newContent))
	if d.PostImageDigest != "" && newDigest != d.PostImageDigest {
		return "", fmt.Errorf("%w: applied content digests to %s, diff promises %s",
			ErrPostImageMismatch, newDigest, d.PostImageDigest)
	}

	if dryRun {
		return newDigest, nil
	}

	// Shadow copy pre-written beside the target so any failure after the
	// rename can restore the original bytes.
	shadow, err := a.writeShadow(target, oldContent, fileExists(target))
	if err != nil {
		return "", fmt.Errorf("%w: shadow copy: %v", ErrAtomicWrite, err)
	}
	defer shadow.discard()

	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAtomicWrite, err)
	}
	if err := renameio.WriteFile(target, []byte(newContent), 0600); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAtomicWrite, err)
	}

	written, err := checksum.SHA256FileOrEmpty(target)
	if err != nil || written != newDigest {
		if restoreErr := shadow.restore(); restoreErr != nil {
			a.logger.Error("shadow restore failed", "path", d.FilePath, "error", restoreErr)
		}
		if err != nil {
			return "", fmt.Errorf("%w: verify after write: %v", ErrAtomicWrite, err)
		}
		return "", fmt.Errorf("%w: on-disk digest %s, expected %s", ErrPostImageMismatch, written, newDigest)
	}

	a.logger.Debug("applied diff",
		"path", d.FilePath,
		"pre", current,
		"post", newDigest)

	return newDigest, nil
}

// Remove deletes a workspace file after verifying its digest against the
// expected pre-image. Removing an already-absent file whose expected
// digest is the empty digest is a no-op success.
func (a *Applier) Remove(relPath, expectedDigest string, dryRun bool) error {
	target, err := fsutil.ResolveWorkspacePath(a.root, relPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPathNotAllowed, err)
	}

	lock := a.lockPath(relPath)
	lock.Lock()
	defer lock.Unlock()

	current, err := checksum.SHA256FileOrEmpty(target)
	if err != nil {
		return fmt.Errorf("failed to digest %s: %w", relPath, err)
	}

	if current == checksum.EmptyDigest && !fileExists(target) {
		if expectedDigest == checksum.EmptyDigest {
			return nil
		}
		return fmt.Errorf("%w: %s is absent, expected %s", ErrPreImageMismatch, relPath, expectedDigest)
	}

	if current != expectedDigest {
		return fmt.Errorf("%w: %s is at %s, expected %s", ErrPreImageMismatch, relPath, current, expectedDigest)
	}

	if !a.allowed(relPath) {
		return fmt.Errorf("%w: %s is outside the allow-list", ErrPathNotAllowed, relPath)
	}

	if dryRun {
		return nil
	}

	if err := os.Remove(target); err != nil {
		return fmt.Errorf("%w: %v", ErrAtomicWrite, err)
	}

	a.logger.Debug("removed file", "path", relPath)
	return nil
}

// shadowCopy remembers the original bytes of a target so a failed apply
// can put them back.
type shadowCopy struct {
	target  string
	existed bool
	path    string
}

func (a *Applier) writeShadow(target, content string, existed bool) (*shadowCopy, error) {
	s := &shadowCopy{target: target, existed: existed}
	if !existed {
		return s, nil
	}
	dir := filepath.Dir(target)
	base := filepath.Base(target)
	s.path = filepath.Join(dir, "."+base+".shadow")
	if err := fsutil.AtomicWrite(s.path, []byte(content)); err != nil {
		return nil, err
	}
	return s, nil
}

// restore puts the pre-apply bytes back: rewrite from the shadow if the
// file existed, remove it if it did not.
func (s *shadowCopy) restore() error {
	if !s.existed {
		if err := os.Remove(s.target); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	return fsutil.AtomicWrite(s.target, data)
}

func (s *shadowCopy) discard() {
	if s.path != "" {
		os.Remove(s.path)
	}
}

func readFileOrEmpty(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
