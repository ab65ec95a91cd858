package patch

import (
	"fmt"
	"os"

	"github.com/iambrandonn/corch/internal/fsutil"
)

// Backup captures the pre-iteration contents of a set of workspace paths
// so a failed changeset can be rolled back wholesale. The executor takes a
// backup before applying a changeset and restores it if any file fails.
type Backup struct {
	root    string
	entries []backupEntry
}

type backupEntry struct {
	relPath string
	existed bool
	content []byte
}

// TakeBackup reads the current contents of every path. Paths that do not
// exist are recorded as absent and will be removed again on restore.
func TakeBackup(root string, paths []string) (*Backup, error) {
	b := &Backup{root: root}
	for _, p := range paths {
		target, err := fsutil.ResolveWorkspacePath(root, p)
		if err != nil {
			return nil, fmt.Errorf("backup of %s: %w", p, err)
		}
		data, err := os.ReadFile(target)
		if err != nil {
			if os.IsNotExist(err) {
				b.entries = append(b.entries, backupEntry{relPath: p})
				continue
			}
			return nil, fmt.Errorf("backup of %s: %w", p, err)
		}
		b.entries = append(b.entries, backupEntry{relPath: p, existed: true, content: data})
	}
	return b, nil
}

// Restore puts every backed-up path back to its captured state. It keeps
// going past individual failures and reports the first error.
func (b *Backup) Restore() error {
	var firstErr error
	for _, e := range b.entries {
		target, err := fsutil.ResolveWorkspacePath(b.root, e.relPath)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !e.existed {
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = fmt.Errorf("restore remove %s: %w", e.relPath, err)
			}
			continue
		}
		if err := fsutil.AtomicWrite(target, e.content); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("restore %s: %w", e.relPath, err)
		}
	}
	return firstErr
}
