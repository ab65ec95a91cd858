package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetRequiredDirectories returns the directories every corch workspace
// carries alongside the code it modifies.
func GetRequiredDirectories() []string {
	return []string{
		"state",   // /state/run-<task>.json
		"events",  // /events/run-<id>.ndjson (append-only event stream)
		"waivers", // /waivers/<waiver-id>.json (immutable records)
		"logs",    // /logs/corch-<run_id>.ndjson
	}
}

// Initialize makes sure the workspace carries every required directory,
// owner-only (0700). Re-running it against an initialized workspace is a
// no-op, so `corch init` and `corch run` can both call it blindly.
func Initialize(workspaceRoot string) error {
	missing, err := missingDirectories(workspaceRoot)
	if err != nil {
		return err
	}

	for _, dir := range missing {
		if err := os.MkdirAll(filepath.Join(workspaceRoot, dir), 0700); err != nil {
			return fmt.Errorf("initialize workspace %s: %w", workspaceRoot, err)
		}
	}

	return nil
}

// IsInitialized reports whether the workspace already has every required
// directory.
func IsInitialized(workspaceRoot string) (bool, error) {
	missing, err := missingDirectories(workspaceRoot)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// missingDirectories lists the required directories that are absent or
// shadowed by a regular file.
func missingDirectories(workspaceRoot string) ([]string, error) {
	var missing []string
	for _, dir := range GetRequiredDirectories() {
		info, err := os.Stat(filepath.Join(workspaceRoot, dir))
		switch {
		case os.IsNotExist(err):
			missing = append(missing, dir)
		case err != nil:
			return nil, fmt.Errorf("inspect workspace %s: %w", workspaceRoot, err)
		case !info.IsDir():
			missing = append(missing, dir)
		}
	}
	return missing, nil
}
