package paths

import "path/filepath"

// CacheBaseDir resolves $XDG_CACHE_HOME/subagent (or ~/.cache/subagent).
func CacheBaseDir() (string, error) {
	return resolveBase("XDG_CACHE_HOME", ".cache")
}

// ArtifactDir is where downloaded turn artifacts are written, one
// subdirectory per job.
func ArtifactDir() (string, error) {
	base, err := CacheBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "artifacts"), nil
}
