// Package paths resolves the XDG locations subagent reads and writes.
package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const appName = "subagent"

// resolveBase applies the shared preference order:
// 1. $<xdgEnv>/subagent
// 2. ~/<homeRel>/subagent
// 3. $XDG_RUNTIME_DIR/subagent
func resolveBase(xdgEnv string, homeRel ...string) (string, error) {
	if dir := strings.TrimSpace(os.Getenv(xdgEnv)); dir != "" {
		return filepath.Join(dir, appName), nil
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		parts := append([]string{home}, homeRel...)
		return filepath.Join(append(parts, appName)...), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, appName), nil
	}
	if err != nil {
		return "", err
	}
	return "", errors.New("unable to resolve " + strings.ToLower(strings.TrimPrefix(xdgEnv, "XDG_")) + " directory from XDG, runtime dir, or home")
}
