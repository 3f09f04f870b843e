package paths

import "path/filepath"

// StateBaseDir resolves $XDG_STATE_HOME/subagent (or ~/.local/state/subagent).
func StateBaseDir() (string, error) {
	return resolveBase("XDG_STATE_HOME", ".local", "state")
}

// SessionDBPath is the default location of the durable session store.
func SessionDBPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "sessions.db"), nil
}

// TranscriptDir holds agent session files copied out of pooled workers.
func TranscriptDir() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "transcripts"), nil
}

// SandboxDir holds per-sandbox state for local VM backends.
func SandboxDir() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "sandboxes"), nil
}
