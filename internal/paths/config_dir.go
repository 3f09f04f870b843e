package paths

import "path/filepath"

// ConfigBaseDir resolves $XDG_CONFIG_HOME/subagent (or ~/.config/subagent).
func ConfigBaseDir() (string, error) {
	return resolveBase("XDG_CONFIG_HOME", ".config")
}

func ConfigPath() (string, error) {
	base, err := ConfigBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "config.yaml"), nil
}

// TLSDir holds server.pem, server.key and ca.pem for https endpoints.
func TLSDir() (string, error) {
	base, err := ConfigBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "tls"), nil
}
