package endpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Endpoint describes where the control server listens and how clients reach it.
type Endpoint struct {
	Scheme  string
	Address string
	BaseURL string
}

// HostEnv overrides the endpoint when no explicit value is given.
const HostEnv = "SUBAGENT_HOST"

const DefaultSystemSocketPath = "/var/run/subagent/subagent.sock"

var endpointStat = os.Stat
var endpointGeteuid = os.Geteuid

func unixEndpoint(path string) Endpoint {
	return Endpoint{Scheme: "unix", Address: path, BaseURL: "http://unix"}
}

func defaultListenEndpoint() Endpoint {
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir == "" {
		runtimeDir = os.TempDir()
	}
	return unixEndpoint(filepath.Join(runtimeDir, "subagent", "subagent.sock"))
}

func defaultClientEndpoint() Endpoint {
	if endpointGeteuid() == 0 {
		if st, err := endpointStat(DefaultSystemSocketPath); err == nil && !st.IsDir() && st.Mode()&os.ModeSocket != 0 {
			return unixEndpoint(DefaultSystemSocketPath)
		}
	}
	return defaultListenEndpoint()
}

func Default() Endpoint {
	return defaultListenEndpoint()
}

// ResolveListen resolves an endpoint for server-side listening.
func ResolveListen(raw string) (Endpoint, error) {
	return resolve(raw, true)
}

// Resolve resolves an endpoint for a client connection.
func Resolve(raw string) (Endpoint, error) {
	return resolve(raw, false)
}

func resolve(raw string, listenDefault bool) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(os.Getenv(HostEnv))
	}
	if value == "" {
		if listenDefault {
			return defaultListenEndpoint(), nil
		}
		return defaultClientEndpoint(), nil
	}

	switch {
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return unixEndpoint(path), nil
	case strings.HasPrefix(value, "http://"), strings.HasPrefix(value, "https://"):
		scheme := "http"
		if strings.HasPrefix(value, "https://") {
			scheme = "https"
		}
		return Endpoint{Scheme: scheme, Address: value, BaseURL: strings.TrimRight(value, "/")}, nil
	case strings.HasPrefix(value, "/"):
		return unixEndpoint(value), nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q (expected unix://, http://, https://, or absolute unix socket path)", value)
	}
}
