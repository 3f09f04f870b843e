package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/buildkite/subagent/internal/backend"
	"github.com/buildkite/subagent/internal/backend/docker"
	"github.com/buildkite/subagent/internal/backend/firecracker"
	"github.com/buildkite/subagent/internal/backend/remote"
	"github.com/buildkite/subagent/internal/runtimeconfig"
	"github.com/charmbracelet/log"
)

// newBackend builds the configured sandbox backend. The returned close
// func is never nil.
var newBackend = func(cfg runtimeconfig.Config, logger *log.Logger) (backend.Client, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case runtimeconfig.BackendRemote:
		rc := cfg.Backends.Remote
		var token string
		if name := strings.TrimSpace(rc.TokenEnv); name != "" {
			token = os.Getenv(name)
		}
		b, err := remote.New(remote.Config{
			Endpoint: rc.Endpoint,
			Token:    token,
			TLS:      rc.TLS,
			Logger:   backendLogger(logger, "remote"),
		})
		if err != nil {
			return nil, noop, err
		}
		return b, noop, nil
	case runtimeconfig.BackendDocker:
		dc := cfg.Backends.Docker
		b, err := docker.New(docker.Config{
			Image:       dc.Image,
			KeepAlive:   dc.KeepAlive,
			NetworkMode: dc.NetworkMode,
			Logger:      backendLogger(logger, "docker"),
		})
		if err != nil {
			return nil, noop, err
		}
		return b, b.Close, nil
	case runtimeconfig.BackendFirecracker:
		fc := cfg.Backends.Firecracker
		b, err := firecracker.New(firecracker.Config{
			BinaryPath:      fc.BinaryPath,
			KernelImagePath: fc.KernelImage,
			RootFSPath:      fc.RootFS,
			RunDir:          fc.RunDir,
			VCPUs:           fc.VCPUs,
			MemoryMiB:       fc.MemoryMiB,
			GuestPort:       fc.GuestPort,
			BootTimeout:     fc.BootTimeout,
			Logger:          backendLogger(logger, "firecracker"),
		})
		if err != nil {
			return nil, noop, err
		}
		return b, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func backendLogger(logger *log.Logger, name string) *log.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("backend", name)
}
