// Package provision installs tooling into a freshly created sandbox.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/buildkite/subagent/internal/backend"
	"github.com/buildkite/subagent/internal/fault"
	"github.com/charmbracelet/log"
)

const defaultStepTimeout = 10 * time.Minute

// DefaultMarker is written inside the sandbox after every step succeeded.
const DefaultMarker = "/var/lib/subagent/bootstrapped"

// Provisioner prepares a sandbox so an agent turn can run in it.
type Provisioner interface {
	Provision(ctx context.Context, client backend.Client, name string) error
}

// Step is one shell command run with `sh -c`.
type Step struct {
	Name    string        `yaml:"name"`
	Run     string        `yaml:"run"`
	Timeout time.Duration `yaml:"timeout"`
}

// Script runs Steps in order and stops at the first failure.
type Script struct {
	Steps  []Step
	Env    map[string]string
	Marker string
	Logger *log.Logger
}

func (s *Script) Provision(ctx context.Context, client backend.Client, name string) error {
	if client == nil {
		return errors.New("provision: backend client is required")
	}
	if s.Marker != "" {
		res, err := client.Exec(ctx, name, []string{"test", "-f", s.Marker}, backend.ExecOptions{Timeout: 30 * time.Second})
		if err == nil && res.ExitCode == 0 {
			if s.Logger != nil {
				s.Logger.Debug("sandbox already provisioned", "sandbox", name, "marker", s.Marker)
			}
			return nil
		}
	}

	for i, step := range s.Steps {
		label := strings.TrimSpace(step.Name)
		if label == "" {
			label = fmt.Sprintf("step %d", i+1)
		}
		if strings.TrimSpace(step.Run) == "" {
			return fault.Newf(fault.KindProvisioning, "provision", "%s: empty command", label)
		}
		timeout := step.Timeout
		if timeout <= 0 {
			timeout = defaultStepTimeout
		}

		started := time.Now()
		res, err := client.Exec(ctx, name, []string{"sh", "-c", step.Run}, backend.ExecOptions{
			Env:        s.Env,
			Timeout:    timeout,
			MaxRetries: 1,
		})
		if err != nil {
			return fault.New(fault.KindProvisioning, "provision "+label, err)
		}
		if res.ExitCode != 0 {
			return &fault.Error{
				Kind:   fault.KindProvisioning,
				Op:     "provision " + label,
				Detail: fmt.Sprintf("exit %d: %s", res.ExitCode, fault.Truncate(strings.TrimSpace(res.Stderr), 2000)),
			}
		}
		if s.Logger != nil {
			s.Logger.Debug("provision step complete", "sandbox", name, "step", label, "duration", time.Since(started))
		}
	}

	if s.Marker != "" {
		script := fmt.Sprintf("mkdir -p \"$(dirname %[1]q)\" && touch %[1]q", s.Marker)
		res, err := client.Exec(ctx, name, []string{"sh", "-c", script}, backend.ExecOptions{Timeout: 30 * time.Second})
		if err != nil {
			return fault.New(fault.KindProvisioning, "write bootstrap marker", err)
		}
		if res.ExitCode != 0 {
			return fault.Newf(fault.KindProvisioning, "write bootstrap marker", "exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		}
	}
	return nil
}

// Func adapts a function to Provisioner.
type Func func(ctx context.Context, client backend.Client, name string) error

func (f Func) Provision(ctx context.Context, client backend.Client, name string) error {
	return f(ctx, client, name)
}
