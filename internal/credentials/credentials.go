// Package credentials resolves short-lived secrets injected into a turn's
// agent process environment.
package credentials

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// Provider resolves environment variables to inject for one turn.
type Provider interface {
	Resolve(ctx context.Context) (map[string]string, error)
}

// EnvProvider copies host environment variables into the sandbox under
// possibly different names. Mapping is sandbox name -> host name:
//
//	GITHUB_TOKEN -> SUBAGENT_GITHUB_TOKEN
//	ANTHROPIC_API_KEY -> ANTHROPIC_API_KEY
//
// Unset or blank host variables are skipped.
type EnvProvider struct {
	Mapping map[string]string
	lookup  func(string) string
}

func NewEnvProvider(mapping map[string]string) *EnvProvider {
	return &EnvProvider{Mapping: mapping, lookup: os.Getenv}
}

func (p *EnvProvider) Resolve(context.Context) (map[string]string, error) {
	lookup := p.lookup
	if lookup == nil {
		lookup = os.Getenv
	}
	out := make(map[string]string, len(p.Mapping))
	for sandboxVar, hostVar := range p.Mapping {
		if v := strings.TrimSpace(lookup(hostVar)); v != "" {
			out[sandboxVar] = v
		}
	}
	return out, nil
}

// ConfiguredVars returns the sorted sandbox variable names that currently
// resolve to a value.
func (p *EnvProvider) ConfiguredVars() []string {
	resolved, _ := p.Resolve(context.Background())
	names := make([]string, 0, len(resolved))
	for name := range resolved {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CommandProvider mints a credential by running a host command per turn,
// e.g. `gh auth token`. Stdout, trimmed, becomes the value of Var.
type CommandProvider struct {
	Var     string
	Argv    []string
	Timeout time.Duration
}

func (p *CommandProvider) Resolve(ctx context.Context) (map[string]string, error) {
	if len(p.Argv) == 0 || strings.TrimSpace(p.Var) == "" {
		return nil, fmt.Errorf("credential command for %q is not configured", p.Var)
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.Argv[0], p.Argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("mint %s via %s: %w: %s", p.Var, p.Argv[0], err, strings.TrimSpace(stderr.String()))
	}
	token := strings.TrimSpace(stdout.String())
	if token == "" {
		return nil, fmt.Errorf("mint %s via %s: empty output", p.Var, p.Argv[0])
	}
	return map[string]string{p.Var: token}, nil
}

// Chain merges providers in order; later providers win on conflicts.
type Chain []Provider

func (c Chain) Resolve(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	for _, provider := range c {
		if provider == nil {
			continue
		}
		values, err := provider.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range values {
			out[k] = v
		}
	}
	return out, nil
}
