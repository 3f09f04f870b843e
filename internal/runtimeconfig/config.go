package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/subagent/internal/backend"
	"github.com/buildkite/subagent/internal/credentials"
	"github.com/buildkite/subagent/internal/paths"
	"github.com/buildkite/subagent/internal/policy"
	"github.com/buildkite/subagent/internal/provision"
	"github.com/buildkite/subagent/internal/tlsconfig"
	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const (
	BackendRemote      = "remote"
	BackendDocker      = "docker"
	BackendFirecracker = "firecracker"

	ModePool     = "pool"
	ModeAffinity = "affinity"
)

type Config struct {
	Backend        string        `yaml:"backend"`
	Mode           string        `yaml:"mode"`
	Pool           PoolConfig    `yaml:"pool"`
	ExecTimeout    time.Duration `yaml:"exec_timeout"`
	DebounceWindow time.Duration `yaml:"debounce_window"`
	StorePath      string        `yaml:"store_path"`
	TranscriptDir  string        `yaml:"transcript_dir"`

	Agent       AgentConfig       `yaml:"agent"`
	Artifacts   ArtifactsConfig   `yaml:"artifacts"`
	Setup       SetupConfig       `yaml:"setup"`
	Network     NetworkConfig     `yaml:"network"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Backends    Backends          `yaml:"backends"`
}

type PoolConfig struct {
	Size          int           `yaml:"size"`
	Prefix        string        `yaml:"prefix"`
	HealthTimeout time.Duration `yaml:"health_timeout"`
	Retry         RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type AgentConfig struct {
	Command      []string `yaml:"command"`
	Workdir      string   `yaml:"workdir"`
	ArtifactsDir string   `yaml:"artifacts_dir"`
	// SystemPrompt is inline text; SystemPromptFile is read from the host
	// when SystemPrompt is empty.
	SystemPrompt     string            `yaml:"system_prompt"`
	SystemPromptFile string            `yaml:"system_prompt_file"`
	SessionDir       string            `yaml:"session_dir"`
	Env              map[string]string `yaml:"env"`
}

type ArtifactsConfig struct {
	MaxFiles int    `yaml:"max_files"`
	MaxBytes int64  `yaml:"max_bytes"`
	StoreDir string `yaml:"store_dir"`
}

type SetupConfig struct {
	Steps  []provision.Step  `yaml:"steps"`
	Env    map[string]string `yaml:"env"`
	Marker string            `yaml:"marker"`
}

type NetworkConfig struct {
	Default string   `yaml:"default"`
	Allow   []string `yaml:"allow"`
	Deny    []string `yaml:"deny"`
	// PolicyFile, when set, replaces the inline lists.
	PolicyFile string `yaml:"policy_file"`
}

type CredentialsConfig struct {
	// Env maps sandbox variable names to host variable names.
	Env      map[string]string   `yaml:"env"`
	Commands []CommandCredential `yaml:"commands"`
}

type CommandCredential struct {
	Var     string        `yaml:"var"`
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

type Backends struct {
	Remote      RemoteConfig      `yaml:"remote"`
	Docker      DockerConfig      `yaml:"docker"`
	Firecracker FirecrackerConfig `yaml:"firecracker"`
}

type RemoteConfig struct {
	Endpoint string `yaml:"endpoint"`
	// TokenEnv names the host variable holding the bearer token.
	TokenEnv string            `yaml:"token_env"`
	TLS      tlsconfig.Options `yaml:"tls"`
}

type DockerConfig struct {
	Image       string   `yaml:"image"`
	NetworkMode string   `yaml:"network_mode"`
	KeepAlive   []string `yaml:"keep_alive"`
}

type FirecrackerConfig struct {
	BinaryPath  string        `yaml:"binary_path"`
	KernelImage string        `yaml:"kernel_image"`
	RootFS      string        `yaml:"rootfs"`
	RunDir      string        `yaml:"run_dir"`
	VCPUs       int64         `yaml:"vcpus"`
	MemoryMiB   int64         `yaml:"memory_mib"`
	GuestPort   uint32        `yaml:"guest_port"`
	BootTimeout time.Duration `yaml:"boot_timeout"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Backend:        BackendRemote,
		Mode:           ModePool,
		Pool:           PoolConfig{Size: 2},
		ExecTimeout:    30 * time.Minute,
		DebounceWindow: 1500 * time.Millisecond,
		Agent: AgentConfig{
			Command: []string{"pi", "--mode", "json"},
			Workdir: "/workspace",
		},
		Network:  NetworkConfig{Default: "deny"},
		Backends: Backends{Remote: RemoteConfig{TokenEnv: "SUBAGENT_SANDBOX_TOKEN"}},
	}
}

func Path() (string, error) {
	return paths.ConfigPath()
}

// Load reads the config file (defaults when it does not exist), applies
// SUBAGENT_* environment overrides and validates the result.
func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

func LoadFile(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.Backend = strings.TrimSpace(cfg.Backend)
	cfg.Mode = strings.TrimSpace(cfg.Mode)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
		return nil
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
		return nil
	}

	str("SUBAGENT_BACKEND", &c.Backend)
	str("SUBAGENT_MODE", &c.Mode)
	str("SUBAGENT_STORE_PATH", &c.StorePath)
	return errors.Join(
		num("SUBAGENT_POOL_SIZE", &c.Pool.Size),
		num("SUBAGENT_RETRY_MAX_ATTEMPTS", &c.Pool.Retry.MaxAttempts),
		dur("SUBAGENT_EXEC_TIMEOUT", &c.ExecTimeout),
		dur("SUBAGENT_HEALTH_TIMEOUT", &c.Pool.HealthTimeout),
		dur("SUBAGENT_RETRY_BASE_DELAY", &c.Pool.Retry.BaseDelay),
		dur("SUBAGENT_RETRY_MAX_DELAY", &c.Pool.Retry.MaxDelay),
		dur("SUBAGENT_DEBOUNCE_WINDOW", &c.DebounceWindow),
	)
}

func (c Config) Validate() error {
	var errs []error
	// Backend-specific settings are checked when the backend is built so
	// client-only commands work without them.
	switch c.Backend {
	case BackendRemote, BackendDocker, BackendFirecracker:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (expected remote, docker or firecracker)", c.Backend))
	}
	switch c.Mode {
	case ModePool:
		if c.Pool.Size <= 0 {
			errs = append(errs, fmt.Errorf("pool.size must be positive, got %d", c.Pool.Size))
		}
	case ModeAffinity:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q (expected pool or affinity)", c.Mode))
	}
	if len(c.Agent.Command) == 0 || strings.TrimSpace(c.Agent.Command[0]) == "" {
		errs = append(errs, errors.New("agent.command is required"))
	}
	for name, d := range map[string]time.Duration{
		"exec_timeout":          c.ExecTimeout,
		"debounce_window":       c.DebounceWindow,
		"pool.health_timeout":   c.Pool.HealthTimeout,
		"pool.retry.base_delay": c.Pool.Retry.BaseDelay,
		"pool.retry.max_delay":  c.Pool.Retry.MaxDelay,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Pool.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("pool.retry.max_attempts must not be negative"))
	}
	if c.Pool.Retry.BaseDelay > 0 && c.Pool.Retry.MaxDelay > 0 && c.Pool.Retry.BaseDelay > c.Pool.Retry.MaxDelay {
		errs = append(errs, errors.New("pool.retry.base_delay exceeds pool.retry.max_delay"))
	}
	for i, step := range c.Setup.Steps {
		if strings.TrimSpace(step.Run) == "" {
			errs = append(errs, fmt.Errorf("setup.steps[%d].run is empty", i))
		}
	}
	for _, cmd := range c.Credentials.Commands {
		if strings.TrimSpace(cmd.Var) == "" || len(cmd.Command) == 0 {
			errs = append(errs, errors.New("credentials.commands entries need var and command"))
		}
	}
	return errors.Join(errs...)
}

// NetworkRules compiles the egress policy into backend rules.
func (c Config) NetworkRules() ([]backend.NetworkRule, error) {
	var (
		compiled *policy.CompiledPolicy
		err      error
	)
	if strings.TrimSpace(c.Network.PolicyFile) != "" {
		compiled, err = policy.Load(c.Network.PolicyFile)
	} else {
		compiled, err = policy.FromLists(c.Network.Default, c.Network.Allow, c.Network.Deny)
	}
	if err != nil {
		return nil, err
	}
	return compiled.Rules(), nil
}

// Provisioner returns the setup script run in every new sandbox.
func (c Config) Provisioner(logger *log.Logger) *provision.Script {
	marker := c.Setup.Marker
	if marker == "" && len(c.Setup.Steps) > 0 {
		marker = provision.DefaultMarker
	}
	return &provision.Script{
		Steps:  append([]provision.Step(nil), c.Setup.Steps...),
		Env:    c.Setup.Env,
		Marker: marker,
		Logger: logger,
	}
}

// CredentialProvider returns nil when no credentials are configured.
func (c Config) CredentialProvider() credentials.Provider {
	var chain credentials.Chain
	if len(c.Credentials.Env) > 0 {
		chain = append(chain, credentials.NewEnvProvider(c.Credentials.Env))
	}
	for _, cmd := range c.Credentials.Commands {
		chain = append(chain, &credentials.CommandProvider{Var: cmd.Var, Argv: cmd.Command, Timeout: cmd.Timeout})
	}
	if len(chain) == 0 {
		return nil
	}
	return chain
}

// SystemPrompt returns the inline prompt or the contents of
// SystemPromptFile.
func (c Config) SystemPrompt() (string, error) {
	if strings.TrimSpace(c.Agent.SystemPrompt) != "" || strings.TrimSpace(c.Agent.SystemPromptFile) == "" {
		return c.Agent.SystemPrompt, nil
	}
	b, err := os.ReadFile(c.Agent.SystemPromptFile)
	if err != nil {
		return "", fmt.Errorf("read system prompt: %w", err)
	}
	return string(b), nil
}

// ResolvedStorePath falls back to the XDG state directory.
func (c Config) ResolvedStorePath() (string, error) {
	if strings.TrimSpace(c.StorePath) != "" {
		return c.StorePath, nil
	}
	return paths.SessionDBPath()
}

// ResolvedTranscriptDir falls back to the XDG state directory.
func (c Config) ResolvedTranscriptDir() (string, error) {
	if strings.TrimSpace(c.TranscriptDir) != "" {
		return c.TranscriptDir, nil
	}
	return paths.TranscriptDir()
}
