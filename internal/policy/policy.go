// Package policy compiles sandbox egress policy into backend network rules.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/buildkite/subagent/internal/backend"
	"gopkg.in/yaml.v3"
)

// Wildcard matches every domain in a rule.
const Wildcard = "*"

// Raw is the on-disk/config shape of an egress policy.
type Raw struct {
	Version int `yaml:"version"`
	Network struct {
		Default string   `yaml:"default"`
		Allow   []string `yaml:"allow"`
		Deny    []string `yaml:"deny"`
	} `yaml:"network"`
}

type CompiledPolicy struct {
	Version        int      `json:"version"`
	NetworkDefault string   `json:"network_default"`
	Allow          []string `json:"allow"`
	Deny           []string `json:"deny"`
	Hash           string   `json:"hash"`
}

// Load reads and compiles a policy file.
func Load(path string) (*CompiledPolicy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	var raw Raw
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return Compile(raw)
}

// FromLists builds a version 1 policy from inline config values.
func FromLists(networkDefault string, allow, deny []string) (*CompiledPolicy, error) {
	raw := Raw{Version: 1}
	raw.Network.Default = networkDefault
	raw.Network.Allow = allow
	raw.Network.Deny = deny
	return Compile(raw)
}

func Compile(raw Raw) (*CompiledPolicy, error) {
	if raw.Version == 0 {
		return nil, errors.New("policy missing required field: version")
	}
	if raw.Version != 1 {
		return nil, fmt.Errorf("unsupported policy version %d", raw.Version)
	}

	networkDefault := strings.TrimSpace(strings.ToLower(raw.Network.Default))
	if networkDefault == "" {
		networkDefault = string(backend.NetworkDeny)
	}
	if networkDefault != string(backend.NetworkDeny) && networkDefault != string(backend.NetworkAllow) {
		return nil, fmt.Errorf("unsupported network.default %q (expected allow or deny)", networkDefault)
	}

	allow, err := normalizeDomains(raw.Network.Allow)
	if err != nil {
		return nil, fmt.Errorf("network.allow: %w", err)
	}
	deny, err := normalizeDomains(raw.Network.Deny)
	if err != nil {
		return nil, fmt.Errorf("network.deny: %w", err)
	}

	compiled := &CompiledPolicy{
		Version:        raw.Version,
		NetworkDefault: networkDefault,
		Allow:          allow,
		Deny:           deny,
	}
	hash, err := hashPolicy(compiled)
	if err != nil {
		return nil, err
	}
	compiled.Hash = hash
	return compiled, nil
}

func normalizeDomains(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, domain := range in {
		domain = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(domain)), ".")
		if domain == "" {
			return nil, errors.New("domain cannot be empty")
		}
		if strings.ContainsAny(domain, " /:") {
			return nil, fmt.Errorf("invalid domain %q", domain)
		}
		if _, ok := seen[domain]; ok {
			continue
		}
		seen[domain] = struct{}{}
		out = append(out, domain)
	}
	sort.Strings(out)
	return out, nil
}

// Rules renders the policy as ordered backend rules: explicit denies, then
// allows, then the catch-all default. First match wins.
func (p *CompiledPolicy) Rules() []backend.NetworkRule {
	if p == nil {
		return nil
	}
	rules := make([]backend.NetworkRule, 0, len(p.Allow)+len(p.Deny)+1)
	for _, domain := range p.Deny {
		rules = append(rules, backend.NetworkRule{Action: backend.NetworkDeny, Domain: domain})
	}
	for _, domain := range p.Allow {
		rules = append(rules, backend.NetworkRule{Action: backend.NetworkAllow, Domain: domain})
	}
	rules = append(rules, backend.NetworkRule{Action: backend.NetworkAction(p.NetworkDefault), Domain: Wildcard})
	return rules
}

// Allows evaluates the policy for a single domain.
func (p *CompiledPolicy) Allows(domain string) bool {
	return Evaluate(p.Rules(), domain)
}

// Evaluate applies first-match-wins semantics to rules. A domain that
// matches nothing is denied.
func Evaluate(rules []backend.NetworkRule, domain string) bool {
	domain = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(domain)), ".")
	for _, rule := range rules {
		if Matches(rule.Domain, domain) {
			return rule.Action == backend.NetworkAllow
		}
	}
	return false
}

// Matches reports whether pattern covers domain. "*" matches everything,
// "*.example.com" matches subdomains only, anything else is exact.
func Matches(pattern, domain string) bool {
	switch {
	case pattern == Wildcard:
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(domain, pattern[1:])
	default:
		return pattern == domain
	}
}

// DenyAll reports whether rules block every destination.
func DenyAll(rules []backend.NetworkRule) bool {
	for _, rule := range rules {
		if rule.Action == backend.NetworkAllow {
			return false
		}
	}
	for _, rule := range rules {
		if rule.Action == backend.NetworkDeny && rule.Domain == Wildcard {
			return true
		}
	}
	return false
}

func hashPolicy(p *CompiledPolicy) (string, error) {
	clone := *p
	clone.Hash = ""

	payload, err := json.Marshal(clone)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
