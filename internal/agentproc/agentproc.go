// Package agentproc describes how the coding agent runs inside a sandbox: the
// command line that launches it, the JSONL it prints, and how to probe or
// signal it by pidfile.
package agentproc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/buildkite/subagent/internal/backend"
)

// EventAgentEnd marks a finished agent run. A run without it failed, whatever
// the exit code said.
const EventAgentEnd = "agent_end"

// DefaultPidDir holds per-job pidfiles inside a sandbox.
const DefaultPidDir = "/tmp/subagent-jobs"

// The wrapper records the shell's pid and then execs the agent in place, so
// the recorded pid is the agent's.
const pidWrapper = `mkdir -p "$(dirname "$1")" && echo $$ > "$1"; shift; exec "$@"`

var ErrNoCompletion = errors.New("agent output has no agent_end event")

// Invocation describes one run of the agent command.
type Invocation struct {
	// Argv is the agent command, e.g. ["pi", "--mode", "json"].
	Argv []string
	// SessionFile is passed as --session so the agent resumes its own history.
	SessionFile string
	// SystemPromptFile is passed as --append-system-prompt when set.
	SystemPromptFile string
	PidFile          string
}

// PidFile is where the pid of job's agent process is recorded.
func PidFile(jobID string) string {
	return path.Join(DefaultPidDir, jobID+".pid")
}

// BuildCommand wraps the agent command so its pid lands in inv.PidFile. The
// prompt is sent on stdin, never on the command line.
func BuildCommand(inv Invocation) ([]string, error) {
	if len(inv.Argv) == 0 || strings.TrimSpace(inv.Argv[0]) == "" {
		return nil, errors.New("agent command is empty")
	}
	agent := append([]string(nil), inv.Argv...)
	if inv.SessionFile != "" {
		agent = append(agent, "--session", inv.SessionFile)
	}
	if inv.SystemPromptFile != "" {
		agent = append(agent, "--append-system-prompt", inv.SystemPromptFile)
	}
	if inv.PidFile == "" {
		return agent, nil
	}
	argv := []string{"sh", "-c", pidWrapper, "subagent-agent", inv.PidFile}
	return append(argv, agent...), nil
}

// Result is the parsed outcome of one agent run.
type Result struct {
	// Answer is the last assistant text in the agent_end event.
	Answer string
	// Events counts the JSON lines that parsed.
	Events int
}

type event struct {
	Type     string    `json:"type"`
	Messages []message `json:"messages"`
	Error    string    `json:"error,omitempty"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ParseOutput reads the agent's JSONL stdout. Lines that are not JSON objects
// are skipped; the agent_end event itself must be well formed.
func ParseOutput(stdout string) (Result, error) {
	var (
		result Result
		end    *event
	)
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			continue
		}
		result.Events++
		if probe.Type != EventAgentEnd {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return Result{}, fmt.Errorf("decode agent_end event: %w", err)
		}
		end = &ev
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("read agent output: %w", err)
	}
	if end == nil {
		return Result{}, ErrNoCompletion
	}
	if end.Error != "" {
		return Result{}, fmt.Errorf("agent reported error: %s", end.Error)
	}
	for i := len(end.Messages) - 1; i >= 0; i-- {
		msg := end.Messages[i]
		if msg.Role != "assistant" {
			continue
		}
		if text := messageText(msg.Content); text != "" {
			result.Answer = text
			break
		}
	}
	return result, nil
}

// messageText accepts either a bare string or a list of typed content parts.
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, part := range parts {
		if part.Type == "text" && strings.TrimSpace(part.Text) != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.TrimSpace(strings.Join(texts, "\n"))
}

// AliveCommand exits 0 only while the pid recorded in pidFile is running.
func AliveCommand(pidFile string) []string {
	return []string{"sh", "-c", `pid=$(cat "$1" 2>/dev/null) && [ -n "$pid" ] && kill -0 "$pid" 2>/dev/null`, "subagent-probe", pidFile}
}

// TerminateCommand sends SIGTERM to the pid recorded in pidFile. A missing
// pidfile or process is not an error.
func TerminateCommand(pidFile string) []string {
	return []string{"sh", "-c", `pid=$(cat "$1" 2>/dev/null) || exit 0; kill -TERM "$pid" 2>/dev/null; exit 0`, "subagent-abort", pidFile}
}

// Alive probes the agent process for pidFile inside sandbox.
func Alive(ctx context.Context, client backend.Client, sandbox, pidFile string) (bool, error) {
	res, err := client.Exec(ctx, sandbox, AliveCommand(pidFile), backend.ExecOptions{})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// Terminate asks the agent process for pidFile to stop.
func Terminate(ctx context.Context, client backend.Client, sandbox, pidFile string) error {
	res, err := client.Exec(ctx, sandbox, TerminateCommand(pidFile), backend.ExecOptions{})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("terminate agent: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
