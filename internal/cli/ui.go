package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	subagent "github.com/buildkite/subagent/client"
	"github.com/buildkite/subagent/internal/backend"
	"github.com/buildkite/subagent/internal/endpoint"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/log"
	"golang.org/x/term"
)

type startupHeader struct {
	Title  string
	Fields []startupField
}

type startupField struct {
	Key   string
	Value string
}

func renderStartupHeader(h startupHeader, color bool) string {
	title := strings.TrimSpace(h.Title)
	if title == "" {
		title = "subagent"
	}

	var out strings.Builder
	icon := "🤖"
	if color {
		icon = ansiWrap("1;33", icon)
		title = ansiWrap("1;36", title)
	}

	out.WriteByte('\n')
	out.WriteString(icon)
	out.WriteString(" ")
	out.WriteString(title)
	out.WriteByte('\n')

	for _, field := range h.Fields {
		key := strings.TrimSpace(field.Key)
		value := strings.TrimSpace(field.Value)
		if key == "" || value == "" {
			continue
		}

		line := fmt.Sprintf("%s: %s", key, value)
		if color {
			line = ansiWrap("38;5;252", line)
		}
		out.WriteString("   ")
		out.WriteString(line)
		out.WriteByte('\n')
	}
	out.WriteByte('\n')

	return out.String()
}

func renderDoctorReport(backendName string, checks []backend.DoctorCheck, color bool) string {
	name := strings.TrimSpace(backendName)
	if name == "" {
		name = "unknown"
	}

	var out strings.Builder
	title := fmt.Sprintf("doctor report (%s)", name)
	if color {
		title = ansiWrap("1;36", title)
	}
	out.WriteString(title)
	out.WriteByte('\n')

	passCount := 0
	warnCount := 0
	failCount := 0

	for _, check := range checks {
		status := normalizeDoctorStatus(check.Status)
		switch status {
		case "pass":
			passCount++
		case "warn":
			warnCount++
		case "fail":
			failCount++
		}

		icon := "?"
		switch status {
		case "pass":
			icon = "✓"
		case "warn":
			icon = "!"
		case "fail":
			icon = "✗"
		}

		statusBlock := fmt.Sprintf("%s [%s]", icon, status)
		if color {
			code := "1;37"
			switch status {
			case "pass":
				code = "1;32"
			case "warn":
				code = "1;33"
			case "fail":
				code = "1;31"
			}
			statusBlock = ansiWrap(code, statusBlock)
		}

		checkName := strings.TrimSpace(check.Name)
		if checkName == "" {
			checkName = "unnamed_check"
		}
		message := strings.TrimSpace(check.Message)
		if message == "" {
			message = "(no message)"
		}

		out.WriteString(statusBlock)
		out.WriteString(" ")
		out.WriteString(checkName)
		out.WriteString(": ")
		out.WriteString(message)
		out.WriteByte('\n')
	}

	summary := fmt.Sprintf("summary: %d pass, %d warn, %d fail", passCount, warnCount, failCount)
	if color {
		summary = ansiWrap("38;5;246", summary)
	}
	out.WriteString(summary)
	out.WriteByte('\n')

	return out.String()
}

func renderCapabilities(caps map[string]bool) string {
	var out strings.Builder
	out.WriteString("capabilities:\n")
	for _, key := range backend.SortedCapabilityKeys(caps) {
		fmt.Fprintf(&out, "  %s: %t\n", key, caps[key])
	}
	return out.String()
}

func renderTurnResult(res *subagent.TurnResult) string {
	var out strings.Builder
	fmt.Fprintf(&out, "turn %s", res.Status)
	if res.JobID != "" {
		fmt.Fprintf(&out, " job=%s", res.JobID)
	}
	if res.Worker != "" {
		fmt.Fprintf(&out, " worker=%s", res.Worker)
	}
	if len(res.EventIDs) > 0 {
		fmt.Fprintf(&out, " events=%s", strings.Join(res.EventIDs, ","))
	}
	out.WriteByte('\n')
	if res.Error != "" {
		fmt.Fprintf(&out, "error (%s): %s\n", res.ErrorKind, res.Error)
	}
	if res.Answer != "" {
		out.WriteByte('\n')
		out.WriteString(strings.TrimRight(res.Answer, "\n"))
		out.WriteByte('\n')
	}
	if len(res.Artifacts) > 0 {
		out.WriteString("\nartifacts:\n")
		for _, a := range res.Artifacts {
			line := fmt.Sprintf("  %s (%d bytes)", a.Name, a.Size)
			if a.LocalPath != "" {
				line += " -> " + a.LocalPath
			}
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}
	return out.String()
}

func renderStatus(ref string, resp *subagent.StatusResponse) string {
	var out strings.Builder
	if !resp.Found {
		fmt.Fprintf(&out, "no session for %s (phase %s, queued %d)\n", ref, resp.Phase, resp.Queued)
		return out.String()
	}
	sess := resp.Session
	fmt.Fprintf(&out, "session:      %s (%s)\n", sess.ID, sess.Status)
	fmt.Fprintf(&out, "conversation: %s\n", sess.ConversationKey)
	fmt.Fprintf(&out, "sandbox:      %s\n", sess.SandboxName)
	fmt.Fprintf(&out, "turns:        %d\n", sess.Turns)
	fmt.Fprintf(&out, "phase:        %s (queued %d)\n", resp.Phase, resp.Queued)
	if resp.Active {
		fmt.Fprintf(&out, "running:      %s on %s\n", sess.RunningJobID, resp.Worker)
	}
	if sess.LastError != "" {
		fmt.Fprintf(&out, "last error:   %s\n", sess.LastError)
	}
	if res := resp.LastResult; res != nil {
		fmt.Fprintf(&out, "last turn:    %s job=%s finished=%s\n", res.Status, res.JobID, res.FinishedAt.Format(time.RFC3339))
	}
	return out.String()
}

func renderSessions(sessions []subagent.SessionInfo) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("SESSION", "CONVERSATION", "STATUS", "TURNS", "SANDBOX", "UPDATED")
	for _, s := range sessions {
		t.Row(s.ID, s.ConversationKey, s.Status, strconv.Itoa(s.Turns), s.SandboxName, s.UpdatedAt.Format(time.RFC3339))
	}
	return t.String() + "\n"
}

func renderPool(resp *subagent.PoolStatusResponse) string {
	var out strings.Builder
	fmt.Fprintf(&out, "backend: %s\nmode: %s\nactive turns: %d\n", resp.Backend, resp.Mode, resp.ActiveTurns)
	if resp.Mode != "pool" {
		return out.String()
	}
	fmt.Fprintf(&out, "runners: %d (waiting %d)\n", resp.Size, resp.Waiting)
	if len(resp.Runners) == 0 {
		return out.String()
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("RUNNER", "STATE", "LOCKED", "WARM", "ATTEMPTS", "CHECKPOINT", "LAST ERROR")
	for _, r := range resp.Runners {
		t.Row(r.Name, r.State, strconv.FormatBool(r.Locked), strconv.FormatBool(r.Warm), strconv.Itoa(r.Attempts), r.CheckpointID, r.LastError)
	}
	out.WriteString(t.String())
	out.WriteByte('\n')
	return out.String()
}

func writeStartupHeader(w io.Writer, h startupHeader, color bool) error {
	if w == nil {
		return nil
	}
	_, err := io.WriteString(w, renderStartupHeader(h, color))
	return err
}

func shouldShowStartupHeader(stderr *os.File) bool {
	if stderr == nil {
		return false
	}
	return term.IsTerminal(int(stderr.Fd()))
}

func shouldUseANSI(stderr *os.File) bool {
	if noColorRequested() {
		return false
	}
	if forceColorRequested() {
		return true
	}
	if stderr == nil {
		return false
	}
	return term.IsTerminal(int(stderr.Fd()))
}

func applyPolishedLoggerStyles(logger *log.Logger, color bool) {
	if logger == nil || !color {
		return
	}

	styles := log.DefaultStyles()
	styles.Message = styles.Message.Foreground(lipgloss.Color("252"))
	styles.Key = styles.Key.Bold(true).Foreground(lipgloss.Color("75"))
	styles.Value = styles.Value.Foreground(lipgloss.Color("255"))
	styles.Separator = styles.Separator.Foreground(lipgloss.Color("240"))
	styles.Levels[log.DebugLevel] = styles.Levels[log.DebugLevel].Bold(true).Foreground(lipgloss.Color("45"))
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].Bold(true).Foreground(lipgloss.Color("48"))
	styles.Levels[log.WarnLevel] = styles.Levels[log.WarnLevel].Bold(true).Foreground(lipgloss.Color("214"))
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].Bold(true).Foreground(lipgloss.Color("203"))
	logger.SetStyles(styles)
}

func endpointDisplay(ep endpoint.Endpoint) string {
	switch ep.Scheme {
	case "unix":
		return "unix://" + ep.Address
	default:
		if ep.Address != "" {
			return ep.Address
		}
		return ep.BaseURL
	}
}

func effectiveLogLevel(rawLevel string) string {
	level := strings.TrimSpace(strings.ToLower(rawLevel))
	if level == "" {
		return "info"
	}
	return level
}

func noColorRequested() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return true
	}
	return strings.TrimSpace(os.Getenv("CLICOLOR")) == "0"
}

func forceColorRequested() bool {
	value := strings.TrimSpace(os.Getenv("CLICOLOR_FORCE"))
	if value == "" {
		return false
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed != 0
	}
	return true
}

func ansiWrap(code, value string) string {
	return "\x1b[" + code + "m" + value + "\x1b[0m"
}

func normalizeDoctorStatus(raw string) string {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "pass", "ok", "success":
		return "pass"
	case "warn", "warning":
		return "warn"
	case "fail", "failed", "error":
		return "fail"
	default:
		return "unknown"
	}
}
