package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/buildkite/subagent/internal/coalescer"
	"github.com/charmbracelet/log"
)

// HistoryMessage is one earlier message in the conversation.
type HistoryMessage struct {
	EventID string
	User    string
	Text    string
}

// HistoryProvider supplies prior conversation messages, oldest first.
type HistoryProvider interface {
	History(ctx context.Context, conversationKey string) ([]HistoryMessage, error)
}

// buildPrompt renders the agent's stdin. Prior messages are included only
// when the turn asks for them, minus the ones already folded into it.
func (e *Executor) buildPrompt(ctx context.Context, turn coalescer.PendingTurn, logger *log.Logger) string {
	if !turn.IncludeHistory || e.history == nil {
		return turn.Message
	}
	history, err := e.history.History(ctx, turn.ConversationKey)
	if err != nil {
		if logger != nil {
			logger.Warn("could not load conversation history", "error", err)
		}
		return turn.Message
	}
	return renderPrompt(turn, history)
}

func renderPrompt(turn coalescer.PendingTurn, history []HistoryMessage) string {
	exclude := make(map[string]bool, len(turn.ExcludeHistoryIDs))
	for _, id := range turn.ExcludeHistoryIDs {
		exclude[id] = true
	}
	var lines []string
	for _, msg := range history {
		if msg.EventID != "" && exclude[msg.EventID] {
			continue
		}
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}
		user := strings.TrimSpace(msg.User)
		if user == "" {
			user = "user"
		}
		lines = append(lines, fmt.Sprintf("[%s]: %s", user, text))
	}
	if len(lines) == 0 {
		return turn.Message
	}
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n\nNew message:\n")
	b.WriteString(turn.Message)
	return b.String()
}
