package controlservice

import (
	"context"
	"sync"

	"github.com/buildkite/subagent/internal/executor"
)

// historyBook remembers recent conversational messages per conversation in
// memory. It is lost on restart.
type historyBook struct {
	limit int

	mu    sync.Mutex
	convs map[string][]executor.HistoryMessage
}

func newHistoryBook(limit int) *historyBook {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &historyBook{limit: limit, convs: map[string][]executor.HistoryMessage{}}
}

func (h *historyBook) Add(key string, msg executor.HistoryMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.convs[key] = appendBounded(h.convs[key], msg, h.limit)
}

// History returns the remembered messages for key, oldest first.
func (h *historyBook) History(_ context.Context, key string) ([]executor.HistoryMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]executor.HistoryMessage(nil), h.convs[key]...), nil
}

func appendBounded[T any](history []T, item T, limit int) []T {
	if limit <= 0 {
		return nil
	}
	history = append(history, item)
	if len(history) <= limit {
		return history
	}
	trimmed := make([]T, limit)
	copy(trimmed, history[len(history)-limit:])
	return trimmed
}
