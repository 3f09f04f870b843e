package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/buildkite/subagent/internal/sessionstore"
	"github.com/charmbracelet/log"
)

// Pooled runners are reset to their baseline after every turn, so the
// agent's session file lives on the host between turns.

func (e *Executor) transcriptPath(sess sessionstore.Session) string {
	if e.transcripts == "" {
		return ""
	}
	return filepath.Join(e.transcripts, sess.ID+".jsonl")
}

func (e *Executor) stageIn(ctx context.Context, worker Worker, sess sessionstore.Session) error {
	local := e.transcriptPath(sess)
	if local == "" || sess.AgentSessionFile == "" {
		return nil
	}
	data, err := os.ReadFile(local)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read transcript %q: %w", local, err)
	}
	return e.writeFile(ctx, worker.Name(), sess.AgentSessionFile, data)
}

// stageOut is best effort.
func (e *Executor) stageOut(ctx context.Context, worker Worker, sess sessionstore.Session, logger *log.Logger) {
	local := e.transcriptPath(sess)
	if local == "" || sess.AgentSessionFile == "" {
		return
	}
	data, err := e.client.DownloadFile(ctx, worker.Name(), sess.AgentSessionFile)
	if err == nil {
		if err = os.MkdirAll(filepath.Dir(local), 0o700); err == nil {
			err = os.WriteFile(local, data, 0o600)
		}
	}
	if err != nil && logger != nil {
		logger.Warn("could not save agent transcript", "worker", worker.Name(), "path", local, "error", err)
	}
}
