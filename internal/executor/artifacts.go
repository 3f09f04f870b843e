package executor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/buildkite/subagent/internal/backend"
	"github.com/charmbracelet/log"
)

const (
	defaultMaxArtifactFiles = 10
	defaultMaxArtifactBytes = 10 * 1024 * 1024
)

// ArtifactLimits bounds what one turn may return.
type ArtifactLimits struct {
	MaxFiles int
	MaxBytes int64
	// StoreDir, when set, receives a copy of every artifact under
	// StoreDir/<job id>/.
	StoreDir string
}

func (l ArtifactLimits) withDefaults() ArtifactLimits {
	if l.MaxFiles <= 0 {
		l.MaxFiles = defaultMaxArtifactFiles
	}
	if l.MaxBytes <= 0 {
		l.MaxBytes = defaultMaxArtifactBytes
	}
	return l
}

// Artifact is one file the agent left in the artifacts directory.
type Artifact struct {
	// Name is relative to the artifacts directory.
	Name      string
	Size      int64
	Data      []byte
	LocalPath string
}

type artifactEntry struct {
	name string
	size int64
}

// collectArtifacts lists regular files under the artifacts directory and
// downloads those within limits.
func (e *Executor) collectArtifacts(ctx context.Context, sandbox, jobID string, logger *log.Logger) ([]Artifact, error) {
	argv := []string{"sh", "-c", `cd "$1" 2>/dev/null || exit 0; find . -type f -exec stat -c '%s %n' {} +`, "subagent-artifacts", e.agent.ArtifactsDir}
	res, err := e.client.Exec(ctx, sandbox, argv, backend.ExecOptions{MaxRetries: 1})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("list artifacts: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	entries := parseArtifactListing(res.Stdout)
	var out []Artifact
	for _, entry := range entries {
		if len(out) >= e.artifacts.MaxFiles {
			if logger != nil {
				logger.Warn("artifact limit reached, skipping remaining files", "max_files", e.artifacts.MaxFiles, "found", len(entries))
			}
			break
		}
		if entry.size > e.artifacts.MaxBytes {
			if logger != nil {
				logger.Warn("skipping oversized artifact", "artifact", entry.name, "size", entry.size, "max_bytes", e.artifacts.MaxBytes)
			}
			continue
		}
		data, err := e.client.DownloadFile(ctx, sandbox, path.Join(e.agent.ArtifactsDir, entry.name))
		if err != nil {
			return nil, fmt.Errorf("download artifact %q: %w", entry.name, err)
		}
		if int64(len(data)) > e.artifacts.MaxBytes {
			if logger != nil {
				logger.Warn("skipping artifact that grew past the size limit", "artifact", entry.name, "size", len(data))
			}
			continue
		}
		artifact := Artifact{Name: entry.name, Size: int64(len(data)), Data: data}
		if e.artifacts.StoreDir != "" {
			local, err := storeArtifact(e.artifacts.StoreDir, jobID, entry.name, data)
			if err != nil {
				return nil, err
			}
			artifact.LocalPath = local
		}
		out = append(out, artifact)
	}
	return out, nil
}

// parseArtifactListing reads "<size> ./<name>" lines, dropping anything that
// would resolve outside the artifacts directory.
func parseArtifactListing(listing string) []artifactEntry {
	var entries []artifactEntry
	scanner := bufio.NewScanner(strings.NewReader(listing))
	for scanner.Scan() {
		sizeText, name, ok := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		if !ok {
			continue
		}
		size, err := strconv.ParseInt(sizeText, 10, 64)
		if err != nil || size < 0 {
			continue
		}
		name, ok = safeArtifactName(name)
		if !ok {
			continue
		}
		entries = append(entries, artifactEntry{name: name, size: size})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries
}

func safeArtifactName(raw string) (string, bool) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "./")
	if raw == "" || strings.HasPrefix(raw, "/") {
		return "", false
	}
	for _, part := range strings.Split(raw, "/") {
		if part == ".." {
			return "", false
		}
	}
	cleaned := path.Clean(raw)
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

func storeArtifact(root, jobID, name string, data []byte) (string, error) {
	dest := filepath.Join(root, jobID, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %q: %w", name, err)
	}
	return dest, nil
}
