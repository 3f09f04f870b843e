package remote

import (
	"time"

	"github.com/buildkite/subagent/internal/backend"
)

type Sandbox struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Sandbox) info() backend.Info {
	if s == nil {
		return backend.Info{}
	}
	return backend.Info{Name: s.Name, Status: s.Status, CreatedAt: s.CreatedAt}
}

type Empty struct{}

type GetSandboxRequest struct {
	Name string `json:"name"`
}

type GetSandboxResponse struct {
	Sandbox *Sandbox `json:"sandbox,omitempty"`
}

type CreateSandboxRequest struct {
	Name string `json:"name"`
}

type CreateSandboxResponse struct {
	Sandbox *Sandbox `json:"sandbox"`
}

type DeleteSandboxRequest struct {
	Name string `json:"name"`
}

type ExecRequest struct {
	Name          string            `json:"name"`
	Argv          []string          `json:"argv"`
	Env           map[string]string `json:"env,omitempty"`
	Dir           string            `json:"dir,omitempty"`
	Stdin         []byte            `json:"stdin,omitempty"`
	TimeoutMillis int64             `json:"timeout_ms,omitempty"`
}

type ExecResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

type DownloadFileRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type DownloadFileResponse struct {
	Data []byte `json:"data"`
}

type ListSandboxesRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

type ListSandboxesResponse struct {
	Sandboxes []*Sandbox `json:"sandboxes"`
}

type SetNetworkPolicyRequest struct {
	Name  string                `json:"name"`
	Rules []backend.NetworkRule `json:"rules"`
}

type ListCheckpointsRequest struct {
	Name string `json:"name"`
}

type ListCheckpointsResponse struct {
	Checkpoints []backend.Checkpoint `json:"checkpoints"`
}

type CreateCheckpointRequest struct {
	Name    string `json:"name"`
	Comment string `json:"comment,omitempty"`
}

type CreateCheckpointResponse struct {
	ID string `json:"id"`
}

type RestoreCheckpointRequest struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}
