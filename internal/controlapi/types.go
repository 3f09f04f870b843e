// Package controlapi defines the control procedures and their JSON bodies.
package controlapi

import "time"

const ServiceName = "subagent.control.v1.ControlService"

const (
	SubmitProcedure       = "/" + ServiceName + "/Submit"
	StatusProcedure       = "/" + ServiceName + "/Status"
	AbortProcedure        = "/" + ServiceName + "/Abort"
	ListSessionsProcedure = "/" + ServiceName + "/ListSessions"
	PoolStatusProcedure   = "/" + ServiceName + "/PoolStatus"
)

// ErrorKindHeader carries the fault kind of a failed call in error metadata.
const ErrorKindHeader = "Subagent-Error-Kind"

// SubmitRequest is one inbound chat message.
type SubmitRequest struct {
	ConversationKey string `json:"conversation_key"`
	EventID         string `json:"event_id"`
	Text            string `json:"text"`
	User            string `json:"user,omitempty"`
	// Conversational marks messages that belong to the visible thread.
	Conversational bool `json:"conversational,omitempty"`
}

type SubmitResponse struct {
	ConversationKey string `json:"conversation_key"`
	// Disposition is debounced, queued or steered.
	Disposition string `json:"disposition"`
	Phase       string `json:"phase"`
	Queued      int    `json:"queued"`
}

// StatusRequest accepts a conversation key or a session id.
type StatusRequest struct {
	Ref string `json:"ref"`
}

type StatusResponse struct {
	Found   bool         `json:"found"`
	Session *SessionInfo `json:"session,omitempty"`
	// Active is true while this process is executing the session's job.
	Active     bool        `json:"active"`
	Worker     string      `json:"worker,omitempty"`
	Phase      string      `json:"phase"`
	Queued     int         `json:"queued"`
	LastResult *TurnResult `json:"last_result,omitempty"`
}

type SessionInfo struct {
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversation_key"`
	SandboxName     string    `json:"sandbox_name"`
	Status          string    `json:"status"`
	RunningJobID    string    `json:"running_job_id,omitempty"`
	LastJobID       string    `json:"last_job_id,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	Turns           int       `json:"turns"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TurnResult is the outcome of the most recent turn for a conversation.
type TurnResult struct {
	Status     string         `json:"status"`
	JobID      string         `json:"job_id,omitempty"`
	Worker     string         `json:"worker,omitempty"`
	EventIDs   []string       `json:"event_ids,omitempty"`
	Answer     string         `json:"answer,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Artifacts  []ArtifactInfo `json:"artifacts,omitempty"`
	FinishedAt time.Time      `json:"finished_at"`
}

type ArtifactInfo struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	LocalPath string `json:"local_path,omitempty"`
}

type AbortRequest struct {
	Ref string `json:"ref"`
}

type AbortResponse struct {
	SessionID string `json:"session_id"`
	JobID     string `json:"job_id,omitempty"`
	Signalled bool   `json:"signalled"`
	// Dropped counts queued or debouncing messages discarded with the turn.
	Dropped int `json:"dropped"`
}

type ListSessionsRequest struct {
	// Status filters by session status when set.
	Status string `json:"status,omitempty"`
}

type ListSessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

type PoolStatusRequest struct{}

type PoolStatusResponse struct {
	Backend      string          `json:"backend"`
	Mode         string          `json:"mode"`
	Size         int             `json:"size"`
	Waiting      int             `json:"waiting"`
	ActiveTurns  int             `json:"active_turns"`
	Runners      []RunnerInfo    `json:"runners,omitempty"`
	Capabilities map[string]bool `json:"capabilities"`
}

type RunnerInfo struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	Locked       bool   `json:"locked"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Attempts     int    `json:"attempts"`
	LastError    string `json:"last_error,omitempty"`
	Warm         bool   `json:"warm"`
}
