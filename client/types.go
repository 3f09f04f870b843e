package client

import "github.com/buildkite/subagent/internal/controlapi"

type SubmitRequest = controlapi.SubmitRequest
type SubmitResponse = controlapi.SubmitResponse
type StatusRequest = controlapi.StatusRequest
type StatusResponse = controlapi.StatusResponse
type SessionInfo = controlapi.SessionInfo
type TurnResult = controlapi.TurnResult
type ArtifactInfo = controlapi.ArtifactInfo
type AbortRequest = controlapi.AbortRequest
type AbortResponse = controlapi.AbortResponse
type ListSessionsRequest = controlapi.ListSessionsRequest
type ListSessionsResponse = controlapi.ListSessionsResponse
type PoolStatusRequest = controlapi.PoolStatusRequest
type PoolStatusResponse = controlapi.PoolStatusResponse
type RunnerInfo = controlapi.RunnerInfo

// Submit dispositions.
const (
	DispositionDebounced = "debounced"
	DispositionQueued    = "queued"
	DispositionSteered   = "steered"
)

// Turn result statuses.
const (
	TurnCompleted      = "completed"
	TurnFailed         = "failed"
	TurnAborted        = "aborted"
	TurnAlreadyRunning = "already_running"
)
