package types

import "time"

// MirrorRequest asks the daemon to mirror a disk of a running domain onto a
// target image and reopen it there.
type MirrorRequest struct {
	Domain        string         `json:"domain" binding:"required"`
	Params        map[string]any `json:"params,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// MirrorResponse is returned once a run has been accepted.
type MirrorResponse struct {
	RunID         string `json:"run_id"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// RunStatus represents the status of a mirror run
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ProgressInfo tracks where a run is and how far the copy has got.
type ProgressInfo struct {
	Phase       string  `json:"phase"`
	Percent     float64 `json:"percent"`
	BytesCopied uint64  `json:"bytes_copied"`
	BytesTotal  uint64  `json:"bytes_total"`
}

// StatusResponse represents the response to a status query
type StatusResponse struct {
	RunID         string        `json:"run_id"`
	Domain        string        `json:"domain"`
	Status        RunStatus     `json:"status"`
	State         string        `json:"state,omitempty"`
	TargetPath    string        `json:"target_path,omitempty"`
	Progress      *ProgressInfo `json:"progress,omitempty"`
	Error         string        `json:"error,omitempty"`
	FailedPhase   string        `json:"failed_phase,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// RunsResponse lists known runs.
type RunsResponse struct {
	Runs   []StatusResponse `json:"runs"`
	Active int              `json:"active"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	Libvirt   string    `json:"libvirt,omitempty"`
}
