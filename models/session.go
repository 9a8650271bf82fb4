package models

// Session end / rejection reasons carried in control_response and
// control_ended messages. The relay never distinguishes an auth failure
// from a plain decline beyond the reason string the target chose.
const (
	ReasonTimeout           = "timeout"
	ReasonAuthFailed        = "auth_failed"
	ReasonDeclined          = "declined"
	ReasonDisconnected      = "disconnected"
	ReasonEnded             = "ended"
	ReasonSecurityViolation = "security_violation"
)

// SessionInfo is the externally visible snapshot of a control session,
// used by the REST surface, the audit log, and relay events. The live
// session object (with its key and timers) stays inside the session
// manager.
type SessionInfo struct {
	ID           string `json:"session_id"`
	ControllerID string `json:"controller_id"`
	TargetID     string `json:"target_id"`
	State        string `json:"state"`
	CreatedAt    int64  `json:"created_at"`
	EndedAt      int64  `json:"ended_at,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// SessionStats are per-session streaming counters kept by the pipeline.
// Gaps are diagnostic only; nothing is retransmitted.
type SessionStats struct {
	SessionID     string `json:"session_id"`
	FramesRelayed uint64 `json:"frames_relayed"`
	FramesDropped uint64 `json:"frames_dropped"`
	FrameGaps     uint64 `json:"frame_gaps"`
	InputsRelayed uint64 `json:"inputs_relayed"`
	InputGaps     uint64 `json:"input_gaps"`
	Degraded      bool   `json:"degraded"`
}
