package models

import "errors"

// Session errors surfaced to the requesting side as structured
// rejections, never as raw failures on the wire.
var (
	ErrTargetOffline  = errors.New("target device offline")
	ErrTargetBusy     = errors.New("target device busy")
	ErrControllerBusy = errors.New("controller already in a session")
)

// Registry errors.
var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrDuplicateDevice = errors.New("device id already bound to a live connection")
	ErrInvalidRole     = errors.New("invalid device role")
)

// Session state machine errors.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrNotSessionMember  = errors.New("device is not a member of this session")
)

// ErrDecryptionFailed covers tamper, corruption, and wrong-key cases
// uniformly. Any occurrence on an active session is fatal to that
// session (reason security_violation), never to the relay.
var ErrDecryptionFailed = errors.New("decryption failed")

// ErrorCode maps a session error to the wire code used in
// control_request_result and error payloads.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrTargetOffline):
		return "target_offline"
	case errors.Is(err, ErrTargetBusy):
		return "target_busy"
	case errors.Is(err, ErrControllerBusy):
		return "controller_busy"
	case errors.Is(err, ErrDeviceNotFound):
		return "device_not_found"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	default:
		return "internal"
	}
}
