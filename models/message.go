package models

import "encoding/json"

// MessageType discriminates the control-plane envelope. Screen frames
// and input events travel as binary websocket messages (see the codec
// package) and never appear here.
type MessageType string

const (
	TypeDeviceInfo           MessageType = "device_info"
	TypeDeviceList           MessageType = "device_list"
	TypeHeartbeat            MessageType = "heartbeat"
	TypeControlRequest       MessageType = "control_request"
	TypeControlRequestResult MessageType = "control_request_result"
	TypeControlResponse      MessageType = "control_response"
	TypeSessionStarted       MessageType = "session_started"
	TypeEndControl           MessageType = "end_control"
	TypeControlEnded         MessageType = "control_ended"
	TypeResolutionChange     MessageType = "resolution_change"
	TypeQualityHint          MessageType = "quality_hint"
	TypeError                MessageType = "error"
)

// Envelope is the control-plane wire format: a type discriminant, an
// optional session id routing key, and a payload whose shape is fixed
// per type. Payloads are validated at the dispatcher boundary.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope. Marshal failures are
// programming errors (all payload types are plain structs), so they
// surface as an empty payload rather than an error return.
func NewEnvelope(t MessageType, sessionID string, payload any) Envelope {
	env := Envelope{Type: t, SessionID: sessionID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			env.Payload = data
		}
	}
	return env
}

// DeviceListPayload pushes the online targets to controllers.
type DeviceListPayload struct {
	Devices []Device `json:"devices"`
}

// ControlRequestPayload is sent controller -> relay.
type ControlRequestPayload struct {
	TargetID string `json:"target_id"`
	Password string `json:"password,omitempty"`
}

// ControlRequestForward is the relay's version of the request delivered
// to the target. The password is forwarded opaquely; the relay never
// verifies it.
type ControlRequestForward struct {
	SessionID      string `json:"session_id"`
	ControllerID   string `json:"controller_id"`
	ControllerName string `json:"controller_name"`
	Password       string `json:"password,omitempty"`
}

// ControlRequestResult acknowledges delivery of a control request to
// the controller. Delivered=true only says the request reached the
// target; the target's decision arrives later as control_response.
type ControlRequestResult struct {
	Delivered bool   `json:"delivered"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ControlResponsePayload carries the target's decision. Target -> relay
// and relay -> controller.
type ControlResponsePayload struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// SessionStartedPayload delivers the session key to both parties once
// the target accepts. The key is session-scoped and never persisted.
type SessionStartedPayload struct {
	SessionID      string     `json:"session_id"`
	PeerID         string     `json:"peer_id"`
	PeerName       string     `json:"peer_name,omitempty"`
	Key            []byte     `json:"key"`
	PeerResolution Resolution `json:"peer_resolution,omitempty"`
}

// EndControlPayload is sent by either party to end a session.
type EndControlPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ControlEndedPayload notifies the side that did not initiate the end.
type ControlEndedPayload struct {
	Reason      string `json:"reason"`
	InitiatorID string `json:"initiator_id,omitempty"`
}

// ResolutionChangePayload is emitted by the target when its screen size
// changes; the relay forwards it ahead of the next frame so the
// controller recomputes its coordinate mapping.
type ResolutionChangePayload struct {
	Resolution Resolution `json:"resolution"`
}

// Quality hint levels.
const (
	QualityHintLower   = "lower"
	QualityHintRestore = "restore"
)

// QualityHintPayload asks the target's codec to change quality while
// the relay's outbound queue for the session is saturated or drained.
type QualityHintPayload struct {
	Level string `json:"level"`
}

// ErrorPayload is a protocol error reply. The connection stays alive.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
