package api

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"deskrelay/codec"
	"deskrelay/models"
	"deskrelay/service"
)

// Relay is the single network-facing entry point. It demultiplexes
// inbound messages by type and routes them to the registry, the session
// state machine, or the streaming pipeline. Protocol errors are
// answered on the offending connection and never tear it down.
type Relay struct {
	registry      *service.Registry
	sessions      *service.SessionManager
	pipeline      *service.Pipeline
	events        *service.EventBus
	maxFrameBytes int64

	logger *logrus.Logger
	log    *logrus.Entry
}

func NewRelay(registry *service.Registry, sessions *service.SessionManager, pipeline *service.Pipeline, events *service.EventBus, maxFrameBytes int64, logger *logrus.Logger) *Relay {
	return &Relay{
		registry:      registry,
		sessions:      sessions,
		pipeline:      pipeline,
		events:        events,
		maxFrameBytes: maxFrameBytes,
		logger:        logger,
		log:           logger.WithField("component", "relay"),
	}
}

func (r *Relay) dispatchText(c *Client, data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.protocolError(c, "malformed", "message is not a valid envelope")
		return
	}

	switch env.Type {
	case models.TypeDeviceInfo:
		r.handleDeviceInfo(c, env)

	case models.TypeHeartbeat:
		if c.DeviceID() == "" {
			r.protocolError(c, "not_registered", "handshake required before heartbeat")
			return
		}
		r.registry.TouchHeartbeat(c.DeviceID())
		c.SendJSON(models.NewEnvelope(models.TypeHeartbeat, "", nil))

	case models.TypeControlRequest:
		r.handleControlRequest(c, env)

	case models.TypeControlResponse:
		var payload models.ControlResponsePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			r.protocolError(c, "malformed", "invalid control_response payload")
			return
		}
		if err := r.sessions.Respond(env.SessionID, c.DeviceID(), payload.Accepted, payload.Reason); err != nil {
			// Late responses (already timed out) are normal; nothing to
			// send back beyond the terminal notification already out.
			r.log.WithError(err).WithField("session_id", env.SessionID).Debug("control response not applied")
		}

	case models.TypeEndControl:
		var payload models.EndControlPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				r.protocolError(c, "malformed", "invalid end_control payload")
				return
			}
		}
		if err := r.sessions.End(env.SessionID, c.DeviceID(), payload.Reason); err != nil {
			r.log.WithError(err).WithField("session_id", env.SessionID).Debug("end control not applied")
		}

	case models.TypeResolutionChange:
		r.pipeline.HandleResolutionChange(c.DeviceID(), env)

	default:
		r.protocolError(c, "unknown_type", "unknown message type "+string(env.Type))
	}
}

func (r *Relay) handleDeviceInfo(c *Client, env models.Envelope) {
	var info models.DeviceInfo
	if err := json.Unmarshal(env.Payload, &info); err != nil {
		r.protocolError(c, "malformed", "invalid device_info payload")
		return
	}
	fingerprint := service.Fingerprint(c.RemoteAddr(), c.claimedID, []byte(c.id))
	dev, err := r.registry.Register(c, c.claimedID, info, fingerprint)
	if err != nil {
		r.protocolError(c, models.ErrorCode(err), err.Error())
		return
	}
	c.bind(dev.ID)
	if dev.Role == models.RoleController {
		r.registry.SendDeviceList(c)
	}
}

func (r *Relay) handleControlRequest(c *Client, env models.Envelope) {
	if c.DeviceID() == "" {
		r.protocolError(c, "not_registered", "handshake required before control_request")
		return
	}
	var payload models.ControlRequestPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.TargetID == "" {
		r.protocolError(c, "malformed", "invalid control_request payload")
		return
	}

	session, err := r.sessions.Request(c.DeviceID(), payload.TargetID, payload.Password)
	if err != nil {
		c.SendJSON(models.NewEnvelope(models.TypeControlRequestResult, "", models.ControlRequestResult{
			Delivered: false,
			Error:     models.ErrorCode(err),
		}))
		return
	}
	c.SendJSON(models.NewEnvelope(models.TypeControlRequestResult, session.ID, models.ControlRequestResult{
		Delivered: true,
		SessionID: session.ID,
	}))
}

func (r *Relay) dispatchBinary(c *Client, data []byte) {
	deviceID := c.DeviceID()
	if deviceID == "" {
		r.protocolError(c, "not_registered", "handshake required before streaming")
		return
	}
	msg, err := codec.DecodeBinary(data)
	if err != nil {
		r.protocolError(c, "malformed_binary", err.Error())
		return
	}
	switch m := msg.(type) {
	case *codec.FrameMessage:
		r.pipeline.HandleFrame(deviceID, m, data)
	case *codec.InputMessage:
		r.pipeline.HandleInput(deviceID, m, data)
	}
}

// protocolError replies with a structured error and keeps the
// connection alive; only transport failures end a connection.
func (r *Relay) protocolError(c *Client, code, message string) {
	r.log.WithFields(logrus.Fields{"conn": c.ID(), "code": code}).Warn(message)
	r.events.Publish(service.Event{Kind: service.EventProtocolError, DeviceID: c.DeviceID(), Reason: code})
	c.SendJSON(models.NewEnvelope(models.TypeError, "", models.ErrorPayload{Code: code, Message: message}))
}
