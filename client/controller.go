package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"deskrelay/codec"
	"deskrelay/models"
	"deskrelay/service"
)

// Frame is one decrypted, decompressed screen frame handed to the sink.
type Frame struct {
	SessionID string
	Sequence  uint64
	Width     int
	Height    int
	Data      []byte
}

// FrameSink consumes decoded frames, typically a renderer.
type FrameSink interface {
	HandleFrame(frame Frame)
}

// ControllerConfig configures a controlling endpoint.
type ControllerConfig struct {
	RelayURL string
	DeviceID string
	Name     string

	Sink FrameSink

	// Callbacks are invoked from the read loop; keep them fast.
	OnDeviceList    func(devices []models.Device)
	OnRequestResult func(result models.ControlRequestResult)
	OnDecision      func(accepted bool, reason string)
	OnSessionStart  func(p models.SessionStartedPayload)
	OnSessionEnd    func(sessionID, reason string)

	Logger *logrus.Logger
}

// controllerSession is the state of the one active control session.
type controllerSession struct {
	id             string
	key            []byte
	peerResolution models.Resolution
}

// Controller is the driving endpoint: it requests control of a target,
// renders the frame stream, and forwards local input.
type Controller struct {
	cfg    ControllerConfig
	conn   *conn
	codecs *codec.Registry

	mu      sync.Mutex
	session *controllerSession
	seq     uint64

	log *logrus.Entry
}

// NewController validates the config and builds the endpoint.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.DeviceID == "" || cfg.RelayURL == "" {
		return nil, errors.New("relay url and device id are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	codecs, err := codec.NewRegistry()
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:    cfg,
		codecs: codecs,
		log:    cfg.Logger.WithFields(logrus.Fields{"component": "controller", "device_id": cfg.DeviceID}),
	}, nil
}

// Run connects to the relay and serves until ctx ends or the connection
// drops.
func (ct *Controller) Run(ctx context.Context) error {
	c, err := dial(ctx, ct.cfg.RelayURL, ct.cfg.DeviceID, models.DeviceInfo{
		Name: ct.cfg.Name,
		Role: models.RoleController,
	}, ct.log)
	if err != nil {
		return err
	}
	ct.conn = c
	defer c.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeats(runCtx)
	go func() {
		<-runCtx.Done()
		c.close()
	}()

	ct.log.Info("controller connected")
	for {
		kind, data, err := c.read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay connection lost: %w", err)
		}
		switch kind {
		case websocket.TextMessage:
			ct.handleText(data)
		case websocket.BinaryMessage:
			ct.handleBinary(data)
		}
	}
}

// RequestControl asks the relay to forward a control request. The
// delivery ack and the target's decision arrive asynchronously via
// OnRequestResult and OnDecision.
func (ct *Controller) RequestControl(targetID, password string) error {
	return ct.conn.sendJSON(models.NewEnvelope(models.TypeControlRequest, "",
		models.ControlRequestPayload{TargetID: targetID, Password: password}))
}

// SendInput encrypts and ships one input event to the target. Events
// are sequenced per session; the relay counts gaps but never reorders.
func (ct *Controller) SendInput(ev codec.InputEvent) error {
	ct.mu.Lock()
	session := ct.session
	if session == nil {
		ct.mu.Unlock()
		return errors.New("no active session")
	}
	ct.seq++
	seq := ct.seq
	ct.mu.Unlock()

	plain, err := codec.MarshalEvent(ev)
	if err != nil {
		return err
	}
	sealed, err := service.Encrypt(plain, session.key)
	if err != nil {
		return fmt.Errorf("encrypt input: %w", err)
	}
	wire, err := codec.EncodeInput(codec.InputMessage{
		SessionID: session.id,
		Sequence:  seq,
		Data:      sealed,
	})
	if err != nil {
		return err
	}
	return ct.conn.sendBinary(wire)
}

// EndSession terminates the active session from the controller side.
func (ct *Controller) EndSession() {
	ct.endSession(models.ReasonEnded)
}

// PeerResolution returns the target's current resolution, for building
// view-space input events.
func (ct *Controller) PeerResolution() (models.Resolution, bool) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.session == nil {
		return models.Resolution{}, false
	}
	return ct.session.peerResolution, true
}

func (ct *Controller) handleText(data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		ct.log.WithError(err).Warn("malformed relay message")
		return
	}
	switch env.Type {
	case models.TypeDeviceList:
		var p models.DeviceListPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if ct.cfg.OnDeviceList != nil {
			ct.cfg.OnDeviceList(p.Devices)
		}

	case models.TypeControlRequestResult:
		var p models.ControlRequestResult
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if !p.Delivered {
			ct.log.WithField("error", p.Error).Warn("control request not delivered")
		}
		if ct.cfg.OnRequestResult != nil {
			ct.cfg.OnRequestResult(p)
		}

	case models.TypeControlResponse:
		var p models.ControlResponsePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if !p.Accepted {
			ct.log.WithField("reason", p.Reason).Info("control request rejected")
		}
		if ct.cfg.OnDecision != nil {
			ct.cfg.OnDecision(p.Accepted, p.Reason)
		}

	case models.TypeSessionStarted:
		var p models.SessionStartedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		ct.mu.Lock()
		ct.session = &controllerSession{id: p.SessionID, key: p.Key, peerResolution: p.PeerResolution}
		ct.seq = 0
		ct.mu.Unlock()
		ct.log.WithFields(logrus.Fields{"session_id": p.SessionID, "peer": p.PeerID}).Info("session started")
		if ct.cfg.OnSessionStart != nil {
			ct.cfg.OnSessionStart(p)
		}

	case models.TypeControlEnded:
		var p models.ControlEndedPayload
		json.Unmarshal(env.Payload, &p)
		ct.mu.Lock()
		if ct.session != nil && ct.session.id == env.SessionID {
			ct.session = nil
		}
		ct.mu.Unlock()
		ct.log.WithFields(logrus.Fields{"session_id": env.SessionID, "reason": p.Reason}).Info("session ended")
		if ct.cfg.OnSessionEnd != nil {
			ct.cfg.OnSessionEnd(env.SessionID, p.Reason)
		}

	case models.TypeResolutionChange:
		var p models.ResolutionChangePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		ct.mu.Lock()
		if ct.session != nil && ct.session.id == env.SessionID {
			ct.session.peerResolution = p.Resolution
		}
		ct.mu.Unlock()

	case models.TypeHeartbeat:
		// heartbeat echo
	case models.TypeError:
		var p models.ErrorPayload
		json.Unmarshal(env.Payload, &p)
		ct.log.WithFields(logrus.Fields{"code": p.Code}).Warn(p.Message)
	}
}

// handleBinary decrypts and decodes one frame. A frame that fails
// authentication ends the session as a security violation.
func (ct *Controller) handleBinary(data []byte) {
	msg, err := codec.DecodeBinary(data)
	if err != nil {
		ct.log.WithError(err).Warn("malformed binary message")
		return
	}
	frame, ok := msg.(*codec.FrameMessage)
	if !ok {
		return
	}

	ct.mu.Lock()
	session := ct.session
	ct.mu.Unlock()
	if session == nil || session.id != frame.SessionID {
		return
	}

	compressed, err := service.Decrypt(frame.Data, session.key)
	if err != nil {
		ct.log.WithField("session_id", session.id).Error("frame decryption failed, ending session")
		ct.endSession(models.ReasonSecurityViolation)
		return
	}
	frameCodec, ok := ct.codecs.Get(frame.Codec)
	if !ok {
		ct.log.WithField("codec", frame.Codec).Warn("frame with unknown codec")
		return
	}
	raw, err := frameCodec.Decompress(compressed)
	if err != nil {
		ct.log.WithError(err).Warn("frame decompress failed")
		return
	}
	if ct.cfg.Sink != nil {
		ct.cfg.Sink.HandleFrame(Frame{
			SessionID: frame.SessionID,
			Sequence:  frame.Sequence,
			Width:     frame.Width,
			Height:    frame.Height,
			Data:      raw,
		})
	}
}

func (ct *Controller) endSession(reason string) {
	ct.mu.Lock()
	session := ct.session
	ct.session = nil
	ct.mu.Unlock()
	if session == nil {
		return
	}
	if ct.conn != nil {
		ct.conn.sendJSON(models.NewEnvelope(models.TypeEndControl, session.id,
			models.EndControlPayload{Reason: reason}))
	}
}
