package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"deskrelay/codec"
	"deskrelay/models"
	"deskrelay/service"
)

// RawFrame is one uncompressed captured screen frame.
type RawFrame struct {
	Data   []byte
	Width  int
	Height int
}

// CaptureProvider produces screen frames. Implementations wrap whatever
// grabber the platform offers; tests use synthetic frames.
type CaptureProvider interface {
	CaptureFrame() (RawFrame, error)
}

// InputInjector applies a remote input event to the local machine.
// Events arrive already remapped into the native resolution.
type InputInjector interface {
	Inject(ev codec.InputEvent) error
}

// TargetConfig configures a screen-sharing endpoint.
type TargetConfig struct {
	RelayURL string
	DeviceID string
	Name     string

	// PasswordHash is the bcrypt hash of the control password. Empty
	// means no password; verification happens here, never on the relay.
	PasswordHash string

	// Approver decides interactive consent for a control request that
	// passed the password check. Nil auto-accepts.
	Approver func(controllerName string) bool

	Capture  CaptureProvider
	Injector InputInjector

	// FPS is the capture rate. Zero defaults to 30.
	FPS int

	// Codec selects the frame codec by name. Empty defaults to zstd.
	Codec string

	Logger *logrus.Logger
}

// targetSession is the state of the one active control session.
type targetSession struct {
	id     string
	key    []byte
	cancel context.CancelFunc
}

// Target is the controlled endpoint: it registers with the relay,
// answers control requests, streams encrypted frames, and injects
// remote input.
type Target struct {
	cfg      TargetConfig
	conn     *conn
	codecs   *codec.Registry
	remapper *codec.Remapper

	mu      sync.Mutex
	session *targetSession
	quality codec.Quality
	seq     uint64

	log *logrus.Entry
}

// NewTarget validates the config and builds the endpoint.
func NewTarget(cfg TargetConfig) (*Target, error) {
	if cfg.DeviceID == "" || cfg.RelayURL == "" {
		return nil, errors.New("relay url and device id are required")
	}
	if cfg.Capture == nil {
		return nil, errors.New("capture provider is required")
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.Codec == "" {
		cfg.Codec = "zstd"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	codecs, err := codec.NewRegistry()
	if err != nil {
		return nil, err
	}
	if _, ok := codecs.Get(cfg.Codec); !ok {
		return nil, fmt.Errorf("unknown codec %q", cfg.Codec)
	}
	return &Target{
		cfg:      cfg,
		codecs:   codecs,
		remapper: codec.NewRemapper(models.Resolution{}),
		quality:  codec.QualityNormal,
		log:      cfg.Logger.WithFields(logrus.Fields{"component": "target", "device_id": cfg.DeviceID}),
	}, nil
}

// Run connects to the relay and serves until ctx ends or the connection
// drops.
func (t *Target) Run(ctx context.Context) error {
	frame, err := t.cfg.Capture.CaptureFrame()
	if err != nil {
		return fmt.Errorf("probe capture: %w", err)
	}
	resolution := models.Resolution{Width: frame.Width, Height: frame.Height}
	t.remapper.SetSource(resolution)

	caps := []string{models.CapabilityScreen}
	if t.cfg.Injector != nil {
		caps = append(caps, models.CapabilityInput)
	}
	c, err := dial(ctx, t.cfg.RelayURL, t.cfg.DeviceID, models.DeviceInfo{
		Name:             t.cfg.Name,
		Role:             models.RoleTarget,
		Capabilities:     caps,
		Resolution:       resolution,
		RequiresPassword: t.cfg.PasswordHash != "",
	}, t.log)
	if err != nil {
		return err
	}
	t.conn = c
	defer c.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeats(runCtx)
	go func() {
		<-runCtx.Done()
		c.close()
	}()

	t.log.Info("target connected")
	for {
		kind, data, err := c.read()
		if err != nil {
			t.endSession("")
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay connection lost: %w", err)
		}
		switch kind {
		case websocket.TextMessage:
			t.handleText(runCtx, data)
		case websocket.BinaryMessage:
			t.handleBinary(data)
		}
	}
}

func (t *Target) handleText(ctx context.Context, data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.log.WithError(err).Warn("malformed relay message")
		return
	}
	switch env.Type {
	case models.TypeControlRequest:
		t.handleControlRequest(env)
	case models.TypeSessionStarted:
		t.handleSessionStarted(ctx, env)
	case models.TypeControlEnded:
		t.handleControlEnded(env)
	case models.TypeQualityHint:
		t.handleQualityHint(env)
	case models.TypeHeartbeat:
		// heartbeat echo
	case models.TypeError:
		var p models.ErrorPayload
		json.Unmarshal(env.Payload, &p)
		t.log.WithFields(logrus.Fields{"code": p.Code}).Warn(p.Message)
	}
}

// handleControlRequest applies the password gate and consent prompt,
// then answers with the decision. The relay learns accept/reject and a
// reason, nothing about why the password failed.
func (t *Target) handleControlRequest(env models.Envelope) {
	var req models.ControlRequestForward
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		t.log.WithError(err).Warn("malformed control request")
		return
	}
	log := t.log.WithFields(logrus.Fields{"session_id": req.SessionID, "controller": req.ControllerID})

	t.mu.Lock()
	busy := t.session != nil
	t.mu.Unlock()
	if busy {
		t.respond(req.SessionID, false, models.ReasonDeclined)
		log.Warn("control request while session active, declined")
		return
	}

	if t.cfg.PasswordHash != "" && !service.VerifyPassword(t.cfg.PasswordHash, req.Password) {
		t.respond(req.SessionID, false, models.ReasonAuthFailed)
		log.Warn("control request rejected, bad password")
		return
	}
	if t.cfg.Approver != nil && !t.cfg.Approver(req.ControllerName) {
		t.respond(req.SessionID, false, models.ReasonDeclined)
		log.Info("control request declined")
		return
	}
	t.respond(req.SessionID, true, "")
	log.Info("control request accepted")
}

func (t *Target) respond(sessionID string, accepted bool, reason string) {
	t.conn.sendJSON(models.NewEnvelope(models.TypeControlResponse, sessionID,
		models.ControlResponsePayload{Accepted: accepted, Reason: reason}))
}

func (t *Target) handleSessionStarted(ctx context.Context, env models.Envelope) {
	var p models.SessionStartedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.log.WithError(err).Warn("malformed session_started")
		return
	}
	streamCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if t.session != nil {
		t.session.cancel()
	}
	t.session = &targetSession{id: p.SessionID, key: p.Key, cancel: cancel}
	t.quality = codec.QualityNormal
	t.seq = 0
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{"session_id": p.SessionID, "peer": p.PeerID}).Info("session started, streaming")
	go t.captureLoop(streamCtx, p.SessionID, p.Key)
}

func (t *Target) handleControlEnded(env models.Envelope) {
	var p models.ControlEndedPayload
	json.Unmarshal(env.Payload, &p)
	t.mu.Lock()
	if t.session != nil && t.session.id == env.SessionID {
		t.session.cancel()
		t.session = nil
	}
	t.mu.Unlock()
	t.log.WithFields(logrus.Fields{"session_id": env.SessionID, "reason": p.Reason}).Info("session ended")
}

func (t *Target) handleQualityHint(env models.Envelope) {
	var p models.QualityHintPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	t.mu.Lock()
	switch p.Level {
	case models.QualityHintLower:
		t.quality = t.quality.Lower()
	case models.QualityHintRestore:
		t.quality = codec.QualityNormal
	}
	quality := t.quality
	t.mu.Unlock()
	t.log.WithFields(logrus.Fields{"session_id": env.SessionID, "quality": quality.String()}).Debug("quality adjusted")
}

// captureLoop grabs, compresses, encrypts, and ships frames until the
// session ends. A resolution change is announced before the first frame
// at the new size so the controller can remap input correctly.
func (t *Target) captureLoop(ctx context.Context, sessionID string, key []byte) {
	frameCodec, _ := t.codecs.Get(t.cfg.Codec)
	interval := time.Second / time.Duration(t.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := t.remapper.Source()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, err := t.cfg.Capture.CaptureFrame()
		if err != nil {
			t.log.WithError(err).Warn("capture failed")
			continue
		}
		if frame.Width != last.Width || frame.Height != last.Height {
			last = models.Resolution{Width: frame.Width, Height: frame.Height}
			t.remapper.SetSource(last)
			t.conn.sendJSON(models.NewEnvelope(models.TypeResolutionChange, sessionID,
				models.ResolutionChangePayload{Resolution: last}))
			t.log.WithFields(logrus.Fields{"width": last.Width, "height": last.Height}).Info("resolution changed")
		}

		t.mu.Lock()
		quality := t.quality
		t.seq++
		seq := t.seq
		t.mu.Unlock()

		compressed, err := frameCodec.Compress(frame.Data, quality)
		if err != nil {
			t.log.WithError(err).Warn("frame compress failed")
			continue
		}
		sealed, err := service.Encrypt(compressed, key)
		if err != nil {
			t.log.WithError(err).Error("frame encrypt failed")
			return
		}
		wire, err := codec.EncodeFrame(codec.FrameMessage{
			SessionID: sessionID,
			Sequence:  seq,
			Width:     frame.Width,
			Height:    frame.Height,
			Codec:     frameCodec.Name(),
			Data:      sealed,
		})
		if err != nil {
			t.log.WithError(err).Warn("frame encode failed")
			continue
		}
		if err := t.conn.sendBinary(wire); err != nil {
			t.log.WithError(err).Warn("frame send failed")
			return
		}
	}
}

// handleBinary decrypts and injects a remote input event. A payload
// that fails authentication means a tampered or mis-keyed peer; the
// session is ended as a security violation, the connection survives.
func (t *Target) handleBinary(data []byte) {
	msg, err := codec.DecodeBinary(data)
	if err != nil {
		t.log.WithError(err).Warn("malformed binary message")
		return
	}
	input, ok := msg.(*codec.InputMessage)
	if !ok {
		return
	}

	t.mu.Lock()
	session := t.session
	t.mu.Unlock()
	if session == nil || session.id != input.SessionID {
		return
	}

	plain, err := service.Decrypt(input.Data, session.key)
	if err != nil {
		t.log.WithField("session_id", session.id).Error("input decryption failed, ending session")
		t.endSession(models.ReasonSecurityViolation)
		return
	}
	ev, err := codec.UnmarshalEvent(plain)
	if err != nil {
		t.log.WithError(err).Warn("malformed input event")
		return
	}
	t.remapper.Map(&ev)
	if t.cfg.Injector == nil {
		return
	}
	if err := t.cfg.Injector.Inject(ev); err != nil {
		t.log.WithError(err).Warn("input inject failed")
	}
}

// EndSession terminates the active session from the target side.
func (t *Target) EndSession() {
	t.endSession(models.ReasonEnded)
}

func (t *Target) endSession(reason string) {
	t.mu.Lock()
	session := t.session
	t.session = nil
	t.mu.Unlock()
	if session == nil {
		return
	}
	session.cancel()
	if reason != "" && t.conn != nil {
		t.conn.sendJSON(models.NewEnvelope(models.TypeEndControl, session.id,
			models.EndControlPayload{Reason: reason}))
	}
}
