package service

import (
	"sync"

	"github.com/sirupsen/logrus"

	"deskrelay/codec"
	"deskrelay/models"
)

// Pipeline moves frames target -> controller and input events
// controller -> target for ACTIVE sessions only. It never decrypts
// payloads; it shapes, orders, and forwards them.
//
// Frame policy is deliberately lossy: screen state is only meaningful
// as "latest", so when the per-session queue exceeds its depth the
// oldest frame is dropped and the target is asked to lower quality
// until the queue drains. Input is forwarded immediately in arrival
// order; sequence gaps are counted for diagnostics, never retransmitted
// (replaying a stale click after arbitrary delay is unsafe).
type Pipeline struct {
	sessions   *SessionManager
	registry   *Registry
	queueDepth int

	mu      sync.Mutex
	streams map[string]*sessionStream

	log *logrus.Entry
}

type sessionStream struct {
	mu         sync.Mutex
	queue      [][]byte
	delivering bool
	degraded   bool

	lastFrameSeq uint64
	lastInputSeq uint64
	stats        models.SessionStats
}

func NewPipeline(sessions *SessionManager, registry *Registry, queueDepth int, log *logrus.Logger) *Pipeline {
	if queueDepth < 1 {
		queueDepth = 1
	}
	p := &Pipeline{
		sessions:   sessions,
		registry:   registry,
		queueDepth: queueDepth,
		streams:    make(map[string]*sessionStream),
		log:        log.WithField("component", "pipeline"),
	}
	sessions.SetTerminalHook(p.CloseSession)
	return p
}

// HandleFrame enqueues one frame for delivery to the session's
// controller. Frames for non-active sessions or from the wrong device
// are dropped and logged, never forwarded.
func (p *Pipeline) HandleFrame(fromDeviceID string, frame *codec.FrameMessage, raw []byte) {
	session, ok := p.sessions.Get(frame.SessionID)
	if !ok || session.State() != SessionActive || session.TargetID != fromDeviceID {
		p.log.WithFields(logrus.Fields{
			"session_id": frame.SessionID,
			"from":       fromDeviceID,
		}).Debug("dropping frame for non-active session")
		return
	}

	stream := p.stream(frame.SessionID)
	var hintLower bool
	stream.mu.Lock()
	if stream.lastFrameSeq != 0 && frame.Sequence != stream.lastFrameSeq+1 {
		stream.stats.FrameGaps++
	}
	stream.lastFrameSeq = frame.Sequence
	stream.queue = append(stream.queue, raw)
	if len(stream.queue) > p.queueDepth {
		// Favor freshness over completeness: the oldest frame goes
		// first, and the target is asked to back off.
		stream.queue = stream.queue[1:]
		stream.stats.FramesDropped++
		if !stream.degraded {
			stream.degraded = true
			stream.stats.Degraded = true
			hintLower = true
		}
	}
	start := !stream.delivering
	if start {
		stream.delivering = true
	}
	stream.mu.Unlock()

	if hintLower {
		p.sendQualityHint(session, models.QualityHintLower)
	}
	if start {
		go p.deliver(session, stream)
	}
}

// deliver drains the session queue onto the controller's connection.
// Re-checks session state before every write so it is safe to race
// with End.
func (p *Pipeline) deliver(session *Session, stream *sessionStream) {
	for {
		stream.mu.Lock()
		if len(stream.queue) == 0 {
			stream.delivering = false
			restore := stream.degraded
			stream.degraded = false
			stream.stats.Degraded = false
			stream.mu.Unlock()
			if restore {
				p.sendQualityHint(session, models.QualityHintRestore)
			}
			return
		}
		frame := stream.queue[0]
		stream.queue = stream.queue[1:]
		stream.mu.Unlock()

		if session.State() != SessionActive {
			stream.mu.Lock()
			stream.queue = nil
			stream.delivering = false
			stream.mu.Unlock()
			return
		}
		conn, ok := p.registry.Lookup(session.ControllerID)
		if !ok {
			continue
		}
		if conn.SendBinary(frame) {
			stream.mu.Lock()
			stream.stats.FramesRelayed++
			stream.mu.Unlock()
		}
	}
}

// HandleInput forwards one input event to the session's target.
// Per-session, per-direction ordering is preserved because each
// connection has a single read pump and a single ordered send queue.
func (p *Pipeline) HandleInput(fromDeviceID string, input *codec.InputMessage, raw []byte) {
	session, ok := p.sessions.Get(input.SessionID)
	if !ok || session.State() != SessionActive || session.ControllerID != fromDeviceID {
		p.log.WithFields(logrus.Fields{
			"session_id": input.SessionID,
			"from":       fromDeviceID,
		}).Debug("dropping input for non-active session")
		return
	}

	stream := p.stream(input.SessionID)
	stream.mu.Lock()
	if stream.lastInputSeq != 0 && input.Sequence != stream.lastInputSeq+1 {
		stream.stats.InputGaps++
	}
	stream.lastInputSeq = input.Sequence
	stream.mu.Unlock()

	conn, ok := p.registry.Lookup(session.TargetID)
	if !ok {
		return
	}
	if conn.SendBinary(raw) {
		stream.mu.Lock()
		stream.stats.InputsRelayed++
		stream.mu.Unlock()
	}
}

// HandleResolutionChange forwards the target's new resolution to the
// controller ahead of the next frame so it can recompute its mapping.
func (p *Pipeline) HandleResolutionChange(fromDeviceID string, env models.Envelope) {
	session, ok := p.sessions.Get(env.SessionID)
	if !ok || session.State() != SessionActive || session.TargetID != fromDeviceID {
		return
	}
	if conn, ok := p.registry.Lookup(session.ControllerID); ok {
		conn.SendJSON(env)
	}
}

func (p *Pipeline) sendQualityHint(session *Session, level string) {
	conn, ok := p.registry.Lookup(session.TargetID)
	if !ok {
		return
	}
	conn.SendJSON(models.NewEnvelope(models.TypeQualityHint, session.ID,
		models.QualityHintPayload{Level: level}))
	p.log.WithFields(logrus.Fields{"session_id": session.ID, "level": level}).Debug("quality hint")
}

// Stats returns the streaming counters for a session.
func (p *Pipeline) Stats(sessionID string) (models.SessionStats, bool) {
	p.mu.Lock()
	stream, ok := p.streams[sessionID]
	p.mu.Unlock()
	if !ok {
		return models.SessionStats{}, false
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	stats := stream.stats
	stats.SessionID = sessionID
	return stats, true
}

// CloseSession drops the per-session stream state. Wired as the
// session manager's terminal hook.
func (p *Pipeline) CloseSession(sessionID string) {
	p.mu.Lock()
	delete(p.streams, sessionID)
	p.mu.Unlock()
}

func (p *Pipeline) stream(sessionID string) *sessionStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	stream, ok := p.streams[sessionID]
	if !ok {
		stream = &sessionStream{}
		p.streams[sessionID] = stream
	}
	return stream
}
