package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"deskrelay/models"
)

// SessionState is the control session lifecycle state. REJECTED is
// reachable only from PENDING; ENDED from PENDING or ACTIVE. Both are
// terminal.
type SessionState int

const (
	SessionPending SessionState = iota
	SessionActive
	SessionRejected
	SessionEnded
)

func (s SessionState) String() string {
	return [...]string{"PENDING", "ACTIVE", "REJECTED", "ENDED"}[s]
}

func (s SessionState) terminal() bool {
	return s == SessionRejected || s == SessionEnded
}

// terminalRetention is how long a finished session stays visible on the
// REST surface before it is pruned.
const terminalRetention = 10 * time.Minute

// Session is one controller/target control relationship. The manager
// is the sole mutator of state; everything mutable lives behind mu.
type Session struct {
	ID           string
	ControllerID string
	TargetID     string
	CreatedAt    time.Time

	mu      sync.Mutex
	state   SessionState
	endedAt time.Time
	reason  string
	key     []byte
	timer   *time.Timer
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info snapshots the session for REST, audit, and events.
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := models.SessionInfo{
		ID:           s.ID,
		ControllerID: s.ControllerID,
		TargetID:     s.TargetID,
		State:        s.state.String(),
		CreatedAt:    s.CreatedAt.Unix(),
		Reason:       s.reason,
	}
	if !s.endedAt.IsZero() {
		info.EndedAt = s.endedAt.Unix()
	}
	return info
}

// SessionLog is the audit hook for terminal transitions. Best effort.
type SessionLog interface {
	RecordSession(info models.SessionInfo) error
}

// SessionManager orchestrates the request -> accept/reject -> active ->
// end lifecycle. Invariants it maintains: per target at most one
// non-terminal session, per controller at most one non-terminal
// session.
type SessionManager struct {
	registry *Registry

	mu           sync.RWMutex
	sessions     map[string]*Session
	byTarget     map[string]string
	byController map[string]string

	pendingTimeout time.Duration
	audit          SessionLog
	events         *EventBus
	log            *logrus.Entry

	// onTerminal lets the pipeline release per-session stream state.
	onTerminal func(sessionID string)
}

// SetTerminalHook installs a callback invoked once per terminal
// transition, after the session's maps are cleared.
func (m *SessionManager) SetTerminalHook(fn func(sessionID string)) {
	m.onTerminal = fn
}

func NewSessionManager(registry *Registry, pendingTimeout time.Duration, audit SessionLog, events *EventBus, log *logrus.Logger) *SessionManager {
	m := &SessionManager{
		registry:       registry,
		sessions:       make(map[string]*Session),
		byTarget:       make(map[string]string),
		byController:   make(map[string]string),
		pendingTimeout: pendingTimeout,
		audit:          audit,
		events:         events,
		log:            log.WithField("component", "sessions"),
	}
	registry.SetDisconnectHandler(m.HandleDisconnect)
	return m
}

// Request creates a PENDING session and forwards the control request to
// the target. No queueing: a target with a non-terminal session answers
// ErrTargetBusy immediately.
func (m *SessionManager) Request(controllerID, targetID, password string) (*Session, error) {
	controller, ok := m.registry.GetDevice(controllerID)
	if !ok || controller.Status != models.StatusOnline {
		return nil, models.ErrDeviceNotFound
	}
	target, ok := m.registry.GetDevice(targetID)
	if !ok || target.Status != models.StatusOnline || target.Role != models.RoleTarget {
		return nil, models.ErrTargetOffline
	}
	targetConn, ok := m.registry.Lookup(targetID)
	if !ok {
		return nil, models.ErrTargetOffline
	}

	m.mu.Lock()
	if _, busy := m.byTarget[targetID]; busy {
		m.mu.Unlock()
		return nil, models.ErrTargetBusy
	}
	if _, busy := m.byController[controllerID]; busy {
		m.mu.Unlock()
		return nil, models.ErrControllerBusy
	}
	session := &Session{
		ID:           uuid.NewString(),
		ControllerID: controllerID,
		TargetID:     targetID,
		CreatedAt:    time.Now(),
		state:        SessionPending,
	}
	m.sessions[session.ID] = session
	m.byTarget[targetID] = session.ID
	m.byController[controllerID] = session.ID
	m.mu.Unlock()

	forward := models.NewEnvelope(models.TypeControlRequest, session.ID, models.ControlRequestForward{
		SessionID:      session.ID,
		ControllerID:   controllerID,
		ControllerName: controller.Name,
		Password:       password,
	})
	if !targetConn.SendJSON(forward) {
		m.finalize(session, SessionRejected, models.ReasonDisconnected, "")
		return nil, models.ErrTargetOffline
	}

	session.mu.Lock()
	session.timer = time.AfterFunc(m.pendingTimeout, func() { m.expire(session.ID) })
	session.mu.Unlock()

	m.publishState(session)
	m.log.WithFields(logrus.Fields{
		"session_id": session.ID,
		"controller": controllerID,
		"target":     targetID,
	}).Info("control request forwarded")
	return session, nil
}

// Respond applies the target's decision to a PENDING session. Accepting
// derives a fresh session key and delivers it to both parties; the key
// never touches disk and the relay forgets it on end.
func (m *SessionManager) Respond(sessionID, fromDeviceID string, accepted bool, reason string) error {
	session, ok := m.get(sessionID)
	if !ok {
		return models.ErrSessionNotFound
	}
	if fromDeviceID != session.TargetID {
		return models.ErrNotSessionMember
	}

	if !accepted {
		if reason == "" {
			reason = models.ReasonDeclined
		}
		if !m.finalize(session, SessionRejected, reason, fromDeviceID) {
			return models.ErrInvalidTransition
		}
		m.notifyController(session, models.NewEnvelope(models.TypeControlResponse, session.ID,
			models.ControlResponsePayload{Accepted: false, Reason: reason}))
		m.log.WithFields(logrus.Fields{"session_id": session.ID, "reason": reason}).Info("control request rejected")
		return nil
	}

	key, err := DeriveSessionKey()
	if err != nil {
		m.finalize(session, SessionRejected, "internal", "")
		m.notifyController(session, models.NewEnvelope(models.TypeControlResponse, session.ID,
			models.ControlResponsePayload{Accepted: false, Reason: "internal"}))
		return err
	}

	session.mu.Lock()
	if session.state != SessionPending {
		session.mu.Unlock()
		return models.ErrInvalidTransition
	}
	session.state = SessionActive
	session.key = key
	if session.timer != nil {
		session.timer.Stop()
		session.timer = nil
	}
	session.mu.Unlock()

	controller, _ := m.registry.GetDevice(session.ControllerID)
	target, _ := m.registry.GetDevice(session.TargetID)

	m.notifyController(session, models.NewEnvelope(models.TypeControlResponse, session.ID,
		models.ControlResponsePayload{Accepted: true}))
	m.notifyController(session, models.NewEnvelope(models.TypeSessionStarted, session.ID,
		models.SessionStartedPayload{
			SessionID:      session.ID,
			PeerID:         target.ID,
			PeerName:       target.Name,
			Key:            key,
			PeerResolution: target.Resolution,
		}))
	m.notifyTarget(session, models.NewEnvelope(models.TypeSessionStarted, session.ID,
		models.SessionStartedPayload{
			SessionID:      session.ID,
			PeerID:         controller.ID,
			PeerName:       controller.Name,
			Key:            key,
			PeerResolution: controller.Resolution,
		}))

	m.publishState(session)
	m.log.WithField("session_id", session.ID).Info("session active")
	return nil
}

// End terminates a session from PENDING or ACTIVE. Idempotent: a second
// call observes the terminal state and returns nil without a second
// notification. Safe to race with in-flight frame delivery; the
// pipeline re-checks state before acting.
func (m *SessionManager) End(sessionID, initiatorID, reason string) error {
	session, ok := m.get(sessionID)
	if !ok {
		return models.ErrSessionNotFound
	}
	if initiatorID != "" && initiatorID != session.ControllerID && initiatorID != session.TargetID {
		return models.ErrNotSessionMember
	}
	if reason == "" {
		reason = models.ReasonEnded
	}
	if !m.finalize(session, SessionEnded, reason, initiatorID) {
		return nil
	}

	ended := models.NewEnvelope(models.TypeControlEnded, session.ID,
		models.ControlEndedPayload{Reason: reason, InitiatorID: initiatorID})
	if initiatorID != session.ControllerID {
		m.notifyController(session, ended)
	}
	if initiatorID != session.TargetID {
		m.notifyTarget(session, ended)
	}

	m.log.WithFields(logrus.Fields{
		"session_id": session.ID,
		"initiator":  initiatorID,
		"reason":     reason,
	}).Info("session ended")
	return nil
}

// HandleDisconnect is the registry cascade: any session the vanished
// device participates in is ended (or rejected while still pending).
func (m *SessionManager) HandleDisconnect(deviceID string, role models.Role) {
	m.mu.RLock()
	var sessionID string
	if sid, ok := m.byTarget[deviceID]; ok {
		sessionID = sid
	} else if sid, ok := m.byController[deviceID]; ok {
		sessionID = sid
	}
	m.mu.RUnlock()
	if sessionID == "" {
		return
	}
	session, ok := m.get(sessionID)
	if !ok {
		return
	}

	if role == models.RoleTarget && session.State() == SessionPending {
		if m.finalize(session, SessionRejected, models.ReasonDisconnected, deviceID) {
			m.notifyController(session, models.NewEnvelope(models.TypeControlResponse, session.ID,
				models.ControlResponsePayload{Accepted: false, Reason: models.ReasonDisconnected}))
		}
		return
	}
	if err := m.End(sessionID, deviceID, models.ReasonDisconnected); err != nil {
		m.log.WithError(err).WithField("session_id", sessionID).Debug("disconnect cascade")
	}
}

// expire fires when a PENDING session outlives the response window.
func (m *SessionManager) expire(sessionID string) {
	session, ok := m.get(sessionID)
	if !ok || session.State() != SessionPending {
		return
	}
	if !m.finalize(session, SessionRejected, models.ReasonTimeout, "") {
		return
	}
	m.notifyController(session, models.NewEnvelope(models.TypeControlResponse, session.ID,
		models.ControlResponsePayload{Accepted: false, Reason: models.ReasonTimeout}))
	// Cancel the prompt still showing on the target.
	m.notifyTarget(session, models.NewEnvelope(models.TypeControlEnded, session.ID,
		models.ControlEndedPayload{Reason: models.ReasonTimeout}))
	m.log.WithField("session_id", sessionID).Info("control request timed out")
}

// finalize moves a session to a terminal state exactly once, releasing
// the target and controller for new requests and discarding the key.
// Returns false if the session was already terminal.
func (m *SessionManager) finalize(session *Session, state SessionState, reason, initiatorID string) bool {
	session.mu.Lock()
	if session.state.terminal() {
		session.mu.Unlock()
		return false
	}
	if state == SessionRejected && session.state != SessionPending {
		// REJECTED is only reachable from PENDING; an active session
		// being torn down ends instead.
		state = SessionEnded
	}
	session.state = state
	session.reason = reason
	session.endedAt = time.Now()
	if session.timer != nil {
		session.timer.Stop()
		session.timer = nil
	}
	for i := range session.key {
		session.key[i] = 0
	}
	session.key = nil
	session.mu.Unlock()

	m.mu.Lock()
	if m.byTarget[session.TargetID] == session.ID {
		delete(m.byTarget, session.TargetID)
	}
	if m.byController[session.ControllerID] == session.ID {
		delete(m.byController, session.ControllerID)
	}
	m.mu.Unlock()

	time.AfterFunc(terminalRetention, func() {
		m.mu.Lock()
		delete(m.sessions, session.ID)
		m.mu.Unlock()
	})

	if m.audit != nil {
		if err := m.audit.RecordSession(session.Info()); err != nil {
			m.log.WithError(err).Warn("session audit write failed")
		}
	}
	if m.onTerminal != nil {
		m.onTerminal(session.ID)
	}
	m.publishState(session)
	return true
}

func (m *SessionManager) get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Get returns a session by id.
func (m *SessionManager) Get(sessionID string) (*Session, bool) {
	return m.get(sessionID)
}

// List snapshots every session still in memory, terminal ones included.
func (m *SessionManager) List() []models.SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	out := make([]models.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

func (m *SessionManager) notifyController(session *Session, env models.Envelope) {
	if conn, ok := m.registry.Lookup(session.ControllerID); ok {
		conn.SendJSON(env)
	}
}

func (m *SessionManager) notifyTarget(session *Session, env models.Envelope) {
	if conn, ok := m.registry.Lookup(session.TargetID); ok {
		conn.SendJSON(env)
	}
}

func (m *SessionManager) publishState(session *Session) {
	info := session.Info()
	m.events.Publish(Event{
		Kind:      EventSessionState,
		SessionID: info.ID,
		State:     info.State,
		Reason:    info.Reason,
	})
}
