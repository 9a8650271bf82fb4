package service

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"deskrelay/models"
)

// PeerConn is the transport half of a registered connection. The api
// package implements it over a websocket; tests use in-memory fakes.
// Send methods report false when the message was dropped (closed
// connection or full queue).
type PeerConn interface {
	ID() string
	RemoteAddr() string
	SendJSON(env models.Envelope) bool
	SendBinary(data []byte) bool
	Close()
}

// DeviceStore is the persistence hook the registry writes through.
// Best effort: failures are logged, never returned to the protocol.
type DeviceStore interface {
	UpsertDevice(d models.Device) error
	MarkDeviceOffline(deviceID string, at time.Time) error
}

type binding struct {
	conn        PeerConn
	fingerprint string
	lastSeen    time.Time
}

// Registry owns the device table and the device_id -> connection
// mapping. It is the only global shared structure; all mutations are
// serialized behind one RWMutex, routing reads may lag by at most a
// heartbeat interval.
type Registry struct {
	mu       sync.RWMutex
	devices  map[string]*models.Device
	bindings map[string]*binding // device id -> live connection
	byConn   map[string]string   // connection id -> device id

	heartbeatTimeout time.Duration
	retention        time.Duration

	store  DeviceStore
	events *EventBus
	log    *logrus.Entry

	// onDisconnect cascades an unregister into the session layer
	// (end/reject of any session the device participates in).
	onDisconnect func(deviceID string, role models.Role)
}

func NewRegistry(heartbeatTimeout, retention time.Duration, store DeviceStore, events *EventBus, log *logrus.Logger) *Registry {
	return &Registry{
		devices:          make(map[string]*models.Device),
		bindings:         make(map[string]*binding),
		byConn:           make(map[string]string),
		heartbeatTimeout: heartbeatTimeout,
		retention:        retention,
		store:            store,
		events:           events,
		log:              log.WithField("component", "registry"),
	}
}

// SetDisconnectHandler installs the session-layer cascade. Must be
// called during wiring, before any connection registers.
func (r *Registry) SetDisconnectHandler(fn func(deviceID string, role models.Role)) {
	r.onDisconnect = fn
}

// Register binds a connection to a device identity. If the device id is
// already bound to a different live connection the newer registration
// wins and the stale connection is force-closed; silent network loss
// must not leave zombie bindings in the way of a reconnect.
func (r *Registry) Register(conn PeerConn, deviceID string, info models.DeviceInfo, fingerprint string) (models.Device, error) {
	if deviceID == "" {
		return models.Device{}, models.ErrDeviceNotFound
	}
	if !info.Valid() {
		return models.Device{}, models.ErrInvalidRole
	}

	var stale PeerConn
	r.mu.Lock()
	if b, ok := r.bindings[deviceID]; ok && b.conn.ID() != conn.ID() {
		stale = b.conn
		delete(r.byConn, stale.ID())
	}
	dev, ok := r.devices[deviceID]
	if !ok {
		dev = &models.Device{ID: deviceID}
		r.devices[deviceID] = dev
	}
	dev.Name = info.Name
	dev.Role = info.Role
	dev.Capabilities = append([]string(nil), info.Capabilities...)
	dev.Resolution = info.Resolution
	dev.RequiresPassword = info.RequiresPassword
	dev.Status = models.StatusOnline
	dev.LastSeen = time.Now().Unix()

	r.bindings[deviceID] = &binding{conn: conn, fingerprint: fingerprint, lastSeen: time.Now()}
	r.byConn[conn.ID()] = deviceID
	snapshot := *dev
	r.mu.Unlock()

	if stale != nil {
		r.log.WithFields(logrus.Fields{
			"device_id": deviceID,
			"old_conn":  stale.ID(),
			"new_conn":  conn.ID(),
		}).Warnf("%v, closing stale connection", models.ErrDuplicateDevice)
		stale.Close()
	}

	if r.store != nil {
		if err := r.store.UpsertDevice(snapshot); err != nil {
			r.log.WithError(err).Warn("device store upsert failed")
		}
	}
	r.events.Publish(Event{Kind: EventDeviceOnline, DeviceID: deviceID})
	r.log.WithFields(logrus.Fields{
		"device_id":   deviceID,
		"role":        info.Role,
		"remote":      conn.RemoteAddr(),
		"fingerprint": fingerprint,
	}).Info("device registered")

	r.BroadcastDeviceList()
	return snapshot, nil
}

// Unregister releases the binding for a connection. Safe to call for
// connections that were already replaced by a newer registration; the
// device stays bound to the newer connection in that case. Cascades
// into the session layer for devices that actually went offline.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	deviceID, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connID)
	if b, ok := r.bindings[deviceID]; !ok || b.conn.ID() != connID {
		r.mu.Unlock()
		return
	}
	delete(r.bindings, deviceID)
	dev := r.devices[deviceID]
	dev.Status = models.StatusOffline
	dev.LastSeen = time.Now().Unix()
	role := dev.Role
	r.mu.Unlock()

	// Retain the offline record briefly so an immediate reconnect keeps
	// its identity, then purge.
	time.AfterFunc(r.retention, func() { r.purge(deviceID) })

	if r.store != nil {
		if err := r.store.MarkDeviceOffline(deviceID, time.Now()); err != nil {
			r.log.WithError(err).Warn("device store offline mark failed")
		}
	}
	r.events.Publish(Event{Kind: EventDeviceOffline, DeviceID: deviceID})
	r.log.WithFields(logrus.Fields{"device_id": deviceID, "conn": connID}).Info("device unregistered")

	if r.onDisconnect != nil {
		r.onDisconnect(deviceID, role)
	}
	r.BroadcastDeviceList()
}

func (r *Registry) purge(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, bound := r.bindings[deviceID]; bound {
		return
	}
	if dev, ok := r.devices[deviceID]; ok && dev.Status == models.StatusOffline {
		delete(r.devices, deviceID)
	}
}

// Lookup returns the live connection for an online device.
func (r *Registry) Lookup(deviceID string) (PeerConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[deviceID]
	if !ok {
		return nil, false
	}
	return b.conn, true
}

// GetDevice returns a copy of the device record, online or retained.
func (r *Registry) GetDevice(deviceID string) (models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[deviceID]
	if !ok {
		return models.Device{}, false
	}
	return *dev, true
}

// TouchHeartbeat refreshes liveness for a device's connection.
func (r *Registry) TouchHeartbeat(deviceID string) {
	now := time.Now()
	r.mu.Lock()
	if b, ok := r.bindings[deviceID]; ok {
		b.lastSeen = now
	}
	if dev, ok := r.devices[deviceID]; ok {
		dev.LastSeen = now.Unix()
	}
	r.mu.Unlock()
}

// ListOnline yields the online devices matching the role filter (empty
// role matches all). The sequence is lazy and restartable over a
// snapshot taken at call time.
func (r *Registry) ListOnline(role models.Role) iter.Seq[models.Device] {
	r.mu.RLock()
	snapshot := make([]models.Device, 0, len(r.bindings))
	for id := range r.bindings {
		dev := r.devices[id]
		if role != "" && dev.Role != role {
			continue
		}
		snapshot = append(snapshot, *dev)
	}
	r.mu.RUnlock()

	return func(yield func(models.Device) bool) {
		for _, dev := range snapshot {
			if !yield(dev) {
				return
			}
		}
	}
}

// Snapshot returns every known device, including offline records still
// inside the retention window. REST surface only.
func (r *Registry) Snapshot() []models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, *dev)
	}
	return out
}

// BroadcastDeviceList pushes the online targets to every online
// controller.
func (r *Registry) BroadcastDeviceList() {
	var targets []models.Device
	for dev := range r.ListOnline(models.RoleTarget) {
		targets = append(targets, dev)
	}
	env := models.NewEnvelope(models.TypeDeviceList, "", models.DeviceListPayload{Devices: targets})

	r.mu.RLock()
	controllers := make([]PeerConn, 0, len(r.bindings))
	for id, b := range r.bindings {
		if r.devices[id].Role == models.RoleController {
			controllers = append(controllers, b.conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range controllers {
		if !conn.SendJSON(env) {
			r.log.WithField("conn", conn.ID()).Debug("device list push dropped")
		}
	}
}

// SendDeviceList pushes the current target list to one connection,
// used right after a controller registers.
func (r *Registry) SendDeviceList(conn PeerConn) {
	var targets []models.Device
	for dev := range r.ListOnline(models.RoleTarget) {
		targets = append(targets, dev)
	}
	conn.SendJSON(models.NewEnvelope(models.TypeDeviceList, "", models.DeviceListPayload{Devices: targets}))
}

// Run sweeps for silent connections until the context ends. A
// connection with no traffic and no heartbeat for the configured
// timeout is unregistered, which cascades into its sessions.
func (r *Registry) Run(ctx context.Context) {
	interval := r.heartbeatTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if !errors.Is(ctx.Err(), context.Canceled) {
				r.log.WithError(ctx.Err()).Debug("sweeper stopped")
			}
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.heartbeatTimeout)
	var expired []string
	r.mu.RLock()
	for deviceID, b := range r.bindings {
		if b.lastSeen.Before(cutoff) {
			expired = append(expired, b.conn.ID())
			r.log.WithField("device_id", deviceID).Warn("heartbeat timeout")
		}
	}
	r.mu.RUnlock()
	for _, connID := range expired {
		r.Unregister(connID)
	}
}

// Shutdown closes every live connection and clears the table.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	conns := make([]PeerConn, 0, len(r.bindings))
	for _, b := range r.bindings {
		conns = append(conns, b.conn)
	}
	r.bindings = make(map[string]*binding)
	r.byConn = make(map[string]string)
	r.devices = make(map[string]*models.Device)
	r.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}
