package service

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"deskrelay/models"
)

// fakeConn is an in-memory PeerConn that records everything sent to it.
type fakeConn struct {
	id     string
	remote string

	mu     sync.Mutex
	json   []models.Envelope
	binary [][]byte
	closed bool

	// rejectSends makes every send report failure.
	rejectSends bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, remote: "127.0.0.1:" + id}
}

func (f *fakeConn) ID() string         { return f.id }
func (f *fakeConn) RemoteAddr() string { return f.remote }

func (f *fakeConn) SendJSON(env models.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectSends || f.closed {
		return false
	}
	f.json = append(f.json, env)
	return true
}

func (f *fakeConn) SendBinary(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectSends || f.closed {
		return false
	}
	f.binary = append(f.binary, append([]byte(nil), data...))
	return true
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) sentJSON() []models.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Envelope(nil), f.json...)
}

func (f *fakeConn) sentBinary() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.binary...)
}

// lastOfType returns the newest envelope of the given type, or false.
func (f *fakeConn) lastOfType(t models.MessageType) (models.Envelope, bool) {
	msgs := f.sentJSON()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == t {
			return msgs[i], true
		}
	}
	return models.Envelope{}, false
}

func decodePayload[T any](t interface{ Fatalf(string, ...any) }, env models.Envelope) T {
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return out
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testRegistry(heartbeat, retention time.Duration) *Registry {
	if heartbeat == 0 {
		heartbeat = time.Minute
	}
	if retention == 0 {
		retention = time.Minute
	}
	return NewRegistry(heartbeat, retention, nil, NewEventBus(64), testLogger())
}

func controllerInfo(name string) models.DeviceInfo {
	return models.DeviceInfo{Name: name, Role: models.RoleController}
}

func targetInfo(name string) models.DeviceInfo {
	return models.DeviceInfo{
		Name:         name,
		Role:         models.RoleTarget,
		Capabilities: []string{models.CapabilityScreen, models.CapabilityInput},
		Resolution:   models.Resolution{Width: 1920, Height: 1080},
	}
}
