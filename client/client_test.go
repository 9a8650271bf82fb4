package client

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"deskrelay/api"
	"deskrelay/codec"
	"deskrelay/models"
	"deskrelay/service"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func startRelay(t *testing.T) string {
	t.Helper()
	log := testLogger()
	events := service.NewEventBus(64)
	registry := service.NewRegistry(time.Minute, time.Minute, nil, events, log)
	sessions := service.NewSessionManager(registry, time.Minute, nil, events, log)
	pipeline := service.NewPipeline(sessions, registry, 2, log)
	relay := api.NewRelay(registry, sessions, pipeline, events, 8<<20, log)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	api.SetupRoutes(router, relay)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// fakeCapture serves a fixed synthetic frame.
type fakeCapture struct {
	mu     sync.Mutex
	width  int
	height int
}

func (f *fakeCapture) CaptureFrame() (RawFrame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data := bytes.Repeat([]byte{0x2A}, f.width*f.height*4)
	return RawFrame{Data: data, Width: f.width, Height: f.height}, nil
}

func (f *fakeCapture) resize(w, h int) {
	f.mu.Lock()
	f.width, f.height = w, h
	f.mu.Unlock()
}

// fakeInjector records injected events.
type fakeInjector struct {
	events chan codec.InputEvent
}

func (f *fakeInjector) Inject(ev codec.InputEvent) error {
	f.events <- ev
	return nil
}

// chanSink forwards decoded frames onto a channel.
type chanSink struct {
	frames chan Frame
}

func (s *chanSink) HandleFrame(frame Frame) {
	select {
	case s.frames <- frame:
	default:
	}
}

type endToEnd struct {
	target     *Target
	controller *Controller
	capture    *fakeCapture
	injector   *fakeInjector
	sink       *chanSink

	started   chan models.SessionStartedPayload
	decisions chan models.ControlResponsePayload
	ended     chan string
	devices   chan []models.Device
}

func startEndToEnd(t *testing.T, passwordHash string) *endToEnd {
	t.Helper()
	relayURL := startRelay(t)

	e := &endToEnd{
		capture:   &fakeCapture{width: 640, height: 360},
		injector:  &fakeInjector{events: make(chan codec.InputEvent, 16)},
		sink:      &chanSink{frames: make(chan Frame, 16)},
		started:   make(chan models.SessionStartedPayload, 4),
		decisions: make(chan models.ControlResponsePayload, 4),
		ended:     make(chan string, 4),
		devices:   make(chan []models.Device, 4),
	}

	target, err := NewTarget(TargetConfig{
		RelayURL:     relayURL,
		DeviceID:     "target-1",
		Name:         "desk",
		PasswordHash: passwordHash,
		Capture:      e.capture,
		Injector:     e.injector,
		FPS:          50,
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("new target: %v", err)
	}
	e.target = target

	controller, err := NewController(ControllerConfig{
		RelayURL: relayURL,
		DeviceID: "controller-1",
		Name:     "viewer",
		Sink:     e.sink,
		OnDeviceList: func(devices []models.Device) {
			select {
			case e.devices <- devices:
			default:
			}
		},
		OnDecision: func(accepted bool, reason string) {
			e.decisions <- models.ControlResponsePayload{Accepted: accepted, Reason: reason}
		},
		OnSessionStart: func(p models.SessionStartedPayload) { e.started <- p },
		OnSessionEnd:   func(sessionID, reason string) { e.ended <- reason },
		Logger:         testLogger(),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	e.controller = controller

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go target.Run(ctx)
	go controller.Run(ctx)

	// The controller sees the target once both are registered.
	select {
	case <-e.devices:
	case <-time.After(2 * time.Second):
		t.Fatal("controller never received a device list")
	}
	return e
}

func TestEndToEndControlSession(t *testing.T) {
	e := startEndToEnd(t, "")

	if err := e.controller.RequestControl("target-1", ""); err != nil {
		t.Fatalf("request control: %v", err)
	}

	var started models.SessionStartedPayload
	select {
	case started = <-e.started:
	case <-time.After(2 * time.Second):
		t.Fatal("session never started")
	}
	if started.PeerID != "target-1" {
		t.Errorf("peer %q", started.PeerID)
	}
	if started.PeerResolution.Width != 640 {
		t.Errorf("peer resolution %+v", started.PeerResolution)
	}

	// Frames arrive decrypted and decompressed.
	select {
	case frame := <-e.sink.frames:
		if frame.Width != 640 || frame.Height != 360 {
			t.Errorf("frame size %dx%d", frame.Width, frame.Height)
		}
		if len(frame.Data) != 640*360*4 {
			t.Errorf("frame payload %d bytes", len(frame.Data))
		}
		if frame.Data[0] != 0x2A {
			t.Error("frame content corrupted")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame reached the sink")
	}

	// Input crosses encrypted and lands remapped into target space.
	res, ok := e.controller.PeerResolution()
	if !ok {
		t.Fatal("no peer resolution on active session")
	}
	err := e.controller.SendInput(codec.InputEvent{
		Kind: codec.InputClick, X: 160, Y: 90, Button: "left", Clicks: 1,
		ViewWidth: res.Width / 2, ViewHeight: res.Height / 2,
	})
	if err != nil {
		t.Fatalf("send input: %v", err)
	}
	select {
	case ev := <-e.injector.events:
		if ev.X != 320 || ev.Y != 180 {
			t.Errorf("injected at (%d, %d), want (320, 180)", ev.X, ev.Y)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("input never reached the injector")
	}

	// Ending from the controller notifies the target side and stops the
	// stream.
	e.controller.EndSession()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.target.mu.Lock()
		gone := e.target.session == nil
		e.target.mu.Unlock()
		if gone {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("target still holds the session after end")
}

func TestWrongPasswordRejected(t *testing.T) {
	hash, err := service.HashPassword("letmein")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	e := startEndToEnd(t, hash)

	if err := e.controller.RequestControl("target-1", "wrong"); err != nil {
		t.Fatalf("request control: %v", err)
	}
	select {
	case d := <-e.decisions:
		if d.Accepted {
			t.Fatal("wrong password accepted")
		}
		if d.Reason != models.ReasonAuthFailed {
			t.Errorf("reason %q, want auth_failed", d.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no decision received")
	}

	// The correct password still works afterwards.
	if err := e.controller.RequestControl("target-1", "letmein"); err != nil {
		t.Fatalf("second request: %v", err)
	}
	select {
	case <-e.started:
	case <-time.After(2 * time.Second):
		t.Fatal("correct password did not start a session")
	}
}

func TestResolutionChangePropagates(t *testing.T) {
	e := startEndToEnd(t, "")
	if err := e.controller.RequestControl("target-1", ""); err != nil {
		t.Fatalf("request control: %v", err)
	}
	select {
	case <-e.started:
	case <-time.After(2 * time.Second):
		t.Fatal("session never started")
	}

	e.capture.resize(1280, 720)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if res, ok := e.controller.PeerResolution(); ok && res.Width == 1280 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("controller never learned the new resolution")
}
