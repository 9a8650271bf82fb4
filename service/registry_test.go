package service

import (
	"testing"
	"time"

	"deskrelay/models"
)

func TestRegisterAndLookup(t *testing.T) {
	r := testRegistry(0, 0)
	conn := newFakeConn("c1")

	dev, err := r.Register(conn, "target-1", targetInfo("desk"), "fp1")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if dev.Status != models.StatusOnline {
		t.Errorf("expected online status, got %s", dev.Status)
	}
	if dev.Resolution.Width != 1920 {
		t.Errorf("resolution not carried from handshake: %+v", dev.Resolution)
	}

	got, ok := r.Lookup("target-1")
	if !ok {
		t.Fatal("lookup after register failed")
	}
	if got.ID() != "c1" {
		t.Errorf("lookup returned wrong connection %s", got.ID())
	}
}

func TestRegisterRejectsInvalidHandshake(t *testing.T) {
	r := testRegistry(0, 0)

	if _, err := r.Register(newFakeConn("c1"), "", targetInfo("x"), "fp"); err == nil {
		t.Error("expected error for empty device id")
	}
	if _, err := r.Register(newFakeConn("c2"), "d1", models.DeviceInfo{Name: "x", Role: "weird"}, "fp"); err == nil {
		t.Error("expected error for invalid role")
	}
}

func TestDuplicateRegistrationNewerWins(t *testing.T) {
	r := testRegistry(0, 0)
	old := newFakeConn("old")
	newer := newFakeConn("new")

	if _, err := r.Register(old, "target-1", targetInfo("desk"), "fp1"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := r.Register(newer, "target-1", targetInfo("desk"), "fp2"); err != nil {
		t.Fatalf("second register: %v", err)
	}

	if !old.isClosed() {
		t.Error("stale connection was not force-closed")
	}
	conn, ok := r.Lookup("target-1")
	if !ok || conn.ID() != "new" {
		t.Errorf("device not bound to newer connection, got %v", conn)
	}

	// The stale connection's read loop will still call Unregister; the
	// newer binding must survive it.
	r.Unregister("old")
	if conn, ok := r.Lookup("target-1"); !ok || conn.ID() != "new" {
		t.Error("unregister of stale connection unbound the newer one")
	}
}

func TestUnregisterMarksOfflineAndCascades(t *testing.T) {
	r := testRegistry(0, time.Hour)
	conn := newFakeConn("c1")
	r.Register(conn, "target-1", targetInfo("desk"), "fp")

	var cascadedID string
	var cascadedRole models.Role
	r.SetDisconnectHandler(func(deviceID string, role models.Role) {
		cascadedID, cascadedRole = deviceID, role
	})

	r.Unregister("c1")

	if _, ok := r.Lookup("target-1"); ok {
		t.Error("lookup should fail after unregister")
	}
	dev, ok := r.GetDevice("target-1")
	if !ok {
		t.Fatal("device record purged immediately, retention not honored")
	}
	if dev.Status != models.StatusOffline {
		t.Errorf("expected offline status, got %s", dev.Status)
	}
	if cascadedID != "target-1" || cascadedRole != models.RoleTarget {
		t.Errorf("disconnect cascade got (%s, %s)", cascadedID, cascadedRole)
	}
}

func TestListOnlineSnapshotIsRestartable(t *testing.T) {
	r := testRegistry(0, 0)
	r.Register(newFakeConn("c1"), "t1", targetInfo("a"), "fp")
	r.Register(newFakeConn("c2"), "t2", targetInfo("b"), "fp")
	r.Register(newFakeConn("c3"), "ctl", controllerInfo("c"), "fp")

	seq := r.ListOnline(models.RoleTarget)

	count := 0
	for range seq {
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 targets, got %d", count)
	}

	// Early break, then restart the same sequence.
	for range seq {
		break
	}
	count = 0
	for dev := range seq {
		if dev.Role != models.RoleTarget {
			t.Errorf("role filter leaked %s", dev.Role)
		}
		count++
	}
	if count != 2 {
		t.Errorf("restarted sequence yielded %d devices, want 2", count)
	}
}

func TestDeviceListBroadcastReachesControllers(t *testing.T) {
	r := testRegistry(0, 0)
	ctl := newFakeConn("ctl")
	r.Register(ctl, "controller-1", controllerInfo("view"), "fp")
	r.Register(newFakeConn("c2"), "target-1", targetInfo("desk"), "fp")

	env, ok := ctl.lastOfType(models.TypeDeviceList)
	if !ok {
		t.Fatal("controller never received a device list")
	}
	list := decodePayload[models.DeviceListPayload](t, env)
	if len(list.Devices) != 1 || list.Devices[0].ID != "target-1" {
		t.Errorf("unexpected device list %+v", list.Devices)
	}
}

func TestHeartbeatSweepUnregistersSilentConnections(t *testing.T) {
	r := testRegistry(10*time.Millisecond, time.Hour)
	conn := newFakeConn("c1")
	r.Register(conn, "target-1", targetInfo("desk"), "fp")

	time.Sleep(30 * time.Millisecond)
	r.sweep()

	if _, ok := r.Lookup("target-1"); ok {
		t.Error("silent connection survived the sweep")
	}
	if !conn.isClosed() {
		// sweep unregisters; the transport closes via the read pump in
		// production, here we only require the binding to be gone
		t.Log("connection not closed by sweep, binding released")
	}

	// Touch keeps a connection alive.
	conn2 := newFakeConn("c2")
	r.Register(conn2, "target-2", targetInfo("desk"), "fp")
	time.Sleep(15 * time.Millisecond)
	r.TouchHeartbeat("target-2")
	r.sweep()
	if _, ok := r.Lookup("target-2"); !ok {
		t.Error("touched connection was swept")
	}
}
