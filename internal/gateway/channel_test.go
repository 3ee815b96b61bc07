package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"wattgate/internal/telemetry"

	"github.com/gorilla/websocket"
)

type captureIngestor struct {
	mu      sync.Mutex
	batches []telemetry.Batch
}

func (c *captureIngestor) Ingest(b telemetry.Batch) (int, error) {
	if err := b.Validate(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.batches = append(c.batches, b)
	c.mu.Unlock()
	return len(b.Relays), nil
}

func dialTest(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out map[string]any
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read: %v", err)
	}
	return out
}

func TestDeviceSocketRegisterAndIngest(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()
	ing := &captureIngestor{}
	srv := httptest.NewServer(NewDeviceSocket(registry, ing))
	defer srv.Close()

	conn := dialTest(t, srv)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "register", "deviceId": "SmartBoard_01"}); err != nil {
		t.Fatal(err)
	}
	ack := readJSON(t, conn)
	if ack["type"] != "registered" || ack["deviceId"] != "SmartBoard_01" {
		t.Fatalf("register ack = %v", ack)
	}
	if !registry.Connected("SmartBoard_01") {
		t.Fatal("device not registered after ack")
	}

	sample := telemetry.Sample{Relay: 1, Current: 0.5, Power: 115, State: true}
	raw, _ := json.Marshal(sample)
	if err := conn.WriteJSON(map[string]any{"type": "sensorData", "data": json.RawMessage(raw)}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ing.mu.Lock()
		n := len(ing.batches)
		ing.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	ing.mu.Lock()
	defer ing.mu.Unlock()
	if len(ing.batches) != 1 {
		t.Fatalf("ingested batches = %d", len(ing.batches))
	}
	b := ing.batches[0]
	if b.DeviceID != "SmartBoard_01" || len(b.Relays) != 1 || b.Relays[0].Power != 115 {
		t.Errorf("batch = %+v", b)
	}
}

func TestDeviceSocketRejectsUnregisteredTelemetry(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()
	srv := httptest.NewServer(NewDeviceSocket(registry, &captureIngestor{}))
	defer srv.Close()

	conn := dialTest(t, srv)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "sensorData", "data": map[string]any{"relay": 1}}); err != nil {
		t.Fatal(err)
	}
	msg := readJSON(t, conn)
	if msg["type"] != "error" {
		t.Fatalf("want error frame, got %v", msg)
	}
}

func TestDeviceSocketUnknownType(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()
	srv := httptest.NewServer(NewDeviceSocket(registry, &captureIngestor{}))
	defer srv.Close()

	conn := dialTest(t, srv)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "selfdestruct"}); err != nil {
		t.Fatal(err)
	}
	if msg := readJSON(t, conn); msg["type"] != "error" {
		t.Fatalf("want error frame, got %v", msg)
	}
}

func TestDeviceSocketRejectsSecondIdentity(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()
	srv := httptest.NewServer(NewDeviceSocket(registry, &captureIngestor{}))
	defer srv.Close()

	conn := dialTest(t, srv)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "register", "deviceId": "dev1"}); err != nil {
		t.Fatal(err)
	}
	if ack := readJSON(t, conn); ack["type"] != "registered" {
		t.Fatalf("first register = %v", ack)
	}

	// a different id on the same channel is refused
	if err := conn.WriteJSON(map[string]any{"type": "register", "deviceId": "dev2"}); err != nil {
		t.Fatal(err)
	}
	if msg := readJSON(t, conn); msg["type"] != "error" {
		t.Fatalf("second identity = %v, want error frame", msg)
	}
	if !registry.Connected("dev1") {
		t.Error("original registration lost")
	}
	if registry.Connected("dev2") {
		t.Error("second identity registered")
	}

	// re-registering the same id is acked without disturbing the channel
	if err := conn.WriteJSON(map[string]any{"type": "register", "deviceId": "dev1"}); err != nil {
		t.Fatal(err)
	}
	if ack := readJSON(t, conn); ack["type"] != "registered" || ack["deviceId"] != "dev1" {
		t.Fatalf("re-register = %v", ack)
	}
	if !registry.Connected("dev1") {
		t.Error("device dropped by idempotent re-register")
	}
}

func TestDeviceSocketDisconnectEvicts(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()
	srv := httptest.NewServer(NewDeviceSocket(registry, &captureIngestor{}))
	defer srv.Close()

	conn := dialTest(t, srv)
	if err := conn.WriteJSON(map[string]any{"type": "register", "deviceId": "dev1"}); err != nil {
		t.Fatal(err)
	}
	readJSON(t, conn)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && registry.Connected("dev1") {
		time.Sleep(5 * time.Millisecond)
	}
	if registry.Connected("dev1") {
		t.Error("closed channel still registered")
	}
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialTest(t, srv)
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hub.Sessions() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Sessions() != 1 {
		t.Fatalf("sessions = %d", hub.Sessions())
	}

	hub.Broadcast(map[string]any{"type": "sensorData", "deviceId": "dev1"})

	got := readJSON(t, conn)
	if got["type"] != "sensorData" || got["deviceId"] != "dev1" {
		t.Errorf("broadcast payload = %v", got)
	}
}

func TestHubRemovesClosedSession(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialTest(t, srv)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hub.Sessions() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hub.Sessions() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Sessions() != 0 {
		t.Error("closed observer still counted")
	}
}
