package proxy

import (
	"net/http"
	"testing"
	"time"
)

type linkRecorder struct {
	connected    chan string
	disconnected chan string
	gaveUp       chan string
	messages     chan []byte
}

func newLinkRecorder() *linkRecorder {
	return &linkRecorder{
		connected:    make(chan string, 8),
		disconnected: make(chan string, 8),
		gaveUp:       make(chan string, 8),
		messages:     make(chan []byte, 8),
	}
}

func (r *linkRecorder) OnUpstreamMessage(name string, data []byte) { r.messages <- data }
func (r *linkRecorder) OnUpstreamConnected(name string)            { r.connected <- name }
func (r *linkRecorder) OnUpstreamDisconnected(name string)         { r.disconnected <- name }
func (r *linkRecorder) OnUpstreamGaveUp(name string)               { r.gaveUp <- name }

func waitName(t *testing.T, ch chan string, what string) string {
	t.Helper()
	select {
	case name := <-ch:
		return name
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

func TestReconnectDelaySchedule(t *testing.T) {
	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second,
		60 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second,
		60 * time.Second, 60 * time.Second,
	}
	for i, expected := range want {
		if got := reconnectDelay(i + 1); got != expected {
			t.Errorf("delay for attempt %d = %s, want %s", i+1, got, expected)
		}
	}
	// shift overflow must not produce a short or negative delay
	if got := reconnectDelay(40); got != reconnectMaxDelay {
		t.Errorf("delay for attempt 40 = %s, want %s", got, reconnectMaxDelay)
	}
}

func TestLinkConnectAndExchange(t *testing.T) {
	ups := newFakeUpstream(t, false)
	recorder := newLinkRecorder()
	link := NewLink(Upstream{Name: "PRI", BaseUrl: ups.url()}, "CP42", "10.0.0.7", "ocpp1.6", http.Header{}, recorder, nopLogger{})
	defer link.Close()

	link.Connect()
	waitName(t, recorder.connected, "connect event")

	fc := ups.waitConn(t)
	if fc.path != "/CP42" {
		t.Errorf("resolved path = %q, want /CP42", fc.path)
	}
	if got := fc.header.Get("X-Forwarded-For"); got != "10.0.0.7" {
		t.Errorf("X-Forwarded-For = %q, want 10.0.0.7", got)
	}
	if got := fc.header.Get("X-Real-IP"); got != "10.0.0.7" {
		t.Errorf("X-Real-IP = %q, want 10.0.0.7", got)
	}

	if !link.Connected() || !link.EverConnected() {
		t.Error("link should report connected and ever connected")
	}

	if !link.Send([]byte(`[2,"m1","Heartbeat",{}]`)) {
		t.Fatal("send on open link failed")
	}
	if got := string(fc.waitFrame(t)); got != `[2,"m1","Heartbeat",{}]` {
		t.Errorf("upstream received %s", got)
	}

	fc.send(t, `[3,"m1",{}]`)
	select {
	case data := <-recorder.messages:
		if string(data) != `[3,"m1",{}]` {
			t.Errorf("observer received %s", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for upstream message")
	}
}

func TestLinkSendWhileDisconnected(t *testing.T) {
	recorder := newLinkRecorder()
	link := NewLink(Upstream{Name: "PRI", BaseUrl: "ws://127.0.0.1:1/"}, "CP1", "", "ocpp1.6", http.Header{}, recorder, nopLogger{})
	if link.Send([]byte("[]")) {
		t.Error("send on idle link must return false")
	}
}

func TestLinkCloseForbidsReconnect(t *testing.T) {
	ups := newFakeUpstream(t, false)
	recorder := newLinkRecorder()
	link := NewLink(Upstream{Name: "PRI", BaseUrl: ups.url()}, "CP1", "", "ocpp1.6", http.Header{}, recorder, nopLogger{})

	link.Connect()
	waitName(t, recorder.connected, "connect event")
	ups.waitConn(t)

	link.Close()
	link.Close() // idempotent

	if link.Connected() {
		t.Error("closed link reports connected")
	}
	if link.Send([]byte("[]")) {
		t.Error("send on closed link must return false")
	}

	// an owner-initiated close emits no disconnect event and schedules
	// nothing
	select {
	case <-recorder.disconnected:
		t.Error("close emitted a disconnect event")
	case <-time.After(300 * time.Millisecond):
	}

	link.Connect()
	select {
	case <-ups.conns:
		t.Error("closed link dialed again")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestLinkGivesUpAfterBudget(t *testing.T) {
	recorder := newLinkRecorder()
	link := NewLink(Upstream{Name: "SEC", BaseUrl: "ws://127.0.0.1:1/"}, "CP1", "", "ocpp1.6", http.Header{}, recorder, nopLogger{})

	// fast-forward to the end of the budget instead of waiting out the
	// back-off timers
	link.mu.Lock()
	link.attempts = maxReconnectAttempts
	link.mu.Unlock()

	link.scheduleReconnect()

	if name := waitName(t, recorder.gaveUp, "give-up event"); name != "SEC" {
		t.Errorf("gave up name = %q, want SEC", name)
	}
	if !link.Exhausted() {
		t.Error("link must report exhausted after give-up")
	}

	// give-up is emitted once
	link.scheduleReconnect()
	select {
	case <-recorder.gaveUp:
		t.Error("second give-up event emitted")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestLinkReconnectsAfterUnsolicitedClose(t *testing.T) {
	ups := newFakeUpstream(t, false)
	recorder := newLinkRecorder()
	link := NewLink(Upstream{Name: "PRI", BaseUrl: ups.url()}, "CP1", "", "ocpp1.6", http.Header{}, recorder, nopLogger{})
	defer link.Close()

	link.Connect()
	waitName(t, recorder.connected, "connect event")
	fc := ups.waitConn(t)

	_ = fc.conn.Close()
	waitName(t, recorder.disconnected, "disconnect event")

	// the first retry is scheduled right after the disconnect event
	deadline := time.Now().Add(2 * time.Second)
	for {
		link.mu.Lock()
		attempts := link.attempts
		pending := link.retry != nil
		link.mu.Unlock()
		if attempts == 1 && pending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("attempts = %d pending = %v, want first retry scheduled", attempts, pending)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
