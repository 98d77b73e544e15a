package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/WoCha-FR/ocpp-proxy-alert/internal/config"
	"github.com/WoCha-FR/ocpp-proxy-alert/types"
)

type nopLogger struct{}

func (nopLogger) FeatureEvent(feature, id, text string) {}
func (nopLogger) Debug(text string)                     {}
func (nopLogger) Warn(text string)                      {}
func (nopLogger) Error(text string, err error)          {}
func (nopLogger) RawDataEvent(direction, data string)   {}

type nopNotifier struct{}

func (nopNotifier) ConnectedToProxy(clientId string)               {}
func (nopNotifier) DisconnectedFromProxy(clientId string)          {}
func (nopNotifier) ConnectedToUpstream(clientId, name string)      {}
func (nopNotifier) DisconnectedFromUpstream(clientId, name string) {}
func (nopNotifier) CallFromClient(clientId string, frame []byte)   {}

// fakeUpstream plays one upstream OCPP server. Every accepted websocket is
// announced on conns; accepts can be held back with gate to simulate a slow
// upstream.
type fakeUpstream struct {
	server *httptest.Server
	conns  chan *fakeConn
	gate   chan struct{}
	gated  bool
}

type fakeConn struct {
	conn     *websocket.Conn
	path     string
	header   http.Header
	received chan []byte
}

func newFakeUpstream(t *testing.T, gated bool) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		conns: make(chan *fakeConn, 8),
		gate:  make(chan struct{}, 8),
		gated: gated,
	}
	upgrader := websocket.Upgrader{
		Subprotocols: []string{types.SubProtocol16},
		CheckOrigin:  func(r *http.Request) bool { return true },
	}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.gated {
			<-f.gate
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fc := &fakeConn{
			conn:     conn,
			path:     r.URL.Path,
			header:   r.Header.Clone(),
			received: make(chan []byte, 8),
		}
		f.conns <- fc
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fc.received <- data
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

// release lets one gated accept proceed.
func (f *fakeUpstream) release() {
	f.gate <- struct{}{}
}

func (f *fakeUpstream) url() string {
	return strings.Replace(f.server.URL, "http", "ws", 1) + "/"
}

func (f *fakeUpstream) waitConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case fc := <-f.conns:
		return fc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for upstream connection")
		return nil
	}
}

func (fc *fakeConn) waitFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-fc.received:
		return data
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for upstream frame")
		return nil
	}
}

func (fc *fakeConn) expectNoFrame(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case data := <-fc.received:
		t.Fatalf("unexpected frame on upstream: %s", data)
	case <-time.After(wait):
	}
}

func (fc *fakeConn) send(t *testing.T, frame string) {
	t.Helper()
	if err := fc.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("upstream write failed: %v", err)
	}
}

func newTestProxy(t *testing.T, upstreams []Upstream) (*Server, *httptest.Server) {
	t.Helper()
	conf := &config.Config{}
	server := NewServer(conf, upstreams, nopLogger{}, nopNotifier{})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return server, ts
}

func dialClient(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: []string{types.SubProtocol16}}
	url := strings.Replace(ts.URL, "http", "ws", 1) + path
	conn, resp, err := dialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("client dial %s failed: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	return string(data)
}

// expectClose reads until the peer closes and returns the close code and text.
func expectClose(t *testing.T, conn *websocket.Conn) (int, string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if closeErr, ok := err.(*websocket.CloseError); ok {
			return closeErr.Code, closeErr.Text
		}
		t.Fatalf("connection ended without close frame: %v", err)
	}
}
