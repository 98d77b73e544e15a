package proxy

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/WoCha-FR/ocpp-proxy-alert/internal"
	"github.com/WoCha-FR/ocpp-proxy-alert/metrics/counters"
)

const (
	maxReconnectAttempts = 10
	reconnectBaseDelay   = 5 * time.Second
	reconnectMaxDelay    = 60 * time.Second
	handshakeTimeout     = 10 * time.Second
	writeTimeout         = 10 * time.Second
)

// Upstream describes one configured upstream server. The ordinal position
// within the session decides the primary role; names only label log lines
// and route targets.
type Upstream struct {
	Name    string
	BaseUrl string
}

// LinkObserver receives link lifecycle and message events. Events for one
// link are delivered in order; the session implements this interface.
type LinkObserver interface {
	OnUpstreamMessage(name string, data []byte)
	OnUpstreamConnected(name string)
	OnUpstreamDisconnected(name string)
	OnUpstreamGaveUp(name string)
}

// Link is one outbound websocket to one upstream. It reconnects on
// unsolicited closes with capped exponential back-off until either the
// attempt budget runs out or the owner closes it.
type Link struct {
	name     string
	url      string
	protocol string
	header   http.Header
	observer LinkObserver
	log      internal.LogHandler

	mu            sync.Mutex
	conn          *websocket.Conn
	connected     bool
	everConnected bool
	closed        bool
	gaveUp        bool
	attempts      int
	retry         *time.Timer

	writeMu sync.Mutex
}

// NewLink resolves the target url as baseUrl + clientId and prepares the
// forwarded headers. Empty header values are omitted.
func NewLink(ups Upstream, clientId, clientIP, protocol string, passThrough http.Header, observer LinkObserver, log internal.LogHandler) *Link {
	header := http.Header{}
	if clientIP != "" {
		header.Set("X-Forwarded-For", clientIP)
		header.Set("X-Real-IP", clientIP)
	}
	for _, key := range []string{"Authorization", "User-Agent"} {
		if value := passThrough.Get(key); value != "" {
			header.Set(key, value)
		}
	}
	return &Link{
		name:     ups.Name,
		url:      ups.BaseUrl + clientId,
		protocol: protocol,
		header:   header,
		observer: observer,
		log:      log,
	}
}

func (l *Link) Name() string {
	return l.name
}

func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Link) EverConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.everConnected
}

// Exhausted reports whether the reconnection budget has run out. The link
// stays open to new Connect calls only through a successful dial, which
// never happens after give-up; the owner decides the session's fate.
func (l *Link) Exhausted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gaveUp
}

// Connect starts dialing in the background. Safe to call while closed or
// already connected; both are no-ops.
func (l *Link) Connect() {
	go l.dial()
}

func (l *Link) dial() {
	l.mu.Lock()
	if l.closed || l.connected {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	dialer := websocket.Dialer{
		Subprotocols:     []string{l.protocol},
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.Dial(l.url, l.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		l.log.Warn(fmt.Sprintf("upstream %s dial %s failed: %s", l.name, l.url, err))
		l.scheduleReconnect()
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.Close()
		return
	}
	l.conn = conn
	l.connected = true
	l.everConnected = true
	l.attempts = 0
	l.gaveUp = false
	l.mu.Unlock()

	counters.ObserveUpstreamState(l.name, true)
	l.observer.OnUpstreamConnected(l.name)
	go l.readPump(conn)
}

func (l *Link) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.log.Debug(fmt.Sprintf("upstream %s read ended: %s", l.name, err))
			}
			break
		}
		l.log.RawDataEvent(fmt.Sprintf("IN %s", l.name), string(data))
		l.observer.OnUpstreamMessage(l.name, data)
	}
	_ = conn.Close()

	l.mu.Lock()
	wasClosed := l.closed
	l.connected = false
	l.conn = nil
	l.mu.Unlock()

	counters.ObserveUpstreamState(l.name, false)
	if wasClosed {
		return
	}
	l.observer.OnUpstreamDisconnected(l.name)
	l.scheduleReconnect()
}

// reconnectDelay returns the back-off delay for the n-th attempt, 1-indexed:
// 5s, 10s, 20s, 40s, then 60s for every further attempt.
func reconnectDelay(attempt int) time.Duration {
	delay := reconnectBaseDelay << (attempt - 1)
	if delay > reconnectMaxDelay || delay <= 0 {
		return reconnectMaxDelay
	}
	return delay
}

func (l *Link) scheduleReconnect() {
	l.mu.Lock()
	if l.closed || l.gaveUp || l.retry != nil {
		l.mu.Unlock()
		return
	}
	l.attempts++
	if l.attempts > maxReconnectAttempts {
		l.gaveUp = true
		l.mu.Unlock()
		l.log.Warn(fmt.Sprintf("upstream %s unreachable after %d attempts, giving up", l.name, maxReconnectAttempts))
		l.observer.OnUpstreamGaveUp(l.name)
		return
	}
	delay := reconnectDelay(l.attempts)
	l.log.Debug(fmt.Sprintf("upstream %s reconnect attempt %d in %s", l.name, l.attempts, delay))
	counters.CountReconnect(l.name)
	l.retry = time.AfterFunc(delay, func() {
		l.mu.Lock()
		l.retry = nil
		l.mu.Unlock()
		l.dial()
	})
	l.mu.Unlock()
}

// Send writes one text frame. Returns false when the link is not open or
// the write fails; the frame is not retried.
func (l *Link) Send(data []byte) bool {
	l.mu.Lock()
	conn := l.conn
	open := l.connected
	l.mu.Unlock()
	if !open || conn == nil {
		l.log.Warn(fmt.Sprintf("upstream %s not connected, frame not sent", l.name))
		return false
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		l.log.Error(fmt.Sprintf("upstream %s write failed", l.name), err)
		return false
	}
	l.log.RawDataEvent(fmt.Sprintf("OUT %s", l.name), string(data))
	return true
}

// Close shuts the link down for good: the pending retry timer is cancelled,
// the socket is closed and no future reconnect will be attempted. Idempotent.
func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	conn := l.conn
	l.conn = nil
	l.connected = false
	l.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
		_ = conn.Close()
	}
}
