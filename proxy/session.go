package proxy

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/WoCha-FR/ocpp-proxy-alert/internal"
	"github.com/WoCha-FR/ocpp-proxy-alert/metrics/counters"
	"github.com/WoCha-FR/ocpp-proxy-alert/ocpp"
	"github.com/WoCha-FR/ocpp-proxy-alert/utility"
)

// preConnectBufferLimit caps the frames held while no upstream is connected.
// The oldest frame is dropped first when the cap is hit.
const preConnectBufferLimit = 128

// Session owns everything tied to one charge point connection: the client
// socket, one link per configured upstream (position 0 is the primary), the
// correlation tables and the pre-connect buffer. All session state is
// mutated under one mutex, so the event sources (client reads, upstream
// reads, timers) serialize here.
type Session struct {
	clientId string
	uniqueId string
	protocol string
	conn     *websocket.Conn
	links    []*Link
	router   *Router
	owner    *Server
	log      internal.LogHandler
	notifier internal.NotificationService

	mu        sync.Mutex
	buffer    [][]byte
	destroyed bool

	writeMu sync.Mutex
}

func NewSession(owner *Server, conn *websocket.Conn, clientId, clientIP, protocol string, passThrough http.Header, upstreams []Upstream) *Session {
	s := &Session{
		clientId: clientId,
		uniqueId: utility.NewUUID(),
		protocol: protocol,
		conn:     conn,
		owner:    owner,
		log:      owner.log,
		notifier: owner.notifier,
	}
	s.router = NewRouter(owner.log)
	for _, ups := range upstreams {
		s.links = append(s.links, NewLink(ups, clientId, clientIP, protocol, passThrough, s, owner.log))
	}
	return s
}

// Start connects every upstream link and begins reading client frames.
func (s *Session) Start() {
	s.log.FeatureEvent("Connect", s.clientId, fmt.Sprintf("session %s started with %d upstreams", s.uniqueId, len(s.links)))
	s.notifier.ConnectedToProxy(s.clientId)
	for _, link := range s.links {
		link.Connect()
	}
	go s.clientReadPump()
}

func (s *Session) clientReadPump() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug(fmt.Sprintf("client %s leaving session", s.clientId))
			} else {
				s.log.Debug(fmt.Sprintf("client %s read ended: %s", s.clientId, err))
			}
			break
		}
		s.log.RawDataEvent("IN", string(data))
		s.handleClientMessage(data)
	}
	s.destroy()
}

func (s *Session) handleClientMessage(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	if !s.anyLinkConnected() {
		s.bufferFrame(data)
		return
	}
	s.routeClientFrame(data)
}

// routeClientFrame runs the normal client-frame path. Caller holds s.mu.
func (s *Session) routeClientFrame(data []byte) {
	msg, err := ocpp.Parse(data)
	if err != nil {
		s.log.Warn(fmt.Sprintf("dropping unparseable frame from %s: %s", s.clientId, err))
		return
	}
	route := s.router.RouteFromClient(msg)
	switch route.Kind {
	case RouteBroadcast:
		s.notifier.CallFromClient(s.clientId, data)
		counters.CountFrame("client_to_upstream")
		for _, link := range s.links {
			if link.Connected() {
				link.Send(data)
			}
		}
	case RouteDirect:
		counters.CountFrame("client_to_upstream")
		if link := s.linkByName(route.Target); link != nil {
			link.Send(data)
		}
	case RouteDrop:
	}
}

// bufferFrame holds a frame until an upstream comes up. Caller holds s.mu.
func (s *Session) bufferFrame(data []byte) {
	if len(s.buffer) >= preConnectBufferLimit {
		s.log.Warn(fmt.Sprintf("pre-connect buffer full for %s, dropping oldest frame", s.clientId))
		s.buffer = s.buffer[1:]
	}
	s.buffer = append(s.buffer, data)
}

func (s *Session) anyLinkConnected() bool {
	for _, link := range s.links {
		if link.Connected() {
			return true
		}
	}
	return false
}

func (s *Session) linkByName(name string) *Link {
	for _, link := range s.links {
		if link.Name() == name {
			return link
		}
	}
	return nil
}

func (s *Session) primaryName() string {
	return s.links[0].Name()
}

// OnUpstreamMessage routes one upstream frame toward the client, applying
// the reply filter for fanned-out CALLs.
func (s *Session) OnUpstreamMessage(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	msg, err := ocpp.Parse(data)
	if err != nil {
		s.log.Warn(fmt.Sprintf("dropping unparseable frame from upstream %s: %s", name, err))
		return
	}
	if msg.Type == ocpp.CallTypeRequest {
		s.router.ObserveFromUpstream(msg, name)
		s.writeToClient(data)
		return
	}
	if s.router.ShouldForwardUpstreamReply(msg.UniqueId, name, s.primaryName()) {
		s.writeToClient(data)
		return
	}
	counters.CountFilteredReply(name)
	s.log.Debug(fmt.Sprintf("filtered reply %s from %s", msg.UniqueId, name))
}

// OnUpstreamConnected drains the pre-connect buffer toward the link that
// just came up. The primary is fed through the normal path so its CALLs are
// registered and fanned out; a secondary gets the frames directly. The
// buffer survives until every link is connected or out of attempts, so a
// slow upstream can still be served.
func (s *Session) OnUpstreamConnected(name string) {
	s.log.FeatureEvent("Upstream", s.clientId, "connected to "+name)
	s.notifier.ConnectedToUpstream(s.clientId, name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	if len(s.buffer) > 0 {
		frames := s.buffer
		if name == s.primaryName() {
			for _, frame := range frames {
				s.routeClientFrame(frame)
			}
		} else if link := s.linkByName(name); link != nil {
			for _, frame := range frames {
				link.Send(frame)
			}
		}
	}
	s.maybeClearBuffer()
}

// maybeClearBuffer drops the pre-connect buffer once no link can still come
// up and need it. Caller holds s.mu.
func (s *Session) maybeClearBuffer() {
	if len(s.buffer) == 0 {
		return
	}
	for _, link := range s.links {
		if !link.Connected() && !link.Exhausted() {
			return
		}
	}
	s.log.Debug(fmt.Sprintf("pre-connect buffer cleared for %s", s.clientId))
	s.buffer = nil
}

func (s *Session) OnUpstreamDisconnected(name string) {
	s.log.FeatureEvent("Upstream", s.clientId, "disconnected from "+name)
	s.notifier.DisconnectedFromUpstream(s.clientId, name)
	s.evaluateSurvival()
}

func (s *Session) OnUpstreamGaveUp(name string) {
	s.mu.Lock()
	if !s.destroyed {
		s.maybeClearBuffer()
	}
	s.mu.Unlock()
	s.evaluateSurvival()
}

// evaluateSurvival tears the session down once no upstream is connected and
// none can come back. A link that still has reconnection attempts left keeps
// the session alive, whether or not it ever connected; only give-up makes a
// link terminal.
func (s *Session) evaluateSurvival() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	for _, link := range s.links {
		if link.Connected() {
			s.mu.Unlock()
			return
		}
		if !link.Exhausted() {
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()
	s.log.FeatureEvent("Disconnect", s.clientId, "all upstream servers unavailable, closing session")
	s.closeClient(websocket.CloseGoingAway, "All upstream servers unavailable")
	s.destroy()
}

// writeToClient delivers one frame to the charge point. Caller holds s.mu.
func (s *Session) writeToClient(data []byte) {
	counters.CountFrame("upstream_to_client")
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Error(fmt.Sprintf("writing to client %s", s.clientId), err)
		return
	}
	s.log.RawDataEvent("OUT", string(data))
}

func (s *Session) closeClient(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	s.writeMu.Unlock()
}

// Replace is called when a new connection claims the same client id.
func (s *Session) Replace() {
	s.log.FeatureEvent("Disconnect", s.clientId, "replaced by a new connection")
	s.closeClient(websocket.CloseGoingAway, "Replaced by a new connection")
	s.destroy()
}

// Shutdown closes the session during process termination.
func (s *Session) Shutdown() {
	s.closeClient(websocket.CloseGoingAway, "Server shutting down")
	s.destroy()
}

// destroy releases everything the session owns. Idempotent; every link is
// closed so no reconnect timer survives the session.
func (s *Session) destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.buffer = nil
	s.router.Clear()
	s.mu.Unlock()

	for _, link := range s.links {
		link.Close()
	}
	_ = s.conn.Close()
	s.owner.removeSession(s)
	s.notifier.DisconnectedFromProxy(s.clientId)
	s.log.FeatureEvent("Disconnect", s.clientId, fmt.Sprintf("session %s closed", s.uniqueId))
}
