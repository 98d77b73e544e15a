package proxy

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/WoCha-FR/ocpp-proxy-alert/internal"
	"github.com/WoCha-FR/ocpp-proxy-alert/internal/config"
	"github.com/WoCha-FR/ocpp-proxy-alert/metrics/counters"
	"github.com/WoCha-FR/ocpp-proxy-alert/types"
)

const wsEndpoint = "/*id"

var clientIdPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Server accepts charge point connections and keeps the session registry.
// At most one live session exists per client id; a newcomer with a known id
// replaces the previous session.
type Server struct {
	conf       *config.Config
	httpServer *http.Server
	upgrader   websocket.Upgrader
	upstreams  []Upstream
	log        internal.LogHandler
	notifier   internal.NotificationService

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewServer(conf *config.Config, upstreams []Upstream, log internal.LogHandler, notifier internal.NotificationService) *Server {
	server := &Server{
		conf:      conf,
		upstreams: upstreams,
		log:       log,
		notifier:  notifier,
		sessions:  make(map[string]*Session),
	}
	server.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	router := httprouter.New()
	router.GET(wsEndpoint, server.handleWsRequest)
	server.httpServer = &http.Server{
		Handler: router,
	}
	return server
}

// Handler exposes the routing tree, used by tests to mount the server on an
// httptest listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleWsRequest(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	clientId := strings.TrimPrefix(params.ByName("id"), "/")
	s.log.Debug(fmt.Sprintf("connection initiated from remote %s", r.RemoteAddr))

	// Pick the first offered subprotocol from the ocpp family. A client
	// offering only foreign protocols is refused before the upgrade; a
	// client offering none is assumed to speak ocpp1.6.
	protocol := ""
	offered := websocket.Subprotocols(r)
	for _, proto := range offered {
		if strings.HasPrefix(proto, "ocpp") {
			protocol = proto
			break
		}
	}
	if protocol == "" && len(offered) > 0 {
		s.log.Warn(fmt.Sprintf("no supported subprotocol in %v from %s", offered, r.RemoteAddr))
		http.Error(w, "unsupported subprotocol", http.StatusBadRequest)
		return
	}
	responseHeader := http.Header{}
	if protocol != "" {
		responseHeader.Add("Sec-WebSocket-Protocol", protocol)
	} else {
		protocol = types.SubProtocol16
	}

	conn, err := s.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		s.log.Error("upgrade failed", err)
		return
	}

	if !clientIdPattern.MatchString(clientId) {
		s.log.Warn(fmt.Sprintf("invalid path %s from %s", r.URL.Path, r.RemoteAddr))
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Invalid path "+r.URL.Path), deadline)
		_ = conn.Close()
		return
	}

	passThrough := http.Header{}
	if s.conf.ForwardAuth {
		for _, key := range []string{"Authorization", "User-Agent"} {
			if value := r.Header.Get(key); value != "" {
				passThrough.Set(key, value)
			}
		}
	}

	s.mu.Lock()
	old := s.sessions[clientId]
	s.mu.Unlock()
	if old != nil {
		old.Replace()
	}

	session := NewSession(s, conn, clientId, clientIP(r), protocol, passThrough, s.upstreams)
	s.mu.Lock()
	s.sessions[clientId] = session
	count := len(s.sessions)
	s.mu.Unlock()
	counters.ObserveSessions(count)

	session.Start()
}

// clientIP derives the charge point's apparent address: the first element of
// X-Forwarded-For when present, the remote peer otherwise.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *Server) removeSession(session *Session) {
	s.mu.Lock()
	if current, ok := s.sessions[session.clientId]; ok && current == session {
		delete(s.sessions, session.clientId)
	}
	count := len(s.sessions)
	s.mu.Unlock()
	counters.ObserveSessions(count)
}

func (s *Server) Start() error {
	serverAddress := fmt.Sprintf("%s:%s", s.conf.Listen.BindIP, s.conf.Listen.Port)
	s.log.Debug(fmt.Sprintf("starting server on %s", serverAddress))
	listener, err := net.Listen("tcp", serverAddress)
	if err != nil {
		return err
	}
	if s.conf.Listen.TLS {
		s.log.Debug("starting https TLS server")
		err = s.httpServer.ServeTLS(listener, s.conf.Listen.CertFile, s.conf.Listen.KeyFile)
	} else {
		s.log.Debug("starting http server")
		err = s.httpServer.Serve(listener)
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes every session and stops accepting connections.
func (s *Server) Shutdown() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()
	for _, session := range sessions {
		session.Shutdown()
	}
	_ = s.httpServer.Close()
}
