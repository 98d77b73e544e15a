package proxy

import (
	"fmt"

	"github.com/WoCha-FR/ocpp-proxy-alert/internal"
	"github.com/WoCha-FR/ocpp-proxy-alert/ocpp"
)

type RouteKind int

const (
	// RouteBroadcast sends the frame to every connected upstream.
	RouteBroadcast RouteKind = iota
	// RouteDirect sends the frame to the single upstream named in Target.
	RouteDirect
	// RouteDrop discards the frame.
	RouteDrop
)

type Route struct {
	Kind   RouteKind
	Target string
}

// Router keeps the per-session correlation tables.
//
// clientCalls holds the unique id of every CALL the client has sent. Entries
// are never removed before the session ends: a secondary upstream may answer
// late, or more than once, and must keep being filtered out.
//
// serverCalls maps the unique id of an upstream-initiated CALL to the name
// of the upstream that sent it, so the client reply can be steered back.
// These entries are one-shot.
type Router struct {
	log         internal.LogHandler
	clientCalls map[string]struct{}
	serverCalls map[string]string
}

func NewRouter(log internal.LogHandler) *Router {
	return &Router{
		log:         log,
		clientCalls: make(map[string]struct{}),
		serverCalls: make(map[string]string),
	}
}

// RouteFromClient decides where a client frame goes and updates the tables.
// A CALL is registered before the broadcast decision is returned, so a reply
// racing back on any upstream always sees a consistent table.
func (r *Router) RouteFromClient(msg *ocpp.Message) Route {
	switch msg.Type {
	case ocpp.CallTypeRequest:
		r.RegisterClientCall(msg.UniqueId)
		return Route{Kind: RouteBroadcast}
	case ocpp.CallTypeResult, ocpp.CallTypeError:
		name, ok := r.serverCalls[msg.UniqueId]
		if !ok {
			r.log.Warn(fmt.Sprintf("no pending server call for client reply %s", msg.UniqueId))
			return Route{Kind: RouteDrop}
		}
		delete(r.serverCalls, msg.UniqueId)
		return Route{Kind: RouteDirect, Target: name}
	default:
		r.log.Warn(fmt.Sprintf("unroutable message type %d from client", msg.Type))
		return Route{Kind: RouteDrop}
	}
}

func (r *Router) RegisterClientCall(uniqueId string) {
	r.clientCalls[uniqueId] = struct{}{}
}

// ObserveFromUpstream records an upstream-initiated CALL. A colliding id
// from another upstream overwrites the previous entry; the earlier exchange
// will be misrouted, which the source system tolerates.
func (r *Router) ObserveFromUpstream(msg *ocpp.Message, name string) {
	if msg.Type != ocpp.CallTypeRequest {
		return
	}
	if prev, ok := r.serverCalls[msg.UniqueId]; ok && prev != name {
		r.log.Warn(fmt.Sprintf("server call id %s from %s overwrites pending call from %s", msg.UniqueId, name, prev))
	}
	r.serverCalls[msg.UniqueId] = name
}

// ShouldForwardUpstreamReply applies the at-most-one-reply rule. Replies to
// ids the proxy never fanned out belong to upstream-initiated exchanges and
// pass through; replies to fanned-out CALLs pass only from the primary.
func (r *Router) ShouldForwardUpstreamReply(uniqueId, fromName, primaryName string) bool {
	if _, ok := r.clientCalls[uniqueId]; !ok {
		return true
	}
	return fromName == primaryName
}

func (r *Router) Clear() {
	r.clientCalls = make(map[string]struct{})
	r.serverCalls = make(map[string]string)
}
