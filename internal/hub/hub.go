// Package hub fans server events out to WebSocket connections subscribed
// to a session.
package hub

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Event is one message pushed to clients. On the wire the fields of Data
// are flattened next to "type" and "sessionId":
//
//	{"type":"message","sessionId":"…","message":{…}}
type Event struct {
	Type      string
	SessionID string
	Data      any
}

// MarshalJSON flattens Data into the envelope. Data must marshal to a JSON
// object or null.
func (e Event) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		if string(raw) != "null" {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, fmt.Errorf("event %s: data must be an object: %w", e.Type, err)
			}
		}
	}
	typ, _ := json.Marshal(e.Type)
	fields["type"] = typ
	if e.SessionID != "" {
		sid, _ := json.Marshal(e.SessionID)
		fields["sessionId"] = sid
	}
	return json.Marshal(fields)
}

// Publisher is the broadcast side of the hub, as seen by the components
// that produce events.
type Publisher interface {
	Broadcast(sessionID string, ev Event)
	BroadcastAll(ev Event)
}

// Conn is one client connection.
type Conn interface {
	ID() string
	// Send queues data for delivery. It returns false if the message was
	// dropped.
	Send(data []byte) bool
	// Open reports whether the connection can still accept messages.
	Open() bool
}

// Hub tracks connections and their session subscriptions.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]Conn
	// subs maps session id to the set of subscribed connection ids.
	subs map[string]map[string]struct{}
	log  *zap.Logger
}

// New creates an empty Hub.
func New(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		conns: make(map[string]Conn),
		subs:  make(map[string]map[string]struct{}),
		log:   log,
	}
}

// Register adds a connection.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	h.mu.Unlock()
}

// Unregister removes a connection and all of its subscriptions.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, connID)
	for sid, set := range h.subs {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.subs, sid)
		}
	}
}

// Subscribe adds connID to sessionID's subscribers. Repeated calls are
// no-ops.
func (h *Hub) Subscribe(connID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[string]struct{})
		h.subs[sessionID] = set
	}
	set[connID] = struct{}{}
}

// Unsubscribe removes connID from sessionID's subscribers.
func (h *Hub) Unsubscribe(connID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sessionID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.subs, sessionID)
		}
	}
}

// Subscriptions returns the sessions connID is subscribed to, sorted.
func (h *Hub) Subscriptions(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for sid, set := range h.subs {
		if _, ok := set[connID]; ok {
			out = append(out, sid)
		}
	}
	sort.Strings(out)
	return out
}

// Broadcast sends ev to every open connection subscribed to sessionID. The
// event's SessionID is set to sessionID. The event is serialized once.
func (h *Hub) Broadcast(sessionID string, ev Event) {
	ev.SessionID = sessionID
	data, ok := h.encode(ev)
	if !ok {
		return
	}
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.subs[sessionID]))
	for id := range h.subs[sessionID] {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	h.deliver(targets, data)
}

// BroadcastAll sends ev to every open connection.
func (h *Hub) BroadcastAll(ev Event) {
	data, ok := h.encode(ev)
	if !ok {
		return
	}
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.deliver(targets, data)
}

// SendTo sends ev to a single connection. Returns false if the connection
// is unknown, closed or its buffer is full.
func (h *Hub) SendTo(connID string, ev Event) bool {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok || !c.Open() {
		return false
	}
	data, ok := h.encode(ev)
	if !ok {
		return false
	}
	return c.Send(data)
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SubscriberCount returns the number of connections subscribed to sessionID.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

func (h *Hub) encode(ev Event) ([]byte, bool) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("hub: encode event", zap.String("type", ev.Type), zap.Error(err))
		return nil, false
	}
	return data, true
}

func (h *Hub) deliver(targets []Conn, data []byte) {
	for _, c := range targets {
		if !c.Open() {
			continue
		}
		if !c.Send(data) {
			h.log.Warn("hub: dropped message", zap.String("conn", c.ID()))
		}
	}
}
