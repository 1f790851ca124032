// Package permission correlates agent tool-use permission prompts with
// answers from clients.
package permission

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clarvis/internal/activitylog"
	"clarvis/internal/agent"
	"clarvis/internal/hub"
)

// Deny reasons reported back to the agent.
const (
	ReasonTimeout   = "Permission request timed out"
	ReasonDenied    = "User denied permission"
	ReasonCancelled = "Query cancelled"
)

// Event types published by the broker.
const (
	EventRequest  = "permission:request"
	EventResolved = "permission:resolved"

	// Client protocol names for the same two events.
	WireRequest  = "permission_request"
	WireResolved = "permission_resolved"
)

var readOnlyTools = map[string]bool{
	"Read":      true,
	"Glob":      true,
	"Grep":      true,
	"LS":        true,
	"WebFetch":  true,
	"WebSearch": true,
}

// ReadOnly reports whether tool is approved without asking.
func ReadOnly(tool string) bool { return readOnlyTools[tool] }

// Request is an outstanding permission prompt.
type Request struct {
	ID        string          `json:"requestId"`
	SessionID string          `json:"sessionId"`
	ToolName  string          `json:"toolName"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	Input     json.RawMessage `json:"input"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Resolution is published when a request is answered.
type Resolution struct {
	RequestID string         `json:"requestId"`
	ToolName  string         `json:"toolName"`
	Behavior  agent.Behavior `json:"behavior"`
	Message   string         `json:"message,omitempty"`
}

// Notify is told when a session gains (waiting=true) or loses an
// outstanding request.
type Notify func(req Request, waiting bool)

type pending struct {
	req   Request
	ch    chan agent.Decision // capacity 1; written once by the winning resolver
	timer *time.Timer
}

// Broker holds outstanding permission requests.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pending

	pub      hub.Publisher
	activity *activitylog.Logger
	log      *zap.Logger
}

// New creates a Broker publishing to pub.
func New(pub hub.Publisher, activity *activitylog.Logger, log *zap.Logger) *Broker {
	if activity == nil {
		activity = activitylog.Nop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{
		pending:  make(map[string]*pending),
		pub:      pub,
		activity: activity,
		log:      log,
	}
}

// Handler returns the permission callback for one query of sessionID.
// Read-only tools are allowed immediately. Other tools block the calling
// goroutine until a client responds, the timeout elapses (zero waits
// forever) or ctx ends.
func (b *Broker) Handler(sessionID string, timeout time.Duration, notify Notify) agent.PermissionFunc {
	return func(ctx context.Context, tr agent.ToolRequest) agent.Decision {
		if ReadOnly(tr.ToolName) {
			b.activity.PermissionDecision(sessionID, "", tr.ToolName, string(agent.Allow), "read-only tool")
			return agent.Decision{Behavior: agent.Allow, UpdatedInput: tr.Input}
		}

		req := Request{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			ToolName:  tr.ToolName,
			ToolUseID: tr.ToolUseID,
			Input:     tr.Input,
			CreatedAt: time.Now(),
		}
		if len(req.Input) == 0 {
			req.Input = json.RawMessage(`{}`)
		}
		p := &pending{req: req, ch: make(chan agent.Decision, 1)}

		b.mu.Lock()
		b.pending[req.ID] = p
		if timeout > 0 {
			p.timer = time.AfterFunc(timeout, func() {
				b.resolve(req.ID, agent.Decision{Behavior: agent.Deny, Message: ReasonTimeout})
			})
		}
		b.mu.Unlock()

		b.activity.PermissionRequested(sessionID, req.ID, req.ToolName)
		b.log.Debug("permission requested",
			zap.String("session", sessionID), zap.String("request", req.ID), zap.String("tool", req.ToolName))
		if notify != nil {
			notify(req, true)
		}
		b.pub.Broadcast(sessionID, hub.Event{Type: EventRequest, Data: req})
		b.pub.Broadcast(sessionID, hub.Event{Type: WireRequest, Data: req})

		var d agent.Decision
		select {
		case d = <-p.ch:
		case <-ctx.Done():
			b.resolve(req.ID, agent.Decision{Behavior: agent.Deny, Message: ReasonCancelled})
			d = <-p.ch
		}
		if notify != nil {
			notify(req, false)
		}
		return d
	}
}

// Respond answers a request. An allow may replace the tool input. Returns
// false if the request is unknown or already resolved.
func (b *Broker) Respond(requestID string, behavior agent.Behavior, updatedInput json.RawMessage) bool {
	d := agent.Decision{Behavior: agent.Deny, Message: ReasonDenied}
	if behavior == agent.Allow {
		d = agent.Decision{Behavior: agent.Allow, UpdatedInput: updatedInput}
	}
	return b.resolve(requestID, d)
}

// DenyAll resolves every outstanding request of sessionID as denied and
// returns how many were resolved.
func (b *Broker) DenyAll(sessionID, reason string) int {
	b.mu.Lock()
	var ids []string
	for id, p := range b.pending {
		if p.req.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	n := 0
	for _, id := range ids {
		if b.resolve(id, agent.Decision{Behavior: agent.Deny, Message: reason}) {
			n++
		}
	}
	return n
}

// Pending returns the outstanding requests of sessionID, oldest first. An
// empty sessionID returns every outstanding request.
func (b *Broker) Pending(sessionID string) []Request {
	b.mu.Lock()
	out := make([]Request, 0, len(b.pending))
	for _, p := range b.pending {
		if sessionID == "" || p.req.SessionID == sessionID {
			out = append(out, p.req)
		}
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of outstanding requests.
func (b *Broker) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// resolve delivers d to the waiting handler. The first caller for an id
// wins; later calls return false.
func (b *Broker) resolve(id string, d agent.Decision) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	p.ch <- d
	b.activity.PermissionDecision(p.req.SessionID, id, p.req.ToolName, string(d.Behavior), d.Message)
	res := Resolution{
		RequestID: id,
		ToolName:  p.req.ToolName,
		Behavior:  d.Behavior,
		Message:   d.Message,
	}
	b.pub.Broadcast(p.req.SessionID, hub.Event{Type: EventResolved, Data: res})
	b.pub.Broadcast(p.req.SessionID, hub.Event{Type: WireResolved, Data: res})
	return true
}
