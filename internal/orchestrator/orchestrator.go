// Package orchestrator runs prompts against the agent: it claims a session,
// streams the agent's events into the session record and out to clients,
// and chains queued prompts when a query completes.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"clarvis/internal/activitylog"
	"clarvis/internal/agent"
	"clarvis/internal/hub"
	"clarvis/internal/permission"
	"clarvis/internal/session"
)

// Event types published by the orchestrator.
const (
	EventMessageUser      = "message:user"
	EventMessageAssistant = "message:assistant"
	EventToolStart        = "tool:start"
	EventToolResult       = "tool:result"
	EventSessionStatus    = "session:status"
	EventSessionInit      = "session:init"
	EventQueryStarted     = "query:started"
	EventQueryComplete    = "query:complete"
	EventQueueUpdated     = "queue:updated"
	EventError            = "error"
)

// Client protocol event types. WebSocket clients key on these names; they
// are published alongside the detailed events above.
const (
	WireMessage       = "message"
	WireSessionStatus = "session_status"
	WireSDKSessionID  = "session_sdk_id"
	WireQueryComplete = "query_complete"
)

// MaxToolResult is the longest tool result text forwarded to clients.
const MaxToolResult = 5000

const (
	truncatedSuffix = "\n... (truncated)"
	interrupted     = "interrupted"
)

// ErrClosed is returned once Shutdown has been called.
var ErrClosed = errors.New("orchestrator shut down")

// Config wires an Orchestrator to the rest of the server.
type Config struct {
	Registry  *session.Registry
	Querier   agent.Querier
	Broker    *permission.Broker
	Publisher hub.Publisher
	Activity  *activitylog.Logger
	Logger    *zap.Logger
	// PermissionTimeout applies to sessions without their own timeout.
	PermissionTimeout time.Duration
}

// Orchestrator drives agent queries. At most one query runs per session.
type Orchestrator struct {
	reg         *session.Registry
	querier     agent.Querier
	broker      *permission.Broker
	pub         hub.Publisher
	activity    *activitylog.Logger
	log         *zap.Logger
	permTimeout time.Duration

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	waiting map[string]int // outstanding permission requests per session

	cacheMu        sync.RWMutex
	modelsCached   bool
	extraModels    []agent.Model
	commandsCached bool
	commands       []agent.Command
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Activity == nil {
		cfg.Activity = activitylog.Nop()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		reg:         cfg.Registry,
		querier:     cfg.Querier,
		broker:      cfg.Broker,
		pub:         cfg.Publisher,
		activity:    cfg.Activity,
		log:         cfg.Logger,
		permTimeout: cfg.PermissionTimeout,
		baseCtx:     ctx,
		stop:        stop,
		waiting:     make(map[string]int),
	}
}

// SubmitResult reports what Submit did with a prompt.
type SubmitResult struct {
	Queued bool
	Prompt session.QueuedPrompt // set when Queued
}

// Submit starts prompt on the session, or queues it if a query is already
// running. Claiming and queueing are one registry step, so a prompt queued
// here is always picked up by the running query when it finishes.
func (o *Orchestrator) Submit(sessionID, prompt string) (SubmitResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return SubmitResult{}, fmt.Errorf("prompt required: %w", session.ErrInvalid)
	}
	ctx, cancel, err := o.track()
	if err != nil {
		return SubmitResult{}, err
	}
	s, q, err := o.reg.BeginOrQueue(sessionID, prompt, cancel)
	if err != nil {
		o.untrack(cancel)
		return SubmitResult{}, err
	}
	if s == nil {
		o.untrack(cancel)
		o.publishQueue(sessionID)
		return SubmitResult{Queued: true, Prompt: q}, nil
	}
	if err := o.start(ctx, cancel, s, prompt); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{}, nil
}

// RunPrompt starts a query for prompt. It fails with session.ErrBusy if a
// query is already running for the session. The query itself runs on its
// own goroutine.
func (o *Orchestrator) RunPrompt(sessionID, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("prompt required: %w", session.ErrInvalid)
	}
	ctx, cancel, err := o.track()
	if err != nil {
		return err
	}
	s, err := o.reg.Begin(sessionID, cancel)
	if err != nil {
		o.untrack(cancel)
		return err
	}
	return o.start(ctx, cancel, s, prompt)
}

// track registers a query goroutine. Registration happens under mu so
// Shutdown cannot start waiting in between.
func (o *Orchestrator) track() (context.Context, context.CancelFunc, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, nil, ErrClosed
	}
	o.wg.Add(1)
	ctx, cancel := context.WithCancel(o.baseCtx)
	return ctx, cancel, nil
}

func (o *Orchestrator) untrack(cancel context.CancelFunc) {
	cancel()
	o.wg.Done()
}

// start runs prompt on a session already claimed with cancel.
func (o *Orchestrator) start(ctx context.Context, cancel context.CancelFunc, s *session.Session, prompt string) error {
	sessionID := s.ID
	msg, err := o.reg.AddUserMessage(sessionID, prompt)
	if err != nil {
		_, _ = o.reg.Finish(sessionID, session.StatusError, err.Error())
		o.untrack(cancel)
		return err
	}

	o.pub.Broadcast(sessionID, hub.Event{Type: EventMessageUser, Data: map[string]any{"message": msg}})
	o.pub.Broadcast(sessionID, hub.Event{Type: WireMessage, Data: map[string]any{"message": msg}})
	o.publishStatus(sessionID, session.StatusRunning, "")
	o.pub.Broadcast(sessionID, hub.Event{Type: EventQueryStarted, Data: map[string]any{"prompt": prompt}})
	o.activity.StateChange(sessionID, string(session.StatusIdle), string(session.StatusRunning))
	o.activity.QueryStarted(sessionID, s.Config.Model)

	opts := agent.Options{
		Prompt:           prompt,
		Model:            s.Config.Model,
		WorkingDirectory: s.Config.WorkingDirectory,
		PermissionMode:   s.Config.PermissionMode,
		SystemPrompt:     s.Config.SystemPrompt,
		Resume:           s.AgentSessionID,
		CanUseTool:       o.broker.Handler(sessionID, s.Config.PermissionWait(o.permTimeout), o.permissionNotify(sessionID)),
	}
	go o.drive(ctx, cancel, sessionID, opts)
	return nil
}

// Interrupt cancels the session's running query and denies its pending
// permission requests. Returns false if no query is running.
func (o *Orchestrator) Interrupt(sessionID string) bool {
	if !o.reg.Cancel(sessionID) {
		return false
	}
	o.broker.DenyAll(sessionID, permission.ReasonCancelled)
	return true
}

// DeleteSession cancels any running query, denies its pending permission
// requests and removes the session.
func (o *Orchestrator) DeleteSession(sessionID string) (bool, error) {
	ok, err := o.reg.Delete(sessionID)
	if err != nil || !ok {
		return ok, err
	}
	o.broker.DenyAll(sessionID, permission.ReasonCancelled)
	o.activity.SessionEvent(sessionID, "deleted")
	return true, nil
}

// CancelQueued drops a queued prompt and announces the new queue.
func (o *Orchestrator) CancelQueued(sessionID, promptID string) bool {
	if !o.reg.CancelQueued(sessionID, promptID) {
		return false
	}
	o.publishQueue(sessionID)
	return true
}

// Running reports whether a query is active for the session.
func (o *Orchestrator) Running(sessionID string) bool {
	return o.reg.Active(sessionID)
}

// Shutdown cancels every running query and waits for them to finish or
// for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) drive(ctx context.Context, cancel context.CancelFunc, sessionID string, opts agent.Options) {
	defer o.wg.Done()
	defer cancel()
	started := time.Now()

	stream, err := o.querier.Query(ctx, opts)
	if err == nil {
		for ev := range stream.Events() {
			o.handle(sessionID, ev)
		}
		err = stream.Wait()
	}
	o.finish(ctx, sessionID, time.Since(started), err)
}

func (o *Orchestrator) handle(sessionID string, ev agent.Event) {
	switch ev.Type {
	case agent.EventSystem:
		if ev.Subtype != agent.SubtypeInit {
			return
		}
		o.fillCaches(ev)
		if ev.SessionID != "" {
			if _, err := o.reg.SetAgentSessionID(sessionID, ev.SessionID); err != nil {
				o.log.Warn("record agent session id", zap.String("session", sessionID), zap.Error(err))
			}
			o.pub.Broadcast(sessionID, hub.Event{Type: WireSDKSessionID, Data: map[string]any{"sdkSessionId": ev.SessionID}})
		}
		o.pub.Broadcast(sessionID, hub.Event{Type: EventSessionInit, Data: map[string]any{
			"agentSessionId": ev.SessionID,
			"model":          ev.Model,
			"tools":          ev.Tools,
		}})

	case agent.EventAssistant:
		text := ev.Content.Text()
		if strings.TrimSpace(text) == "" {
			return
		}
		msg, err := o.reg.AppendAssistant(sessionID, session.TextContent(text))
		if err != nil {
			o.log.Warn("append assistant message", zap.String("session", sessionID), zap.Error(err))
			return
		}
		o.pub.Broadcast(sessionID, hub.Event{Type: EventMessageAssistant, Data: map[string]any{"message": msg}})
		o.pub.Broadcast(sessionID, hub.Event{Type: WireMessage, Data: map[string]any{"message": msg}})

	case agent.EventToolCall:
		o.reg.Touch(sessionID)
		o.pub.Broadcast(sessionID, hub.Event{Type: EventToolStart, Data: map[string]any{
			"toolName":  ev.ToolName,
			"toolUseId": ev.ToolUseID,
			"input":     rawOrEmpty(ev.Input),
		}})

	case agent.EventToolResult:
		o.reg.Touch(sessionID)
		data := map[string]any{
			"toolName":  ev.ToolName,
			"toolUseId": ev.ToolUseID,
			"isError":   ev.IsError,
		}
		if text, ok := session.RawText(ev.Result); ok {
			data["result"] = TruncateResult(text)
		} else if len(ev.Result) > 0 {
			data["result"] = ev.Result
		}
		o.pub.Broadcast(sessionID, hub.Event{Type: EventToolResult, Data: data})

	case agent.EventResult:
		data := map[string]any{
			"subtype":    ev.Subtype,
			"isError":    ev.IsError,
			"durationMs": ev.DurationMs,
			"costUsd":    ev.CostUSD,
			"numTurns":   ev.NumTurns,
		}
		if text, ok := session.RawText(ev.Result); ok {
			data["result"] = text
		}
		o.pub.Broadcast(sessionID, hub.Event{Type: EventQueryComplete, Data: data})

	case agent.EventError:
		o.pub.Broadcast(sessionID, hub.Event{Type: EventError, Data: map[string]any{"error": ev.Error}})
	}
}

// finish records the outcome of a query. Only a successful, uncancelled
// query advances the queue. A failed save is logged; the session is still
// released so it never stays claimed without a running query.
func (o *Orchestrator) finish(ctx context.Context, sessionID string, elapsed time.Duration, err error) {
	o.mu.Lock()
	delete(o.waiting, sessionID)
	o.mu.Unlock()

	switch {
	case err != nil && ctx.Err() != nil:
		o.broker.DenyAll(sessionID, permission.ReasonCancelled)
		if _, ferr := o.reg.Finish(sessionID, session.StatusIdle, interrupted); ferr != nil {
			if errors.Is(ferr, session.ErrNotFound) {
				return
			}
			o.log.Error("persist interrupted session", zap.String("session", sessionID), zap.Error(ferr))
		}
		o.activity.QueryFinished(sessionID, "interrupted", elapsed, "")
		o.pub.Broadcast(sessionID, hub.Event{Type: WireQueryComplete, Data: map[string]any{"reason": interrupted}})
		o.publishStatus(sessionID, session.StatusIdle, interrupted)

	case err != nil:
		o.broker.DenyAll(sessionID, permission.ReasonCancelled)
		msg := err.Error()
		o.log.Warn("query failed", zap.String("session", sessionID), zap.Error(err))
		if _, ferr := o.reg.Finish(sessionID, session.StatusError, msg); ferr != nil {
			if errors.Is(ferr, session.ErrNotFound) {
				return
			}
			o.log.Error("persist failed session", zap.String("session", sessionID), zap.Error(ferr))
		}
		o.activity.QueryFinished(sessionID, "error", elapsed, msg)
		o.pub.Broadcast(sessionID, hub.Event{Type: EventError, Data: map[string]any{"error": msg}})
		o.publishStatus(sessionID, session.StatusError, msg)

	default:
		var (
			nctx    context.Context
			ncancel context.CancelFunc
		)
		if ctx.Err() == nil {
			if c, cf, terr := o.track(); terr == nil {
				nctx, ncancel = c, cf
			}
		}
		s, next, started, ferr := o.reg.FinishNext(sessionID, ncancel)
		if !started && ncancel != nil {
			o.untrack(ncancel)
		}
		if ferr != nil {
			if errors.Is(ferr, session.ErrNotFound) {
				return
			}
			o.log.Error("persist completed session", zap.String("session", sessionID), zap.Error(ferr))
		}
		o.activity.QueryFinished(sessionID, "complete", elapsed, "")
		o.pub.Broadcast(sessionID, hub.Event{Type: WireQueryComplete, Data: map[string]any{}})
		o.publishStatus(sessionID, session.StatusIdle, "")
		if !started {
			return
		}
		o.publishQueue(sessionID)
		if err := o.start(nctx, ncancel, s, next.Prompt); err != nil {
			o.log.Warn("start queued prompt", zap.String("session", sessionID), zap.String("prompt", next.ID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) permissionNotify(sessionID string) permission.Notify {
	return func(_ permission.Request, waiting bool) {
		o.mu.Lock()
		if waiting {
			o.waiting[sessionID]++
		} else if o.waiting[sessionID] > 0 {
			o.waiting[sessionID]--
		}
		n := o.waiting[sessionID]
		o.mu.Unlock()

		if !o.reg.Active(sessionID) {
			return
		}
		status := session.StatusRunning
		if n > 0 {
			status = session.StatusWaitingPermission
		}
		if err := o.reg.SetStatus(sessionID, status); err != nil {
			return
		}
		o.publishStatus(sessionID, status, "")
	}
}

func (o *Orchestrator) publishStatus(sessionID string, status session.Status, lastErr string) {
	data := map[string]any{"status": status}
	if lastErr != "" {
		data["lastError"] = lastErr
	}
	o.pub.Broadcast(sessionID, hub.Event{Type: EventSessionStatus, Data: data})
	o.pub.Broadcast(sessionID, hub.Event{Type: WireSessionStatus, Data: data})
}

func (o *Orchestrator) publishQueue(sessionID string) {
	o.pub.Broadcast(sessionID, hub.Event{Type: EventQueueUpdated, Data: map[string]any{
		"queue": o.reg.Queue(sessionID),
	}})
}

// TruncateResult shortens tool output to MaxToolResult characters.
func TruncateResult(s string) string {
	r := []rune(s)
	if len(r) <= MaxToolResult {
		return s
	}
	return string(r[:MaxToolResult]) + truncatedSuffix
}

func rawOrEmpty(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	return raw
}
