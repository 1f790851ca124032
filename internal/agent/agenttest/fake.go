// Package agenttest provides a scripted agent.Querier for tests.
package agenttest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"clarvis/internal/agent"
	"clarvis/internal/session"
)

// Script produces the events of one query. emit returns false once the
// query context is done. The returned error becomes the stream's terminal
// error.
type Script func(ctx context.Context, opts agent.Options, emit func(agent.Event) bool) error

// ErrNoScript is the terminal error of a query with no script queued.
var ErrNoScript = errors.New("agenttest: no script queued")

// Fake is an agent.Querier that runs queued scripts in order, one per
// Query call.
type Fake struct {
	mu      sync.Mutex
	scripts []Script
	calls   []agent.Options
	started chan agent.Options
	// QueryErr, if set, is returned by Query instead of starting a stream.
	QueryErr error
}

// New creates a Fake with the given scripts queued.
func New(scripts ...Script) *Fake {
	return &Fake{scripts: scripts, started: make(chan agent.Options, 64)}
}

// Push queues more scripts.
func (f *Fake) Push(scripts ...Script) {
	f.mu.Lock()
	f.scripts = append(f.scripts, scripts...)
	f.mu.Unlock()
}

// Calls returns the options of every Query call so far.
func (f *Fake) Calls() []agent.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Options(nil), f.calls...)
}

// Started receives the options of each query as it starts.
func (f *Fake) Started() <-chan agent.Options { return f.started }

// Query implements agent.Querier.
func (f *Fake) Query(ctx context.Context, opts agent.Options) (*agent.Stream, error) {
	f.mu.Lock()
	if f.QueryErr != nil {
		f.mu.Unlock()
		return nil, f.QueryErr
	}
	f.calls = append(f.calls, opts)
	var script Script
	if len(f.scripts) > 0 {
		script = f.scripts[0]
		f.scripts = f.scripts[1:]
	}
	f.mu.Unlock()

	select {
	case f.started <- opts:
	default:
	}

	s := agent.NewStream(16)
	go func() {
		if script == nil {
			s.Finish(ErrNoScript)
			return
		}
		err := script(ctx, opts, func(ev agent.Event) bool { return s.Emit(ctx, ev) })
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		s.Finish(err)
	}()
	return s, nil
}

// Reply is a script that reports init with agentSessionID, answers with
// text and completes.
func Reply(agentSessionID, text string) Script {
	return func(ctx context.Context, _ agent.Options, emit func(agent.Event) bool) error {
		if !emit(Init(agentSessionID)) {
			return ctx.Err()
		}
		if !emit(Text(text)) {
			return ctx.Err()
		}
		emit(agent.Event{Type: agent.EventResult, Subtype: "success", SessionID: agentSessionID, Result: json.RawMessage(`"ok"`), NumTurns: 1})
		return nil
	}
}

// Gate is a script that reports init and then blocks until release is
// closed or the query is cancelled.
func Gate(release <-chan struct{}) Script {
	return func(ctx context.Context, _ agent.Options, emit func(agent.Event) bool) error {
		emit(Init(""))
		select {
		case <-release:
			emit(agent.Event{Type: agent.EventResult, Subtype: "success"})
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AskPermission is a script that requests permission for tool and reports
// the decision on decided before completing.
func AskPermission(tool string, input json.RawMessage, decided chan<- agent.Decision) Script {
	return func(ctx context.Context, opts agent.Options, emit func(agent.Event) bool) error {
		emit(Init(""))
		d := agent.Decision{Behavior: agent.Deny}
		if opts.CanUseTool != nil {
			d = opts.CanUseTool(ctx, agent.ToolRequest{ToolName: tool, ToolUseID: "tu_1", Input: input})
		}
		if decided != nil {
			decided <- d
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		emit(agent.Event{Type: agent.EventResult, Subtype: "success"})
		return nil
	}
}

// Fail is a script that ends with err after init.
func Fail(err error) Script {
	return func(ctx context.Context, _ agent.Options, emit func(agent.Event) bool) error {
		emit(Init(""))
		return err
	}
}

// Events is a script that emits the given events in order and completes.
func Events(events ...agent.Event) Script {
	return func(ctx context.Context, _ agent.Options, emit func(agent.Event) bool) error {
		for _, ev := range events {
			if !emit(ev) {
				return ctx.Err()
			}
		}
		return nil
	}
}

// Init builds a system/init event.
func Init(agentSessionID string) agent.Event {
	return agent.Event{
		Type:          agent.EventSystem,
		Subtype:       agent.SubtypeInit,
		SessionID:     agentSessionID,
		Model:         "sonnet",
		SlashCommands: []string{"review"},
	}
}

// Text builds an assistant event holding one text block.
func Text(text string) agent.Event {
	return agent.Event{
		Type:    agent.EventAssistant,
		Content: session.BlockContent(session.ContentBlock{Type: session.BlockText, Text: text}),
	}
}
