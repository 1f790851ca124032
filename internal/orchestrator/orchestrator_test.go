package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"clarvis/internal/agent"
	"clarvis/internal/agent/agenttest"
	"clarvis/internal/hub"
	"clarvis/internal/permission"
	"clarvis/internal/session"
	"clarvis/internal/session/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 5 * time.Second

type recorder struct {
	mu     sync.Mutex
	events []hub.Event
}

func (r *recorder) Broadcast(sessionID string, ev hub.Event) {
	ev.SessionID = sessionID
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) BroadcastAll(ev hub.Event) { r.Broadcast("", ev) }

func (r *recorder) find(typ string) []hub.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []hub.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	orch   *Orchestrator
	reg    *session.Registry
	fake   *agenttest.Fake
	rec    *recorder
	broker *permission.Broker
}

func newHarness(t *testing.T, scripts ...agenttest.Script) *harness {
	t.Helper()
	return newHarnessWithStore(t, store.New(nil), scripts...)
}

func newHarnessWithStore(t *testing.T, st session.Persister, scripts ...agenttest.Script) *harness {
	t.Helper()
	rec := &recorder{}
	reg := session.NewRegistry(st, session.WithDefaults(session.Defaults{
		WorkingDirectory: t.TempDir(),
		Model:            "sonnet",
		PermissionMode:   session.PermissionModeDefault,
	}))
	broker := permission.New(rec, nil, nil)
	fake := agenttest.New(scripts...)
	orch := New(Config{
		Registry:          reg,
		Querier:           fake,
		Broker:            broker,
		Publisher:         rec,
		PermissionTimeout: time.Minute,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, orch.Shutdown(ctx))
	})
	return &harness{orch: orch, reg: reg, fake: fake, rec: rec, broker: broker}
}

func (h *harness) create(t *testing.T) *session.Session {
	t.Helper()
	s, err := h.reg.Create(session.CreateOptions{})
	require.NoError(t, err)
	return s
}

func (h *harness) waitStatus(t *testing.T, id string, want session.Status) *session.Session {
	t.Helper()
	var got *session.Session
	require.Eventually(t, func() bool {
		s, ok := h.reg.Get(id)
		if !ok {
			return false
		}
		got = s
		return s.Status == want && !h.reg.Active(id)
	}, waitFor, 5*time.Millisecond, "session %s never reached %s", id, want)
	return got
}

func (h *harness) waitEvent(t *testing.T, typ string) hub.Event {
	t.Helper()
	var ev hub.Event
	require.Eventually(t, func() bool {
		evs := h.rec.find(typ)
		if len(evs) == 0 {
			return false
		}
		ev = evs[0]
		return true
	}, waitFor, 5*time.Millisecond, "no %s event", typ)
	return ev
}

func TestRunPromptCompletes(t *testing.T) {
	h := newHarness(t, agenttest.Reply("agent-1", "Hello there"))
	s := h.create(t)

	require.NoError(t, h.orch.RunPrompt(s.ID, "hi"))
	got := h.waitStatus(t, s.ID, session.StatusIdle)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, session.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "hi", got.Messages[0].Content.Text())
	assert.Equal(t, session.RoleAssistant, got.Messages[1].Role)
	assert.Equal(t, "Hello there", got.Messages[1].Content.Text())
	assert.Equal(t, "agent-1", got.AgentSessionID)
	assert.Empty(t, got.LastError)

	h.waitEvent(t, EventQueryComplete)
	types := h.rec.types()
	assert.Equal(t, EventMessageUser, types[0])
	assert.Contains(t, types, EventSessionInit)
	assert.Contains(t, types, EventMessageAssistant)

	var statuses []hub.Event
	require.Eventually(t, func() bool {
		statuses = h.rec.find(EventSessionStatus)
		return len(statuses) >= 2 && statuses[len(statuses)-1].Data.(map[string]any)["status"] == session.StatusIdle
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, session.StatusRunning, statuses[0].Data.(map[string]any)["status"])

	calls := h.fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "hi", calls[0].Prompt)
	assert.Equal(t, "sonnet", calls[0].Model)
	assert.Equal(t, s.Config.WorkingDirectory, calls[0].WorkingDirectory)
	assert.Empty(t, calls[0].Resume)
}

func TestRunPromptPublishesClientProtocolEvents(t *testing.T) {
	h := newHarness(t, agenttest.Reply("agent-1", "Hello there"))
	s := h.create(t)

	require.NoError(t, h.orch.RunPrompt(s.ID, "hi"))
	h.waitStatus(t, s.ID, session.StatusIdle)
	h.waitEvent(t, WireQueryComplete)

	msgs := h.rec.find(WireMessage)
	require.Len(t, msgs, 2)
	assert.Equal(t, session.RoleUser, msgs[0].Data.(map[string]any)["message"].(session.Message).Role)
	assert.Equal(t, session.RoleAssistant, msgs[1].Data.(map[string]any)["message"].(session.Message).Role)

	sdk := h.waitEvent(t, WireSDKSessionID)
	assert.Equal(t, "agent-1", sdk.Data.(map[string]any)["sdkSessionId"])

	complete := h.waitEvent(t, WireQueryComplete).Data.(map[string]any)
	assert.NotContains(t, complete, "reason")

	require.Eventually(t, func() bool {
		st := h.rec.find(WireSessionStatus)
		return len(st) >= 2 && st[len(st)-1].Data.(map[string]any)["status"] == session.StatusIdle
	}, waitFor, 5*time.Millisecond)
	assert.Len(t, h.rec.find(WireSessionStatus), len(h.rec.find(EventSessionStatus)))
}

func TestRunPromptResumesAgentSession(t *testing.T) {
	h := newHarness(t, agenttest.Reply("agent-1", "one"), agenttest.Reply("agent-1", "two"))
	s := h.create(t)

	require.NoError(t, h.orch.RunPrompt(s.ID, "first"))
	h.waitStatus(t, s.ID, session.StatusIdle)
	require.NoError(t, h.orch.RunPrompt(s.ID, "second"))
	h.waitStatus(t, s.ID, session.StatusIdle)

	calls := h.fake.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "agent-1", calls[1].Resume)
}

func TestRunPromptSingleFlight(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, agenttest.Gate(release))
	s := h.create(t)

	require.NoError(t, h.orch.RunPrompt(s.ID, "first"))
	err := h.orch.RunPrompt(s.ID, "second")
	assert.ErrorIs(t, err, session.ErrBusy)
	assert.True(t, h.orch.Running(s.ID))

	close(release)
	h.waitStatus(t, s.ID, session.StatusIdle)
	assert.Len(t, h.fake.Calls(), 1)
}

func TestSubmitQueuesAndChains(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, agenttest.Gate(release), agenttest.Reply("", "second answer"), agenttest.Reply("", "third answer"))
	s := h.create(t)

	res, err := h.orch.Submit(s.ID, "first")
	require.NoError(t, err)
	assert.False(t, res.Queued)

	res, err = h.orch.Submit(s.ID, "second")
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, "second", res.Prompt.Prompt)
	_, err = h.orch.Submit(s.ID, "third")
	require.NoError(t, err)
	assert.Len(t, h.reg.Queue(s.ID), 2)
	assert.NotEmpty(t, h.rec.find(EventQueueUpdated))

	close(release)
	require.Eventually(t, func() bool { return len(h.fake.Calls()) == 3 }, waitFor, 5*time.Millisecond)
	got := h.waitStatus(t, s.ID, session.StatusIdle)
	require.Eventually(t, func() bool {
		got, _ = h.reg.Get(s.ID)
		return len(got.Messages) == 5 && !h.reg.Active(s.ID)
	}, waitFor, 5*time.Millisecond)

	var prompts []string
	for _, c := range h.fake.Calls() {
		prompts = append(prompts, c.Prompt)
	}
	assert.Equal(t, []string{"first", "second", "third"}, prompts)
	assert.Empty(t, h.reg.Queue(s.ID))
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	_, err := h.orch.Submit(s.ID, "   ")
	assert.ErrorIs(t, err, session.ErrInvalid)
	_, err = h.orch.Submit("missing", "hi")
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.ErrorIs(t, h.orch.RunPrompt("missing", "hi"), session.ErrNotFound)
}

func TestInterruptDoesNotAdvanceQueue(t *testing.T) {
	h := newHarness(t, agenttest.Gate(make(chan struct{})))
	s := h.create(t)

	require.NoError(t, h.orch.RunPrompt(s.ID, "long task"))
	_, err := h.orch.Submit(s.ID, "queued")
	require.NoError(t, err)

	assert.True(t, h.orch.Interrupt(s.ID))
	got := h.waitStatus(t, s.ID, session.StatusIdle)
	assert.Equal(t, "interrupted", got.LastError)
	assert.Len(t, h.reg.Queue(s.ID), 1)
	assert.Len(t, h.fake.Calls(), 1)
	assert.False(t, h.orch.Interrupt(s.ID))

	complete := h.waitEvent(t, WireQueryComplete).Data.(map[string]any)
	assert.Equal(t, "interrupted", complete["reason"])
}

func TestSubmitNeverStrandsQueuedPrompt(t *testing.T) {
	const n = 30
	scripts := make([]agenttest.Script, n)
	for i := range scripts {
		scripts[i] = agenttest.Reply("", "ok")
	}
	h := newHarness(t, scripts...)
	s := h.create(t)

	for i := 0; i < n; i++ {
		_, err := h.orch.Submit(s.ID, "prompt")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(h.fake.Calls()) == n && !h.reg.Active(s.ID)
	}, waitFor, 5*time.Millisecond, "a queued prompt was never started")
	assert.Empty(t, h.reg.Queue(s.ID))
}

// failingStore wraps a real store and fails saves while fail is set.
type failingStore struct {
	session.Persister
	mu   sync.Mutex
	fail bool
}

func (f *failingStore) set(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *failingStore) Save(s *session.Session) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.Persister.Save(s)
}

func TestFinishSaveErrorDoesNotWedgeSession(t *testing.T) {
	release := make(chan struct{})
	st := &failingStore{Persister: store.New(nil)}
	h := newHarnessWithStore(t, st, agenttest.Gate(release), agenttest.Reply("", "after"))
	s := h.create(t)

	require.NoError(t, h.orch.RunPrompt(s.ID, "first"))
	st.set(true)
	close(release)

	h.waitStatus(t, s.ID, session.StatusIdle)
	h.waitEvent(t, WireQueryComplete)
	assert.False(t, h.orch.Running(s.ID))

	st.set(false)
	require.NoError(t, h.orch.RunPrompt(s.ID, "second"))
	require.Eventually(t, func() bool { return len(h.fake.Calls()) == 2 }, waitFor, 5*time.Millisecond)
	h.waitStatus(t, s.ID, session.StatusIdle)
}

func TestAgentErrorSetsErrorStatus(t *testing.T) {
	release := make(chan struct{})
	failAfterRelease := func(ctx context.Context, _ agent.Options, emit func(agent.Event) bool) error {
		<-release
		return errors.New("model overloaded")
	}
	h := newHarness(t, failAfterRelease)
	s := h.create(t)

	require.NoError(t, h.orch.RunPrompt(s.ID, "hi"))
	res, err := h.orch.Submit(s.ID, "queued")
	require.NoError(t, err)
	require.True(t, res.Queued)
	close(release)

	got := h.waitStatus(t, s.ID, session.StatusError)
	assert.Equal(t, "model overloaded", got.LastError)
	ev := h.waitEvent(t, EventError)
	assert.Equal(t, "model overloaded", ev.Data.(map[string]any)["error"])
	assert.Len(t, h.reg.Queue(s.ID), 1, "queue must not advance after an error")

	// Error status does not block the next prompt.
	h.fake.Push(agenttest.Reply("", "recovered"), agenttest.Reply("", "queued answer"))
	require.NoError(t, h.orch.RunPrompt(s.ID, "again"))
	require.Eventually(t, func() bool { return len(h.fake.Calls()) == 3 }, waitFor, 5*time.Millisecond)
	got = h.waitStatus(t, s.ID, session.StatusIdle)
	assert.Empty(t, got.LastError)
}

func TestQueryStartError(t *testing.T) {
	h := newHarness(t)
	h.fake.QueryErr = errors.New("claude: executable not found")
	s := h.create(t)

	require.NoError(t, h.orch.RunPrompt(s.ID, "hi"))
	got := h.waitStatus(t, s.ID, session.StatusError)
	assert.Contains(t, got.LastError, "executable not found")
}

func TestPermissionRoundTrip(t *testing.T) {
	decided := make(chan agent.Decision, 1)
	h := newHarness(t, agenttest.AskPermission("Bash", json.RawMessage(`{"command":"make"}`), decided))
	s := h.create(t)

	require.NoError(t, h.orch.RunPrompt(s.ID, "build it"))
	ev := h.waitEvent(t, permission.EventRequest)
	req := ev.Data.(permission.Request)
	assert.Equal(t, "Bash", req.ToolName)

	require.Eventually(t, func() bool {
		got, _ := h.reg.Get(s.ID)
		return got.Status == session.StatusWaitingPermission
	}, waitFor, 5*time.Millisecond)

	require.True(t, h.broker.Respond(req.ID, agent.Allow, nil))
	d := <-decided
	assert.True(t, d.Allowed())
	h.waitStatus(t, s.ID, session.StatusIdle)

	var sawWaiting bool
	for _, st := range h.rec.find(EventSessionStatus) {
		if st.Data.(map[string]any)["status"] == session.StatusWaitingPermission {
			sawWaiting = true
		}
	}
	assert.True(t, sawWaiting)
}

func TestSessionPermissionTimeoutOverridesDefault(t *testing.T) {
	decided := make(chan agent.Decision, 1)
	h := newHarness(t, agenttest.AskPermission("Write", nil, decided))
	timeout := int64(20)
	s, err := h.reg.Create(session.CreateOptions{PermissionTimeout: &timeout})
	require.NoError(t, err)

	require.NoError(t, h.orch.RunPrompt(s.ID, "write"))
	select {
	case d := <-decided:
		assert.False(t, d.Allowed())
		assert.Equal(t, permission.ReasonTimeout, d.Message)
	case <-time.After(waitFor):
		t.Fatal("permission request did not time out")
	}
	h.waitStatus(t, s.ID, session.StatusIdle)
}

func TestInterruptDeniesPendingPermission(t *testing.T) {
	decided := make(chan agent.Decision, 1)
	h := newHarness(t, agenttest.AskPermission("Bash", nil, decided))
	s := h.create(t)

	require.NoError(t, h.orch.RunPrompt(s.ID, "go"))
	h.waitEvent(t, permission.EventRequest)

	assert.True(t, h.orch.Interrupt(s.ID))
	d := <-decided
	assert.False(t, d.Allowed())
	assert.Equal(t, permission.ReasonCancelled, d.Message)
	h.waitStatus(t, s.ID, session.StatusIdle)
	assert.Equal(t, 0, h.broker.Count())
}

func TestToolEventsAndTruncation(t *testing.T) {
	long := strings.Repeat("x", MaxToolResult+100)
	result, _ := json.Marshal(long)
	h := newHarness(t, agenttest.Events(
		agenttest.Init("agent-9"),
		agent.Event{Type: agent.EventToolCall, ToolName: "Bash", ToolUseID: "tu_1", Input: json.RawMessage(`{"command":"cat big"}`)},
		agent.Event{Type: agent.EventToolResult, ToolName: "Bash", ToolUseID: "tu_1", Result: result},
		agent.Event{Type: agent.EventAssistant, Content: session.BlockContent(session.ContentBlock{Type: session.BlockToolUse, ID: "tu_2", Name: "Read"})},
		agent.Event{Type: agent.EventResult, Subtype: "success", Result: json.RawMessage(`"done"`)},
	))
	s := h.create(t)

	require.NoError(t, h.orch.RunPrompt(s.ID, "show me"))
	got := h.waitStatus(t, s.ID, session.StatusIdle)
	assert.Len(t, got.Messages, 1, "tool-only assistant turns add no message")

	start := h.waitEvent(t, EventToolStart).Data.(map[string]any)
	assert.Equal(t, "Bash", start["toolName"])

	res := h.waitEvent(t, EventToolResult).Data.(map[string]any)
	text := res["result"].(string)
	assert.True(t, strings.HasSuffix(text, "\n... (truncated)"))
	assert.Equal(t, MaxToolResult+len("\n... (truncated)"), len(text))

	complete := h.waitEvent(t, EventQueryComplete).Data.(map[string]any)
	assert.Equal(t, "done", complete["result"])
}

func TestTruncateResult(t *testing.T) {
	assert.Equal(t, "short", TruncateResult("short"))
	exact := strings.Repeat("é", MaxToolResult)
	assert.Equal(t, exact, TruncateResult(exact))
}

func TestDeleteWhileRunning(t *testing.T) {
	h := newHarness(t, agenttest.Gate(make(chan struct{})))
	s := h.create(t)
	require.NoError(t, h.orch.RunPrompt(s.ID, "work"))

	ok, err := h.orch.DeleteSession(s.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	_, found := h.reg.Get(s.ID)
	assert.False(t, found)

	ok, err = h.orch.DeleteSession(s.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShutdownCancelsQueries(t *testing.T) {
	h := newHarness(t, agenttest.Gate(make(chan struct{})))
	s := h.create(t)
	require.NoError(t, h.orch.RunPrompt(s.ID, "work"))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	got, _ := h.reg.Get(s.ID)
	assert.Equal(t, session.StatusIdle, got.Status)
	assert.ErrorIs(t, h.orch.RunPrompt(s.ID, "more"), ErrClosed)
}

func TestModelsAndCommands(t *testing.T) {
	h := newHarness(t, agenttest.Events(agent.Event{
		Type:          agent.EventSystem,
		Subtype:       agent.SubtypeInit,
		Model:         "claude-custom-1",
		SlashCommands: []string{"review", "/deploy", "help"},
	}))

	models := h.orch.Models()
	require.Len(t, models, len(agent.DefaultModels))
	assert.Equal(t, "sonnet", models[0].Value)

	s := h.create(t)
	require.NoError(t, h.orch.RunPrompt(s.ID, "hi"))
	h.waitStatus(t, s.ID, session.StatusIdle)

	models = h.orch.Models()
	assert.Equal(t, "claude-custom-1", models[len(models)-1].Value)

	cmds := h.orch.Commands()
	names := make([]string, len(cmds))
	for i, c := range cmds {
		names[i] = c.Name
	}
	assert.Contains(t, names, "deploy")
	assert.Contains(t, names, "review")
	assert.Contains(t, names, "clear")
	assert.IsIncreasing(t, names)

	var help agent.Command
	for _, c := range cmds {
		if c.Name == "help" {
			help = c
		}
	}
	assert.Equal(t, "Show available commands and help", help.Description, "built-in wins over reported")
}
