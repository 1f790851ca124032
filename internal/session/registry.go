package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Persister is the durable side of the registry. The Registry calls Save
// after every committed mutation and Delete when a session is removed.
type Persister interface {
	Save(s *Session) error
	Delete(workingDirectory, id string) error
}

// Defaults fills in unset fields on Create.
type Defaults struct {
	WorkingDirectory string
	Model            string
	PermissionMode   string
}

// CreateOptions configures a new session. Only WorkingDirectory has a
// meaningful zero value: it falls back to Defaults, then the process cwd.
type CreateOptions struct {
	WorkingDirectory  string `json:"workingDirectory"`
	Name              string `json:"name"`
	Model             string `json:"model"`
	PermissionMode    string `json:"permissionMode"`
	SystemPrompt      string `json:"systemPrompt"`
	PermissionTimeout *int64 `json:"permissionTimeout"`
}

type entry struct {
	s      *Session
	cancel context.CancelFunc // set while a query is active
}

// Registry is the in-memory table of live sessions. It is the only writer
// of session records; every accessor returns a deep copy.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	store    Persister
	defaults Defaults
	now      func() time.Time
	log      *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaults sets the values used for unset CreateOptions fields.
func WithDefaults(d Defaults) Option {
	return func(r *Registry) { r.defaults = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// NewRegistry creates an empty Registry backed by store.
func NewRegistry(store Persister, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*entry),
		store:    store,
		defaults: Defaults{Model: "sonnet", PermissionMode: PermissionModeDefault},
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load adds previously persisted sessions. Sessions already present in the
// registry are kept as they are. Returns the number added.
func (r *Registry) Load(sessions []*Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range sessions {
		if s == nil || s.ID == "" {
			continue
		}
		if _, ok := r.sessions[s.ID]; ok {
			continue
		}
		c := s.Clone()
		c.Status = c.Status.Persisted()
		if !c.Status.Valid() {
			c.Status = StatusIdle
		}
		c.Queue = nil
		r.sessions[c.ID] = &entry{s: c}
		n++
	}
	return n
}

// Create registers a new idle session and persists it.
func (r *Registry) Create(opts CreateOptions) (*Session, error) {
	wd := opts.WorkingDirectory
	if wd == "" {
		wd = r.defaults.WorkingDirectory
	}
	if wd == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		wd = cwd
	}
	wd = filepath.Clean(wd)

	mode := opts.PermissionMode
	if mode == "" {
		mode = r.defaults.PermissionMode
	}
	if mode == "" {
		mode = PermissionModeDefault
	}
	if !ValidPermissionMode(mode) {
		return nil, fmt.Errorf("permission mode %q: %w", mode, ErrInvalid)
	}
	if opts.PermissionTimeout != nil && *opts.PermissionTimeout < 0 {
		return nil, fmt.Errorf("permission timeout %d: %w", *opts.PermissionTimeout, ErrInvalid)
	}

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = filepath.Base(wd)
	}
	model := opts.Model
	if model == "" {
		model = r.defaults.Model
	}

	now := r.now()
	s := &Session{
		ID:           uuid.New().String(),
		Name:         name,
		Status:       StatusIdle,
		CreatedAt:    now,
		LastActivity: now,
		Config: Config{
			WorkingDirectory:  wd,
			Model:             model,
			PermissionMode:    mode,
			SystemPrompt:      opts.SystemPrompt,
			PermissionTimeout: opts.PermissionTimeout,
		}.clone(),
		Messages: []Message{},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Save(s.Clone()); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	r.sessions[s.ID] = &entry{s: s}
	return s.Clone(), nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.s.Clone(), true
}

// List returns summaries of all sessions, most recently active first.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.s.Summarize())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Count returns the number of sessions and how many have a query in flight.
func (r *Registry) Count() (total, busy int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.sessions {
		total++
		if e.s.Status.Busy() {
			busy++
		}
	}
	return total, busy
}

// Delete cancels any in-flight query, removes the persisted file and drops
// the record. Returns false if the session is unknown.
func (r *Registry) Delete(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return false, nil
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if err := r.store.Delete(e.s.Config.WorkingDirectory, id); err != nil {
		return false, fmt.Errorf("delete session file: %w", err)
	}
	delete(r.sessions, id)
	return true, nil
}

// Fork copies a session's config and messages into a new idle session.
func (r *Registry) Fork(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	now := r.now()
	src := e.s.Clone()
	forked := &Session{
		ID:           uuid.New().String(),
		Name:         src.Name + " (fork)",
		Status:       StatusIdle,
		CreatedAt:    now,
		LastActivity: now,
		MessageCount: src.MessageCount,
		Config:       src.Config,
		Messages:     src.Messages,
	}
	if err := r.store.Save(forked.Clone()); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	r.sessions[forked.ID] = &entry{s: forked}
	return forked.Clone(), nil
}

// Rename sets the display name. A blank name keeps the current one.
func (r *Registry) Rename(id, name string) (*Session, error) {
	return r.update(id, func(s *Session) {
		if n := strings.TrimSpace(name); n != "" {
			s.Name = n
		}
	})
}

// Archive sets or clears the archived flag.
func (r *Registry) Archive(id string, archived bool) (*Session, error) {
	return r.update(id, func(s *Session) { s.Archived = archived })
}

// SetModel changes the model used by subsequent queries.
func (r *Registry) SetModel(id, model string) (*Session, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("model required: %w", ErrInvalid)
	}
	return r.update(id, func(s *Session) { s.Config.Model = model })
}

// ClearMessages empties the conversation history.
func (r *Registry) ClearMessages(id string) (*Session, error) {
	return r.update(id, func(s *Session) {
		s.Messages = []Message{}
		s.MessageCount = 0
		s.LastActivity = r.now()
	})
}

// SetAgentSessionID records the agent's resume token for the session.
func (r *Registry) SetAgentSessionID(id, agentSessionID string) (*Session, error) {
	return r.update(id, func(s *Session) { s.AgentSessionID = agentSessionID })
}

// SetStatus moves an active query between running and waiting_permission.
// It is not persisted: both states are written to disk as idle.
func (r *Registry) SetStatus(id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("status %q: %w", status, ErrInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	e.s.Status = status
	e.s.LastActivity = r.now()
	return nil
}

// Touch bumps the last-activity timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		e.s.LastActivity = r.now()
	}
}

// Begin claims a session for a new query. It fails with ErrBusy if a query
// is already active, so at most one query runs per session. cancel is
// invoked if the session is deleted while the query runs.
func (r *Registry) Begin(id string, cancel context.CancelFunc) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if e.claimed() {
		return nil, fmt.Errorf("session %s: %w", id, ErrBusy)
	}
	r.claim(e, cancel)
	return e.s.Clone(), nil
}

// BeginOrQueue claims the session for prompt like Begin, or appends prompt
// to the queue when a query is already active. The check and the enqueue
// happen under one lock, so a prompt is never queued behind a query that
// has already handed off. The returned session is nil when the prompt was
// queued.
func (r *Registry) BeginOrQueue(id, prompt string, cancel context.CancelFunc) (*Session, QueuedPrompt, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, QueuedPrompt{}, fmt.Errorf("prompt required: %w", ErrInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, QueuedPrompt{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if e.claimed() {
		return nil, r.enqueue(e, prompt), nil
	}
	r.claim(e, cancel)
	return e.s.Clone(), QueuedPrompt{}, nil
}

func (e *entry) claimed() bool {
	return e.s.Status.Busy() || e.cancel != nil
}

func (r *Registry) claim(e *entry, cancel context.CancelFunc) {
	e.s.Status = StatusRunning
	e.s.LastActivity = r.now()
	e.s.LastError = ""
	e.cancel = cancel
}

// Finish releases the claim taken by Begin, records the final status and
// persists the session. The release stands even when the save fails; the
// save error is returned with the updated snapshot.
func (r *Registry) Finish(id string, status Status, lastErr string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return r.release(e, status, lastErr)
}

// FinishNext completes the active query as idle and, when next is non-nil
// and prompts are queued, claims the session again for the head of the
// queue with next as its cancel func. Release and hand-off happen under
// one lock. started reports whether a queued prompt was claimed; s is the
// session as of the hand-off.
func (r *Registry) FinishNext(id string, next context.CancelFunc) (s *Session, q QueuedPrompt, started bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, QueuedPrompt{}, false, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	s, err = r.release(e, StatusIdle, "")
	if next == nil || len(e.s.Queue) == 0 {
		return s, QueuedPrompt{}, false, err
	}
	q = e.s.Queue[0]
	e.s.Queue = e.s.Queue[1:]
	r.claim(e, next)
	return e.s.Clone(), q, true, err
}

func (r *Registry) release(e *entry, status Status, lastErr string) (*Session, error) {
	e.s.Status = status
	e.s.LastError = lastErr
	e.s.LastActivity = r.now()
	e.cancel = nil
	snap := e.s.Clone()
	if err := r.store.Save(snap.Clone()); err != nil {
		return snap, fmt.Errorf("save session: %w", err)
	}
	return snap, nil
}

// Cancel signals the active query for a session. Returns false if none.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok || e.cancel == nil {
		return false
	}
	e.cancel()
	return true
}

// Active reports whether a query is currently claimed for the session.
func (r *Registry) Active(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	return ok && e.cancel != nil
}

// AddUserMessage appends a user message and persists the session.
func (r *Registry) AddUserMessage(id, text string) (Message, error) {
	msg := Message{Role: RoleUser, Content: TextContent(text), Timestamp: r.now()}
	_, err := r.update(id, func(s *Session) {
		s.Messages = append(s.Messages, msg)
		s.MessageCount++
		s.LastActivity = msg.Timestamp
	})
	return msg, err
}

// AppendAssistant appends an assistant message. Streamed output is
// persisted when the query finishes, not per message.
func (r *Registry) AppendAssistant(id string, content Content) (Message, error) {
	msg := Message{Role: RoleAssistant, Content: content.clone(), Timestamp: r.now()}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return Message{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	e.s.Messages = append(e.s.Messages, msg)
	e.s.MessageCount++
	e.s.LastActivity = msg.Timestamp
	return msg, nil
}

func (r *Registry) enqueue(e *entry, prompt string) QueuedPrompt {
	q := QueuedPrompt{ID: uuid.New().String(), Prompt: prompt, QueuedAt: r.now()}
	e.s.Queue = append(e.s.Queue, q)
	return q
}

// Queue returns the pending prompts in order.
func (r *Registry) Queue(id string) []QueuedPrompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil
	}
	return append([]QueuedPrompt{}, e.s.Queue...)
}

// CancelQueued removes a queued prompt by id. Returns false if absent.
func (r *Registry) CancelQueued(id, promptID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return false
	}
	for i, q := range e.s.Queue {
		if q.ID == promptID {
			e.s.Queue = append(e.s.Queue[:i:i], e.s.Queue[i+1:]...)
			return true
		}
	}
	return false
}

// AutoArchive archives every session that is not running, not already
// archived and has been inactive for longer than threshold. Returns the ids
// archived. A non-positive threshold disables archiving.
func (r *Registry) AutoArchive(threshold time.Duration) ([]string, error) {
	if threshold <= 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var archived []string
	for _, e := range r.sessions {
		s := e.s
		if s.Archived || s.Status.Busy() || e.cancel != nil {
			continue
		}
		if now.Sub(s.LastActivity) <= threshold {
			continue
		}
		s.Archived = true
		if err := r.store.Save(s.Clone()); err != nil {
			s.Archived = false
			sort.Strings(archived)
			return archived, fmt.Errorf("save session %s: %w", s.ID, err)
		}
		archived = append(archived, s.ID)
	}
	sort.Strings(archived)
	return archived, nil
}

// update applies fn to the session under the lock and persists the result.
// On save failure the in-memory record is rolled back.
func (r *Registry) update(id string, fn func(*Session)) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	prev := e.s.Clone()
	fn(e.s)
	if err := r.store.Save(e.s.Clone()); err != nil {
		prev.Queue = e.s.Queue
		e.s = prev
		return nil, fmt.Errorf("save session: %w", err)
	}
	return e.s.Clone(), nil
}
