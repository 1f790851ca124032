// Package session holds the session data model and the in-memory Registry
// that owns live session records.
package session

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned for an unknown session or queued prompt id.
	ErrNotFound = errors.New("not found")
	// ErrBusy is returned when a query is already active for a session.
	ErrBusy = errors.New("session busy")
	// ErrInvalid is returned when a required field is missing or malformed.
	ErrInvalid = errors.New("invalid request")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle              Status = "idle"
	StatusRunning           Status = "running"
	StatusWaitingPermission Status = "waiting_permission"
	StatusError             Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusWaitingPermission, StatusError:
		return true
	}
	return false
}

// Busy reports whether a query is in flight.
func (s Status) Busy() bool {
	return s == StatusRunning || s == StatusWaitingPermission
}

// Persisted returns the status as it should be written to disk. A process
// that reloads a session cannot still be running its query.
func (s Status) Persisted() Status {
	if s.Busy() {
		return StatusIdle
	}
	return s
}

// Permission modes accepted by the agent.
const (
	PermissionModeDefault     = "default"
	PermissionModeAcceptEdits = "acceptEdits"
	PermissionModeBypass      = "bypassPermissions"
	PermissionModePlan        = "plan"
)

// ValidPermissionMode reports whether mode is accepted by the agent.
func ValidPermissionMode(mode string) bool {
	switch mode {
	case PermissionModeDefault, PermissionModeAcceptEdits, PermissionModeBypass, PermissionModePlan:
		return true
	}
	return false
}

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation. Messages are never modified after
// being appended to a session.
type Message struct {
	Role      Role      `json:"role"`
	Content   Content   `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Config is the per-session agent configuration.
type Config struct {
	WorkingDirectory string `json:"workingDirectory"`
	Model            string `json:"model"`
	PermissionMode   string `json:"permissionMode"`
	SystemPrompt     string `json:"systemPrompt,omitempty"`
	// PermissionTimeout is in milliseconds. nil uses the server default;
	// 0 waits for a decision indefinitely.
	PermissionTimeout *int64 `json:"permissionTimeout"`
}

// PermissionWait resolves the permission timeout for this session against
// the server default. Zero means no timeout.
func (c Config) PermissionWait(def time.Duration) time.Duration {
	if c.PermissionTimeout == nil {
		return def
	}
	if *c.PermissionTimeout <= 0 {
		return 0
	}
	return time.Duration(*c.PermissionTimeout) * time.Millisecond
}

func (c Config) clone() Config {
	if c.PermissionTimeout != nil {
		v := *c.PermissionTimeout
		c.PermissionTimeout = &v
	}
	return c
}

// QueuedPrompt is a prompt submitted while its session was busy.
type QueuedPrompt struct {
	ID       string    `json:"id"`
	Prompt   string    `json:"prompt"`
	QueuedAt time.Time `json:"queuedAt"`
}

// Session is one conversation with the agent.
type Session struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Status         Status         `json:"status"`
	Archived       bool           `json:"archived"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastActivity   time.Time      `json:"lastActivity"`
	MessageCount   int            `json:"messageCount"`
	Config         Config         `json:"config"`
	Messages       []Message      `json:"messages"`
	Queue          []QueuedPrompt `json:"-"`
	AgentSessionID string         `json:"agentSessionId,omitempty"`
	LastError      string         `json:"lastError,omitempty"`
}

// Clone returns a deep copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	c := *s
	c.Config = s.Config.clone()
	c.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		m.Content = m.Content.clone()
		c.Messages[i] = m
	}
	c.Queue = append([]QueuedPrompt(nil), s.Queue...)
	return &c
}

// Summary is the cheap listing view of a session.
type Summary struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Status             Status    `json:"status"`
	WorkingDirectory   string    `json:"workingDirectory"`
	CreatedAt          time.Time `json:"createdAt"`
	LastActivity       time.Time `json:"lastActivity"`
	MessageCount       int       `json:"messageCount"`
	QueueLength        int       `json:"queueLength"`
	Archived           bool      `json:"archived"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
}

const previewLength = 100

// Summarize builds the listing view of s.
func (s *Session) Summarize() Summary {
	sum := Summary{
		ID:               s.ID,
		Name:             s.Name,
		Status:           s.Status,
		WorkingDirectory: s.Config.WorkingDirectory,
		CreatedAt:        s.CreatedAt,
		LastActivity:     s.LastActivity,
		MessageCount:     s.MessageCount,
		QueueLength:      len(s.Queue),
		Archived:         s.Archived,
	}
	if n := len(s.Messages); n > 0 {
		sum.LastMessagePreview = Preview(s.Messages[n-1].Content.Text(), previewLength)
	}
	return sum
}

// Preview collapses whitespace and truncates to max runes with an ellipsis.
func Preview(text string, max int) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	return truncate(cleaned, max)
}
