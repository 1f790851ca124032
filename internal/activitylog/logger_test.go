package activitylog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPermissionRequested(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")
	l := New(true, path, "clarvis")
	defer l.Close()

	l.PermissionRequested("sess-123", "req-1", "Bash")

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}

	var e struct {
		Actor     string `json:"actor"`
		SessionID string `json:"session_id"`
		Event     string `json:"event"`
		RequestID string `json:"request_id"`
		ToolName  string `json:"tool_name"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Actor != "clarvis" {
		t.Errorf("actor = %q, want %q", e.Actor, "clarvis")
	}
	if e.SessionID != "sess-123" {
		t.Errorf("session_id = %q, want %q", e.SessionID, "sess-123")
	}
	if e.Event != "permission_request" {
		t.Errorf("event = %q, want %q", e.Event, "permission_request")
	}
	if e.RequestID != "req-1" {
		t.Errorf("request_id = %q, want %q", e.RequestID, "req-1")
	}
	if e.ToolName != "Bash" {
		t.Errorf("tool_name = %q, want %q", e.ToolName, "Bash")
	}
}

func TestPermissionDecision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")
	l := New(true, path, "clarvis")
	defer l.Close()

	l.PermissionDecision("sess", "req-1", "Bash", "deny", "Permission request timed out")

	lines := readLines(t, path)
	var e struct {
		Event    string `json:"event"`
		ToolName string `json:"tool_name"`
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Event != "permission_decision" {
		t.Errorf("event = %q, want %q", e.Event, "permission_decision")
	}
	if e.Decision != "deny" {
		t.Errorf("decision = %q, want %q", e.Decision, "deny")
	}
	if e.Reason != "Permission request timed out" {
		t.Errorf("reason = %q", e.Reason)
	}
}

func TestOmitsEmptyFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")
	l := New(true, path, "clarvis")
	defer l.Close()

	l.PermissionDecision("sess", "req", "Read", "allow", "")

	lines := readLines(t, path)
	if strings.Contains(lines[0], "reason") {
		t.Error("expected reason to be omitted when empty")
	}
}

func TestStateChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")
	l := New(true, path, "clarvis")
	defer l.Close()

	l.StateChange("sess", "running", "idle")

	lines := readLines(t, path)
	var e struct {
		Event string `json:"event"`
		From  string `json:"from"`
		To    string `json:"to"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Event != "state_change" {
		t.Errorf("event = %q, want %q", e.Event, "state_change")
	}
	if e.From != "running" || e.To != "idle" {
		t.Errorf("from/to = %q/%q, want running/idle", e.From, e.To)
	}
}

func TestQueryLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")
	l := New(true, path, "clarvis")
	defer l.Close()

	l.QueryStarted("sess", "opus")
	l.QueryFinished("sess", "error", 1500*time.Millisecond, "boom")

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var e struct {
		Event    string  `json:"event"`
		Outcome  string  `json:"outcome"`
		Duration float64 `json:"duration_ms"`
		Error    string  `json:"error"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Event != "query_finished" || e.Outcome != "error" || e.Error != "boom" {
		t.Errorf("entry = %+v", e)
	}
	if e.Duration != 1500 {
		t.Errorf("duration_ms = %v, want 1500", e.Duration)
	}
}

func TestDisabledLoggerIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")
	l := New(false, path, "clarvis")
	defer l.Close()

	l.PermissionRequested("s", "r", "Bash")
	l.PermissionDecision("s", "r", "Bash", "allow", "ok")
	l.StateChange("s", "idle", "running")
	l.SessionEvent("s", "created")

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected no file to be created when disabled")
	}
	if l.Enabled() {
		t.Error("disabled logger reports enabled")
	}
}

func TestNopLoggerIsNoop(t *testing.T) {
	l := Nop()
	// Should not panic.
	l.PermissionRequested("s", "r", "Bash")
	l.QueryFinished("s", "complete", time.Second, "")
	l.SessionEvent("s", "deleted")
	if err := l.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestTimestampPresent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")
	l := New(true, path, "clarvis")
	defer l.Close()

	l.SessionEvent("sess", "created")

	lines := readLines(t, path)
	var e struct {
		Timestamp string `json:"ts"`
		Op        string `json:"op"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Timestamp == "" {
		t.Error("expected ts field to be present")
	}
	if e.Op != "created" {
		t.Errorf("op = %q, want created", e.Op)
	}
}

func TestCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "activity.log")
	l := New(true, path, "")
	l.SessionEvent("s", "created")
	if err := l.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if len(readLines(t, path)) != 1 {
		t.Error("expected one line in nested log")
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}
