package session

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestContentText(t *testing.T) {
	tests := []struct {
		name    string
		content Content
		want    string
	}{
		{"plain", TextContent("hello"), "hello"},
		{"blocks", BlockContent(
			ContentBlock{Type: BlockText, Text: "one"},
			ContentBlock{Type: BlockToolUse, ID: "t1", Name: "Bash"},
			ContentBlock{Type: BlockText, Text: "two"},
		), "one\ntwo"},
		{"empty blocks", BlockContent(), ""},
		{"zero", Content{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.content.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestContentUnmarshal(t *testing.T) {
	var c Content
	if err := json.Unmarshal([]byte(`"just text"`), &c); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if c.IsBlocks() || c.Text() != "just text" {
		t.Errorf("got blocks=%v text=%q, want plain text", c.IsBlocks(), c.Text())
	}

	raw := `[{"type":"text","text":"hi"},{"type":"tool_use","id":"tu1","name":"Edit","input":{"file":"a.go"}}]`
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("unmarshal blocks: %v", err)
	}
	if !c.IsBlocks() {
		t.Fatal("expected block content")
	}
	uses := c.ToolUses()
	if len(uses) != 1 || uses[0].Name != "Edit" {
		t.Fatalf("ToolUses() = %+v, want one Edit block", uses)
	}
	if string(uses[0].Input) != `{"file":"a.go"}` {
		t.Errorf("input = %s", uses[0].Input)
	}

	if err := json.Unmarshal([]byte(`42`), &c); err == nil {
		t.Error("expected error for numeric content")
	}
}

func TestContentMarshalRoundTripsShape(t *testing.T) {
	msg := Message{Role: RoleAssistant, Content: BlockContent(ContentBlock{Type: BlockText, Text: "x"}), Timestamp: time.Unix(0, 0).UTC()}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"content":[{"type":"text","text":"x"}]`) {
		t.Errorf("marshal = %s, want block array content", data)
	}

	data, _ = json.Marshal(Message{Role: RoleUser, Content: TextContent("plain")})
	if !strings.Contains(string(data), `"content":"plain"`) {
		t.Errorf("marshal = %s, want string content", data)
	}
}

func TestRawText(t *testing.T) {
	if got, ok := RawText(json.RawMessage(`"output"`)); !ok || got != "output" {
		t.Errorf("RawText(string) = %q, %v", got, ok)
	}
	if got, ok := RawText(json.RawMessage(`[{"type":"text","text":"a"},{"type":"text","text":"b"}]`)); !ok || got != "a\nb" {
		t.Errorf("RawText(blocks) = %q, %v", got, ok)
	}
	if _, ok := RawText(json.RawMessage(`{"k":1}`)); ok {
		t.Error("RawText(object) should not be ok")
	}
	if _, ok := RawText(nil); ok {
		t.Error("RawText(nil) should not be ok")
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("  a\n\tb   c ", 100); got != "a b c" {
		t.Errorf("Preview = %q, want %q", got, "a b c")
	}
	long := strings.Repeat("é", 120)
	got := Preview(long, 100)
	if want := strings.Repeat("é", 100) + "..."; got != want {
		t.Errorf("Preview truncated to %d runes, want 100 + ellipsis", len([]rune(got)))
	}
}

func TestStatusPersisted(t *testing.T) {
	for _, s := range []Status{StatusRunning, StatusWaitingPermission} {
		if got := s.Persisted(); got != StatusIdle {
			t.Errorf("%s.Persisted() = %s, want idle", s, got)
		}
	}
	if got := StatusError.Persisted(); got != StatusError {
		t.Errorf("error.Persisted() = %s, want error", got)
	}
}

func TestPermissionWait(t *testing.T) {
	def := 5 * time.Minute
	if got := (Config{}).PermissionWait(def); got != def {
		t.Errorf("nil timeout = %v, want %v", got, def)
	}
	zero := int64(0)
	if got := (Config{PermissionTimeout: &zero}).PermissionWait(def); got != 0 {
		t.Errorf("zero timeout = %v, want 0", got)
	}
	ms := int64(1500)
	if got := (Config{PermissionTimeout: &ms}).PermissionWait(def); got != 1500*time.Millisecond {
		t.Errorf("1500ms timeout = %v", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	timeout := int64(10)
	s := &Session{
		ID:       "s1",
		Config:   Config{PermissionTimeout: &timeout},
		Messages: []Message{{Role: RoleAssistant, Content: BlockContent(ContentBlock{Type: BlockToolUse, Input: json.RawMessage(`{"a":1}`)})}},
		Queue:    []QueuedPrompt{{ID: "q"}},
	}
	c := s.Clone()
	*c.Config.PermissionTimeout = 99
	c.Messages[0].Content.Blocks()[0].Input[2] = 'b'
	c.Queue[0].ID = "changed"

	if *s.Config.PermissionTimeout != 10 {
		t.Error("clone shares PermissionTimeout")
	}
	if string(s.Messages[0].Content.Blocks()[0].Input) != `{"a":1}` {
		t.Error("clone shares block input")
	}
	if s.Queue[0].ID != "q" {
		t.Error("clone shares queue")
	}
}
