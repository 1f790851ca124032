package claude

import (
	"encoding/json"
	"fmt"
	"strings"

	"clarvis/internal/agent"
	"clarvis/internal/session"
)

// streamLine is one line of `claude --output-format stream-json` output.
// Only the fields the server consumes are decoded.
type streamLine struct {
	Type          string          `json:"type"`
	Subtype       string          `json:"subtype,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	Model         string          `json:"model,omitempty"`
	Tools         []string        `json:"tools,omitempty"`
	SlashCommands []string        `json:"slash_commands,omitempty"`
	Message       *streamMessage  `json:"message,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	DurationMs    int64           `json:"duration_ms,omitempty"`
	TotalCostUSD  float64         `json:"total_cost_usd,omitempty"`
	NumTurns      int             `json:"num_turns,omitempty"`

	RequestID string          `json:"request_id,omitempty"`
	Request   *controlRequest `json:"request,omitempty"`
}

type streamMessage struct {
	Role    string          `json:"role"`
	Content session.Content `json:"content"`
}

type controlRequest struct {
	Subtype   string          `json:"subtype"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

const subtypeCanUseTool = "can_use_tool"

// userInput is written to the agent's stdin to start a turn.
type userInput struct {
	Type    string        `json:"type"`
	Message streamMessage `json:"message"`
}

func newUserInput(prompt string) userInput {
	return userInput{
		Type:    "user",
		Message: streamMessage{Role: "user", Content: session.TextContent(prompt)},
	}
}

type controlResponse struct {
	Type     string              `json:"type"`
	Response controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype   string            `json:"subtype"`
	RequestID string            `json:"request_id"`
	Response  *permissionResult `json:"response,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type permissionResult struct {
	Behavior     agent.Behavior  `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// newPermissionResponse answers a can_use_tool request. The agent requires
// updatedInput on allow, so the original input is echoed when the decision
// does not override it.
func newPermissionResponse(requestID string, req controlRequest, d agent.Decision) controlResponse {
	res := &permissionResult{Behavior: d.Behavior}
	if d.Allowed() {
		res.UpdatedInput = d.UpdatedInput
		if len(res.UpdatedInput) == 0 {
			res.UpdatedInput = req.Input
		}
		if len(res.UpdatedInput) == 0 {
			res.UpdatedInput = json.RawMessage(`{}`)
		}
	} else {
		res.Behavior = agent.Deny
		res.Message = d.Message
	}
	return controlResponse{
		Type:     "control_response",
		Response: controlResponseBody{Subtype: "success", RequestID: requestID, Response: res},
	}
}

func newControlError(requestID, msg string) controlResponse {
	return controlResponse{
		Type:     "control_response",
		Response: controlResponseBody{Subtype: "error", RequestID: requestID, Error: msg},
	}
}

// decoder turns stream lines into agent events. It remembers tool names by
// tool_use id so results can be attributed.
type decoder struct {
	toolNames map[string]string
}

func newDecoder() *decoder {
	return &decoder{toolNames: make(map[string]string)}
}

// decode parses one line. Control requests are returned separately and
// produce no events. Blank lines yield nothing.
func (d *decoder) decode(raw []byte) ([]agent.Event, *streamLine, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil, nil
	}
	var l streamLine
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, nil, fmt.Errorf("decode stream line: %w", err)
	}

	switch l.Type {
	case "control_request":
		if l.Request == nil {
			return nil, nil, fmt.Errorf("control_request %s: missing request", l.RequestID)
		}
		return nil, &l, nil

	case "system":
		return []agent.Event{{
			Type:          agent.EventSystem,
			Subtype:       l.Subtype,
			SessionID:     l.SessionID,
			Model:         l.Model,
			Tools:         l.Tools,
			SlashCommands: l.SlashCommands,
		}}, nil, nil

	case "assistant":
		if l.Message == nil {
			return nil, nil, nil
		}
		events := []agent.Event{{Type: agent.EventAssistant, SessionID: l.SessionID, Content: l.Message.Content}}
		for _, b := range l.Message.Content.ToolUses() {
			d.toolNames[b.ID] = b.Name
			events = append(events, agent.Event{
				Type:      agent.EventToolCall,
				SessionID: l.SessionID,
				ToolName:  b.Name,
				ToolUseID: b.ID,
				Input:     b.Input,
			})
		}
		return events, nil, nil

	case "user":
		if l.Message == nil {
			return nil, nil, nil
		}
		results := l.Message.Content.ToolResults()
		if len(results) == 0 {
			return []agent.Event{{Type: agent.EventUser, SessionID: l.SessionID, Content: l.Message.Content}}, nil, nil
		}
		events := make([]agent.Event, 0, len(results))
		for _, b := range results {
			events = append(events, agent.Event{
				Type:      agent.EventToolResult,
				SessionID: l.SessionID,
				ToolName:  d.toolNames[b.ToolUseID],
				ToolUseID: b.ToolUseID,
				Result:    b.Content,
				IsError:   b.IsError,
			})
		}
		return events, nil, nil

	case "result":
		return []agent.Event{{
			Type:       agent.EventResult,
			Subtype:    l.Subtype,
			SessionID:  l.SessionID,
			Result:     l.Result,
			IsError:    l.IsError,
			DurationMs: l.DurationMs,
			CostUSD:    l.TotalCostUSD,
			NumTurns:   l.NumTurns,
		}}, &l, nil
	}
	return nil, nil, nil
}
