package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// BlockType identifies the kind of a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a structured message body. Which fields
// are set depends on Type:
//
//	text:        Text
//	tool_use:    ID, Name, Input
//	tool_result: ToolUseID, Content, IsError
type ContentBlock struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (b ContentBlock) clone() ContentBlock {
	b.Input = cloneRaw(b.Input)
	b.Content = cloneRaw(b.Content)
	return b
}

// Content is a message body: either plain text or a sequence of blocks.
// It marshals to a JSON string in the first case and to an array in the
// second, matching the agent's wire format.
type Content struct {
	text   string
	blocks []ContentBlock
}

// TextContent returns Content holding plain text.
func TextContent(s string) Content {
	return Content{text: s}
}

// BlockContent returns Content holding structured blocks.
func BlockContent(blocks ...ContentBlock) Content {
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	return Content{blocks: blocks}
}

// IsBlocks reports whether the content is a block sequence.
func (c Content) IsBlocks() bool {
	return c.blocks != nil
}

// Blocks returns the content blocks, or nil for plain text content.
func (c Content) Blocks() []ContentBlock {
	return c.blocks
}

// Text normalizes the content to plain text. Block content yields the text
// blocks joined by newlines; tool blocks are dropped.
func (c Content) Text() string {
	if c.blocks == nil {
		return c.text
	}
	var parts []string
	for _, b := range c.blocks {
		if b.Type == BlockText {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the tool_use blocks in order.
func (c Content) ToolUses() []ContentBlock {
	return c.filter(BlockToolUse)
}

// ToolResults returns the tool_result blocks in order.
func (c Content) ToolResults() []ContentBlock {
	return c.filter(BlockToolResult)
}

func (c Content) filter(t BlockType) []ContentBlock {
	var out []ContentBlock
	for _, b := range c.blocks {
		if b.Type == t {
			out = append(out, b)
		}
	}
	return out
}

func (c Content) clone() Content {
	if c.blocks == nil {
		return c
	}
	blocks := make([]ContentBlock, len(c.blocks))
	for i, b := range c.blocks {
		blocks[i] = b.clone()
	}
	return Content{blocks: blocks}
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.blocks != nil {
		return json.Marshal(c.blocks)
	}
	return json.Marshal(c.text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Content{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = TextContent(s)
		return nil
	case data[0] == '[':
		var blocks []ContentBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return err
		}
		*c = BlockContent(blocks...)
		return nil
	default:
		return fmt.Errorf("content: unexpected JSON %s", truncate(string(data), 40))
	}
}

// RawText decodes a tool_result payload to text when it is a JSON string
// or a block array, and returns ok=false for anything else.
func RawText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var c Content
	if err := c.UnmarshalJSON(raw); err != nil {
		return "", false
	}
	return c.Text(), true
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
