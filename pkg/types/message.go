package types

import (
	"bytes"
	"encoding/json"
	"maps"
	"strings"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates ContentBlock variants.
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockThinking BlockType = "thinking"
	BlockToolUse  BlockType = "tool_use"
)

// Message is a single entry of a conversation.
type Message struct {
	ID          string         `json:"id"`
	Role        Role           `json:"role"`
	Content     Content        `json:"content"`
	Timestamp   time.Time      `json:"timestamp"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// Streaming is true while an assistant message is still growing.
	// Once cleared the message is complete and is not mutated again.
	Streaming bool `json:"streaming,omitempty"`
}

// Content is either plain text or an ordered list of blocks.
type Content struct {
	Text   string
	Blocks []ContentBlock
}

// TextContent builds plain text content.
func TextContent(s string) Content { return Content{Text: s} }

// MarshalJSON encodes blocks as an array and plain text as a string.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts both the string and the array form.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = Content{}
		return nil
	}
	if data[0] == '"' {
		c.Blocks = nil
		return json.Unmarshal(data, &c.Text)
	}
	c.Text = ""
	c.Blocks = []ContentBlock{}
	return json.Unmarshal(data, &c.Blocks)
}

// PlainText flattens the content into its visible text.
func (c Content) PlainText() string {
	if c.Blocks == nil {
		return c.Text
	}
	var sb strings.Builder
	for _, b := range c.Blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ContentBlock is one block of an assistant message.
type ContentBlock struct {
	Type BlockType `json:"type"`

	Text       string `json:"text,omitempty"`
	Thinking   string `json:"thinking,omitempty"`
	IsComplete bool   `json:"isComplete,omitempty"`

	Tool *ToolUse `json:"tool,omitempty"`
}

// ToolUse describes a tool invocation inside a tool_use block.
type ToolUse struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Input         json.RawMessage `json:"input,omitempty"`
	IsLoading     bool            `json:"isLoading"`
	Result        *string         `json:"result,omitempty"`
	SubagentCalls []SubagentCall  `json:"subagentCalls,omitempty"`
}

// Incomplete reports whether the tool is still awaiting its result.
func (t *ToolUse) Incomplete() bool {
	return t.Result == nil && t.IsLoading
}

// SubagentCall is a nested tool call made by a subagent.
type SubagentCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
	IsLoading bool            `json:"isLoading"`
	Result    *string         `json:"result,omitempty"`
}

// Attachment is a file sent along with a user message.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Path     string `json:"path,omitempty"`
	Data     string `json:"data,omitempty"` // base64
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Content.Blocks != nil {
		out.Content.Blocks = make([]ContentBlock, len(m.Content.Blocks))
		for i, b := range m.Content.Blocks {
			out.Content.Blocks[i] = b.Clone()
		}
	}
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Metadata != nil {
		out.Metadata = maps.Clone(m.Metadata)
	}
	return out
}

// Clone returns a deep copy of the block.
func (b ContentBlock) Clone() ContentBlock {
	out := b
	if b.Tool != nil {
		t := *b.Tool
		if b.Tool.Result != nil {
			r := *b.Tool.Result
			t.Result = &r
		}
		if b.Tool.SubagentCalls != nil {
			t.SubagentCalls = make([]SubagentCall, len(b.Tool.SubagentCalls))
			for i, c := range b.Tool.SubagentCalls {
				if c.Result != nil {
					r := *c.Result
					c.Result = &r
				}
				t.SubagentCalls[i] = c
			}
		}
		out.Tool = &t
	}
	return out
}

// CloneMessages deep-copies a message list.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
