// Package models provides domain types for the Weft agent runtime.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind discriminates message content items on the wire.
// Serialized as the "$type" field of each content object.
type ContentKind string

const (
	ContentText           ContentKind = "text"
	ContentReasoning      ContentKind = "reasoning"
	ContentFunctionCall   ContentKind = "function_call"
	ContentFunctionResult ContentKind = "function_result"
	ContentBinary         ContentKind = "binary"
)

// ContentItem is the closed sum of message content variants.
// Implementations live in this package only.
type ContentItem interface {
	Kind() ContentKind
}

// TextContent is user-visible assistant or user text.
type TextContent struct {
	Text string `json:"text"`
}

func (TextContent) Kind() ContentKind { return ContentText }

// ReasoningContent is extended-thinking text kept separate from
// user-visible output.
type ReasoningContent struct {
	Text string `json:"text"`
}

func (ReasoningContent) Kind() ContentKind { return ContentReasoning }

// FunctionCall is an assistant request to invoke a tool.
type FunctionCall struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (FunctionCall) Kind() ContentKind { return ContentFunctionCall }

// FunctionResult carries the outcome of a tool invocation. The CallID must
// match a prior FunctionCall within the same branch.
type FunctionResult struct {
	CallID  string          `json:"call_id"`
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

func (FunctionResult) Kind() ContentKind { return ContentFunctionResult }

// BinaryContent holds inline binary data, e.g. returned by client tools.
type BinaryContent struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
	Name     string `json:"name,omitempty"`
}

func (BinaryContent) Kind() ContentKind { return ContentBinary }

// ContentList is an ordered list of content items with tagged JSON encoding.
type ContentList []ContentItem

type taggedContent struct {
	Type ContentKind `json:"$type"`
}

// MarshalJSON encodes each item as its payload plus a "$type" discriminator.
func (l ContentList) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(l))
	for _, item := range l {
		payload, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		tag, err := json.Marshal(taggedContent{Type: item.Kind()})
		if err != nil {
			return nil, err
		}
		// Merge {"$type":...} with the payload object.
		if len(payload) < 2 || payload[0] != '{' {
			return nil, fmt.Errorf("content item %q did not marshal to an object", item.Kind())
		}
		merged := make([]byte, 0, len(tag)+len(payload))
		merged = append(merged, tag[:len(tag)-1]...)
		if string(payload) != "{}" {
			merged = append(merged, ',')
			merged = append(merged, payload[1:]...)
		} else {
			merged = append(merged, '}')
		}
		out = append(out, merged)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes items by their "$type" discriminator. Unknown types
// are skipped for forward compatibility.
func (l *ContentList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	items := make(ContentList, 0, len(raw))
	for _, r := range raw {
		var tag taggedContent
		if err := json.Unmarshal(r, &tag); err != nil {
			return err
		}
		var item ContentItem
		switch tag.Type {
		case ContentText:
			v := TextContent{}
			if err := json.Unmarshal(r, &v); err != nil {
				return err
			}
			item = v
		case ContentReasoning:
			v := ReasoningContent{}
			if err := json.Unmarshal(r, &v); err != nil {
				return err
			}
			item = v
		case ContentFunctionCall:
			v := FunctionCall{}
			if err := json.Unmarshal(r, &v); err != nil {
				return err
			}
			item = v
		case ContentFunctionResult:
			v := FunctionResult{}
			if err := json.Unmarshal(r, &v); err != nil {
				return err
			}
			item = v
		case ContentBinary:
			v := BinaryContent{}
			if err := json.Unmarshal(r, &v); err != nil {
				return err
			}
			item = v
		default:
			continue
		}
		items = append(items, item)
	}
	*l = items
	return nil
}

// Message is one entry in a branch history.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   ContentList    `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewMessage creates a message with a fresh id and timestamp.
func NewMessage(role Role, content ...ContentItem) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// NewUserText is shorthand for a user message with a single text item.
func NewUserText(text string) *Message {
	return NewMessage(RoleUser, TextContent{Text: text})
}

// NewSystemText is shorthand for a system message with a single text item.
func NewSystemText(text string) *Message {
	return NewMessage(RoleSystem, TextContent{Text: text})
}

// Text concatenates the message's text items.
func (m *Message) Text() string {
	var out string
	for _, item := range m.Content {
		if t, ok := item.(TextContent); ok {
			out += t.Text
		}
	}
	return out
}

// FunctionCalls returns the function-call items in order.
func (m *Message) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, item := range m.Content {
		if c, ok := item.(FunctionCall); ok {
			calls = append(calls, c)
		}
	}
	return calls
}

// FunctionResults returns the function-result items in order.
func (m *Message) FunctionResults() []FunctionResult {
	var results []FunctionResult
	for _, item := range m.Content {
		if r, ok := item.(FunctionResult); ok {
			results = append(results, r)
		}
	}
	return results
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Content = make(ContentList, len(m.Content))
	copy(cp.Content, m.Content)
	if m.Metadata != nil {
		cp.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
