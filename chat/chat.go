// Package chat defines the conversation model shared by every stage of the
// proxy: a role-tagged message and the ordered list of messages that forms
// a conversation.
package chat

import "strings"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the supported roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System returns a system-role message with the given content.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// User returns a user-role message with the given content.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Conversation is an ordered sequence of messages. Values are treated as
// immutable: operations return a new Conversation and never write through
// to the receiver's backing array.
type Conversation []Message

// Clone returns a copy that shares no storage with c.
func (c Conversation) Clone() Conversation {
	if c == nil {
		return nil
	}
	out := make(Conversation, len(c))
	copy(out, c)
	return out
}

// Append returns a new conversation with msgs added at the end.
func (c Conversation) Append(msgs ...Message) Conversation {
	out := make(Conversation, 0, len(c)+len(msgs))
	out = append(out, c...)
	return append(out, msgs...)
}

// Prepend returns a new conversation with msgs added at the start.
func (c Conversation) Prepend(msgs ...Message) Conversation {
	out := make(Conversation, 0, len(c)+len(msgs))
	out = append(out, msgs...)
	return append(out, c...)
}

// Map returns a new conversation with fn applied to every message's content.
func (c Conversation) Map(fn func(string) string) Conversation {
	out := make(Conversation, len(c))
	for i, m := range c {
		out[i] = Message{Role: m.Role, Content: fn(m.Content)}
	}
	return out
}

// Text joins the content of every message with newlines.
func (c Conversation) Text() string {
	var b strings.Builder
	for i, m := range c {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

// Without returns the messages whose role is not in roles.
func (c Conversation) Without(roles ...Role) Conversation {
	out := make(Conversation, 0, len(c))
	for _, m := range c {
		skip := false
		for _, r := range roles {
			if m.Role == r {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, m)
		}
	}
	return out
}
