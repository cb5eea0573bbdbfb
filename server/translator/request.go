package translator

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"github.com/teilomillet/lorebridge/chat"
)

// ChatCompletionRequest is the caller-facing request body. Fields beyond
// model, messages and the generation parameters are the rest of the
// standard chat-completions vocabulary; they are accepted and ignored.
// Any other field is rejected.
type ChatCompletionRequest struct {
	Model               string         `json:"model" validate:"required"`
	Messages            []Message      `json:"messages" validate:"required,min=1,dive"`
	Temperature         *float64       `json:"temperature,omitempty"`
	TopP                *float64       `json:"top_p,omitempty"`
	TopK                *int           `json:"top_k,omitempty"`
	MaxTokens           *int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int           `json:"max_completion_tokens,omitempty"`
	Stop                StopSequences  `json:"stop,omitempty" validate:"max=5"`
	Stream              bool           `json:"stream,omitempty"`
	StreamOptions       *StreamOptions `json:"stream_options,omitempty"`
	N                   *int           `json:"n,omitempty" validate:"omitempty,eq=1"`

	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	LogitBias        map[string]float64 `json:"logit_bias,omitempty"`
	Logprobs         *bool              `json:"logprobs,omitempty"`
	TopLogprobs      *int               `json:"top_logprobs,omitempty"`
	Seed             *int64             `json:"seed,omitempty"`
	User             string             `json:"user,omitempty"`
	ResponseFormat   json.RawMessage    `json:"response_format,omitempty"`
}

// Message is one caller message.
type Message struct {
	Role    chat.Role      `json:"role" validate:"required,oneof=system user assistant"`
	Content MessageContent `json:"content"`
	Name    string         `json:"name,omitempty"`
}

// StreamOptions mirrors the chat-completions stream_options object.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// MessageContent accepts either a string or an array of text parts.
type MessageContent string

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// UnmarshalJSON decodes a string, null, or [{type:"text", text}] parts
// joined by newlines. Non-text parts are rejected.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*c = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = MessageContent(s)
		return nil
	}
	if data[0] != '[' {
		return fmt.Errorf("content must be a string or an array of parts")
	}
	var parts []contentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content parts: %w", err)
	}
	texts := make([]string, 0, len(parts))
	for i, p := range parts {
		if p.Type != "text" {
			return fmt.Errorf("content part %d: unsupported type %q", i, p.Type)
		}
		texts = append(texts, p.Text)
	}
	*c = MessageContent(strings.Join(texts, "\n"))
	return nil
}

// StopSequences accepts a single string or an array of strings.
type StopSequences []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StopSequences) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		*s = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = StopSequences{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings")
	}
	*s = many
	return nil
}

// Decode parses a request body. Unknown fields and trailing data are errors.
func Decode(r io.Reader) (*ChatCompletionRequest, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var req ChatCompletionRequest
	if err := dec.Decode(&req); err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil, fmt.Errorf("request body is empty")
		}
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after request object")
	}
	return &req, nil
}

// Conversation converts the caller messages into the internal model.
func (r *ChatCompletionRequest) Conversation() chat.Conversation {
	conv := make(chat.Conversation, len(r.Messages))
	for i, m := range r.Messages {
		conv[i] = chat.Message{Role: m.Role, Content: string(m.Content)}
	}
	return conv
}
