// Package streaming reframes upstream chunks into OpenAI-compatible chat
// completion objects, either as server-sent events or as one aggregated
// response.
package streaming

import (
	"time"

	"github.com/google/uuid"

	"github.com/teilomillet/lorebridge/chat"
	"github.com/teilomillet/lorebridge/server/provider"
	"github.com/teilomillet/lorebridge/server/translator"
)

const (
	objectChunk      = "chat.completion.chunk"
	objectCompletion = "chat.completion"
)

// Meta identifies one response. Every chunk of a stream carries the same
// ID, Created and Model.
type Meta struct {
	ID      string
	Created int64
	Model   string

	// IncludeUsage appends a usage-only chunk to streaming responses.
	IncludeUsage bool

	// PromptTokens and Counter back the usage estimate when the upstream
	// reports none.
	PromptTokens int
	Counter      translator.Counter
}

// NewMeta returns Meta with a fresh completion ID.
func NewMeta(model string, now time.Time) Meta {
	return Meta{
		ID:      "chatcmpl-" + uuid.NewString(),
		Created: now.Unix(),
		Model:   model,
	}
}

// Delta is the incremental message body of a chunk.
type Delta struct {
	Role    chat.Role `json:"role,omitempty"`
	Content string    `json:"content,omitempty"`
}

// ChunkChoice is one choice within a streaming chunk. FinishReason is null
// until the terminal chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// ChatCompletionChunk is one server-sent event payload.
type ChatCompletionChunk struct {
	ID      string          `json:"id"`
	Object  string          `json:"object"`
	Created int64           `json:"created"`
	Model   string          `json:"model"`
	Choices []ChunkChoice   `json:"choices"`
	Usage   *provider.Usage `json:"usage,omitempty"`
}

// ResponseMessage is the assistant message of an aggregated response.
type ResponseMessage struct {
	Role    chat.Role `json:"role"`
	Content string    `json:"content"`
}

// Choice is one choice of an aggregated response.
type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ChatCompletion is the non-streaming response body.
type ChatCompletion struct {
	ID      string          `json:"id"`
	Object  string          `json:"object"`
	Created int64           `json:"created"`
	Model   string          `json:"model"`
	Choices []Choice        `json:"choices"`
	Usage   *provider.Usage `json:"usage"`
}

func (m Meta) chunk(choices ...ChunkChoice) *ChatCompletionChunk {
	if choices == nil {
		choices = []ChunkChoice{}
	}
	return &ChatCompletionChunk{
		ID:      m.ID,
		Object:  objectChunk,
		Created: m.Created,
		Model:   m.Model,
		Choices: choices,
	}
}

// estimateUsage fills in usage from the counter when the upstream did not
// report any.
func (m Meta) estimateUsage(completion string) *provider.Usage {
	counter := m.Counter
	if counter == nil {
		counter = translator.EstimateCounter{}
	}
	completionTokens := counter.Count(completion)
	return &provider.Usage{
		PromptTokens:     m.PromptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      m.PromptTokens + completionTokens,
	}
}
