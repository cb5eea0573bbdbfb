// Package provider implements the upstream client: it opens one streaming
// generate-content call per request and exposes it as a finite,
// cancellable sequence of chunks.
package provider

import (
	"context"
	stderrors "errors"
	"io"
	"strings"

	"github.com/teilomillet/lorebridge/chat"
)

// FinishReason is the normalised cause of a stream's termination.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// Request is the provider-shaped payload of one call.
type Request struct {
	Model       string
	Messages    chat.Conversation
	Temperature float64
	TopP        float64
	TopK        int
	MaxTokens   int
	Stop        []string
	Stream      bool

	// IncludeUsage asks for a usage block on streaming responses.
	IncludeUsage bool
}

// Usage reports token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one incremental unit of generated text. A chunk with a
// non-empty FinishReason is terminal.
type Chunk struct {
	Delta        string
	FinishReason FinishReason
	Index        int
	Usage        *Usage
}

// Terminal reports whether the chunk ends the stream.
func (c Chunk) Terminal() bool {
	return c.FinishReason != ""
}

// Stream is a lazy, finite, non-restartable sequence of chunks.
//
// Next returns chunks in upstream order. After the terminal chunk it
// returns io.EOF. A failure after partial output is reported as a
// stream_interrupted error, distinct from io.EOF.
//
// Close cancels the underlying call. It never blocks on the network and
// may be called at any time, including concurrently with Next.
type Stream interface {
	Next() (Chunk, error)
	Close() error
}

// Client opens upstream streams.
type Client interface {
	Stream(ctx context.Context, req *Request) (Stream, error)
}

// Completion is the aggregate of a fully consumed stream.
type Completion struct {
	Text         string
	FinishReason FinishReason
	Usage        *Usage
	Chunks       int
}

// Collect drains s and concatenates its deltas. On a mid-stream failure it
// returns the partial completion together with the error. s is closed
// before Collect returns.
func Collect(s Stream) (*Completion, error) {
	defer s.Close()

	var b strings.Builder
	out := &Completion{}
	for {
		chunk, err := s.Next()
		if stderrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			out.Text = b.String()
			out.FinishReason = FinishError
			return out, err
		}
		b.WriteString(chunk.Delta)
		out.Chunks++
		if chunk.Usage != nil {
			out.Usage = chunk.Usage
		}
		if chunk.Terminal() {
			out.FinishReason = chunk.FinishReason
		}
	}
	out.Text = b.String()
	if out.FinishReason == "" {
		out.FinishReason = FinishStop
	}
	return out, nil
}
