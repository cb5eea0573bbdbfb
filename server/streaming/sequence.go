package streaming

import (
	stderrors "errors"
	"io"
	"strings"

	"github.com/teilomillet/lorebridge/chat"
	"github.com/teilomillet/lorebridge/server/provider"
)

// Sequence maps upstream chunks one-to-one onto ChatCompletionChunks, in
// upstream order. The first chunk carries the assistant role, and exactly
// one chunk carries a finish reason.
type Sequence struct {
	stream provider.Stream
	meta   Meta

	sentRole  bool
	finished  bool
	stopped   bool
	usageSent bool
	usage     *provider.Usage
	text      strings.Builder
	count     int
}

// NewSequence wraps stream. The caller remains responsible for closing it.
func NewSequence(stream provider.Stream, meta Meta) *Sequence {
	return &Sequence{stream: stream, meta: meta}
}

// Next returns the next caller-facing chunk. It returns io.EOF once the
// upstream is exhausted and any usage chunk has been produced. Upstream
// failures are returned unchanged.
func (s *Sequence) Next() (*ChatCompletionChunk, error) {
	if s.finished {
		return s.trailer()
	}

	up, err := s.stream.Next()
	if stderrors.Is(err, io.EOF) {
		s.finished = true
		if !s.stopped {
			return s.finish(ChunkChoice{}, provider.FinishStop), nil
		}
		return s.trailer()
	}
	if err != nil {
		return nil, err
	}

	choice := ChunkChoice{Index: up.Index, Delta: Delta{Content: up.Delta}}
	if up.Terminal() {
		s.finished = true
	}
	if up.Usage != nil {
		s.usage = up.Usage
	}
	s.text.WriteString(up.Delta)
	s.count++
	return s.finish(choice, up.FinishReason), nil
}

// finish frames choice, adding the role on the first chunk and the finish
// reason when one is given. An upstream that ends without a terminal chunk
// gets an empty one with reason stop.
func (s *Sequence) finish(choice ChunkChoice, reason provider.FinishReason) *ChatCompletionChunk {
	if !s.sentRole {
		choice.Delta.Role = chat.RoleAssistant
		s.sentRole = true
	}
	if reason != "" {
		r := string(reason)
		choice.FinishReason = &r
		s.stopped = true
	}
	return s.meta.chunk(choice)
}

func (s *Sequence) trailer() (*ChatCompletionChunk, error) {
	if !s.meta.IncludeUsage || s.usageSent {
		return nil, io.EOF
	}
	s.usageSent = true
	c := s.meta.chunk()
	c.Usage = s.Usage()
	return c, nil
}

// Usage returns the upstream usage, or an estimate from the text seen so far.
func (s *Sequence) Usage() *provider.Usage {
	if s.usage != nil {
		return s.usage
	}
	return s.meta.estimateUsage(s.text.String())
}

// Chunks reports how many upstream chunks have been relayed.
func (s *Sequence) Chunks() int {
	return s.count
}

// Aggregate builds the non-streaming response from a collected completion.
func Aggregate(c *provider.Completion, meta Meta) *ChatCompletion {
	usage := c.Usage
	if usage == nil {
		usage = meta.estimateUsage(c.Text)
	}
	reason := c.FinishReason
	if reason == "" {
		reason = provider.FinishStop
	}
	return &ChatCompletion{
		ID:      meta.ID,
		Object:  objectCompletion,
		Created: meta.Created,
		Model:   meta.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      ResponseMessage{Role: chat.RoleAssistant, Content: c.Text},
			FinishReason: string(reason),
		}},
		Usage: usage,
	}
}
