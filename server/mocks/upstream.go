package mocks

import (
	"context"
	"io"
	"sync"

	"github.com/teilomillet/lorebridge/server/provider"
)

// Step is one scripted upstream event. Exactly one of Chunk, Err or Block
// applies; Block parks the stream until its context is cancelled.
type Step struct {
	Chunk provider.Chunk
	Err   error
	Block bool
}

// MockUpstream implements provider.Client by replaying a script.
// It records the requests it receives so tests can assert on what the
// pipeline sent upstream.
//
// Example usage:
//
//	up := mocks.NewMockUpstream(
//	    mocks.Text("Hello "),
//	    mocks.Finish("world", provider.FinishStop),
//	)
type MockUpstream struct {
	Steps   []Step
	OpenErr error

	mu       sync.Mutex
	requests []*provider.Request
	streams  []*MockStream
}

var _ provider.Client = (*MockUpstream)(nil)

// NewMockUpstream creates a MockUpstream replaying steps on every call.
func NewMockUpstream(steps ...Step) *MockUpstream {
	return &MockUpstream{Steps: steps}
}

// Failing creates a MockUpstream whose every open fails with err.
func Failing(err error) *MockUpstream {
	return &MockUpstream{OpenErr: err}
}

// Text is a non-terminal chunk.
func Text(delta string) Step {
	return Step{Chunk: provider.Chunk{Delta: delta}}
}

// Finish is a terminal chunk.
func Finish(delta string, reason provider.FinishReason) Step {
	return Step{Chunk: provider.Chunk{Delta: delta, FinishReason: reason}}
}

// Fail ends the stream with err.
func Fail(err error) Step {
	return Step{Err: err}
}

// Block parks the stream until it is closed or its context ends.
func Block() Step {
	return Step{Block: true}
}

// Stream implements provider.Client.
func (m *MockUpstream) Stream(ctx context.Context, req *provider.Request) (provider.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	s := newMockStream(ctx, m.Steps)
	m.streams = append(m.streams, s)
	return s, nil
}

// Requests returns the requests received so far.
func (m *MockUpstream) Requests() []*provider.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*provider.Request(nil), m.requests...)
}

// LastRequest returns the most recent request, or nil.
func (m *MockUpstream) LastRequest() *provider.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// Streams returns the streams opened so far.
func (m *MockUpstream) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockStream(nil), m.streams...)
}

// MockStream is a scripted provider.Stream.
type MockStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	steps  []Step
	next   int
	done   bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newMockStream(ctx context.Context, steps []Step) *MockStream {
	ctx, cancel := context.WithCancel(ctx)
	return &MockStream{ctx: ctx, cancel: cancel, steps: steps, closed: make(chan struct{})}
}

// Next implements provider.Stream.
func (s *MockStream) Next() (provider.Chunk, error) {
	if s.done || s.next >= len(s.steps) {
		return provider.Chunk{}, io.EOF
	}
	st := s.steps[s.next]
	s.next++
	switch {
	case st.Block:
		<-s.ctx.Done()
		s.done = true
		return provider.Chunk{}, s.ctx.Err()
	case st.Err != nil:
		s.done = true
		return provider.Chunk{}, st.Err
	}
	if st.Chunk.Terminal() {
		s.done = true
	}
	return st.Chunk, nil
}

// Close implements provider.Stream.
func (s *MockStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.closed)
	})
	return nil
}

// Closed is closed once Close has been called.
func (s *MockStream) Closed() <-chan struct{} {
	return s.closed
}
