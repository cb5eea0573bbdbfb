package streaming

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teilomillet/lorebridge/errors"
	"github.com/teilomillet/lorebridge/server/mocks"
	"github.com/teilomillet/lorebridge/server/provider"
)

func testMeta() Meta {
	return Meta{ID: "chatcmpl-test", Created: 1700000000, Model: "gemini-2.5-flash", PromptTokens: 10}
}

func open(t *testing.T, steps ...mocks.Step) provider.Stream {
	t.Helper()
	s, err := mocks.NewMockUpstream(steps...).Stream(context.Background(), &provider.Request{})
	require.NoError(t, err)
	return s
}

func drain(t *testing.T, seq *Sequence) ([]*ChatCompletionChunk, error) {
	t.Helper()
	var out []*ChatCompletionChunk
	for {
		c, err := seq.Next()
		if stderrors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
}

func TestSequence_Framing(t *testing.T) {
	seq := NewSequence(open(t,
		mocks.Text("Hello"),
		mocks.Finish(" world", provider.FinishStop),
	), testMeta())

	chunks, err := drain(t, seq)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	first := chunks[0]
	assert.Equal(t, "chatcmpl-test", first.ID)
	assert.Equal(t, "chat.completion.chunk", first.Object)
	assert.Equal(t, "assistant", string(first.Choices[0].Delta.Role))
	assert.Equal(t, "Hello", first.Choices[0].Delta.Content)
	assert.Nil(t, first.Choices[0].FinishReason)

	last := chunks[1]
	assert.Empty(t, last.Choices[0].Delta.Role)
	assert.Equal(t, " world", last.Choices[0].Delta.Content)
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, "stop", *last.Choices[0].FinishReason)
	assert.Nil(t, last.Usage)
}

func TestSequence_UsageChunk(t *testing.T) {
	meta := testMeta()
	meta.IncludeUsage = true
	usage := &provider.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6}
	seq := NewSequence(open(t,
		mocks.Text("a"),
		mocks.Step{Chunk: provider.Chunk{Delta: "b", FinishReason: provider.FinishStop, Usage: usage}},
	), meta)

	chunks, err := drain(t, seq)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Empty(t, chunks[2].Choices)
	assert.Equal(t, usage, chunks[2].Usage)
}

func TestSequence_UsageEstimate(t *testing.T) {
	meta := testMeta()
	meta.IncludeUsage = true
	seq := NewSequence(open(t, mocks.Finish("12345678", provider.FinishStop)), meta)

	chunks, err := drain(t, seq)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, &provider.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}, chunks[1].Usage)
}

func TestSequence_StopsWhenUpstreamEndsWithoutFinish(t *testing.T) {
	meta := testMeta()
	meta.IncludeUsage = true
	steps := []mocks.Step{mocks.Text("Hello"), mocks.Text(" world")}
	seq := NewSequence(open(t, steps...), meta)

	chunks, err := drain(t, seq)
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	for _, c := range chunks[:2] {
		assert.Nil(t, c.Choices[0].FinishReason)
	}

	stop := chunks[2].Choices[0]
	assert.Empty(t, stop.Delta.Content)
	assert.Empty(t, stop.Delta.Role)
	require.NotNil(t, stop.FinishReason)
	assert.Equal(t, "stop", *stop.FinishReason)
	assert.Empty(t, chunks[3].Choices)
	assert.NotNil(t, chunks[3].Usage)
	assert.Equal(t, 2, seq.Chunks())

	collected, err := provider.Collect(open(t, steps...))
	require.NoError(t, err)
	assert.Equal(t, string(collected.FinishReason), *stop.FinishReason)
}

func TestSequence_EmptyUpstreamStillFinishes(t *testing.T) {
	seq := NewSequence(open(t), testMeta())

	chunks, err := drain(t, seq)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "assistant", string(chunks[0].Choices[0].Delta.Role))
	require.NotNil(t, chunks[0].Choices[0].FinishReason)
	assert.Equal(t, "stop", *chunks[0].Choices[0].FinishReason)
}

func TestSequence_PassesErrorsThrough(t *testing.T) {
	boom := errors.NewInterruptedError("", stderrors.New("reset"))
	seq := NewSequence(open(t, mocks.Text("Partial"), mocks.Fail(boom)), testMeta())

	chunks, err := drain(t, seq)
	assert.Same(t, boom, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Partial", chunks[0].Choices[0].Delta.Content)
}

func TestSequence_DeltasVerbatim(t *testing.T) {
	raw := "  __not bold__\r\n\n\n\n"
	seq := NewSequence(open(t, mocks.Finish(raw, provider.FinishLength)), testMeta())
	chunks, err := drain(t, seq)
	require.NoError(t, err)
	assert.Equal(t, raw, chunks[0].Choices[0].Delta.Content)
	assert.Equal(t, "length", *chunks[0].Choices[0].FinishReason)
}

func TestAggregate(t *testing.T) {
	completion, err := provider.Collect(open(t,
		mocks.Text("Hello"),
		mocks.Finish(" world", provider.FinishStop),
	))
	require.NoError(t, err)

	resp := Aggregate(completion, testMeta())
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello world", resp.Choices[0].Message.Content)
	assert.Equal(t, "assistant", string(resp.Choices[0].Message.Role))
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
	assert.Equal(t, 3, resp.Usage.CompletionTokens)
}

func TestStreamedDeltasMatchAggregate(t *testing.T) {
	steps := []mocks.Step{
		mocks.Text("Once "),
		mocks.Text("upon "),
		mocks.Text("a "),
		mocks.Finish("time", provider.FinishStop),
	}

	chunks, err := drain(t, NewSequence(open(t, steps...), testMeta()))
	require.NoError(t, err)
	var streamed strings.Builder
	for _, c := range chunks {
		for _, ch := range c.Choices {
			streamed.WriteString(ch.Delta.Content)
		}
	}

	completion, err := provider.Collect(open(t, steps...))
	require.NoError(t, err)
	assert.Equal(t, Aggregate(completion, testMeta()).Choices[0].Message.Content, streamed.String())
}

func readFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			frames = append(frames, line)
		}
	}
	return frames
}

func TestSSEWriter_SendAndDone(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)
	assert.False(t, w.Started())

	require.NoError(t, w.Send(testMeta().chunk()))
	require.NoError(t, w.Done())
	assert.True(t, w.Started())

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)

	frames := readFrames(t, rec.Body.String())
	require.Len(t, frames, 2)
	assert.True(t, strings.HasPrefix(frames[0], "data: {"))
	assert.Equal(t, "data: [DONE]", frames[1])
}

func TestSSEWriter_Interrupt(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Interrupt(testMeta(), errors.NewInterruptedError("req-1", stderrors.New("reset"))))

	body := rec.Body.String()
	assert.NotContains(t, body, DoneMarker)
	frames := readFrames(t, body)
	require.Len(t, frames, 3)

	var chunk ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frames[0], "data: ")), &chunk))
	require.Len(t, chunk.Choices, 1)
	assert.Equal(t, "error", *chunk.Choices[0].FinishReason)

	assert.Equal(t, "event: error", frames[1])
	var env struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frames[2], "data: ")), &env))
	assert.Equal(t, "stream_interrupted", env.Error.Kind)
}

type plainWriter struct {
	header http.Header
}

func (p *plainWriter) Header() http.Header         { return p.header }
func (p *plainWriter) Write(b []byte) (int, error) { return len(b), nil }
func (p *plainWriter) WriteHeader(int)             {}

func TestNewSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(&plainWriter{header: http.Header{}})
	assert.Error(t, err)
}

func TestNewMeta(t *testing.T) {
	now := time.Unix(1700000000, 0)
	m := NewMeta("gemini-2.5-pro", now)
	assert.True(t, strings.HasPrefix(m.ID, "chatcmpl-"))
	assert.Equal(t, int64(1700000000), m.Created)
	assert.Equal(t, "gemini-2.5-pro", m.Model)
	assert.NotEqual(t, m.ID, NewMeta("gemini-2.5-pro", now).ID)
}
