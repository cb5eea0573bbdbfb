package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teilomillet/lorebridge/chat"
	"github.com/teilomillet/lorebridge/config"
	"github.com/teilomillet/lorebridge/errors"
	"github.com/teilomillet/lorebridge/server/metrics"
	"github.com/teilomillet/lorebridge/server/middleware"
	"github.com/teilomillet/lorebridge/server/mocks"
	"github.com/teilomillet/lorebridge/server/processing"
	"github.com/teilomillet/lorebridge/server/provider"
	"github.com/teilomillet/lorebridge/server/streaming"
	"github.com/teilomillet/lorebridge/server/translator"
	"github.com/teilomillet/lorebridge/templates"
)

var dragonLore = templates.LorebookEntry{
	ID:       "dragon",
	Keywords: []string{"dragon"},
	Content:  "Dragons hoard gold beneath the northern peaks.",
}

type fixture struct {
	handler  http.Handler
	upstream *mocks.MockUpstream
	metrics  *metrics.Metrics
	logs     *observer.ObservedLogs
}

func newFixture(t *testing.T, up *mocks.MockUpstream, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Pipeline.JailbreakProfile = "none"
	cfg.Pipeline.SpiceEnabled = false
	cfg.Pipeline.ForbiddenWords = []string{"badword"}
	cfg.Pipeline.ForbiddenReplacements = nil
	if mutate != nil {
		mutate(cfg)
	}

	store, err := templates.New(templates.Options{Lorebook: []templates.LorebookEntry{dragonLore}})
	require.NoError(t, err)
	proc, err := processing.NewProcessor(cfg.Pipeline, store)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	m := metrics.NewMetrics()
	tr := translator.New(cfg.Upstream, logger, translator.WithClampObserver(m))

	h := NewCompletionHandler(tr, proc, up, logger,
		WithMetrics(m),
		WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		WithRandom(func() processing.Random { return processing.NoRandom{} }),
		WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
	)
	return &fixture{handler: middleware.RequestID(h), upstream: up, metrics: m, logs: logs}
}

func (f *fixture) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) outcome(name string) float64 {
	return testutil.ToFloat64(f.metrics.StreamOutcomes.WithLabelValues(name))
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) errors.ErrorResponse {
	t.Helper()
	var env errors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func sseFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			frames = append(frames, line)
		}
	}
	return frames
}

func TestCompletion_NonStreaming(t *testing.T) {
	f := newFixture(t, mocks.NewMockUpstream(
		mocks.Text("Hello"),
		mocks.Finish(" world", provider.FinishStop),
	), nil)

	rec := f.post(t, `{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"Hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp streaming.ChatCompletion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, int64(1700000000), resp.Created)
	assert.Equal(t, "gemini-2.5-flash", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello world", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Positive(t, resp.Usage.PromptTokens)

	assert.Equal(t, 1.0, f.outcome("completed"))
	assert.Equal(t, 1, f.logs.FilterMessage("request completed").Len())
}

func TestCompletion_Streaming(t *testing.T) {
	f := newFixture(t, mocks.NewMockUpstream(
		mocks.Text("Hello"),
		mocks.Finish(" world", provider.FinishStop),
	), nil)

	rec := f.post(t, `{"model":"gemini-2.5-flash","stream":true,"messages":[{"role":"user","content":"Hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := sseFrames(t, rec.Body.String())
	require.Len(t, frames, 3)
	assert.Equal(t, "data: [DONE]", frames[2])

	var text strings.Builder
	var finish string
	var id string
	for _, frame := range frames[:2] {
		var chunk streaming.ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &chunk))
		if id == "" {
			id = chunk.ID
		}
		assert.Equal(t, id, chunk.ID)
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		text.WriteString(chunk.Choices[0].Delta.Content)
		if chunk.Choices[0].FinishReason != nil {
			finish = *chunk.Choices[0].FinishReason
		}
	}
	assert.Equal(t, "Hello world", text.String())
	assert.Equal(t, "stop", finish)
	assert.Equal(t, 1.0, f.outcome("completed"))
}

func TestCompletion_StreamingMatchesAggregate(t *testing.T) {
	steps := []mocks.Step{
		mocks.Text("The "),
		mocks.Text("dragon "),
		mocks.Finish("sleeps.", provider.FinishStop),
	}
	body := `{"model":"gemini-2.5-flash","stream":%s,"messages":[{"role":"user","content":"Tell me about the dragon"}]}`

	streamed := newFixture(t, mocks.NewMockUpstream(steps...), nil).post(t, strings.Replace(body, "%s", "true", 1))
	var text strings.Builder
	for _, frame := range sseFrames(t, streamed.Body.String()) {
		if frame == "data: [DONE]" {
			continue
		}
		var chunk streaming.ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &chunk))
		text.WriteString(chunk.Choices[0].Delta.Content)
	}

	aggregated := newFixture(t, mocks.NewMockUpstream(steps...), nil).post(t, strings.Replace(body, "%s", "false", 1))
	var resp streaming.ChatCompletion
	require.NoError(t, json.Unmarshal(aggregated.Body.Bytes(), &resp))

	assert.Equal(t, resp.Choices[0].Message.Content, text.String())
}

func TestCompletion_UsageChunk(t *testing.T) {
	f := newFixture(t, mocks.NewMockUpstream(mocks.Finish("ok", provider.FinishStop)), nil)

	rec := f.post(t, `{"model":"gemini-2.5-flash","stream":true,"stream_options":{"include_usage":true},"messages":[{"role":"user","content":"Hi"}]}`)
	frames := sseFrames(t, rec.Body.String())
	require.Len(t, frames, 3)

	var usageChunk streaming.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frames[1], "data: ")), &usageChunk))
	assert.Empty(t, usageChunk.Choices)
	require.NotNil(t, usageChunk.Usage)
	assert.Equal(t, usageChunk.Usage.PromptTokens+usageChunk.Usage.CompletionTokens, usageChunk.Usage.TotalTokens)
}

func TestCompletion_PipelineReachesUpstream(t *testing.T) {
	up := mocks.NewMockUpstream(mocks.Finish("ok", provider.FinishStop))
	f := newFixture(t, up, nil)

	rec := f.post(t, `{"model":"gemini-2.5-pro","temperature":5,"messages":[{"role":"user","content":"this is a badword about the dragon"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	sent := up.LastRequest()
	require.NotNil(t, sent)
	assert.Equal(t, "gemini-2.5-pro", sent.Model)
	assert.Equal(t, 2.0, sent.Temperature)
	assert.Equal(t, chat.Conversation{
		chat.User("this is a ******* about the dragon"),
		chat.System(dragonLore.Content),
	}, sent.Messages)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LorebookActivations.WithLabelValues("dragon")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ParameterClamps.WithLabelValues("temperature")))
	assert.Equal(t, 1, f.logs.FilterMessage("clamped generation parameter").Len())
}

func TestCompletion_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"empty body", ``, "invalid request body"},
		{"malformed json", `{"model":`, "invalid request body"},
		{"unknown field", `{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"x"}],"bogus":1}`, "invalid request body"},
		{"empty messages", `{"model":"gemini-2.5-flash","messages":[]}`, "messages must not be empty"},
		{"missing model", `{"messages":[{"role":"user","content":"x"}]}`, "model"},
		{"unknown model", `{"model":"gpt-4","messages":[{"role":"user","content":"x"}]}`, `unknown model "gpt-4"`},
		{"unsupported role", `{"model":"gemini-2.5-flash","messages":[{"role":"tool","content":"x"}]}`, "role"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := mocks.NewMockUpstream(mocks.Finish("never", provider.FinishStop))
			f := newFixture(t, up, nil)

			rec := f.post(t, tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			env := decodeEnvelope(t, rec)
			assert.Equal(t, errors.ValidationError, env.Error.Kind)
			assert.Contains(t, env.Error.Message, tt.message)
			assert.NotEmpty(t, env.Error.RequestID)

			assert.Empty(t, up.Requests())
			assert.Equal(t, 1.0, f.outcome("errored"))
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ErrorsTotal.WithLabelValues("validation_error")))
		})
	}
}

func TestCompletion_BodyTooLarge(t *testing.T) {
	f := newFixture(t, mocks.NewMockUpstream(), func(c *config.Config) {
		c.Server.MaxBodyBytes = 64
	})
	rec := f.post(t, `{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"`+strings.Repeat("x", 200)+`"}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "request body too large", decodeEnvelope(t, rec).Error.Message)
}

func TestCompletion_ContextLimit(t *testing.T) {
	up := mocks.NewMockUpstream(mocks.Finish("never", provider.FinishStop))
	f := newFixture(t, up, func(c *config.Config) {
		c.Upstream.MaxContextTokens = 10
	})
	rec := f.post(t, `{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"`+strings.Repeat("word ", 50)+`"}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeEnvelope(t, rec).Error.Message, "limit is 10")
	assert.Empty(t, up.Requests())
}

func TestCompletion_UpstreamOpenErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   errors.Kind
		retry  string
	}{
		{"auth", errors.NewAuthError("", http.StatusForbidden, stderrors.New("denied")), http.StatusForbidden, errors.AuthError, ""},
		{"rate limited", errors.NewRateLimitedError("", 3*time.Second, nil), http.StatusTooManyRequests, errors.UpstreamRateLimited, "3"},
		{"timeout", errors.NewTimeoutError("", provider.ErrFirstChunkTimeout), http.StatusGatewayTimeout, errors.UpstreamTimeout, ""},
		{"unavailable", errors.NewUnavailableError("", "", stderrors.New("refused")), http.StatusBadGateway, errors.UpstreamUnavailable, ""},
		{"unexpected", stderrors.New("boom"), http.StatusInternalServerError, errors.InternalError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, mocks.Failing(tt.err), nil)
			rec := f.post(t, `{"model":"gemini-2.5-flash","stream":true,"messages":[{"role":"user","content":"Hi"}]}`)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.retry, rec.Header().Get("Retry-After"))
			assert.Equal(t, tt.kind, decodeEnvelope(t, rec).Error.Kind)
			assert.Equal(t, 1.0, f.outcome("errored"))
			assert.Equal(t, 0.0, f.outcome("completed"))
		})
	}
}

func TestCompletion_StreamInterrupted(t *testing.T) {
	f := newFixture(t, mocks.NewMockUpstream(
		mocks.Text("Partial"),
		mocks.Fail(errors.NewInterruptedError("", stderrors.New("connection reset"))),
	), nil)

	rec := f.post(t, `{"model":"gemini-2.5-flash","stream":true,"messages":[{"role":"user","content":"Hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.NotContains(t, body, "[DONE]")
	frames := sseFrames(t, body)
	require.Len(t, frames, 4)

	var first streaming.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frames[0], "data: ")), &first))
	assert.Equal(t, "Partial", first.Choices[0].Delta.Content)

	var errChunk streaming.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frames[1], "data: ")), &errChunk))
	assert.Equal(t, "error", *errChunk.Choices[0].FinishReason)

	assert.Equal(t, "event: error", frames[2])
	assert.Contains(t, frames[3], `"kind":"stream_interrupted"`)

	assert.Equal(t, 1.0, f.outcome("interrupted"))
	assert.Equal(t, 0.0, f.outcome("completed"))
}

func TestCompletion_AggregateInterrupted(t *testing.T) {
	f := newFixture(t, mocks.NewMockUpstream(
		mocks.Text("Partial"),
		mocks.Fail(errors.NewInterruptedError("", stderrors.New("connection reset"))),
	), nil)

	rec := f.post(t, `{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"Hi"}]}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, errors.StreamInterrupted, decodeEnvelope(t, rec).Error.Kind)
	assert.Equal(t, 1.0, f.outcome("interrupted"))
}

// flushSignal reports the first flushed frame so a test can cancel the
// request mid-stream.
type flushSignal struct {
	*httptest.ResponseRecorder
	once    sync.Once
	flushed chan struct{}
}

func (f *flushSignal) Flush() {
	f.ResponseRecorder.Flush()
	f.once.Do(func() { close(f.flushed) })
}

func TestCompletion_CancellationMidStream(t *testing.T) {
	up := mocks.NewMockUpstream(mocks.Text("Once"), mocks.Block())
	f := newFixture(t, up, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gemini-2.5-flash","stream":true,"messages":[{"role":"user","content":"Hi"}]}`)).WithContext(ctx)
	w := &flushSignal{ResponseRecorder: httptest.NewRecorder(), flushed: make(chan struct{})}

	done := make(chan struct{})
	go func() {
		f.handler.ServeHTTP(w, req)
		close(done)
	}()

	select {
	case <-w.flushed:
	case <-time.After(time.Second):
		t.Fatal("first chunk never flushed")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after cancellation")
	}

	streams := up.Streams()
	require.Len(t, streams, 1)
	select {
	case <-streams[0].Closed():
	default:
		t.Fatal("upstream stream left open")
	}

	assert.NotContains(t, w.Body.String(), "[DONE]")
	assert.Equal(t, 1.0, f.outcome("interrupted"))
	assert.Equal(t, 0.0, f.outcome("completed"))
	assert.Equal(t, 0, f.logs.FilterMessage("request completed").Len())
	assert.Equal(t, 1, f.logs.FilterMessage("request interrupted").Len())
}

func TestCompletion_CancelledBeforeUpstream(t *testing.T) {
	up := mocks.NewMockUpstream(mocks.Finish("never", provider.FinishStop))
	f := newFixture(t, up, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"Hi"}]}`)).WithContext(ctx)
	f.handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Empty(t, up.Requests())
	assert.Equal(t, 1.0, f.outcome("interrupted"))
	assert.Equal(t, 0, f.logs.FilterMessage("request completed").Len())
}
