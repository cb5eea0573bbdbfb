// Package handlers provides the HTTP handlers of the proxy.
//
// The chat completion handler drives one request through its lifecycle:
// decode and translate the caller request, run the content pipeline, open
// the upstream stream, then relay chunks as server-sent events or answer
// with one aggregated response.
package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/teilomillet/lorebridge/errors"
	"github.com/teilomillet/lorebridge/server/metrics"
	"github.com/teilomillet/lorebridge/server/middleware"
	"github.com/teilomillet/lorebridge/server/processing"
	"github.com/teilomillet/lorebridge/server/provider"
	"github.com/teilomillet/lorebridge/server/streaming"
	"github.com/teilomillet/lorebridge/server/translator"
)

const defaultMaxBodyBytes = 8 << 20

// CompletionHandler serves POST /v1/chat/completions.
type CompletionHandler struct {
	translator *translator.Translator
	processor  *processing.Processor
	upstream   provider.Client
	logger     *zap.Logger
	metrics    *metrics.Metrics

	maxBodyBytes int64
	random       func() processing.Random
	now          func() time.Time
}

// Option configures a CompletionHandler.
type Option func(*CompletionHandler)

// WithMetrics records outcomes, errors and lorebook activations in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *CompletionHandler) { h.metrics = m }
}

// WithMaxBodyBytes caps the request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(h *CompletionHandler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// WithRandom sets the per-request randomness source of the pipeline.
func WithRandom(f func() processing.Random) Option {
	return func(h *CompletionHandler) { h.random = f }
}

// WithClock sets the clock used for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *CompletionHandler) { h.now = now }
}

// NewCompletionHandler creates a new completion handler.
func NewCompletionHandler(tr *translator.Translator, proc *processing.Processor, upstream provider.Client, logger *zap.Logger, opts ...Option) *CompletionHandler {
	h := &CompletionHandler{
		translator:   tr,
		processor:    proc,
		upstream:     upstream,
		logger:       logger,
		maxBodyBytes: defaultMaxBodyBytes,
		random:       seededRandom,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func seededRandom() processing.Random {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// ServeHTTP implements http.Handler.
func (h *CompletionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	logger := h.logger.With(zap.String("request_id", requestID))
	st := newLifecycle(logger, h.metrics, h.now())

	st.advance(StateTranslating)
	req, err := translator.Decode(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		h.fail(w, st, logger, decodeError(err).WithRequestID(requestID))
		return
	}
	upReq, err := h.translator.Translate(req)
	if err != nil {
		h.fail(w, st, logger, errors.From(err).WithRequestID(requestID))
		return
	}
	logger.Debug("translated request",
		zap.String("model", upReq.Model),
		zap.Int("messages", len(upReq.Messages)),
		zap.Bool("stream", upReq.Stream),
	)

	st.advance(StatePiping)
	h.observeLore(upReq)
	upReq.Messages = h.processor.Transform(upReq.Messages, h.random())
	if err := h.translator.CheckContext(upReq); err != nil {
		h.fail(w, st, logger, errors.From(err).WithRequestID(requestID))
		return
	}

	if ctx.Err() != nil {
		st.interrupt(context.Cause(ctx))
		return
	}
	st.advance(StateUpstreamOpen)
	stream, err := h.upstream.Stream(ctx, upReq)
	if err != nil {
		if ctx.Err() != nil {
			st.interrupt(err)
			return
		}
		h.fail(w, st, logger, errors.From(err).WithRequestID(requestID))
		return
	}
	defer stream.Close()

	counter := h.translator.Counter()
	meta := streaming.NewMeta(upReq.Model, h.now())
	meta.IncludeUsage = upReq.IncludeUsage
	meta.Counter = counter
	meta.PromptTokens = counter.CountConversation(upReq.Messages)

	st.advance(StateStreaming)
	if upReq.Stream {
		h.serveStream(ctx, w, st, logger, stream, meta)
		return
	}
	h.serveAggregate(ctx, w, st, logger, stream, meta)
}

func (h *CompletionHandler) serveStream(ctx context.Context, w http.ResponseWriter, st *lifecycle, logger *zap.Logger, stream provider.Stream, meta streaming.Meta) {
	requestID := middleware.GetRequestID(ctx)
	sse, err := streaming.NewSSEWriter(w)
	if err != nil {
		h.fail(w, st, logger, errors.NewInternalError(requestID, err))
		return
	}

	seq := streaming.NewSequence(stream, meta)
	var finish string
	for {
		chunk, err := seq.Next()
		if stderrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				st.interrupt(err)
				return
			}
			perr := errors.From(err).WithRequestID(requestID)
			if !sse.Started() {
				h.fail(w, st, logger, perr)
				return
			}
			h.report(logger, perr)
			if werr := sse.Interrupt(meta, perr); werr != nil {
				logger.Debug("failed to write interruption", zap.Error(werr))
			}
			st.interrupt(perr)
			return
		}
		for _, c := range chunk.Choices {
			if c.FinishReason != nil {
				finish = *c.FinishReason
			}
		}
		if err := sse.Send(chunk); err != nil {
			st.interrupt(fmt.Errorf("write chunk: %w", err))
			return
		}
	}

	if ctx.Err() != nil {
		st.interrupt(context.Cause(ctx))
		return
	}
	if err := sse.Done(); err != nil {
		st.interrupt(fmt.Errorf("write end marker: %w", err))
		return
	}
	st.complete(
		zap.String("finish_reason", finish),
		zap.Int("chunks", seq.Chunks()),
		zap.Bool("stream", true),
	)
}

func (h *CompletionHandler) serveAggregate(ctx context.Context, w http.ResponseWriter, st *lifecycle, logger *zap.Logger, stream provider.Stream, meta streaming.Meta) {
	requestID := middleware.GetRequestID(ctx)
	completion, err := provider.Collect(stream)
	if ctx.Err() != nil {
		st.interrupt(context.Cause(ctx))
		return
	}
	if err != nil {
		perr := errors.From(err).WithRequestID(requestID)
		h.report(logger, perr)
		errors.WriteError(w, perr)
		st.interrupt(perr)
		return
	}

	resp := streaming.Aggregate(completion, meta)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		st.interrupt(fmt.Errorf("encode response: %w", err))
		return
	}
	st.complete(
		zap.String("finish_reason", string(completion.FinishReason)),
		zap.Int("chunks", completion.Chunks),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Bool("stream", false),
	)
}

// fail answers with a single error response; nothing has been written yet.
func (h *CompletionHandler) fail(w http.ResponseWriter, st *lifecycle, logger *zap.Logger, perr *errors.ProxyError) {
	h.report(logger, perr)
	errors.WriteError(w, perr)
	st.fail(perr)
}

func (h *CompletionHandler) report(logger *zap.Logger, perr *errors.ProxyError) {
	errors.LogError(logger, perr, perr.RequestID)
	if h.metrics != nil {
		h.metrics.ObserveError(string(perr.Kind))
	}
}

func (h *CompletionHandler) observeLore(req *provider.Request) {
	if h.metrics == nil {
		return
	}
	for _, id := range h.processor.ActivatedLore(req.Messages) {
		h.metrics.LorebookActivations.WithLabelValues(id).Inc()
	}
}

func decodeError(err error) *errors.ProxyError {
	var tooLarge *http.MaxBytesError
	if stderrors.As(err, &tooLarge) {
		return errors.NewValidationError("", "request body too large", map[string]interface{}{
			"limit_bytes": tooLarge.Limit,
		})
	}
	return errors.NewValidationError("", "invalid request body: "+err.Error(), nil)
}
