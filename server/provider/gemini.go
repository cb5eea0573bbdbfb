package provider

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	gl "cloud.google.com/go/ai/generativelanguage/apiv1beta"
	pb "cloud.google.com/go/ai/generativelanguage/apiv1beta/generativelanguagepb"
	"github.com/googleapis/gax-go/v2/apierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/teilomillet/lorebridge/chat"
	"github.com/teilomillet/lorebridge/config"
	"github.com/teilomillet/lorebridge/errors"
	"github.com/teilomillet/lorebridge/server/circuitbreaker"
	"github.com/teilomillet/lorebridge/server/metrics"
)

var (
	// ErrFirstChunkTimeout is the cancellation cause used when the upstream
	// produces nothing within the first-chunk deadline.
	ErrFirstChunkTimeout = stderrors.New("no upstream chunk before deadline")

	// ErrStreamClosed is the cancellation cause used by Stream.Close.
	ErrStreamClosed = stderrors.New("stream closed")
)

const tracerName = "github.com/teilomillet/lorebridge/server/provider"

// responseStream is the receiving side of a streaming generate-content
// call. Recv returns io.EOF once the upstream has finished.
type responseStream interface {
	Recv() (*pb.GenerateContentResponse, error)
}

type openFunc func(ctx context.Context, req *Request) (responseStream, error)

// GeminiClient opens streaming generate-content calls against Gemini.
type GeminiClient struct {
	cfg     config.UpstreamConfig
	logger  *zap.Logger
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	tracer  trace.Tracer

	client *gl.GenerativeClient
	open   openFunc
}

// NewGeminiClient creates a REST client for the Gemini API with the
// configured key. breaker and m may be nil.
func NewGeminiClient(ctx context.Context, cfg config.UpstreamConfig, logger *zap.Logger, breaker *circuitbreaker.CircuitBreaker, m *metrics.Metrics) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: %s is not set", config.APIKeyEnv)
	}
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	gc, err := gl.NewGenerativeRESTClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	c := newClient(cfg, logger, breaker, m, nil)
	c.client = gc
	c.open = c.openGemini
	return c, nil
}

func newClient(cfg config.UpstreamConfig, logger *zap.Logger, breaker *circuitbreaker.CircuitBreaker, m *metrics.Metrics, open openFunc) *GeminiClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiClient{
		cfg:     cfg,
		logger:  logger,
		breaker: breaker,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
		open:    open,
	}
}

// Close releases the underlying API client.
func (c *GeminiClient) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *GeminiClient) openGemini(ctx context.Context, req *Request) (responseStream, error) {
	greq, err := buildRequest(req)
	if err != nil {
		return nil, err
	}
	return c.client.StreamGenerateContent(ctx, greq)
}

// buildRequest maps the whole conversation onto Gemini contents, keeping
// every turn's position and role. Messages without text are skipped.
func buildRequest(req *Request) (*pb.GenerateContentRequest, error) {
	contents := make([]*pb.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		contents = append(contents, &pb.Content{
			Role:  geminiRole(m.Role),
			Parts: []*pb.Part{{Data: &pb.Part_Text{Text: m.Content}}},
		})
	}
	if len(contents) == 0 {
		return nil, errors.NewValidationError("", "conversation has no text to send", map[string]interface{}{"field": "messages"})
	}

	gen := &pb.GenerationConfig{
		CandidateCount: proto.Int32(1),
		Temperature:    proto.Float32(float32(req.Temperature)),
		TopP:           proto.Float32(float32(req.TopP)),
		StopSequences:  req.Stop,
	}
	if req.TopK > 0 {
		gen.TopK = proto.Int32(int32(req.TopK))
	}
	if req.MaxTokens > 0 {
		gen.MaxOutputTokens = proto.Int32(int32(req.MaxTokens))
	}

	return &pb.GenerateContentRequest{
		Model:            modelName(req.Model),
		Contents:         contents,
		SafetySettings:   safetySettings(),
		GenerationConfig: gen,
	}, nil
}

func modelName(model string) string {
	if strings.Contains(model, "/") {
		return model
	}
	return "models/" + model
}

func safetySettings() []*pb.SafetySetting {
	categories := []pb.HarmCategory{
		pb.HarmCategory_HARM_CATEGORY_HARASSMENT,
		pb.HarmCategory_HARM_CATEGORY_HATE_SPEECH,
		pb.HarmCategory_HARM_CATEGORY_SEXUALLY_EXPLICIT,
		pb.HarmCategory_HARM_CATEGORY_DANGEROUS_CONTENT,
	}
	out := make([]*pb.SafetySetting, 0, len(categories))
	for _, c := range categories {
		out = append(out, &pb.SafetySetting{Category: c, Threshold: pb.SafetySetting_BLOCK_NONE})
	}
	return out
}

// geminiRole maps chat roles onto Gemini's two-party vocabulary. System
// turns travel as user turns.
func geminiRole(r chat.Role) string {
	if r == chat.RoleAssistant {
		return "model"
	}
	return "user"
}

// Stream opens one upstream call and waits for its first chunk. Failures
// before that chunk are classified into auth, rate-limit, timeout or
// unavailable errors. The returned Stream must be closed.
func (c *GeminiClient) Stream(ctx context.Context, req *Request) (Stream, error) {
	ctx, span := c.tracer.Start(ctx, "upstream.stream", trace.WithAttributes(
		attribute.String("model", req.Model),
		attribute.Int("messages", len(req.Messages)),
	))
	sctx, cancel := context.WithCancelCause(ctx)
	s := &geminiStream{
		ctx:     sctx,
		cancel:  cancel,
		span:    span,
		logger:  c.logger,
		metrics: c.metrics,
		grace:   c.cfg.CancelGrace,
		results: make(chan result),
	}

	start := time.Now()
	err := c.breaker.Execute(func() error {
		return s.openFirst(c.open, req, c.cfg.FirstChunkTimeout)
	})
	if c.metrics != nil {
		c.metrics.UpstreamOpenDuration.WithLabelValues(req.Model).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		s.Close()
		c.logger.Debug("upstream open failed", zap.String("model", req.Model), zap.Error(err))
		return nil, err
	}
	return s, nil
}

type result struct {
	resp *pb.GenerateContentResponse
	err  error
}

type geminiStream struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	span    trace.Span
	logger  *zap.Logger
	metrics *metrics.Metrics
	grace   time.Duration

	results chan result
	done    chan struct{}

	first    *Chunk
	usage    *Usage
	finished bool
	err      error

	closeOnce sync.Once
}

// openFirst starts the call and waits for its first chunk. The deadline
// covers both connecting and the first chunk; a chunk that has arrived
// always wins over the deadline.
func (s *geminiStream) openFirst(open openFunc, req *Request, deadline time.Duration) error {
	s.done = make(chan struct{})
	go s.pump(open, req)

	var expired <-chan time.Time
	if deadline > 0 {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		expired = timer.C
	}
	chunk, err := s.read(expired)
	if err != nil {
		return classify(err)
	}
	s.first = &chunk
	return nil
}

func (s *geminiStream) pump(open openFunc, req *Request) {
	defer close(s.done)
	rs, err := open(s.ctx, req)
	if err != nil {
		s.send(result{err: err})
		return
	}
	for {
		resp, err := rs.Recv()
		if !s.send(result{resp: resp, err: err}) || err != nil {
			return
		}
	}
}

func (s *geminiStream) send(r result) bool {
	select {
	case s.results <- r:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// read returns the next chunk carrying text or a finish reason, skipping
// empty responses. A nil expired channel never fires.
func (s *geminiStream) read(expired <-chan time.Time) (Chunk, error) {
	late := false
	for {
		var r result
		select {
		case r = <-s.results:
		case <-s.ctx.Done():
			return Chunk{}, context.Cause(s.ctx)
		case <-expired:
			late, expired = true, nil
			select {
			case r = <-s.results:
			default:
				return Chunk{}, s.expire()
			}
		}
		chunk, ok, err := s.convert(r)
		if err != nil {
			return Chunk{}, err
		}
		if ok {
			return chunk, nil
		}
		if late {
			return Chunk{}, s.expire()
		}
	}
}

func (s *geminiStream) expire() error {
	s.cancel(ErrFirstChunkTimeout)
	return ErrFirstChunkTimeout
}

func (s *geminiStream) convert(r result) (Chunk, bool, error) {
	if stderrors.Is(r.err, io.EOF) {
		return Chunk{FinishReason: FinishStop, Usage: s.usage}, true, nil
	}
	if r.err != nil {
		return Chunk{}, false, r.err
	}

	resp := r.resp
	if resp == nil {
		return Chunk{}, false, nil
	}
	if u := resp.GetUsageMetadata(); u != nil {
		s.usage = &Usage{
			PromptTokens:     int(u.GetPromptTokenCount()),
			CompletionTokens: int(u.GetCandidatesTokenCount()),
			TotalTokens:      int(u.GetTotalTokenCount()),
		}
	}
	if fb := resp.GetPromptFeedback(); fb != nil && fb.GetBlockReason() != pb.GenerateContentResponse_PromptFeedback_BLOCK_REASON_UNSPECIFIED {
		return Chunk{FinishReason: FinishContentFilter, Usage: s.usage}, true, nil
	}
	if len(resp.GetCandidates()) == 0 {
		return Chunk{}, false, nil
	}
	cand := resp.GetCandidates()[0]
	chunk := Chunk{Delta: candidateText(cand), FinishReason: mapFinishReason(cand.GetFinishReason())}
	if chunk.Terminal() {
		chunk.Usage = s.usage
	}
	if chunk.Delta == "" && !chunk.Terminal() {
		return Chunk{}, false, nil
	}
	return chunk, true, nil
}

func candidateText(c *pb.Candidate) string {
	var b strings.Builder
	for _, p := range c.GetContent().GetParts() {
		b.WriteString(p.GetText())
	}
	return b.String()
}

func mapFinishReason(r pb.Candidate_FinishReason) FinishReason {
	switch r {
	case pb.Candidate_FINISH_REASON_UNSPECIFIED:
		return ""
	case pb.Candidate_STOP:
		return FinishStop
	case pb.Candidate_MAX_TOKENS:
		return FinishLength
	case pb.Candidate_SAFETY, pb.Candidate_RECITATION:
		return FinishContentFilter
	default:
		return FinishStop
	}
}

// Next returns the next chunk. After the terminal chunk it returns io.EOF;
// a failure after the first chunk is a stream_interrupted error.
func (s *geminiStream) Next() (Chunk, error) {
	if s.err != nil {
		return Chunk{}, s.err
	}
	if s.finished {
		return Chunk{}, io.EOF
	}

	var chunk Chunk
	if s.first != nil {
		chunk, s.first = *s.first, nil
	} else {
		var err error
		chunk, err = s.read(nil)
		if err != nil {
			s.err = errors.NewInterruptedError("", err)
			s.span.RecordError(err)
			s.span.SetStatus(otelcodes.Error, "stream interrupted")
			return Chunk{}, s.err
		}
	}
	if chunk.Terminal() {
		s.finished = true
		s.span.SetAttributes(attribute.String("finish_reason", string(chunk.FinishReason)))
	}
	if s.metrics != nil {
		s.metrics.ChunksRelayed.Inc()
	}
	return chunk, nil
}

// Close cancels the upstream call. It returns immediately; a warning is
// logged if the call is not released within the grace period.
func (s *geminiStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel(ErrStreamClosed)
		s.span.End()
		if s.done != nil {
			go s.awaitRelease()
		}
	})
	return nil
}

func (s *geminiStream) awaitRelease() {
	if s.grace <= 0 {
		<-s.done
		return
	}
	t := time.NewTimer(s.grace)
	defer t.Stop()
	select {
	case <-s.done:
	case <-t.C:
		s.logger.Warn("upstream call not released within grace period", zap.Duration("grace", s.grace))
	}
}

// classify maps a failure observed before the first chunk onto the error
// taxonomy.
func classify(err error) error {
	var pe *errors.ProxyError
	if stderrors.As(err, &pe) {
		return err
	}
	// Caller went away; nothing to report upstream-wise.
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, ErrStreamClosed) {
		return err
	}
	if stderrors.Is(err, ErrFirstChunkTimeout) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewTimeoutError("", err)
	}

	httpCode := 0
	grpcCode := codes.Unknown
	reason := ""
	var retryAfter time.Duration

	if ae, ok := apierror.FromError(err); ok {
		if c := ae.HTTPCode(); c > 0 {
			httpCode = c
		}
		if st := ae.GRPCStatus(); st != nil {
			grpcCode = st.Code()
		}
		reason = ae.Reason()
		if ri := ae.Details().RetryInfo; ri != nil {
			retryAfter = ri.GetRetryDelay().AsDuration()
		}
	}
	var gerr *googleapi.Error
	if stderrors.As(err, &gerr) {
		if httpCode == 0 {
			httpCode = gerr.Code
		}
		if retryAfter == 0 {
			retryAfter = parseRetryAfter(gerr.Header)
		}
	}
	if grpcCode == codes.Unknown {
		if st, ok := status.FromError(err); ok {
			grpcCode = st.Code()
		}
	}

	switch {
	case reason == "API_KEY_INVALID":
		return errors.NewAuthError("", http.StatusUnauthorized, err)
	case httpCode == http.StatusUnauthorized || grpcCode == codes.Unauthenticated:
		return errors.NewAuthError("", http.StatusUnauthorized, err)
	case httpCode == http.StatusForbidden || grpcCode == codes.PermissionDenied:
		return errors.NewAuthError("", http.StatusForbidden, err)
	case httpCode == http.StatusTooManyRequests || grpcCode == codes.ResourceExhausted:
		return errors.NewRateLimitedError("", retryAfter, err)
	case httpCode == http.StatusGatewayTimeout || grpcCode == codes.DeadlineExceeded:
		return errors.NewTimeoutError("", err)
	case httpCode == http.StatusBadRequest || grpcCode == codes.InvalidArgument:
		return errors.NewValidationError("", "upstream rejected the request: "+upstreamMessage(err), nil)
	default:
		return errors.NewUnavailableError("", "", err)
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func upstreamMessage(err error) string {
	var gerr *googleapi.Error
	if stderrors.As(err, &gerr) && gerr.Message != "" {
		return gerr.Message
	}
	if st, ok := status.FromError(err); ok && st.Message() != "" {
		return st.Message()
	}
	return err.Error()
}
