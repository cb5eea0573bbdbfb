// Package translator maps caller chat-completion requests onto upstream
// requests. It validates the request shape, rejects unknown models, and
// clamps generation parameters into provider bounds.
package translator

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/teilomillet/lorebridge/config"
	"github.com/teilomillet/lorebridge/errors"
	"github.com/teilomillet/lorebridge/server/provider"
)

// Provider bounds for generation parameters.
const (
	MinTemperature = 0.0
	MaxTemperature = 2.0
	MinTopP        = 0.0
	MaxTopP        = 1.0
	MinTopK        = 1
	MaxTopK        = 64
)

// ClampObserver is notified whenever a parameter is clamped.
type ClampObserver interface {
	ObserveClamp(field string)
}

// Translator turns validated caller requests into provider requests.
type Translator struct {
	cfg      config.UpstreamConfig
	logger   *zap.Logger
	observer ClampObserver
	counter  Counter
	validate *validator.Validate
}

// Option configures a Translator.
type Option func(*Translator)

// WithClampObserver reports clamps to o in addition to the log.
func WithClampObserver(o ClampObserver) Option {
	return func(t *Translator) { t.observer = o }
}

// WithCounter sets the token counter used for the context limit.
func WithCounter(c Counter) Option {
	return func(t *Translator) { t.counter = c }
}

// New creates a Translator for the given upstream configuration.
func New(cfg config.UpstreamConfig, logger *zap.Logger, opts ...Option) *Translator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	t := &Translator{
		cfg:      cfg,
		logger:   logger,
		counter:  EstimateCounter{},
		validate: v,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Translate validates req and builds the upstream request. Failures are
// validation errors; clamping is logged, never an error.
func (t *Translator) Translate(req *ChatCompletionRequest) (*provider.Request, error) {
	if req == nil {
		return nil, errors.NewValidationError("", "request body is required", nil)
	}
	if len(req.Messages) == 0 {
		return nil, errors.NewValidationError("", "messages must not be empty", map[string]interface{}{"field": "messages"})
	}
	if err := t.validate.Struct(req); err != nil {
		return nil, t.validationError(err)
	}
	if !t.cfg.ModelAllowed(req.Model) {
		return nil, errors.NewValidationError("", fmt.Sprintf("unknown model %q", req.Model), map[string]interface{}{
			"field":          "model",
			"allowed_models": t.cfg.AllowedModels,
		})
	}

	out := &provider.Request{
		Model:       req.Model,
		Messages:    req.Conversation(),
		Temperature: t.cfg.Temperature,
		TopP:        t.cfg.TopP,
		TopK:        t.cfg.TopK,
		MaxTokens:   t.cfg.MaxOutputTokens,
		Stop:        append([]string(nil), req.Stop...),
		Stream:      req.Stream,
	}
	if req.StreamOptions != nil {
		out.IncludeUsage = req.StreamOptions.IncludeUsage
	}

	if req.Temperature != nil {
		out.Temperature = t.clampFloat("temperature", *req.Temperature, MinTemperature, MaxTemperature)
	}
	if req.TopP != nil {
		out.TopP = t.clampFloat("top_p", *req.TopP, MinTopP, MaxTopP)
	}
	if req.TopK != nil {
		out.TopK = t.clampInt("top_k", *req.TopK, MinTopK, MaxTopK)
	}
	maxTokens := req.MaxTokens
	if req.MaxCompletionTokens != nil {
		maxTokens = req.MaxCompletionTokens
	}
	if maxTokens != nil {
		out.MaxTokens = t.clampInt("max_tokens", *maxTokens, 1, t.cfg.MaxOutputTokens)
	}

	return out, nil
}

// CheckContext rejects a conversation larger than the configured context
// limit. A zero limit disables the check.
func (t *Translator) CheckContext(req *provider.Request) error {
	limit := t.cfg.MaxContextTokens
	if limit <= 0 {
		return nil
	}
	total := t.counter.CountConversation(req.Messages)
	if total > limit {
		return errors.NewValidationError("", fmt.Sprintf("conversation has %d tokens, limit is %d", total, limit), map[string]interface{}{
			"field":  "messages",
			"tokens": total,
			"limit":  limit,
		})
	}
	return nil
}

func (t *Translator) clampFloat(field string, v, lo, hi float64) float64 {
	applied := min(max(v, lo), hi)
	if applied != v {
		t.logger.Warn("clamped generation parameter",
			zap.String("field", field),
			zap.Float64("requested", v),
			zap.Float64("applied", applied),
		)
		t.observe(field)
	}
	return applied
}

func (t *Translator) clampInt(field string, v, lo, hi int) int {
	applied := min(max(v, lo), hi)
	if applied != v {
		t.logger.Warn("clamped generation parameter",
			zap.String("field", field),
			zap.Int("requested", v),
			zap.Int("applied", applied),
		)
		t.observe(field)
	}
	return applied
}

func (t *Translator) observe(field string) {
	if t.observer != nil {
		t.observer.ObserveClamp(field)
	}
}

// validationError converts validator output into a ValidationError whose
// details list each failing field by its JSON path.
func (t *Translator) validationError(err error) *errors.ProxyError {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return errors.NewValidationError("", err.Error(), nil)
	}

	fields := make([]map[string]interface{}, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, map[string]interface{}{
			"field": fieldPath(fe.Namespace()),
			"rule":  fe.Tag(),
		})
	}
	first := verrs[0]
	return errors.NewValidationError("", describe(fieldPath(first.Namespace()), first), map[string]interface{}{
		"fields": fields,
	})
}

// fieldPath strips the struct name from a validator namespace:
// "ChatCompletionRequest.messages[1].role" becomes "messages[1].role".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(path string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", path)
	case "min":
		return fmt.Sprintf("%s must not be empty", path)
	case "oneof":
		return fmt.Sprintf("%s: unsupported value %q (must be one of: %s)", path, fmt.Sprint(fe.Value()), fe.Param())
	case "eq":
		return fmt.Sprintf("%s must be %s", path, fe.Param())
	case "max":
		return fmt.Sprintf("%s allows at most %s entries", path, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", path, fe.Tag())
	}
}

// Counter returns the token counter used for context checks and usage
// estimates.
func (t *Translator) Counter() Counter {
	return t.counter
}
