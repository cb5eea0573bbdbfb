package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/teilomillet/lorebridge/config"
	"github.com/teilomillet/lorebridge/templates"
)

// ConfigView is the body of GET /config. The upstream credential is never
// part of it.
type ConfigView struct {
	Upstream      UpstreamView          `json:"upstream"`
	Pipeline      config.PipelineConfig `json:"pipeline"`
	ActiveProfile ProfileView           `json:"active_profile"`
	Templates     templates.Summary     `json:"templates"`
}

// UpstreamView is the public part of the upstream configuration.
type UpstreamView struct {
	Model             string   `json:"model"`
	AllowedModels     []string `json:"allowed_models"`
	APIKeyConfigured  bool     `json:"api_key_configured"`
	FirstChunkTimeout string   `json:"first_chunk_timeout"`
	Temperature       float64  `json:"temperature"`
	TopP              float64  `json:"top_p"`
	TopK              int      `json:"top_k"`
	MaxOutputTokens   int      `json:"max_output_tokens"`
	MaxContextTokens  int      `json:"max_context_tokens"`
}

// ProfileView identifies the active jailbreak profile without its text.
type ProfileView struct {
	ID        string              `json:"id"`
	Intensity templates.Intensity `json:"intensity"`
}

// NewConfigView builds the view once; configuration is immutable for the
// process lifetime.
func NewConfigView(cfg *config.Config, store *templates.Store) ConfigView {
	view := ConfigView{
		Upstream: UpstreamView{
			Model:             cfg.Upstream.Model,
			AllowedModels:     append([]string(nil), cfg.Upstream.AllowedModels...),
			APIKeyConfigured:  cfg.Upstream.APIKey != "",
			FirstChunkTimeout: cfg.Upstream.FirstChunkTimeout.String(),
			Temperature:       cfg.Upstream.Temperature,
			TopP:              cfg.Upstream.TopP,
			TopK:              cfg.Upstream.TopK,
			MaxOutputTokens:   cfg.Upstream.MaxOutputTokens,
			MaxContextTokens:  cfg.Upstream.MaxContextTokens,
		},
		Pipeline:  cfg.Pipeline,
		Templates: store.Summary(),
	}
	if p, ok := store.Profile(cfg.Pipeline.JailbreakProfile); ok {
		view.ActiveProfile = ProfileView{ID: p.ID, Intensity: p.Intensity}
	}
	return view
}

// ConfigHandler serves GET /config.
type ConfigHandler struct {
	body []byte
}

// NewConfigHandler renders view once.
func NewConfigHandler(view ConfigView) (*ConfigHandler, error) {
	body, err := json.Marshal(view)
	if err != nil {
		return nil, err
	}
	return &ConfigHandler{body: body}, nil
}

func (h *ConfigHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(h.body)
}
