package processing

import (
	"strings"

	"github.com/teilomillet/lorebridge/chat"
	"github.com/teilomillet/lorebridge/config"
	"github.com/teilomillet/lorebridge/templates"
)

type loreTrigger struct {
	id       string
	keywords []string
	content  string
}

// lorebookMatcher appends the context of every entry whose keywords occur
// anywhere in the conversation. A nil matcher is a no-op.
type lorebookMatcher struct {
	triggers []loreTrigger
}

func newLorebookMatcher(entries []templates.LorebookEntry) *lorebookMatcher {
	m := &lorebookMatcher{}
	for _, e := range entries {
		if len(e.Keywords) == 0 || strings.TrimSpace(e.Content) == "" {
			continue
		}
		t := loreTrigger{id: e.ID, content: e.Content}
		for _, k := range e.Keywords {
			t.keywords = append(t.keywords, strings.ToLower(k))
		}
		m.triggers = append(m.triggers, t)
	}
	return m
}

func (m *lorebookMatcher) apply(c chat.Conversation) chat.Conversation {
	if m == nil || len(m.triggers) == 0 {
		return c.Clone()
	}
	text := strings.ToLower(c.Text())
	seen := make(map[string]struct{})
	var injected []chat.Message
	for _, t := range m.triggers {
		if _, ok := seen[t.id]; ok {
			continue
		}
		for _, k := range t.keywords {
			if strings.Contains(text, k) {
				seen[t.id] = struct{}{}
				injected = append(injected, chat.System(t.content))
				break
			}
		}
	}
	return c.Append(injected...)
}

// Activated returns the IDs of the entries c would trigger, in store order.
func (m *lorebookMatcher) Activated(c chat.Conversation) []string {
	if m == nil {
		return nil
	}
	text := strings.ToLower(c.Text())
	var ids []string
	for _, t := range m.triggers {
		for _, k := range t.keywords {
			if strings.Contains(text, k) {
				ids = append(ids, t.id)
				break
			}
		}
	}
	return ids
}

// framing wraps the conversation in the active profile's prefix and suffix.
type framing struct {
	head []chat.Message
	tail []chat.Message
}

func newFraming(p templates.JailbreakProfile, cfg config.PipelineConfig, store *templates.Store) *framing {
	f := &framing{}
	if p.Intensity == templates.IntensityNone {
		return f
	}
	if p.Prefix != "" {
		f.head = append(f.head, chat.System(p.Prefix))
	}
	if cfg.MedievalMode {
		f.head = append(f.head, chat.System(store.MedievalText()))
	}
	if cfg.ForceThinking {
		f.tail = append(f.tail, chat.System(store.ThinkingText()))
	}
	suffix := p.Suffix
	if strings.TrimSpace(cfg.CustomOOCText) != "" {
		suffix = cfg.CustomOOCText
	}
	if suffix != "" {
		f.tail = append(f.tail, chat.System(suffix))
	}
	return f
}

func (f *framing) apply(c chat.Conversation, _ Random) chat.Conversation {
	return c.Prepend(f.head...).Append(f.tail...)
}

// seeder appends plot and spice seeds with configured probabilities.
// Both draws are always taken so the random stream advances identically
// whatever the outcome.
type seeder struct {
	enabled   bool
	plotProb  float64
	spiceProb float64
	plot      []string
	spice     []string
}

func newSeeder(cfg config.PipelineConfig, store *templates.Store) *seeder {
	return &seeder{
		enabled:   cfg.SpiceEnabled,
		plotProb:  cfg.AutoPlotProbability,
		spiceProb: cfg.SpiceProbability,
		plot:      store.PlotSeeds(),
		spice:     store.SpiceSeeds(),
	}
}

func (s *seeder) apply(c chat.Conversation, rnd Random) chat.Conversation {
	if !s.enabled {
		return c.Clone()
	}
	if rnd == nil {
		rnd = NoRandom{}
	}
	var add []chat.Message
	if pick, ok := draw(rnd, s.plotProb, s.plot); ok {
		add = append(add, chat.System(pick))
	}
	if pick, ok := draw(rnd, s.spiceProb, s.spice); ok {
		add = append(add, chat.System(pick))
	}
	return c.Append(add...)
}

func draw(rnd Random, prob float64, seeds []string) (string, bool) {
	roll := rnd.Float64()
	if prob <= 0 || len(seeds) == 0 || roll >= prob {
		return "", false
	}
	return seeds[rnd.Intn(len(seeds))], true
}
