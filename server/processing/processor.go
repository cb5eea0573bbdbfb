package processing

import (
	"fmt"

	"github.com/teilomillet/lorebridge/chat"
	"github.com/teilomillet/lorebridge/config"
	"github.com/teilomillet/lorebridge/templates"
)

// Processor is the compiled content pipeline. It is built once from the
// pipeline configuration and the template store, holds no mutable state,
// and is safe for concurrent use.
//
// Stages run in a fixed order:
//  1. forbidden-word filter
//  2. lorebook injection
//  3. jailbreak framing
//  4. plot and spice seeds (the only random stage)
//  5. markdown normalization
//
// Every stage returns a new conversation; the input is never modified.
type Processor struct {
	profile templates.JailbreakProfile
	lore    *lorebookMatcher
	filter  *wordFilter
	stages  []stage
}

// NewProcessor compiles the pipeline. It fails when the configured
// jailbreak profile does not exist in store.
func NewProcessor(cfg config.PipelineConfig, store *templates.Store) (*Processor, error) {
	if store == nil {
		return nil, fmt.Errorf("template store is required")
	}
	profile, ok := store.Profile(cfg.JailbreakProfile)
	if !ok {
		return nil, fmt.Errorf("unknown jailbreak profile %q (available: %v)", cfg.JailbreakProfile, store.ProfileIDs())
	}

	filter, err := newWordFilter(cfg.ForbiddenWords, cfg.ForbiddenReplacements)
	if err != nil {
		return nil, fmt.Errorf("compile forbidden words: %w", err)
	}

	var lore *lorebookMatcher
	if cfg.LorebookEnabled {
		lore = newLorebookMatcher(store.Lorebook())
	}

	p := &Processor{profile: profile, lore: lore, filter: filter}
	p.stages = []stage{
		{StageForbidden, func(c chat.Conversation, _ Random) chat.Conversation { return filter.apply(c) }},
		{StageLorebook, func(c chat.Conversation, _ Random) chat.Conversation { return lore.apply(c) }},
		{StageJailbreak, newFraming(profile, cfg, store).apply},
		{StageSeeds, newSeeder(cfg, store).apply},
		{StageNormalize, func(c chat.Conversation, _ Random) chat.Conversation {
			if !cfg.NormalizeMarkdown {
				return c.Clone()
			}
			return c.Map(Normalize)
		}},
	}
	return p, nil
}

// Transform runs every stage over conv and returns the final conversation.
func (p *Processor) Transform(conv chat.Conversation, rnd Random) chat.Conversation {
	out := conv.Clone()
	for _, s := range p.stages {
		out = s.apply(out, rnd)
	}
	return out
}

// Trace runs the pipeline like Transform but returns each stage's output.
func (p *Processor) Trace(conv chat.Conversation, rnd Random) []StageOutput {
	outputs := make([]StageOutput, 0, len(p.stages))
	cur := conv.Clone()
	for _, s := range p.stages {
		cur = s.apply(cur, rnd)
		outputs = append(outputs, StageOutput{Stage: s.name, Conversation: cur})
	}
	return outputs
}

// Profile returns the active jailbreak profile.
func (p *Processor) Profile() templates.JailbreakProfile {
	return p.profile
}

// ActivatedLore lists the lorebook entry IDs conv would trigger once the
// forbidden-word stage has run.
func (p *Processor) ActivatedLore(conv chat.Conversation) []string {
	return p.lore.Activated(p.filter.apply(conv))
}
