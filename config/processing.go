package config

import (
	"fmt"
	"strings"
)

// PipelineConfig controls the content pipeline. It is read-only during
// request handling.
type PipelineConfig struct {
	// JailbreakProfile selects the single active profile by id
	JailbreakProfile string `yaml:"jailbreak_profile" json:"jailbreak_profile"`

	// ForbiddenWords are redacted as whole words, case-insensitively
	ForbiddenWords []string `yaml:"forbidden_words" json:"forbidden_words"`

	// ForbiddenReplacements maps a forbidden word to its substitute. Words
	// without an entry are masked with '*' of the same length.
	ForbiddenReplacements map[string]string `yaml:"forbidden_replacements" json:"forbidden_replacements"`

	// SpiceEnabled turns on the random injection stage
	SpiceEnabled bool `yaml:"spice_enabled" json:"spice_enabled"`

	// AutoPlotProbability is the per-request chance of a plot seed
	AutoPlotProbability float64 `yaml:"auto_plot_probability" json:"auto_plot_probability"`

	// SpiceProbability is the per-request chance of a spice seed
	SpiceProbability float64 `yaml:"spice_probability" json:"spice_probability"`

	// LorebookEnabled turns keyword-triggered lore injection on
	LorebookEnabled bool `yaml:"lorebook_enabled" json:"lorebook_enabled"`

	// MedievalMode adds archaic-speech framing after the profile prefix
	MedievalMode bool `yaml:"medieval_mode" json:"medieval_mode"`

	// ForceThinking adds the thinking message before the profile suffix
	ForceThinking bool `yaml:"force_thinking" json:"force_thinking"`

	// CustomOOCText replaces the profile suffix when set
	CustomOOCText string `yaml:"custom_ooc_text" json:"custom_ooc_text"`

	// NormalizeMarkdown enables the final text normalization stage
	NormalizeMarkdown bool `yaml:"normalize_markdown" json:"normalize_markdown"`
}

// DefaultPipelineConfig returns the stock pipeline settings.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		JailbreakProfile: "strong",
		ForbiddenWords: []string{
			"possessive", "possessiveness", "damn", "mind body and soul",
			"pang", "pangs", "butterflies in stomach", "butterflies", "knot",
		},
		ForbiddenReplacements: map[string]string{
			"damn":                   "darn",
			"possessive":             "protective",
			"possessiveness":         "protectiveness",
			"butterflies in stomach": "nervous excitement",
			"butterflies":            "fluttering feeling",
			"knot":                   "tightness",
		},
		SpiceEnabled:        true,
		AutoPlotProbability: 0.15,
		SpiceProbability:    0.20,
		LorebookEnabled:     true,
		NormalizeMarkdown:   true,
	}
}

// Validate checks the pipeline settings.
func (p PipelineConfig) Validate() error {
	if strings.TrimSpace(p.JailbreakProfile) == "" {
		return fmt.Errorf("empty jailbreak profile")
	}
	if p.AutoPlotProbability < 0 || p.AutoPlotProbability > 1 {
		return fmt.Errorf("invalid auto plot probability: %v", p.AutoPlotProbability)
	}
	if p.SpiceProbability < 0 || p.SpiceProbability > 1 {
		return fmt.Errorf("invalid spice probability: %v", p.SpiceProbability)
	}
	for i, w := range p.ForbiddenWords {
		if strings.TrimSpace(w) == "" {
			return fmt.Errorf("empty forbidden word at index %d", i)
		}
	}
	return nil
}
