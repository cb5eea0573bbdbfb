// Package templates holds the immutable catalogue of injectable narrative
// content: jailbreak profiles, lorebook entries, plot and spice seeds, and
// the framing texts used by the content pipeline.
//
// A Store is built once at startup and is safe for concurrent reads. No
// method adds or removes entries after construction, and every accessor
// returns copies so callers cannot write through to the catalogue.
package templates

import (
	"fmt"
	"strings"
)

// Intensity grades how strongly a jailbreak profile frames the conversation.
type Intensity string

const (
	IntensityNone   Intensity = "none"
	IntensityLight  Intensity = "light"
	IntensityStrong Intensity = "strong"
)

// Valid reports whether i is a known intensity.
func (i Intensity) Valid() bool {
	switch i {
	case IntensityNone, IntensityLight, IntensityStrong:
		return true
	}
	return false
}

// JailbreakProfile is a block of framing text wrapped around the conversation.
type JailbreakProfile struct {
	ID        string    `yaml:"id" json:"id"`
	Intensity Intensity `yaml:"intensity" json:"intensity"`
	Prefix    string    `yaml:"prefix" json:"prefix"`
	Suffix    string    `yaml:"suffix" json:"suffix"`
}

// Scope says whether a lorebook entry describes a character or the world.
type Scope string

const (
	ScopeCharacter Scope = "character"
	ScopeWorld     Scope = "world"
)

// LorebookEntry is keyword-triggered context injected into a conversation.
type LorebookEntry struct {
	ID       string   `yaml:"id" json:"id"`
	Keywords []string `yaml:"keywords" json:"keywords"`
	Content  string   `yaml:"content" json:"content"`
	Scope    Scope    `yaml:"scope" json:"scope"`
}

func (e LorebookEntry) clone() LorebookEntry {
	e.Keywords = append([]string(nil), e.Keywords...)
	return e
}

// Options are the raw materials of a Store. Zero-valued text fields fall
// back to the built-in defaults.
type Options struct {
	// Profiles are added to the built-in catalogue; an ID equal to a
	// built-in profile replaces it.
	Profiles []JailbreakProfile

	// Lorebook entries in injection order. IDs must be unique.
	Lorebook []LorebookEntry

	PlotSeeds    []string
	SpiceSeeds   []string
	MedievalText string
	ThinkingText string
}

// Store is the loaded-once template catalogue.
type Store struct {
	profiles     map[string]JailbreakProfile
	profileOrder []string
	lorebook     []LorebookEntry
	plotSeeds    []string
	spiceSeeds   []string
	medieval     string
	thinking     string
}

// New validates opts and builds a Store.
func New(opts Options) (*Store, error) {
	s := &Store{
		profiles:   make(map[string]JailbreakProfile),
		plotSeeds:  nonEmpty(opts.PlotSeeds, defaultPlotSeeds),
		spiceSeeds: nonEmpty(opts.SpiceSeeds, defaultSpiceSeeds),
		medieval:   orDefault(opts.MedievalText, defaultMedievalText),
		thinking:   orDefault(opts.ThinkingText, defaultThinkingText),
	}

	for _, p := range append(append([]JailbreakProfile(nil), builtinProfiles...), opts.Profiles...) {
		if err := s.addProfile(p); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]struct{}, len(opts.Lorebook))
	for i, e := range opts.Lorebook {
		if e.ID == "" {
			return nil, fmt.Errorf("lorebook entry %d: empty id", i)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("lorebook entry %d: duplicate id %q", i, e.ID)
		}
		switch e.Scope {
		case ScopeCharacter, ScopeWorld:
		case "":
			e.Scope = ScopeWorld
		default:
			return nil, fmt.Errorf("lorebook entry %q: invalid scope %q", e.ID, e.Scope)
		}
		keywords := make([]string, 0, len(e.Keywords))
		for _, k := range e.Keywords {
			if k = strings.TrimSpace(k); k != "" {
				keywords = append(keywords, k)
			}
		}
		e.Keywords = keywords
		seen[e.ID] = struct{}{}
		s.lorebook = append(s.lorebook, e)
	}

	return s, nil
}

// Default returns a Store holding only the built-in content.
func Default() *Store {
	s, err := New(Options{})
	if err != nil {
		panic(fmt.Sprintf("templates: built-in catalogue is invalid: %v", err))
	}
	return s
}

func (s *Store) addProfile(p JailbreakProfile) error {
	if p.ID == "" {
		return fmt.Errorf("jailbreak profile: empty id")
	}
	if p.Intensity == "" {
		p.Intensity = IntensityStrong
	}
	if !p.Intensity.Valid() {
		return fmt.Errorf("jailbreak profile %q: invalid intensity %q", p.ID, p.Intensity)
	}
	if _, exists := s.profiles[p.ID]; !exists {
		s.profileOrder = append(s.profileOrder, p.ID)
	}
	s.profiles[p.ID] = p
	return nil
}

// Profile returns the profile with the given ID.
func (s *Store) Profile(id string) (JailbreakProfile, bool) {
	p, ok := s.profiles[id]
	return p, ok
}

// ProfileIDs lists profile IDs in catalogue order.
func (s *Store) ProfileIDs() []string {
	return append([]string(nil), s.profileOrder...)
}

// Lorebook returns the entries in store iteration order.
func (s *Store) Lorebook() []LorebookEntry {
	out := make([]LorebookEntry, len(s.lorebook))
	for i, e := range s.lorebook {
		out[i] = e.clone()
	}
	return out
}

// PlotSeeds returns the auto-plot seed texts.
func (s *Store) PlotSeeds() []string { return append([]string(nil), s.plotSeeds...) }

// SpiceSeeds returns the spice seed texts.
func (s *Store) SpiceSeeds() []string { return append([]string(nil), s.spiceSeeds...) }

// MedievalText is the archaic-speech framing used by medieval mode.
func (s *Store) MedievalText() string { return s.medieval }

// ThinkingText is the message injected by force-thinking mode.
func (s *Store) ThinkingText() string { return s.thinking }

// Summary describes the catalogue without its text, for the /config view.
type Summary struct {
	Profiles        []string `json:"profiles"`
	LorebookEntries int      `json:"lorebook_entries"`
	PlotSeeds       int      `json:"plot_seeds"`
	SpiceSeeds      int      `json:"spice_seeds"`
}

// Summary returns counts and identifiers of the loaded content.
func (s *Store) Summary() Summary {
	return Summary{
		Profiles:        s.ProfileIDs(),
		LorebookEntries: len(s.lorebook),
		PlotSeeds:       len(s.plotSeeds),
		SpiceSeeds:      len(s.spiceSeeds),
	}
}

func nonEmpty(v, def []string) []string {
	out := make([]string, 0, len(v))
	for _, s := range v {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), def...)
	}
	return out
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
