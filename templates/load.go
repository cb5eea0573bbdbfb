package templates

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/teilomillet/lorebridge/config"
)

// catalogueFile is the YAML layout of an optional template file.
type catalogueFile struct {
	Profiles     []JailbreakProfile `yaml:"profiles"`
	Lorebook     []LorebookEntry    `yaml:"lorebook"`
	PlotSeeds    []string           `yaml:"plot_seeds"`
	SpiceSeeds   []string           `yaml:"spice_seeds"`
	MedievalText string             `yaml:"medieval_text"`
	ThinkingText string             `yaml:"thinking_text"`
}

// Load builds the Store described by cfg. Lorebook entries from the
// template file come first, followed by those of the lorebook JSON file
// and then the inline JSON.
func Load(cfg config.TemplatesConfig) (*Store, error) {
	var opts Options

	if cfg.File != "" {
		data, err := os.ReadFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("read template file: %w", err)
		}
		f, err := decodeCatalogue(data)
		if err != nil {
			return nil, fmt.Errorf("template file %s: %w", cfg.File, err)
		}
		opts = Options{
			Profiles:     f.Profiles,
			Lorebook:     f.Lorebook,
			PlotSeeds:    f.PlotSeeds,
			SpiceSeeds:   f.SpiceSeeds,
			MedievalText: f.MedievalText,
			ThinkingText: f.ThinkingText,
		}
	}

	if cfg.LorebookFile != "" {
		data, err := os.ReadFile(cfg.LorebookFile)
		if err != nil {
			return nil, fmt.Errorf("read lorebook file: %w", err)
		}
		entries, err := ParseLorebook(data)
		if err != nil {
			return nil, fmt.Errorf("lorebook file %s: %w", cfg.LorebookFile, err)
		}
		opts.Lorebook = append(opts.Lorebook, entries...)
	}

	if cfg.LorebookJSON != "" {
		entries, err := ParseLorebook([]byte(cfg.LorebookJSON))
		if err != nil {
			return nil, fmt.Errorf("inline lorebook: %w", err)
		}
		opts.Lorebook = append(opts.Lorebook, entries...)
	}

	return New(opts)
}

func decodeCatalogue(data []byte) (*catalogueFile, error) {
	var f catalogueFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &f, nil
}
