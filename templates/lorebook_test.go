package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLorebook_Sections(t *testing.T) {
	data := []byte(`{
		"world": {
			"setting": "A floating archipelago",
			"time_period": "Age of Sails",
			"locations": {"Skyport": "The capital", "Ashfall": "A volcanic isle"},
			"rules": ["No flying at night"]
		},
		"characters": {
			"Zed": {"description": "A smuggler", "quirks": ["whistles", "lies"]},
			"Aria": {"personality": "Cheerful", "relationships": {"Zed": "rival"}}
		}
	}`)

	entries, err := ParseLorebook(data)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	w := entries[0]
	assert.Equal(t, "world", w.ID)
	assert.Equal(t, ScopeWorld, w.Scope)
	assert.Equal(t, []string{"Skyport", "Ashfall"}, w.Keywords)
	assert.Equal(t, "Setting: A floating archipelago\n"+
		"Time Period: Age of Sails\n"+
		"Rules: No flying at night\n"+
		"Key Locations:\n"+
		"- Skyport: The capital\n"+
		"- Ashfall: A volcanic isle", w.Content)

	assert.Equal(t, "character:zed", entries[1].ID)
	assert.Equal(t, []string{"Zed"}, entries[1].Keywords)
	assert.Equal(t, "Character: Zed\nDescription: A smuggler\nQuirks: whistles, lies", entries[1].Content)

	assert.Equal(t, "character:aria", entries[2].ID)
	assert.Equal(t, "Character: Aria\nPersonality: Cheerful\nRelationships:\n- Zed: rival", entries[2].Content)
}

func TestParseLorebook_Array(t *testing.T) {
	data := []byte(`[
		{"id": "dragon", "keywords": ["dragon"], "content": "Dragons are ancient.", "scope": "world"},
		{"type": "character", "name": "Mira", "data": {"background": "Raised by wolves"}},
		{"type": "world", "name": "Underdark", "data": {"setting": "Caverns"}}
	]`)

	entries, err := ParseLorebook(data)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, LorebookEntry{ID: "dragon", Keywords: []string{"dragon"}, Content: "Dragons are ancient.", Scope: ScopeWorld}, entries[0])
	assert.Equal(t, "character:mira", entries[1].ID)
	assert.Equal(t, "Character: Mira\nBackground: Raised by wolves", entries[1].Content)
	assert.Equal(t, "world:underdark", entries[2].ID)
	assert.Equal(t, []string{"Underdark"}, entries[2].Keywords)
	assert.Equal(t, "Setting: Caverns", entries[2].Content)
}

func TestParseLorebook_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"scalar", `"just a string"`},
		{"broken array", `[{"id": }]`},
		{"unknown record type", `[{"type": "item", "name": "Sword"}]`},
		{"nameless character", `[{"type": "character"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLorebook([]byte(tt.data))
			assert.Error(t, err)
		})
	}

	entries, err := ParseLorebook([]byte("   "))
	require.NoError(t, err)
	assert.Nil(t, entries)
}
