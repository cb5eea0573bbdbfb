package templates

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ParseLorebook decodes lorebook JSON. Two layouts are accepted:
//
// An array, where each element is either a native entry
// ({"id","keywords","content","scope"}) or a typed record
// ({"type":"character"|"world","name","data"}).
//
// An object with "characters" (name -> details) and "world" (setting,
// locations, ...) sections. Characters trigger on their name; the world
// entry triggers on its location names and any explicit "keywords".
//
// Object key order is preserved so injection order follows the document.
func ParseLorebook(data []byte) ([]LorebookEntry, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	switch data[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode lorebook array: %w", err)
		}
		entries := make([]LorebookEntry, 0, len(raw))
		for i, r := range raw {
			e, err := parseArrayElement(r)
			if err != nil {
				return nil, fmt.Errorf("lorebook element %d: %w", i, err)
			}
			entries = append(entries, e)
		}
		return entries, nil
	case '{':
		return parseSections(data)
	default:
		return nil, fmt.Errorf("lorebook must be a JSON array or object")
	}
}

type typedRecord struct {
	ID       string                     `json:"id"`
	Type     string                     `json:"type"`
	Name     string                     `json:"name"`
	Keywords []string                   `json:"keywords"`
	Content  string                     `json:"content"`
	Scope    Scope                      `json:"scope"`
	Data     map[string]json.RawMessage `json:"data"`
}

func parseArrayElement(raw json.RawMessage) (LorebookEntry, error) {
	var rec typedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return LorebookEntry{}, err
	}

	switch rec.Type {
	case "":
		return LorebookEntry{ID: rec.ID, Keywords: rec.Keywords, Content: rec.Content, Scope: rec.Scope}, nil
	case "character":
		if rec.Name == "" {
			return LorebookEntry{}, fmt.Errorf("character record without name")
		}
		fields := make(map[string]json.RawMessage)
		var top map[string]json.RawMessage
		if err := json.Unmarshal(raw, &top); err != nil {
			return LorebookEntry{}, err
		}
		for k, v := range top {
			fields[k] = v
		}
		for k, v := range rec.Data {
			fields[k] = v
		}
		var c character
		if err := remarshal(fields, &c); err != nil {
			return LorebookEntry{}, err
		}
		e := characterEntry(rec.Name, c)
		if rec.ID != "" {
			e.ID = rec.ID
		}
		return e, nil
	case "world":
		var w world
		if err := remarshal(rec.Data, &w); err != nil {
			return LorebookEntry{}, err
		}
		id := "world"
		if rec.Name != "" {
			id = "world:" + strings.ToLower(rec.Name)
			w.Keywords = append(w.Keywords, rec.Name)
		}
		if rec.ID != "" {
			id = rec.ID
		}
		e := worldEntry(id, w)
		e.Keywords = append(e.Keywords, rec.Keywords...)
		return e, nil
	default:
		return LorebookEntry{}, fmt.Errorf("unknown record type %q", rec.Type)
	}
}

func parseSections(data []byte) ([]LorebookEntry, error) {
	sections, err := orderedObject(data)
	if err != nil {
		return nil, fmt.Errorf("decode lorebook object: %w", err)
	}

	var entries []LorebookEntry
	for _, sec := range sections {
		switch sec.key {
		case "characters":
			chars, err := orderedObject(sec.value)
			if err != nil {
				return nil, fmt.Errorf("decode characters: %w", err)
			}
			for _, kv := range chars {
				var c character
				if err := json.Unmarshal(kv.value, &c); err != nil {
					return nil, fmt.Errorf("character %q: %w", kv.key, err)
				}
				entries = append(entries, characterEntry(kv.key, c))
			}
		case "world":
			var w world
			if err := json.Unmarshal(sec.value, &w); err != nil {
				return nil, fmt.Errorf("decode world: %w", err)
			}
			locs, err := orderedObject(sec.value)
			if err != nil {
				return nil, err
			}
			w.order = locationOrder(locs)
			entries = append(entries, worldEntry("world", w))
		}
	}
	return entries, nil
}

type character struct {
	Description   string            `json:"description"`
	Personality   string            `json:"personality"`
	Background    string            `json:"background"`
	Appearance    string            `json:"appearance"`
	Quirks        []string          `json:"quirks"`
	Relationships map[string]string `json:"relationships"`
	Keywords      []string          `json:"keywords"`
}

func characterEntry(name string, c character) LorebookEntry {
	lines := []string{"Character: " + name}
	add := func(label, v string) {
		if v != "" {
			lines = append(lines, label+": "+v)
		}
	}
	add("Description", c.Description)
	add("Personality", c.Personality)
	add("Background", c.Background)
	add("Appearance", c.Appearance)
	if len(c.Quirks) > 0 {
		add("Quirks", strings.Join(c.Quirks, ", "))
	}
	if len(c.Relationships) > 0 {
		lines = append(lines, "Relationships:")
		for _, k := range sortedKeys(c.Relationships) {
			lines = append(lines, "- "+k+": "+c.Relationships[k])
		}
	}
	return LorebookEntry{
		ID:       "character:" + strings.ToLower(name),
		Keywords: append([]string{name}, c.Keywords...),
		Content:  strings.Join(lines, "\n"),
		Scope:    ScopeCharacter,
	}
}

type world struct {
	Setting         string            `json:"setting"`
	TimePeriod      string            `json:"time_period"`
	TechnologyLevel string            `json:"technology_level"`
	MagicSystem     string            `json:"magic_system"`
	Rules           json.RawMessage   `json:"rules"`
	Locations       map[string]string `json:"locations"`
	Keywords        []string          `json:"keywords"`

	order []string
}

func worldEntry(id string, w world) LorebookEntry {
	var lines []string
	add := func(label, v string) {
		if v != "" {
			lines = append(lines, label+": "+v)
		}
	}
	add("Setting", w.Setting)
	add("Time Period", w.TimePeriod)
	add("Technology", w.TechnologyLevel)
	add("Magic System", w.MagicSystem)
	add("Rules", rulesText(w.Rules))

	names := w.order
	if len(names) != len(w.Locations) {
		names = sortedKeys(w.Locations)
	}
	keywords := append([]string(nil), w.Keywords...)
	if len(names) > 0 {
		lines = append(lines, "Key Locations:")
		for _, n := range names {
			lines = append(lines, "- "+n+": "+w.Locations[n])
			keywords = append(keywords, n)
		}
	}
	return LorebookEntry{
		ID:       id,
		Keywords: keywords,
		Content:  strings.Join(lines, "\n"),
		Scope:    ScopeWorld,
	}
}

// rulesText renders the free-form "rules" value, which may be a string,
// a list of strings or an object.
func rulesText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		return strings.Join(list, "; ")
	}
	var m map[string]string
	if json.Unmarshal(raw, &m) == nil {
		parts := make([]string, 0, len(m))
		for _, k := range sortedKeys(m) {
			parts = append(parts, k+": "+m[k])
		}
		return strings.Join(parts, "; ")
	}
	return string(raw)
}

func locationOrder(worldFields []keyValue) []string {
	for _, kv := range worldFields {
		if kv.key != "locations" {
			continue
		}
		locs, err := orderedObject(kv.value)
		if err != nil {
			return nil
		}
		names := make([]string, len(locs))
		for i, l := range locs {
			names[i] = l.key
		}
		return names
	}
	return nil
}

type keyValue struct {
	key   string
	value json.RawMessage
}

// orderedObject decodes the top level of a JSON object keeping key order.
func orderedObject(data []byte) ([]keyValue, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected JSON object")
	}
	var out []keyValue
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key")
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		out = append(out, keyValue{key: key, value: v})
	}
	return out, nil
}

func remarshal(in map[string]json.RawMessage, out interface{}) error {
	if len(in) == 0 {
		return nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
