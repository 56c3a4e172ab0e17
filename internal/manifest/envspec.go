package manifest

import (
	"encoding/json"
	"strings"

	"github.com/kandev/orchestrator/internal/apperr"
)

// EnvRecord is the normalized shape every manifest env specification is
// reduced to: {insideName, sourceName, required, defaultValue} (spec.md
// §4.3, §9 "Dynamic typing in manifest parsing").
type EnvRecord struct {
	InsideName   string
	SourceName   string
	Required     bool
	DefaultValue string
	HasDefault   bool
	Wildcard     string // non-empty if this record is a wildcard pattern, e.g. "PREFIX_*"
}

// EnvSpec is the raw, still-untyped manifest env field. It accepts any
// of the three shapes spec.md §4.3 describes and normalizes them via
// Normalize().
type EnvSpec struct {
	raw json.RawMessage
}

// UnmarshalJSON stores the raw bytes; the actual shape is resolved lazily
// by Normalize, since array-of-strings, array-of-objects, and
// object-map are indistinguishable without inspecting the payload.
func (e *EnvSpec) UnmarshalJSON(data []byte) error {
	e.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON round-trips the stored raw payload.
func (e EnvSpec) MarshalJSON() ([]byte, error) {
	if e.raw == nil {
		return []byte("[]"), nil
	}
	return e.raw, nil
}

type envObjectForm struct {
	Name     string      `json:"name"`
	VarName  string      `json:"varName"`
	Required bool        `json:"required"`
	Value    interface{} `json:"value"`
}

// Normalize reduces whichever of the three accepted shapes was supplied
// into a flat list of EnvRecord. Bare "*"-bearing entries are kept as
// Wildcard records rather than expanded here; expansion against the host
// environment happens in the secrets resolver.
func (e EnvSpec) Normalize() ([]EnvRecord, error) {
	if len(e.raw) == 0 || string(e.raw) == "null" {
		return nil, nil
	}

	// Array form: each element either a string or an object.
	var arr []json.RawMessage
	if err := json.Unmarshal(e.raw, &arr); err == nil {
		var out []EnvRecord
		for _, elem := range arr {
			rec, err := normalizeArrayElement(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		return out, nil
	}

	// Object-map form: { name: "literal" } or { name: {varName?, required?, default?} }.
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(e.raw, &obj); err == nil {
		var out []EnvRecord
		for name, val := range obj {
			rec, err := normalizeMapEntry(name, val)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		return out, nil
	}

	return nil, apperr.New(apperr.KindConfigError, "env spec is neither an array nor an object")
}

func normalizeArrayElement(elem json.RawMessage) (EnvRecord, error) {
	var s string
	if err := json.Unmarshal(elem, &s); err == nil {
		return normalizeBareString(s), nil
	}

	var obj envObjectForm
	if err := json.Unmarshal(elem, &obj); err != nil {
		return EnvRecord{}, apperr.Wrap(apperr.KindConfigError, "parse env entry", err)
	}
	if obj.Name == "" {
		return EnvRecord{}, apperr.New(apperr.KindConfigError, "env entry object missing name")
	}
	source := obj.VarName
	if source == "" {
		source = obj.Name
	}
	rec := EnvRecord{InsideName: obj.Name, SourceName: source, Required: obj.Required}
	if obj.Value != nil {
		rec.DefaultValue = toStringValue(obj.Value)
		rec.HasDefault = true
	}
	return rec, nil
}

// normalizeBareString handles "NAME", "NAME=value", and wildcard patterns
// ("PREFIX_*", "PREFIX_*_SUFFIX", "*").
func normalizeBareString(s string) EnvRecord {
	if strings.Contains(s, "*") {
		return EnvRecord{Wildcard: s}
	}
	if idx := strings.Index(s, "="); idx >= 0 {
		name := s[:idx]
		return EnvRecord{InsideName: name, SourceName: name, DefaultValue: s[idx+1:], HasDefault: true}
	}
	return EnvRecord{InsideName: s, SourceName: s, Required: true}
}

type envMapValue struct {
	VarName  string      `json:"varName"`
	Required bool        `json:"required"`
	Default  interface{} `json:"default"`
}

func normalizeMapEntry(name string, raw json.RawMessage) (EnvRecord, error) {
	var lit string
	if err := json.Unmarshal(raw, &lit); err == nil {
		return EnvRecord{InsideName: name, SourceName: name, DefaultValue: lit, HasDefault: true}, nil
	}
	var v envMapValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return EnvRecord{}, apperr.Wrap(apperr.KindConfigError, "parse env map entry "+name, err)
	}
	source := v.VarName
	if source == "" {
		source = name
	}
	rec := EnvRecord{InsideName: name, SourceName: source, Required: v.Required}
	if v.Default != nil {
		rec.DefaultValue = toStringValue(v.Default)
		rec.HasDefault = true
	}
	if !v.Required && !rec.HasDefault {
		rec.Required = true
	}
	return rec, nil
}

func toStringValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// StringOrList is the tagged-variant normalizer for manifest fields that
// accept either a bare string or a list of strings (preinstall, install,
// postinstall, update, start, agent, cli, run — spec.md §9).
type StringOrList struct {
	items []string
}

// UnmarshalJSON accepts a JSON string or a JSON array of strings.
func (s *StringOrList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			s.items = nil
		} else {
			s.items = []string{single}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return apperr.Wrap(apperr.KindConfigError, "parse string-or-list field", err)
	}
	s.items = list
	return nil
}

// MarshalJSON always renders as a list, the normalized form.
func (s StringOrList) MarshalJSON() ([]byte, error) {
	if s.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.items)
}

// List returns the normalized command list.
func (s StringOrList) List() []string { return s.items }

// Empty reports whether no commands were specified.
func (s StringOrList) Empty() bool { return len(s.items) == 0 }
