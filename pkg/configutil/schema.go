package configutil

import (
	"sort"
	"strings"
)

// Schema lists the settings keys a capture provider understands.
type Schema struct {
	Required []string
	Optional []string
}

// SettingsError describes a rejected capture.settings map.
type SettingsError struct {
	Provider string
	Missing  []string
	Unknown  []string
	// Err is set when the keys were accepted but a value could not be decoded.
	Err error
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return "capture.settings (" + e.Provider + "): " + strings.Join(parts, "; ")
}

func (e *SettingsError) Unwrap() error { return e.Err }

// Check validates input against the schema for provider. Key matching
// ignores case, underscores and hyphens, so "input-device" satisfies
// "input_device".
func (s Schema) Check(provider string, input map[string]any) error {
	allowed := make(map[string]string, len(s.Required)+len(s.Optional))
	for _, k := range s.Optional {
		allowed[normalizeKey(k)] = k
	}
	for _, k := range s.Required {
		allowed[normalizeKey(k)] = k
	}

	present := make(map[string]bool, len(input))
	var unknown []string
	for k, v := range input {
		nk := normalizeKey(k)
		if _, ok := allowed[nk]; !ok {
			unknown = append(unknown, k)
			continue
		}
		present[nk] = !isBlank(v)
	}

	var missing []string
	for _, k := range s.Required {
		if !present[normalizeKey(k)] {
			missing = append(missing, k)
		}
	}

	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	return &SettingsError{Provider: provider, Missing: missing, Unknown: unknown}
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	}
	return false
}
