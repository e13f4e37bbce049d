package configutil

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Decode checks input against the schema and decodes it into out. Values may
// be weakly typed ("false", "250ms") since they usually come from YAML or
// XFYUN_CAPTURE_SETTINGS_* overrides. Failures are *SettingsError.
func (s Schema) Decode(provider string, input map[string]any, out any) error {
	if err := s.Check(provider, input); err != nil {
		return err
	}
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return &SettingsError{Provider: provider, Err: err}
	}
	if err := decoder.Decode(input); err != nil {
		return &SettingsError{Provider: provider, Err: err}
	}
	return nil
}

// RequireString reports a blank config value by its key path.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", path)
	}
	return nil
}

// BoolValue returns fallback when value is unset.
func BoolValue(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}

func normalizeKey(value string) string {
	return strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(value))
}
