package configutil

import (
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Decode validates input against the keys of out and decodes it.
func Decode(input map[string]any, out any) error {
	if err := ValidateSettings(input, SchemaFor(out)); err != nil {
		return err
	}
	return DecodeSettings(input, out)
}

// DecodeSettings decodes a free-form settings map into a typed struct.
// Strings like "250" decode into numeric fields.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	cfg := &mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	}
	decoder, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

func normalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	value = strings.ReplaceAll(value, "-", "")
	return value
}
