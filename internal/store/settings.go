package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Settings is the per-group enforcement configuration. Every field has a
// documented default; unknown keys in the stored blob are ignored and
// missing keys fall back to the default.
type Settings struct {
	// WarnTemplate is the message shown to a restricted user. {channels}
	// expands to the list of channels still to join.
	WarnTemplate string `json:"warn_template"`

	// UnrestrictTemplate is the message shown once the user verifies.
	UnrestrictTemplate string `json:"unrestrict_template"`

	// GracePeriodSec is how long a newly joined user may speak before the
	// first check is enforced.
	GracePeriodSec int `json:"grace_period_sec"`

	// RecheckOnMessage re-verifies on every message instead of joins only.
	RecheckOnMessage bool `json:"recheck_on_message"`
}

// GracePeriod returns the grace period as a duration.
func (s Settings) GracePeriod() time.Duration {
	return time.Duration(s.GracePeriodSec) * time.Second
}

// DefaultSettings returns the configuration applied when a group has no
// stored settings.
func DefaultSettings() Settings {
	return Settings{
		WarnTemplate:       "To post here, please join: {channels}",
		UnrestrictTemplate: "Thanks for joining! You can post now.",
		GracePeriodSec:     0,
		RecheckOnMessage:   false,
	}
}

const settingsSchema = `{
	"type": "object",
	"properties": {
		"warn_template":       {"type": "string", "maxLength": 4096},
		"unrestrict_template": {"type": "string", "maxLength": 4096},
		"grace_period_sec":    {"type": "integer", "minimum": 0, "maximum": 86400},
		"recheck_on_message":  {"type": "boolean"}
	}
}`

var settingsSchemaLoader = gojsonschema.NewStringLoader(settingsSchema)

// ParseSettings decodes and validates a stored settings blob, layering it
// over the defaults. An empty blob yields the defaults; an invalid one is
// an error so the caller can decide whether to fall back.
func ParseSettings(raw []byte) (Settings, error) {
	settings := DefaultSettings()
	if len(raw) == 0 {
		return settings, nil
	}

	result, err := gojsonschema.Validate(settingsSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return settings, fmt.Errorf("settings validation: %w", err)
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return settings, fmt.Errorf("settings validation failed: %v", errs)
	}

	if err := json.Unmarshal(raw, &settings); err != nil {
		return DefaultSettings(), fmt.Errorf("settings decode: %w", err)
	}
	return settings, nil
}
