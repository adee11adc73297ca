// Package challenge models the operator-authored challenge configuration
// document: which modulation a hidden transmitter runs, where it may
// transmit, how often, and what flag it carries. The document is stored
// verbatim (unknown keys included) and handed to runners with the frequency
// spec resolved to a concrete value.
package challenge

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sparkgap/foxctl/internal/config"
)

// Modulations the runner fleet knows how to transmit.
var KnownModulations = map[string]bool{
	"ask":            true,
	"cw":             true,
	"nbfm":           true,
	"ssb":            true,
	"pocsag":         true,
	"lrs":            true,
	"fhss":           true,
	"freedv":         true,
	"spectrum_paint": true,
}

// Config is a challenge definition. Exactly one of FrequencyHz,
// FrequencyRanges, ManualFrequencyRange describes where it transmits.
// Keys this controller does not model are preserved in Extra and served
// back to runners unmodified.
type Config struct {
	Name       string `json:"name"`
	Modulation string `json:"modulation"`

	Enabled   *bool `json:"enabled,omitempty"`
	Priority  int   `json:"priority,omitempty"`
	MinDelayS int   `json:"min_delay_s,omitempty"`
	MaxDelayS int   `json:"max_delay_s,omitempty"`

	FrequencyHz          int64                  `json:"frequency_hz,omitempty"`
	FrequencyRanges      []string               `json:"frequency_ranges,omitempty"`
	ManualFrequencyRange *config.FrequencyRange `json:"manual_frequency_range,omitempty"`

	Flag         string `json:"flag,omitempty"`
	FlagFileHash string `json:"flag_file_hash,omitempty"`

	// Record controls whether a listener is dispatched to capture each
	// transmission. Absent means yes.
	Record *bool `json:"record,omitempty"`

	PublicView *PublicView `json:"public_view,omitempty"`

	// Extra holds modulation parameters (speed, capcode, mode,
	// wav_samplerate, hop_rate, channel_spacing, seed, text, file hashes)
	// and anything else the operator wrote.
	Extra map[string]json.RawMessage `json:"-"`
}

// PublicView selects which challenge details appear on the public
// scoreboard. Only the name is always visible; the rest is opt-in.
type PublicView struct {
	ShowModulation   bool `json:"show_modulation"`
	ShowFrequency    bool `json:"show_frequency"`
	ShowLastTxTime   bool `json:"show_last_tx_time"`
	ShowActiveStatus bool `json:"show_active_status"`
}

// knownKeys are the fields Config models itself; everything else in a
// document lands in Extra.
var knownKeys = []string{
	"name", "modulation", "enabled", "priority", "min_delay_s", "max_delay_s",
	"frequency_hz", "frequency_ranges", "manual_frequency_range",
	"flag", "flag_file_hash", "record", "public_view",
}

func (c *Config) UnmarshalJSON(data []byte) error {
	type alias Config
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range knownKeys {
		delete(raw, k)
	}
	if len(raw) == 0 {
		raw = nil
	}
	a.Extra = raw

	*c = Config(a)
	return nil
}

func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	base, err := json.Marshal(alias(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return base, nil
	}

	merged := make(map[string]json.RawMessage, len(c.Extra)+len(knownKeys))
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, taken := merged[k]; taken {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// FromYAMLNode decodes one challenge entry of the event config document.
// YAML is converted through JSON so both sources share one code path and
// one set of round-trip rules.
func FromYAMLNode(node *yaml.Node) (*Config, error) {
	var m map[string]any
	if err := node.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode challenge entry: %w", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("convert challenge entry: %w", err)
	}
	c := &Config{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the document against the named ranges currently loaded.
// A nil ranges map skips range-name resolution (used when ranges are
// validated separately).
func (c *Config) Validate(ranges map[string]config.FrequencyRange) error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Modulation == "" {
		return fmt.Errorf("modulation is required")
	}
	if !KnownModulations[c.Modulation] {
		return fmt.Errorf("unknown modulation %q", c.Modulation)
	}

	forms := 0
	if c.FrequencyHz != 0 {
		if c.FrequencyHz < 0 {
			return fmt.Errorf("frequency_hz must be positive")
		}
		forms++
	}
	if len(c.FrequencyRanges) > 0 {
		forms++
	}
	if c.ManualFrequencyRange != nil {
		forms++
	}
	if forms != 1 {
		return fmt.Errorf("exactly one of frequency_hz, frequency_ranges, manual_frequency_range is required")
	}

	if c.ManualFrequencyRange != nil {
		r := c.ManualFrequencyRange
		if r.MinHz <= 0 || r.MaxHz <= 0 {
			return fmt.Errorf("manual_frequency_range bounds must be positive")
		}
		if r.MinHz > r.MaxHz {
			return fmt.Errorf("manual_frequency_range min_hz %d above max_hz %d", r.MinHz, r.MaxHz)
		}
	}

	if ranges != nil {
		for _, name := range c.FrequencyRanges {
			if _, ok := ranges[name]; !ok {
				return fmt.Errorf("frequency range %q is not defined", name)
			}
		}
	}

	if c.MinDelayS < 0 || c.MaxDelayS < 0 {
		return fmt.Errorf("delays must be non-negative")
	}
	if c.MinDelayS > c.MaxDelayS {
		return fmt.Errorf("min_delay_s %d above max_delay_s %d", c.MinDelayS, c.MaxDelayS)
	}

	if c.Flag != "" && c.FlagFileHash != "" {
		return fmt.Errorf("flag and flag_file_hash are mutually exclusive")
	}
	if c.FlagFileHash != "" && !isHexHash(c.FlagFileHash) {
		return fmt.Errorf("flag_file_hash is not a sha256 hex digest")
	}

	return nil
}

// PublicFields shapes one challenge for unauthenticated viewers. The name
// is always visible; modulation, frequency, last transmission time, and
// on-air status appear only when the document opts in.
func (c *Config) PublicFields(active bool, lastTx *time.Time) map[string]any {
	out := map[string]any{"name": c.Name}
	pv := c.PublicView
	if pv == nil {
		return out
	}
	if pv.ShowModulation {
		out["modulation"] = c.Modulation
	}
	if pv.ShowFrequency {
		switch {
		case len(c.FrequencyRanges) > 0:
			out["frequency_ranges"] = c.FrequencyRanges
		case c.ManualFrequencyRange != nil:
			out["frequency_range"] = c.ManualFrequencyRange
		default:
			out["frequency_hz"] = c.FrequencyHz
		}
	}
	if pv.ShowLastTxTime {
		if lastTx != nil {
			t := lastTx.UTC()
			out["last_tx_time"] = &t
		} else {
			out["last_tx_time"] = (*time.Time)(nil)
		}
	}
	if pv.ShowActiveStatus {
		out["active"] = active
	}
	return out
}

func isHexHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
