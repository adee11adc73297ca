package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EventFile is the operator-authored YAML document describing the event:
// conference metadata, the named frequency ranges challenges may reference,
// and optionally the challenge definitions themselves. It is re-read on
// change (fsnotify) and on explicit reload requests.
type EventFile struct {
	Conference Conference                `yaml:"conference"`
	Schedule   Schedule                  `yaml:"schedule"`
	Ranges     map[string]FrequencyRange `yaml:"frequency_ranges"`

	// Challenges are decoded by the challenge package; kept as raw nodes
	// here so this package needs no knowledge of modulation variants.
	Challenges []yaml.Node `yaml:"challenges"`
}

type Conference struct {
	Name      string `yaml:"name"`
	Location  string `yaml:"location"`
	StartDate string `yaml:"start_date"`
	EndDate   string `yaml:"end_date"`
	Timezone  string `yaml:"timezone"`
}

// Schedule seeds the transmit-window settings on first start. Runtime
// changes go through the conference-settings endpoint and live in the store.
type Schedule struct {
	DayStart       string `yaml:"day_start"`
	EndOfDay       string `yaml:"end_of_day"`
	AutoPauseDaily bool   `yaml:"auto_pause_daily"`
}

// FrequencyRange is an inclusive band in Hz.
type FrequencyRange struct {
	MinHz int64 `yaml:"min_hz" json:"min_hz"`
	MaxHz int64 `yaml:"max_hz" json:"max_hz"`
}

// LoadEventFile reads and validates the event config document.
func LoadEventFile(path string) (*EventFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event config: %w", err)
	}

	ef := &EventFile{}
	if err := yaml.Unmarshal(data, ef); err != nil {
		return nil, fmt.Errorf("parse event config: %w", err)
	}

	if err := ef.Validate(); err != nil {
		return nil, fmt.Errorf("validate event config: %w", err)
	}
	return ef, nil
}

func (ef *EventFile) Validate() error {
	for name, r := range ef.Ranges {
		if name == "" {
			return fmt.Errorf("frequency range with empty name")
		}
		if r.MinHz <= 0 || r.MaxHz <= 0 {
			return fmt.Errorf("frequency range %q: bounds must be positive", name)
		}
		if r.MinHz > r.MaxHz {
			return fmt.Errorf("frequency range %q: min_hz %d above max_hz %d", name, r.MinHz, r.MaxHz)
		}
	}
	if ef.Schedule.DayStart != "" {
		if err := ValidateClock(ef.Schedule.DayStart); err != nil {
			return fmt.Errorf("schedule day_start: %w", err)
		}
	}
	if ef.Schedule.EndOfDay != "" {
		if err := ValidateClock(ef.Schedule.EndOfDay); err != nil {
			return fmt.Errorf("schedule end_of_day: %w", err)
		}
	}
	return nil
}

// ValidateClock checks HH:MM, 24-hour.
func ValidateClock(s string) error {
	if len(s) != 5 || s[2] != ':' {
		return fmt.Errorf("%q is not HH:MM", s)
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	for _, c := range []byte{s[0], s[1], s[3], s[4]} {
		if c < '0' || c > '9' {
			return fmt.Errorf("%q is not HH:MM", s)
		}
	}
	if h > 23 || m > 59 {
		return fmt.Errorf("%q is out of range", s)
	}
	return nil
}
