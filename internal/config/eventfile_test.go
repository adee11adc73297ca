package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEventFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "event.yml")

	doc := `
conference:
  name: "Spark Gap Village"
  location: "Hall C"
  timezone: "America/Los_Angeles"
schedule:
  day_start: "09:00"
  end_of_day: "17:30"
  auto_pause_daily: true
frequency_ranges:
  ham_2m:
    min_hz: 144000000
    max_hz: 148000000
  ham_70cm:
    min_hz: 420000000
    max_hz: 450000000
challenges:
  - name: cw-1
    modulation: cw
    flag: "FOX{dit-dah}"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	ef, err := LoadEventFile(path)
	if err != nil {
		t.Fatalf("LoadEventFile: %v", err)
	}

	if ef.Conference.Name != "Spark Gap Village" {
		t.Errorf("Conference.Name = %q, want Spark Gap Village", ef.Conference.Name)
	}
	if ef.Schedule.DayStart != "09:00" || ef.Schedule.EndOfDay != "17:30" {
		t.Errorf("Schedule = %q..%q, want 09:00..17:30", ef.Schedule.DayStart, ef.Schedule.EndOfDay)
	}
	if !ef.Schedule.AutoPauseDaily {
		t.Error("AutoPauseDaily = false, want true")
	}
	if len(ef.Ranges) != 2 {
		t.Fatalf("len(Ranges) = %d, want 2", len(ef.Ranges))
	}
	r, ok := ef.Ranges["ham_2m"]
	if !ok {
		t.Fatal("ham_2m range missing")
	}
	if r.MinHz != 144000000 || r.MaxHz != 148000000 {
		t.Errorf("ham_2m = [%d,%d], want [144000000,148000000]", r.MinHz, r.MaxHz)
	}
	if len(ef.Challenges) != 1 {
		t.Errorf("len(Challenges) = %d, want 1", len(ef.Challenges))
	}
}

func TestLoadEventFileMissing(t *testing.T) {
	_, err := LoadEventFile(filepath.Join(t.TempDir(), "nope.yml"))
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestEventFileValidate(t *testing.T) {
	tests := []struct {
		name    string
		ef      EventFile
		wantErr bool
	}{
		{
			name: "valid",
			ef: EventFile{
				Ranges:   map[string]FrequencyRange{"a": {MinHz: 1, MaxHz: 2}},
				Schedule: Schedule{DayStart: "08:00", EndOfDay: "22:00"},
			},
		},
		{
			name:    "inverted range",
			ef:      EventFile{Ranges: map[string]FrequencyRange{"a": {MinHz: 5, MaxHz: 2}}},
			wantErr: true,
		},
		{
			name:    "zero bound",
			ef:      EventFile{Ranges: map[string]FrequencyRange{"a": {MinHz: 0, MaxHz: 2}}},
			wantErr: true,
		},
		{
			name:    "bad clock",
			ef:      EventFile{Schedule: Schedule{DayStart: "9am"}},
			wantErr: true,
		},
		{
			name:    "clock out of range",
			ef:      EventFile{Schedule: Schedule{EndOfDay: "25:00"}},
			wantErr: true,
		},
		{
			name: "empty document",
			ef:   EventFile{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ef.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
