package enroll

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sparkgap/foxctl/internal/events"
	"github.com/sparkgap/foxctl/internal/vault"
)

func testService(t *testing.T) *Service {
	t.Helper()
	v, err := vault.Open(filepath.Join(t.TempDir(), "vault.key"))
	if err != nil {
		t.Fatalf("vault.Open: %v", err)
	}
	// nil db: these tests exercise only paths that reject before storage.
	return New(nil, v, events.NewBus(), "https://ctf.example.org", zerolog.Nop())
}

func TestEnrollRejectsBadInput(t *testing.T) {
	s := testService(t)
	v := s.vault

	goodKey, err := v.NewRunnerKey()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		req  Request
	}{
		{"missing agent id", Request{Token: "tok", APIKey: goodKey.Full, Role: "runner"}},
		{"unknown role", Request{Token: "tok", APIKey: goodKey.Full, AgentID: "fox-01", Role: "overseer"}},
		{"malformed api key", Request{Token: "tok", APIKey: "not-a-key", AgentID: "fox-01", Role: "runner"}},
		{"provision key as api key", Request{Token: "tok", APIKey: strings.Replace(goodKey.Full, "fox_", "foxp_", 1), AgentID: "fox-01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Enroll(context.Background(), tt.req)
			if !errors.Is(err, ErrBadRequest) {
				t.Errorf("Enroll err = %v, want ErrBadRequest", err)
			}
		})
	}
}

func TestProvisionRejectsBadKey(t *testing.T) {
	s := testService(t)

	tests := []struct {
		name   string
		bearer string
		runner string
		want   error
	}{
		{"empty runner id", "foxp_whatever", "", ErrBadRequest},
		{"empty key", "", "fox-01", ErrUnauthorized},
		{"runner key not provision key", "fox_0011223344556677." + strings.Repeat("a", 64), "fox-01", ErrUnauthorized},
		{"garbage", "bearer garbage", "fox-01", ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Provision(context.Background(), tt.bearer, tt.runner)
			if !errors.Is(err, tt.want) {
				t.Errorf("Provision err = %v, want %v", err, tt.want)
			}
		})
	}
}

// The YAML document is the wire contract with runner hosts; field names
// must stay stable.
func TestRunnerConfigDocument(t *testing.T) {
	doc, err := yaml.Marshal(RunnerConfig{
		ControllerURL:      "https://ctf.example.org",
		RunnerID:           "fox-01",
		EnrollmentToken:    "tok123",
		APIKey:             "fox_aa.bb",
		HeartbeatIntervalS: 30,
		PollIntervalS:      5,
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	for _, want := range []string{
		"controller_url: https://ctf.example.org",
		"runner_id: fox-01",
		"enrollment_token: tok123",
		"api_key: fox_aa.bb",
		"heartbeat_interval_s: 30",
		"poll_interval_s: 5",
	} {
		if !strings.Contains(string(doc), want) {
			t.Errorf("document missing %q:\n%s", want, doc)
		}
	}
}
