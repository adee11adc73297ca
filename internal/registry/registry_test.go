package registry

import (
	"testing"
	"time"

	"github.com/sparkgap/foxctl/internal/database"
)

func boundAgent(status string, beatAge time.Duration) *database.Agent {
	beat := time.Now().Add(-beatAge)
	return &database.Agent{
		ID:            "runner-1",
		Role:          database.RoleRunner,
		Status:        status,
		IP:            "10.0.0.5",
		Hostname:      "fox-runner-1",
		MAC:           "aa:bb:cc:dd:ee:01",
		MachineID:     "m-1111",
		LastHeartbeat: &beat,
	}
}

func TestHostBindingOK(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name        string
		agent       *database.Agent
		host        HostIdentity
		wantBound   bool
		wantChecked bool
	}{
		{
			name:        "all_identifiers_match",
			agent:       boundAgent(database.AgentOnline, 30*time.Second),
			host:        HostIdentity{IP: "10.0.0.5", Hostname: "fox-runner-1", MAC: "aa:bb:cc:dd:ee:01", MachineID: "m-1111"},
			wantBound:   true,
			wantChecked: true,
		},
		{
			name:        "single_identifier_suffices",
			agent:       boundAgent(database.AgentOnline, 30*time.Second),
			host:        HostIdentity{IP: "10.0.0.99", Hostname: "other", MAC: "aa:bb:cc:dd:ee:01", MachineID: "m-9999"},
			wantBound:   true,
			wantChecked: true,
		},
		{
			name:        "mac_case_insensitive",
			agent:       boundAgent(database.AgentOnline, 30*time.Second),
			host:        HostIdentity{MAC: "AA:BB:CC:DD:EE:01"},
			wantBound:   true,
			wantChecked: true,
		},
		{
			name:        "no_identifier_matches",
			agent:       boundAgent(database.AgentOnline, 30*time.Second),
			host:        HostIdentity{IP: "10.0.0.6", Hostname: "intruder", MAC: "aa:bb:cc:dd:ee:02", MachineID: "m-2222"},
			wantBound:   false,
			wantChecked: true,
		},
		{
			name:        "empty_claims_never_match",
			agent:       boundAgent(database.AgentOnline, 30*time.Second),
			host:        HostIdentity{},
			wantBound:   false,
			wantChecked: true,
		},
		{
			name:        "offline_agent_skips_check",
			agent:       boundAgent(database.AgentOffline, 30*time.Second),
			host:        HostIdentity{IP: "10.0.0.6"},
			wantBound:   true,
			wantChecked: false,
		},
		{
			name:        "stale_heartbeat_skips_check",
			agent:       boundAgent(database.AgentOnline, 3*time.Minute),
			host:        HostIdentity{IP: "10.0.0.6"},
			wantBound:   true,
			wantChecked: false,
		},
		{
			name: "nil_heartbeat_skips_check",
			agent: func() *database.Agent {
				a := boundAgent(database.AgentOnline, 0)
				a.LastHeartbeat = nil
				return a
			}(),
			host:        HostIdentity{IP: "10.0.0.6"},
			wantBound:   true,
			wantChecked: false,
		},
		{
			name: "empty_stored_field_does_not_match_empty_claim",
			agent: func() *database.Agent {
				a := boundAgent(database.AgentOnline, 30*time.Second)
				a.MAC = ""
				a.MachineID = ""
				return a
			}(),
			host:        HostIdentity{MAC: "", MachineID: ""},
			wantBound:   false,
			wantChecked: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bound, checked := hostBindingOK(tt.agent, tt.host, now)
			if bound != tt.wantBound || checked != tt.wantChecked {
				t.Errorf("hostBindingOK() = (%v, %v), want (%v, %v)",
					bound, checked, tt.wantBound, tt.wantChecked)
			}
		})
	}
}

// Heartbeat exactly at the freshness boundary still binds; one second past
// it releases the key for migration.
func TestHostBindingFreshnessBoundary(t *testing.T) {
	now := time.Now()

	atBoundary := boundAgent(database.AgentOnline, bindingFreshness)
	if _, checked := hostBindingOK(atBoundary, HostIdentity{IP: "10.0.0.6"}, now); !checked {
		t.Error("binding at exactly 2m should still be checked")
	}

	pastBoundary := boundAgent(database.AgentOnline, bindingFreshness+time.Second)
	if bound, checked := hostBindingOK(pastBoundary, HostIdentity{IP: "10.0.0.6"}, now); checked || !bound {
		t.Errorf("binding past 2m = (%v, %v), want (true, false)", bound, checked)
	}
}
