package cfg

import (
	"strings"
	"testing"
)

func TestValidate_MembershipTimingAlignment(t *testing.T) {
	tests := []struct {
		name                string
		heartbeatIntervalMS int
		suspectTimeoutMS    int
		deadTimeoutMS       int
		expectError         bool
		errorContains       string
	}{
		{
			name:                "Valid: Default production settings",
			heartbeatIntervalMS: 1000,
			suspectTimeoutMS:    5000,  // several missed beats before suspicion
			deadTimeoutMS:       10000, // DEAD only after SUSPECT
			expectError:         false,
		},
		{
			name:                "Valid: Tight test settings",
			heartbeatIntervalMS: 10,
			suspectTimeoutMS:    11,
			deadTimeoutMS:       12,
			expectError:         false,
		},
		{
			name:                "Invalid: Zero heartbeat interval",
			heartbeatIntervalMS: 0,
			suspectTimeoutMS:    5000,
			deadTimeoutMS:       10000,
			expectError:         true,
			errorContains:       "heartbeat interval",
		},
		{
			name:                "Invalid: Suspect timeout equal to heartbeat interval",
			heartbeatIntervalMS: 1000,
			suspectTimeoutMS:    1000, // every late beat would flap
			deadTimeoutMS:       10000,
			expectError:         true,
			errorContains:       "suspect timeout",
		},
		{
			name:                "Invalid: Dead timeout before suspect timeout",
			heartbeatIntervalMS: 1000,
			suspectTimeoutMS:    5000,
			deadTimeoutMS:       4000,
			expectError:         true,
			errorContains:       "dead timeout",
		},
		{
			name:                "Invalid: Dead timeout equal to suspect timeout",
			heartbeatIntervalMS: 1000,
			suspectTimeoutMS:    5000,
			deadTimeoutMS:       5000,
			expectError:         true,
			errorContains:       "dead timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := Config
			defer func() { Config = original }()

			Config = Default()
			Config.Membership = MembershipConfiguration{
				HeartbeatIntervalMS: tt.heartbeatIntervalMS,
				SuspectTimeoutMS:    tt.suspectTimeoutMS,
				DeadTimeoutMS:       tt.deadTimeoutMS,
			}

			err := Validate()

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorContains != "" && !strings.Contains(err.Error(), tt.errorContains) {
					t.Errorf("Expected error to contain %q, got: %v", tt.errorContains, err)
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}
