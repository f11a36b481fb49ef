//go:build linux

package pmu

import "testing"

func TestScale(t *testing.T) {
	tests := []struct {
		name     string
		value    uint64
		enabled  uint64
		running  uint64
		expected uint64
	}{
		{"never ran", 500, 1000, 0, 0},
		{"ran full time", 500, 1000, 1000, 500},
		{"multiplexed half", 500, 1000, 500, 1000},
		{"multiplexed quarter", 100, 4000, 1000, 400},
		{"running exceeds enabled", 500, 1000, 2000, 500},
		{"zero value", 0, 1000, 500, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scale(tt.value, tt.enabled, tt.running); got != tt.expected {
				t.Errorf("scale(%d, %d, %d): got %d, want %d",
					tt.value, tt.enabled, tt.running, got, tt.expected)
			}
		})
	}
}

func TestSessionIoctlWithoutOpen(t *testing.T) {
	s := &Session{leader: -1}
	for i := range s.fds {
		s.fds[i] = -1
	}
	if err := s.Enable(); err == nil {
		t.Error("enable on an unopened session should fail")
	}
	if err := s.Reset(); err == nil {
		t.Error("reset on an unopened session should fail")
	}
	// Close on an unopened session is a no-op, not a panic.
	s.Close()
}
