package model

import (
	"errors"
	"testing"
)

func TestValidateTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusOzonProcessed}:   true,
		{StatusPending, StatusError}:           true,
		{StatusPending, StatusFailed}:          true,
		{StatusPending, StatusFatal}:           true,
		{StatusOzonProcessed, StatusCompleted}: true,
		{StatusOzonProcessed, StatusNotFound}:  true,
		{StatusOzonProcessed, StatusError}:     true,
		{StatusOzonProcessed, StatusFailed}:    true,
		{StatusOzonProcessed, StatusFatal}:     true,
	}

	for _, from := range AllStatuses() {
		for _, to := range AllStatuses() {
			err := ValidateTransition(from, to)
			if allowed[[2]Status{from, to}] {
				if err != nil {
					t.Errorf("%s -> %s: unexpected error %v", from, to, err)
				}
				continue
			}
			if err == nil {
				t.Errorf("%s -> %s: expected rejection", from, to)
				continue
			}
			if !errors.Is(err, ErrIllegalTransition) {
				t.Errorf("%s -> %s: error %v does not wrap ErrIllegalTransition", from, to, err)
			}
			var te *TransitionError
			if !errors.As(err, &te) || te.From != from || te.To != to {
				t.Errorf("%s -> %s: unexpected transition error %#v", from, to, err)
			}
		}
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status    Status
		claimable bool
		terminal  bool
	}{
		{StatusPending, true, false},
		{StatusOzonProcessed, true, false},
		{StatusCompleted, false, true},
		{StatusNotFound, false, true},
		{StatusError, false, true},
		{StatusFailed, false, true},
		{StatusFatal, false, true},
		{Status("running"), false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Claimable(); got != tt.claimable {
				t.Errorf("Claimable() = %v, want %v", got, tt.claimable)
			}
			if got := tt.status.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestStatusLabelsAreDistinct(t *testing.T) {
	seen := make(map[string]Status)
	for _, s := range AllStatuses() {
		label := s.Label()
		if prev, ok := seen[label]; ok {
			t.Fatalf("label %q shared by %s and %s", label, prev, s)
		}
		seen[label] = s
	}
}
