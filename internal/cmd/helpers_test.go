package cmd

import (
	"testing"
)

func TestActivityActor_Configured(t *testing.T) {
	if got := activityActor("  night-shift "); got != "night-shift" {
		t.Errorf("activityActor() = %q, want %q", got, "night-shift")
	}
}

func TestActivityActor_Detects(t *testing.T) {
	// git user.name or the OS account; never empty.
	if got := activityActor(""); got == "" {
		t.Error("activityActor(\"\") returned empty")
	}
}
