package state

import (
	"os"
	"path/filepath"
	"testing"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestOffsetRoundTrip(t *testing.T) {
	s := newStore(t)

	if got := s.LoadOffset(); got != 0 {
		t.Errorf("fresh offset = %d, want 0", got)
	}
	if err := s.SaveOffset(42); err != nil {
		t.Fatalf("SaveOffset: %v", err)
	}
	if got := s.LoadOffset(); got != 42 {
		t.Errorf("offset = %d, want 42", got)
	}
}

func TestOffsetSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.SaveOffset(777); err != nil {
		t.Fatalf("SaveOffset: %v", err)
	}

	reopened, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore reopen: %v", err)
	}
	if got := reopened.LoadOffset(); got != 777 {
		t.Errorf("offset after reopen = %d, want 777", got)
	}
}

func TestMalformedControlReadsAsOff(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "emergency-stop.json"), []byte("{garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if s.IsStopped() {
		t.Error("malformed control file should read as latch off")
	}
}

func TestSetEmergencyStop(t *testing.T) {
	s := newStore(t)

	c, err := s.SetEmergencyStop(true, "100", "maintenance")
	if err != nil {
		t.Fatalf("SetEmergencyStop: %v", err)
	}
	if !c.EmergencyStop || c.Reason != "maintenance" || c.UpdatedByChatID != "100" {
		t.Errorf("stop state = %+v", c)
	}
	if !s.IsStopped() {
		t.Error("latch should be on")
	}

	c, err = s.SetEmergencyStop(false, "100", "done")
	if err != nil {
		t.Fatalf("SetEmergencyStop resume: %v", err)
	}
	if c.EmergencyStop || c.ResumeReason != "done" {
		t.Errorf("resume state = %+v", c)
	}
	// Stop reason from the earlier activation is preserved for audit.
	if c.Reason != "maintenance" {
		t.Errorf("Reason = %q, want maintenance", c.Reason)
	}
}

func TestSetEmergencyStopDefaultReasons(t *testing.T) {
	s := newStore(t)

	c, _ := s.SetEmergencyStop(true, "100", "   ")
	if c.Reason != "manual_emergency_stop" {
		t.Errorf("Reason = %q, want manual_emergency_stop", c.Reason)
	}
	c, _ = s.SetEmergencyStop(false, "100", "")
	if c.ResumeReason != "manual_resume" {
		t.Errorf("ResumeReason = %q, want manual_resume", c.ResumeReason)
	}
}

func TestWatchdogRoundTrip(t *testing.T) {
	s := newStore(t)

	w := s.LoadWatchdog()
	if w.AlertActive || w.LastFailureHash != "" {
		t.Errorf("fresh watchdog = %+v", w)
	}

	w.AlertActive = true
	w.LastAlertAt = 1700000000
	w.LastFailureHash = "abc"
	w.LastReason = "watchdog_rate_limited"
	if err := s.SaveWatchdog(w); err != nil {
		t.Fatalf("SaveWatchdog: %v", err)
	}

	got := s.LoadWatchdog()
	if !got.AlertActive || got.LastAlertAt != 1700000000 || got.LastFailureHash != "abc" {
		t.Errorf("watchdog = %+v", got)
	}
}
