// Package state persists the controller's singleton documents: the
// poll cursor, the emergency-stop latch, and the watchdog record. Each
// document is a whole-file JSON replacement; a missing or malformed
// file reads as the zero-value default so callers never fail on state.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TimeFormat is the fixed UTC textual format used in all state documents.
const TimeFormat = "2006-01-02T15:04:05Z"

// NowUTC returns the current time in the canonical textual format.
func NowUTC() string {
	return time.Now().UTC().Format(TimeFormat)
}

// Control is the emergency-stop latch document.
type Control struct {
	EmergencyStop   bool   `json:"emergency_stop"`
	UpdatedAt       string `json:"updated_at,omitempty"`
	UpdatedByChatID string `json:"updated_by_chat_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
	ResumeReason    string `json:"resume_reason,omitempty"`
}

// Watchdog is the fleet-health watchdog document.
type Watchdog struct {
	AlertActive     bool   `json:"alert_active"`
	LastAlertAt     int64  `json:"last_alert_at"`
	LastFailureHash string `json:"last_failure_hash"`
	LastOKAt        string `json:"last_ok_at,omitempty"`
	LastSeenAt      string `json:"last_seen_at,omitempty"`
	LastReason      string `json:"last_reason,omitempty"`
}

type offsetDoc struct {
	Offset int64 `json:"offset"`
}

// Store reads and writes the singleton documents under a state directory.
type Store struct {
	offsetPath   string
	controlPath  string
	watchdogPath string
}

// NewStore creates the state directory if needed and returns a Store.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create state directory: %w", err)
	}
	return &Store{
		offsetPath:   filepath.Join(dir, "telegram-offset.json"),
		controlPath:  filepath.Join(dir, "emergency-stop.json"),
		watchdogPath: filepath.Join(dir, "telegram-watchdog.json"),
	}, nil
}

// LoadOffset returns the persisted poll cursor, or 0.
func (s *Store) LoadOffset() int64 {
	var doc offsetDoc
	readDoc(s.offsetPath, &doc)
	return doc.Offset
}

// SaveOffset persists the poll cursor.
func (s *Store) SaveOffset(offset int64) error {
	return writeDoc(s.offsetPath, offsetDoc{Offset: offset})
}

// LoadControl returns the latch document, or the default (latch off).
func (s *Store) LoadControl() Control {
	var doc Control
	readDoc(s.controlPath, &doc)
	return doc
}

// SaveControl persists the latch document.
func (s *Store) SaveControl(c Control) error {
	return writeDoc(s.controlPath, c)
}

// IsStopped reports whether the emergency-stop latch is on.
func (s *Store) IsStopped() bool {
	return s.LoadControl().EmergencyStop
}

// SetEmergencyStop flips the latch and records who and why. The reason
// lands in Reason when stopping and ResumeReason when resuming.
func (s *Store) SetEmergencyStop(active bool, chatID, reason string) (Control, error) {
	cur := s.LoadControl()
	cur.EmergencyStop = active
	cur.UpdatedAt = NowUTC()
	cur.UpdatedByChatID = chatID
	if active {
		cur.Reason = orDefault(reason, "manual_emergency_stop")
	} else {
		cur.ResumeReason = orDefault(reason, "manual_resume")
	}
	return cur, s.SaveControl(cur)
}

// LoadWatchdog returns the watchdog document, or the inactive default.
func (s *Store) LoadWatchdog() Watchdog {
	var doc Watchdog
	readDoc(s.watchdogPath, &doc)
	return doc
}

// SaveWatchdog persists the watchdog document.
func (s *Store) SaveWatchdog(w Watchdog) error {
	return writeDoc(s.watchdogPath, w)
}

// readDoc decodes path into v. Missing or malformed files leave v at
// its zero value — state reads never fail the caller.
func readDoc(path string, v any) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, v)
}

// writeDoc replaces the whole document atomically via tmp+rename so a
// concurrent reader observes either the old or the new version.
func writeDoc(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func orDefault(s, def string) string {
	if v := strings.TrimSpace(s); v != "" {
		return v
	}
	return def
}
