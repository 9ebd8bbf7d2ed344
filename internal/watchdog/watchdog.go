// Package watchdog periodically probes fleet health and escalates
// persistent failures to the operator as approval requests. Repeats of
// the same failure are debounced by a fingerprint over normalized
// probe output plus a cooldown window.
package watchdog

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/fleetgate/internal/approval"
	"github.com/ppiankov/fleetgate/internal/blocker"
	"github.com/ppiankov/fleetgate/internal/config"
	"github.com/ppiankov/fleetgate/internal/state"
)

const (
	normalizeChars     = 1500
	excerptChars       = 1200
	notifyExcerptChars = 1000

	healthScript   = "./scripts/autonomy/test-all-agents.sh"
	fallbackReason = "agent_watchdog_failed"
	reasonPrefix   = "watchdog_"
)

// Notifier delivers operator-facing messages.
type Notifier interface {
	SendMessage(chatID, text string) error
}

// Runner executes the health probe script.
type Runner interface {
	Run(args []string, timeout time.Duration) (int, string)
}

// Watchdog owns the periodic health check.
type Watchdog struct {
	Cfg       *config.Config
	State     *state.Store
	Approvals *approval.Store
	Runner    Runner
	Notifier  Notifier
	Log       zerolog.Logger

	// OnRequestCreated fires after a new alert request is persisted, so
	// the controller can audit, alert, and trigger plan review.
	OnRequestCreated func(req *approval.Request)

	// OnRecovered fires when an active alert clears.
	OnRecovered func()

	// Now is swappable for tests.
	Now func() time.Time

	lastCheck time.Time
}

// MaybeTick runs a health check when the configured interval has
// elapsed since the previous one. Called at update-loop batch
// boundaries.
func (w *Watchdog) MaybeTick() {
	now := w.now()
	if !w.lastCheck.IsZero() && now.Sub(w.lastCheck) < w.Cfg.WatchdogInterval {
		return
	}
	w.lastCheck = now
	w.Tick()
}

// Tick performs one health check. Disabled watchdog and an engaged
// emergency-stop latch both skip the probe.
func (w *Watchdog) Tick() {
	if !w.Cfg.WatchdogEnabled {
		return
	}
	if w.State.IsStopped() {
		return
	}

	chatID := w.Cfg.PrimaryChatID()
	args := []string{healthScript, "--prompt", w.Cfg.WatchdogPrompt}
	if !w.Cfg.WatchdogCheckMoltbook {
		args = append(args, "--skip-moltbook")
	}

	code, out := w.Runner.Run(args, w.Cfg.WatchdogTimeout)
	doc := w.State.LoadWatchdog()
	now := w.now()

	if code == 0 {
		if doc.AlertActive {
			_ = w.Notifier.SendMessage(chatID, "[watchdog] RECOVERED\nAll agents are healthy again.")
			if w.OnRecovered != nil {
				w.OnRecovered()
			}
		}
		doc.AlertActive = false
		doc.LastOKAt = now.UTC().Format(state.TimeFormat)
		doc.LastFailureHash = ""
		if err := w.State.SaveWatchdog(doc); err != nil {
			w.Log.Error().Err(err).Msg("watchdog state save failed")
		}
		return
	}

	failureHash := Fingerprint(out)
	reason := reasonPrefix + classify(out)

	// Same failure inside the cooldown window: refresh last-seen only.
	if doc.AlertActive && doc.LastFailureHash == failureHash &&
		now.Unix()-doc.LastAlertAt < int64(w.Cfg.WatchdogCooldown/time.Second) {
		doc.LastSeenAt = now.UTC().Format(state.TimeFormat)
		if err := w.State.SaveWatchdog(doc); err != nil {
			w.Log.Error().Err(err).Msg("watchdog state save failed")
		}
		return
	}

	// An unresolved watchdog approval already sits with the operator; do
	// not stack another one behind it.
	if w.Approvals.HasPendingWithReasonPrefix(chatID, reasonPrefix) {
		w.record(doc, now, failureHash, reason)
		return
	}

	req, err := w.Approvals.Create(chatID, "/status")
	if err != nil {
		w.Log.Error().Err(err).Msg("watchdog approval create failed")
		return
	}
	req.Reason = reason
	req.Note = "Auto-created by watchdog due to agent health failure."
	req.WatchdogFailureHash = failureHash
	req.WatchdogExcerpt = capString(out, excerptChars)
	if err := w.Approvals.Save(req); err != nil {
		w.Log.Error().Err(err).Msg("watchdog approval save failed")
		return
	}

	_ = w.Notifier.SendMessage(chatID, fmt.Sprintf(
		"[watchdog] Human intervention required.\n"+
			"request_id: %s\n"+
			"reason: %s\n\n"+
			"Approve: /approve %s\n"+
			"Reject: /reject %s\n\n"+
			"excerpt:\n%s",
		req.ID, reason, req.ID, req.ID, capString(out, notifyExcerptChars)))

	if w.OnRequestCreated != nil {
		w.OnRequestCreated(req)
	}

	w.record(doc, now, failureHash, reason)
}

func (w *Watchdog) record(doc state.Watchdog, now time.Time, failureHash, reason string) {
	doc.AlertActive = true
	doc.LastAlertAt = now.Unix()
	doc.LastFailureHash = failureHash
	doc.LastReason = reason
	doc.LastSeenAt = now.UTC().Format(state.TimeFormat)
	if err := w.State.SaveWatchdog(doc); err != nil {
		w.Log.Error().Err(err).Msg("watchdog state save failed")
	}
}

func (w *Watchdog) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func classify(out string) string {
	if tag := blocker.Classify(out); tag != "" {
		return tag
	}
	return fallbackReason
}

var whitespace = regexp.MustCompile(`\s+`)

// Fingerprint hashes probe output into a stable failure identity:
// whitespace collapsed, lowercased, capped, then SHA-1.
func Fingerprint(out string) string {
	normalized := whitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(out)), " ")
	if len(normalized) > normalizeChars {
		normalized = normalized[:normalizeChars]
	}
	sum := sha1.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func capString(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
