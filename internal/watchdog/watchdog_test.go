package watchdog

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/fleetgate/internal/approval"
	"github.com/ppiankov/fleetgate/internal/config"
	"github.com/ppiankov/fleetgate/internal/state"
)

type fakeRunner struct {
	code int
	out  string
	args [][]string
}

func (r *fakeRunner) Run(args []string, _ time.Duration) (int, string) {
	r.args = append(r.args, args)
	return r.code, r.out
}

type fakeNotifier struct {
	messages []string
}

func (n *fakeNotifier) SendMessage(_, text string) error {
	n.messages = append(n.messages, text)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		AllowedChatIDs:        []string{"100", "200"},
		WatchdogEnabled:       true,
		WatchdogInterval:      300 * time.Second,
		WatchdogTimeout:       240 * time.Second,
		WatchdogCooldown:      600 * time.Second,
		WatchdogPrompt:        "한 문장으로 hello",
		WatchdogCheckMoltbook: true,
	}
}

func newWatchdog(t *testing.T, cfg *config.Config, r Runner, n Notifier) (*Watchdog, *state.Store, *approval.Store) {
	t.Helper()
	st, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ap, err := approval.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return &Watchdog{
		Cfg:       cfg,
		State:     st,
		Approvals: ap,
		Runner:    r,
		Notifier:  n,
		Log:       zerolog.Nop(),
	}, st, ap
}

func TestHealthyProbeRecordsOK(t *testing.T) {
	runner := &fakeRunner{code: 0, out: "all agents ok"}
	notifier := &fakeNotifier{}
	w, st, _ := newWatchdog(t, testConfig(), runner, notifier)

	w.Tick()

	doc := st.LoadWatchdog()
	if doc.AlertActive || doc.LastOKAt == "" {
		t.Errorf("doc = %+v", doc)
	}
	if len(notifier.messages) != 0 {
		t.Errorf("healthy probe must not notify, got %v", notifier.messages)
	}
	if len(runner.args) != 1 || runner.args[0][0] != "./scripts/autonomy/test-all-agents.sh" {
		t.Errorf("args = %v", runner.args)
	}
}

func TestSkipMoltbookFlag(t *testing.T) {
	cfg := testConfig()
	cfg.WatchdogCheckMoltbook = false
	runner := &fakeRunner{code: 0}
	w, _, _ := newWatchdog(t, cfg, runner, &fakeNotifier{})

	w.Tick()

	if got := runner.args[0]; got[len(got)-1] != "--skip-moltbook" {
		t.Errorf("args = %v, want --skip-moltbook last", got)
	}
}

func TestFailureCreatesApprovalAndNotifies(t *testing.T) {
	runner := &fakeRunner{code: 1, out: "Error: authentication failed for openclaw-grok"}
	notifier := &fakeNotifier{}
	w, st, ap := newWatchdog(t, testConfig(), runner, notifier)

	var created *approval.Request
	w.OnRequestCreated = func(req *approval.Request) { created = req }

	w.Tick()

	pending, _ := ap.ListPending("100")
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	req := pending[0]
	if req.Reason != "watchdog_credentials_invalid" {
		t.Errorf("reason = %q", req.Reason)
	}
	if req.CommandText != "/status" {
		t.Errorf("command = %q", req.CommandText)
	}
	if req.WatchdogFailureHash == "" || req.WatchdogExcerpt == "" {
		t.Errorf("fingerprint fields missing: %+v", req)
	}
	if created == nil || created.ID != req.ID {
		t.Error("OnRequestCreated not fired with the new request")
	}

	doc := st.LoadWatchdog()
	if !doc.AlertActive || doc.LastReason != "watchdog_credentials_invalid" {
		t.Errorf("doc = %+v", doc)
	}

	if len(notifier.messages) != 1 {
		t.Fatalf("messages = %v", notifier.messages)
	}
	msg := notifier.messages[0]
	for _, want := range []string{"[watchdog] Human intervention required.", req.ID, "/approve " + req.ID, "/reject " + req.ID} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestUnclassifiedFailureUsesFallbackReason(t *testing.T) {
	runner := &fakeRunner{code: 1, out: "something odd happened"}
	w, _, ap := newWatchdog(t, testConfig(), runner, &fakeNotifier{})

	w.Tick()

	pending, _ := ap.ListPending("100")
	if len(pending) != 1 || pending[0].Reason != "watchdog_agent_watchdog_failed" {
		t.Errorf("pending = %+v", pending)
	}
}

func TestRepeatFailureDebouncedInsideCooldown(t *testing.T) {
	runner := &fakeRunner{code: 1, out: "same failure output"}
	notifier := &fakeNotifier{}
	w, st, ap := newWatchdog(t, testConfig(), runner, notifier)

	base := time.Now()
	w.Now = func() time.Time { return base }
	w.Tick()

	// Resolve nothing; same failure 60s later stays silent.
	w.Now = func() time.Time { return base.Add(60 * time.Second) }
	w.Tick()

	pending, _ := ap.ListPending("100")
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1 (debounced)", len(pending))
	}
	if len(notifier.messages) != 1 {
		t.Errorf("messages = %d, want 1", len(notifier.messages))
	}
	if doc := st.LoadWatchdog(); doc.LastSeenAt == "" {
		t.Error("last_seen_at should refresh on debounced repeat")
	}
}

func TestPendingWatchdogRequestSuppressesNewOne(t *testing.T) {
	runner := &fakeRunner{code: 1, out: "failure one"}
	notifier := &fakeNotifier{}
	w, _, ap := newWatchdog(t, testConfig(), runner, notifier)

	base := time.Now()
	w.Now = func() time.Time { return base }
	w.Tick()

	// Different failure after cooldown, but the first request is still
	// pending: no second request, no second message.
	runner.out = "completely different failure"
	w.Now = func() time.Time { return base.Add(700 * time.Second) }
	w.Tick()

	pending, _ := ap.ListPending("100")
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1", len(pending))
	}
	if len(notifier.messages) != 1 {
		t.Errorf("messages = %d, want 1", len(notifier.messages))
	}
}

func TestDistinctFailureAlertsAgainAfterResolution(t *testing.T) {
	runner := &fakeRunner{code: 1, out: "failure one"}
	notifier := &fakeNotifier{}
	w, _, ap := newWatchdog(t, testConfig(), runner, notifier)

	base := time.Now()
	w.Now = func() time.Time { return base }
	w.Tick()

	pending, _ := ap.ListPending("100")
	if len(pending) != 1 {
		t.Fatalf("pending = %d", len(pending))
	}
	if _, err := ap.Resolve(pending[0].ID, "100", approval.VerdictReject); err != nil {
		t.Fatal(err)
	}

	runner.out = "completely different failure"
	w.Now = func() time.Time { return base.Add(700 * time.Second) }
	w.Tick()

	pending, _ = ap.ListPending("100")
	if len(pending) != 1 {
		t.Errorf("pending = %d, want a fresh alert", len(pending))
	}
	if len(notifier.messages) != 2 {
		t.Errorf("messages = %d, want 2", len(notifier.messages))
	}
}

func TestRecoveryClearsAlertAndNotifies(t *testing.T) {
	runner := &fakeRunner{code: 1, out: "broken"}
	notifier := &fakeNotifier{}
	w, st, _ := newWatchdog(t, testConfig(), runner, notifier)

	var recovered bool
	w.OnRecovered = func() { recovered = true }

	w.Tick()
	runner.code = 0
	runner.out = "ok"
	w.Tick()

	doc := st.LoadWatchdog()
	if doc.AlertActive || doc.LastFailureHash != "" {
		t.Errorf("doc = %+v", doc)
	}
	last := notifier.messages[len(notifier.messages)-1]
	if !strings.Contains(last, "[watchdog] RECOVERED") {
		t.Errorf("last message = %q", last)
	}
	if !recovered {
		t.Error("OnRecovered not fired")
	}
}

func TestLatchSkipsProbe(t *testing.T) {
	runner := &fakeRunner{code: 1, out: "broken"}
	w, st, ap := newWatchdog(t, testConfig(), runner, &fakeNotifier{})
	if _, err := st.SetEmergencyStop(true, "100", ""); err != nil {
		t.Fatal(err)
	}

	w.Tick()

	if len(runner.args) != 0 {
		t.Error("probe must not run while stopped")
	}
	if pending, _ := ap.ListPending("100"); len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
}

func TestDisabledSkipsProbe(t *testing.T) {
	cfg := testConfig()
	cfg.WatchdogEnabled = false
	runner := &fakeRunner{code: 1}
	w, _, _ := newWatchdog(t, cfg, runner, &fakeNotifier{})

	w.Tick()

	if len(runner.args) != 0 {
		t.Error("probe must not run when disabled")
	}
}

func TestMaybeTickHonorsInterval(t *testing.T) {
	runner := &fakeRunner{code: 0}
	w, _, _ := newWatchdog(t, testConfig(), runner, &fakeNotifier{})

	base := time.Now()
	w.Now = func() time.Time { return base }
	w.MaybeTick()
	w.Now = func() time.Time { return base.Add(10 * time.Second) }
	w.MaybeTick()
	if len(runner.args) != 1 {
		t.Fatalf("probes = %d, want 1 inside interval", len(runner.args))
	}

	w.Now = func() time.Time { return base.Add(301 * time.Second) }
	w.MaybeTick()
	if len(runner.args) != 2 {
		t.Fatalf("probes = %d, want 2 after interval", len(runner.args))
	}
}

func TestFingerprintNormalizes(t *testing.T) {
	a := Fingerprint("Error:  rate LIMIT\nexceeded")
	b := Fingerprint("error: rate limit exceeded")
	if a != b {
		t.Errorf("fingerprints differ: %s vs %s", a, b)
	}
	if Fingerprint("one failure") == Fingerprint("another failure") {
		t.Error("distinct failures must not collide")
	}
	if len(a) != 40 {
		t.Errorf("fingerprint length = %d, want 40 hex chars", len(a))
	}
}
