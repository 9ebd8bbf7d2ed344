// Package controller is the operator-facing control plane: it parses
// chat commands, enforces mode and latch gates, mediates the approval
// ledger, and dispatches fleet tooling through the command runner.
package controller

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/ppiankov/fleetgate/internal/alert"
	"github.com/ppiankov/fleetgate/internal/approval"
	"github.com/ppiankov/fleetgate/internal/audit"
	"github.com/ppiankov/fleetgate/internal/blocker"
	"github.com/ppiankov/fleetgate/internal/config"
	"github.com/ppiankov/fleetgate/internal/consensus"
	"github.com/ppiankov/fleetgate/internal/quarantine"
	"github.com/ppiankov/fleetgate/internal/state"
	"github.com/ppiankov/fleetgate/internal/telegram"
	"github.com/ppiankov/fleetgate/internal/watchdog"
)

// Per-command execution deadlines.
const (
	askTimeout        = 240 * time.Second
	commitTimeout     = 600 * time.Second
	prTimeout         = 900 * time.Second
	e2eTimeout        = 1800 * time.Second
	planReviewTimeout = 1200 * time.Second
)

const maxViolationsShown = 5

var stopCommands = map[string]bool{
	"/stop": true, "/emergency_stop": true, "/panic": true,
}

var resumeCommands = map[string]bool{
	"/resume": true, "/continue": true,
}

var minimalAllowedCommands = map[string]bool{
	"/help": true, "/start": true, "/pending": true, "/approve": true,
	"/reject": true, "/status": true, "/stop": true, "/emergency_stop": true,
	"/panic": true, "/resume": true, "/continue": true,
}

var allowedWhenStopped = map[string]bool{
	"/help": true, "/start": true, "/pending": true, "/reject": true,
	"/status": true, "/stop": true, "/emergency_stop": true, "/panic": true,
	"/resume": true, "/continue": true,
}

// Transport is the chat surface the controller speaks through.
type Transport interface {
	GetUpdates(waitSeconds int, offset int64) ([]telegram.Update, error)
	SendMessage(chatID, text string) error
}

// Runner executes fleet tooling.
type Runner interface {
	Run(args []string, timeout time.Duration) (int, string)
}

// Controller wires the control-plane components together.
type Controller struct {
	Cfg       *config.Config
	State     *state.Store
	Approvals *approval.Store
	Voter     *consensus.Voter
	Screen    *quarantine.Screen
	Transport Transport
	Runner    Runner
	Watchdog  *watchdog.Watchdog
	Alerts    *alert.Dispatcher
	Audit     *audit.Trail
	Log       zerolog.Logger
}

// parseCommand splits a message into the lowercased command (bot
// suffix stripped) and its arguments.
func parseCommand(text string) (string, []string) {
	parts := strings.Fields(strings.TrimSpace(text))
	if len(parts) == 0 {
		return "", nil
	}
	cmd := strings.ToLower(strings.SplitN(parts[0], "@", 2)[0])
	return cmd, parts[1:]
}

func commandKey(cmd string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimLeft(cmd, "/")))
}

// Handle dispatches one operator message. bypass marks an approval
// replay: the stored command re-enters here without re-creating the
// approval that gated it.
func (c *Controller) Handle(chatID, text string, bypass bool) {
	cmd, args := parseCommand(text)
	if cmd == "" {
		return
	}
	key := commandKey(cmd)

	if cmd == "/start" || cmd == "/help" {
		c.send(chatID, c.helpText())
		return
	}

	if stopCommands[cmd] {
		reason := strings.TrimSpace(strings.Join(args, " "))
		ctrl, err := c.State.SetEmergencyStop(true, chatID, reason)
		if err != nil {
			c.Log.Error().Err(err).Msg("latch write failed")
		}
		c.send(chatID, fmt.Sprintf(
			"Emergency stop ACTIVATED.\nreason: %s\nupdated_at: %s\nUse /resume [reason] to continue.",
			ctrl.Reason, ctrl.UpdatedAt))
		c.auditRecord(audit.Entry{Event: audit.EventEmergencyStop, ChatID: chatID, Reason: ctrl.Reason})
		c.Alerts.Dispatch(alert.Event{Type: alert.EventEmergencyStop, ChatID: chatID, Reason: ctrl.Reason})
		return
	}

	if resumeCommands[cmd] {
		reason := strings.TrimSpace(strings.Join(args, " "))
		ctrl, err := c.State.SetEmergencyStop(false, chatID, reason)
		if err != nil {
			c.Log.Error().Err(err).Msg("latch write failed")
		}
		c.send(chatID, fmt.Sprintf(
			"Emergency stop CLEARED.\nresume_reason: %s\nupdated_at: %s",
			ctrl.ResumeReason, ctrl.UpdatedAt))
		c.auditRecord(audit.Entry{Event: audit.EventEmergencyResume, ChatID: chatID, Reason: ctrl.ResumeReason})
		c.Alerts.Dispatch(alert.Event{Type: alert.EventEmergencyResume, ChatID: chatID, Reason: ctrl.ResumeReason})
		return
	}

	if c.Cfg.MinimalCommandMode && !minimalAllowedCommands[cmd] {
		c.send(chatID,
			"This command is disabled in minimal mode.\n"+
				"Allowed: /help, /pending, /approve, /reject, /status, /emergency_stop, /resume")
		return
	}

	if c.State.IsStopped() && !allowedWhenStopped[cmd] {
		c.send(chatID, "Emergency stop is active. Allowed now: /help, /pending, /reject, /status, /resume")
		return
	}

	switch cmd {
	case "/plan_review":
		c.send(chatID, "Running planning-only review cycle...")
		code, out := c.Runner.Run([]string{
			"./scripts/autonomy/plan-review-cycle.sh",
			"--reason", "manual_command",
			"--repo", c.Cfg.PlanReviewRepo,
		}, planReviewTimeout)
		c.reportResult(chatID, "plan_review", code, out, text)
		return

	case "/pending":
		rows, err := c.Approvals.ListPending(chatID)
		if err != nil {
			c.Log.Error().Err(err).Msg("pending list failed")
		}
		if len(rows) == 0 {
			c.send(chatID, "No pending approvals.")
			return
		}
		lines := []string{"Pending approvals:"}
		for i, r := range rows {
			if i == 20 {
				break
			}
			lines = append(lines, fmt.Sprintf("- %s | created=%s | cmd=%s", r.ID, r.CreatedAt, r.CommandText))
		}
		c.send(chatID, strings.Join(lines, "\n"))
		return

	case "/reject":
		if len(args) != 1 {
			c.send(chatID, "Usage: /reject <request_id>")
			return
		}
		c.resolve(chatID, strings.TrimSpace(args[0]), approval.VerdictReject)
		return

	case "/approve":
		if len(args) != 1 {
			c.send(chatID, "Usage: /approve <request_id>")
			return
		}
		if c.State.IsStopped() {
			c.send(chatID, "Emergency stop is active. Run /resume first, then /approve.")
			return
		}
		req := c.resolve(chatID, strings.TrimSpace(args[0]), approval.VerdictApprove)
		if req == nil {
			return
		}
		original := strings.TrimSpace(req.CommandText)
		c.send(chatID, fmt.Sprintf("Approved: %s\nExecuting: %s", req.ID, original))
		c.Handle(chatID, original, true)
		return
	}

	if c.Cfg.RequiresApproval(key) && !bypass {
		req := c.newApproval(chatID, text, func(r *approval.Request) {
			r.Reason = "pre_execution_approval_required"
		})
		if req == nil {
			return
		}
		c.send(chatID, fmt.Sprintf(
			"Approval required for this command.\nrequest_id: %s\ncommand: %s\n\nApprove: /approve %s\nReject: /reject %s",
			req.ID, text, req.ID, req.ID))
		c.TriggerPlanReview(chatID, req, "pre_execution_approval_required")
		return
	}

	if c.Cfg.PauseDevWhenPending && devBlockKeys[key] && !bypass {
		pending, _ := c.Approvals.ListPending(chatID)
		if len(pending) > 0 {
			req := pending[0]
			reason := req.Reason
			if reason == "" {
				reason = "pending_human_intervention"
			}
			c.send(chatID, fmt.Sprintf(
				"Development commands are paused while approval is pending.\npending request: %s\nreason: %s\nUse /approve or /reject first.",
				req.ID, reason))
			c.TriggerPlanReview(chatID, req, reason)
			return
		}
	}

	switch cmd {
	case "/status":
		c.send(chatID, "Running health check...")
		code, out := c.Runner.Run([]string{
			"./scripts/autonomy/test-all-agents.sh", "--prompt", "한 문장으로 hello",
		}, c.Cfg.CommandTimeout)
		c.reportResult(chatID, "status", code, out, text)

	case "/ask":
		c.handleAsk(chatID, text, args)

	case "/commit":
		c.handleCommit(chatID, text, args)

	case "/pr":
		c.handlePR(chatID, text, args)

	case "/e2e", "/e2e_merge":
		c.handleE2E(chatID, text, cmd, args)

	default:
		c.send(chatID, "Unknown command. Use /help")
	}
}

var devBlockKeys = map[string]bool{
	"commit": true, "pr": true, "e2e": true, "e2e_merge": true,
}

func (c *Controller) handleAsk(chatID, text string, args []string) {
	var agent, prompt string
	if c.Cfg.LeaderOnlyMode {
		leader := c.Cfg.LeaderAgent
		if len(args) < 1 {
			c.send(chatID, fmt.Sprintf("Usage: /ask <prompt>  (leader: %s)", leader))
			return
		}
		if config.IsAgent(strings.ToLower(args[0])) {
			if strings.ToLower(args[0]) != leader {
				c.send(chatID, fmt.Sprintf("Leader-only mode: only %s is allowed for /ask.", leader))
				return
			}
			if len(args) < 2 {
				c.send(chatID, fmt.Sprintf("Usage: /ask <prompt>  (leader: %s)", leader))
				return
			}
			agent, prompt = leader, restAfter(text, 2)
		} else {
			agent, prompt = leader, restAfter(text, 1)
		}
	} else {
		if len(args) < 2 {
			c.send(chatID, "Usage: /ask <agent> <prompt>")
			return
		}
		agent = strings.ToLower(args[0])
		if !config.IsAgent(agent) {
			c.send(chatID, fmt.Sprintf("Unknown agent: %s", agent))
			return
		}
		prompt = restAfter(text, 2)
	}

	if c.Cfg.QuarantineEnabled && c.Screen != nil {
		if violations := c.Screen.Inspect(prompt); len(violations) > 0 {
			shown := violations
			if len(shown) > maxViolationsShown {
				shown = shown[:maxViolationsShown]
			}
			c.send(chatID, "Prompt blocked by quarantine.\nviolations:\n- "+strings.Join(shown, "\n- "))
			return
		}
	}

	service := config.ServiceByAgent[agent]
	c.send(chatID, fmt.Sprintf("Querying %s...", agent))
	code, out := c.Runner.Run([]string{"./scripts/prompt-one-agent.sh", service, prompt}, askTimeout)
	c.reportResult(chatID, "ask:"+agent, code, out, text)
}

func (c *Controller) handleCommit(chatID, text string, args []string) {
	var agent, taskRaw string
	if c.Cfg.LeaderOnlyMode {
		leader := c.Cfg.LeaderAgent
		switch {
		case len(args) == 1:
			agent, taskRaw = leader, args[0]
		case len(args) == 2 && config.IsAgent(strings.ToLower(args[0])):
			if strings.ToLower(args[0]) != leader {
				c.send(chatID, fmt.Sprintf("Leader-only mode: only %s is allowed for /commit.", leader))
				return
			}
			agent, taskRaw = leader, args[1]
		default:
			c.send(chatID, fmt.Sprintf("Usage: /commit <task_file>  (leader: %s)", leader))
			return
		}
	} else {
		if len(args) != 2 {
			c.send(chatID, "Usage: /commit <agent> <task_file>")
			return
		}
		agent = strings.ToLower(args[0])
		if !config.IsAgent(agent) {
			c.send(chatID, fmt.Sprintf("Unknown agent: %s", agent))
			return
		}
		taskRaw = args[1]
	}

	taskPath, ok := c.safeRelPath(taskRaw)
	if !ok {
		c.send(chatID, fmt.Sprintf("Invalid task_file: %s", taskRaw))
		return
	}
	c.send(chatID, fmt.Sprintf("Running commit for %s...", agent))
	code, out := c.Runner.Run([]string{"./scripts/autonomy/agent-dev-commit.sh", agent, taskPath}, commitTimeout)
	c.reportResult(chatID, "commit:"+agent, code, out, text)
}

func (c *Controller) handlePR(chatID, text string, args []string) {
	var agent string
	base := "main"
	title := ""
	if c.Cfg.LeaderOnlyMode {
		leader := c.Cfg.LeaderAgent
		agent = leader
		rem := args
		if len(rem) > 0 && config.IsAgent(strings.ToLower(rem[0])) {
			if strings.ToLower(rem[0]) != leader {
				c.send(chatID, fmt.Sprintf("Leader-only mode: only %s is allowed for /pr.", leader))
				return
			}
			rem = rem[1:]
		}
		if len(rem) >= 1 {
			base = rem[0]
		}
		if len(rem) >= 2 {
			title = strings.Join(rem[1:], " ")
		}
	} else {
		if len(args) < 1 {
			c.send(chatID, "Usage: /pr <agent> [base_branch] [title...]")
			return
		}
		agent = strings.ToLower(args[0])
		if !config.IsAgent(agent) {
			c.send(chatID, fmt.Sprintf("Unknown agent: %s", agent))
			return
		}
		if len(args) >= 2 {
			base = args[1]
		}
		if len(args) >= 3 {
			title = strings.Join(args[2:], " ")
		}
	}

	prArgs := []string{"./scripts/autonomy/create-pr-if-approved.sh", agent, base}
	if title != "" {
		prArgs = append(prArgs, title)
	}
	c.send(chatID, fmt.Sprintf("Creating PR for %s (base=%s)...", agent, base))
	code, out := c.Runner.Run(prArgs, prTimeout)
	c.reportResult(chatID, "pr:"+agent, code, out, text)
}

func (c *Controller) handleE2E(chatID, text, cmd string, args []string) {
	var agents []string
	if c.Cfg.LeaderOnlyMode {
		agents = []string{c.Cfg.LeaderAgent}
	} else {
		csv := strings.Join(config.Agents, ",")
		if len(args) > 0 {
			csv = args[0]
		}
		for _, a := range strings.Split(csv, ",") {
			a = strings.ToLower(strings.TrimSpace(a))
			if a != "" {
				agents = append(agents, a)
			}
		}
	}

	var bad []string
	for _, a := range agents {
		if !config.IsAgent(a) {
			bad = append(bad, a)
		}
	}
	if len(bad) > 0 {
		c.send(chatID, fmt.Sprintf("Unknown agents: %s", strings.Join(bad, ", ")))
		return
	}
	if len(agents) == 0 {
		c.send(chatID, "No agents provided")
		return
	}

	e2eArgs := []string{
		"./scripts/autonomy/test-collab-main-flow.sh",
		"--agents", strings.Join(agents, " "),
		"--review-retries", "5",
		"--review-retry-sleep", "8",
		"--commit-retries", "5",
		"--commit-retry-sleep", "8",
	}
	mode := "merge"
	if cmd == "/e2e" {
		e2eArgs = append(e2eArgs, "--no-merge")
		mode = "no-merge"
	} else if !c.Cfg.EnableE2EMerge {
		c.send(chatID, "e2e merge is disabled. Set TELEGRAM_ENABLE_E2E_MERGE=true to allow /e2e_merge.")
		return
	}

	c.send(chatID, fmt.Sprintf("Running E2E (%s)...", mode))
	code, out := c.Runner.Run(e2eArgs, e2eTimeout)
	c.reportResult(chatID, "e2e", code, out, text)
}

// reportResult delivers the PASS/FAIL verdict and then runs both
// post-execution inspectors: agent intervention markers first, blocker
// classification only when the command failed and no marker escalated.
func (c *Controller) reportResult(chatID, label string, code int, output, originalText string) {
	verdict := "PASS"
	if code != 0 {
		verdict = "FAIL"
	}
	body := output
	if body == "" {
		body = "(no output)"
	}
	c.send(chatID, fmt.Sprintf("[%s] %s\n\n%s", label, verdict, body))
	c.auditRecord(audit.Entry{
		Event:   audit.EventCommandDispatched,
		ChatID:  chatID,
		Command: originalText,
		Outcome: verdict,
		Reason:  label,
	})

	reqID := c.inspectAgentSignal(chatID, originalText, output)
	if code != 0 && reqID == "" {
		c.inspectBlocker(chatID, originalText, output)
	}
}

// inspectAgentSignal handles explicit [HUMAN_REQUEST] markers in agent
// output, running the consensus vote when required. Returns the id of
// the approval it created, or "".
func (c *Controller) inspectAgentSignal(chatID, originalText, output string) string {
	detail := blocker.ExtractHumanRequest(output)
	if detail == "" {
		return ""
	}
	if c.Approvals.HasPendingSimilar(chatID, "agent_consensus_request", detail) {
		return ""
	}

	var runID, artifact string
	var yesCount int

	if c.Cfg.ConsensusRequired {
		c.send(chatID, fmt.Sprintf(
			"Agent-level human request detected.\nRunning consensus vote (%d/4 required)...",
			c.Cfg.ConsensusMin))
		res, err := c.Voter.Run(detail, originalText, output)
		if err != nil {
			c.Log.Error().Err(err).Msg("consensus artifact write failed")
		}
		c.auditRecord(audit.Entry{
			Event:   audit.EventConsensusRun,
			ChatID:  chatID,
			Command: originalText,
			Outcome: fmt.Sprintf("%d/4", res.YesCount),
			Reason:  detail,
		})
		yesCount = res.YesCount
		runID = res.RunID
		artifact = res.Artifact

		// Agents that cannot vote at all degrade the whole decision;
		// escalate immediately instead of silently dropping the request.
		if len(res.ErrorAgents) > 0 && !res.Passed {
			req := c.newApproval(chatID, originalText, func(r *approval.Request) {
				r.Reason = "agent_unavailable_during_consensus"
				r.AgentRequestReason = detail
				r.ConsensusRunID = runID
				r.ConsensusArtifact = artifact
				r.ErrorAgents = res.ErrorAgents
				r.Note = "Immediate escalation: one or more agents failed during consensus."
			})
			if req == nil {
				return ""
			}
			c.send(chatID, fmt.Sprintf(
				"Human intervention required (agent unavailable during consensus).\n"+
					"request_id: %s\ndetail: %s\nerror_agents: %s\nconsensus_yes: %d/4\nartifact: %s\n\n"+
					"Approve: /approve %s\nReject: /reject %s",
				req.ID, detail, strings.Join(res.ErrorAgents, ", "), yesCount, artifact, req.ID, req.ID))
			c.TriggerPlanReview(chatID, req, "agent_unavailable_during_consensus")
			return req.ID
		}

		if !res.Passed {
			c.send(chatID, fmt.Sprintf(
				"Consensus rejected human intervention request.\ndetail: %s\nvotes: %d/4 (required: %d)\nartifact: %s",
				detail, yesCount, c.Cfg.ConsensusMin, artifact))
			c.Alerts.Dispatch(alert.Event{
				Type: alert.EventConsensusRejected, ChatID: chatID, Reason: detail, Command: originalText,
			})
			return ""
		}
	}

	req := c.newApproval(chatID, originalText, func(r *approval.Request) {
		r.Reason = "agent_consensus_request"
		r.AgentRequestReason = detail
		if c.Cfg.ConsensusRequired {
			r.ConsensusRequired = true
			r.ConsensusMin = c.Cfg.ConsensusMin
			r.ConsensusYes = yesCount
			r.ConsensusRunID = runID
			r.ConsensusArtifact = artifact
		}
		r.Note = "Auto-created from explicit [HUMAN_REQUEST] marker in agent output."
	})
	if req == nil {
		return ""
	}
	c.send(chatID, fmt.Sprintf(
		"Human intervention requested by agent consensus.\nrequest_id: %s\ndetail: %s\ncommand: %s\n\n"+
			"Approve: /approve %s\nReject: /reject %s",
		req.ID, detail, originalText, req.ID, req.ID))
	c.TriggerPlanReview(chatID, req, "agent_consensus_request")
	return req.ID
}

// inspectBlocker escalates failed-command output that matches the
// blocker taxonomy.
func (c *Controller) inspectBlocker(chatID, originalText, output string) {
	if !c.Cfg.AutoRequestOnBlocker {
		return
	}
	reason := blocker.Classify(output)
	if reason == "" {
		return
	}

	req := c.newApproval(chatID, originalText, func(r *approval.Request) {
		r.Reason = reason
		r.Note = "Auto-created due to blocker detection on failed command."
	})
	if req == nil {
		return
	}
	c.send(chatID, fmt.Sprintf(
		"Human intervention required.\nrequest_id: %s\nreason: %s\ncommand: %s\n\n"+
			"After fixing, run: /approve %s\nOr reject: /reject %s",
		req.ID, reason, originalText, req.ID, req.ID))
	c.TriggerPlanReview(chatID, req, reason)
}

// TriggerPlanReview starts one planning-only review cycle for a pending
// request. Fires at most once per request.
func (c *Controller) TriggerPlanReview(chatID string, req *approval.Request, reason string) {
	if !c.Cfg.AutoPlanReviewOnPending {
		return
	}
	if req == nil || req.ID == "" || req.PlanReviewTriggered {
		return
	}

	c.send(chatID, fmt.Sprintf(
		"Development is paused until human decision.\nStarting plan review cycle for %s...", req.ID))
	code, out := c.Runner.Run([]string{
		"./scripts/autonomy/plan-review-cycle.sh",
		"--reason", fmt.Sprintf("pending_request:%s:%s", req.ID, reason),
		"--repo", c.Cfg.PlanReviewRepo,
	}, planReviewTimeout)

	req.PlanReviewTriggered = true
	req.PlanReviewTriggeredAt = state.NowUTC()
	req.PlanReviewExitCode = code
	req.PlanReviewOutputPreview = capString(out, 600)
	if err := c.Approvals.Save(req); err != nil {
		c.Log.Error().Err(err).Msg("plan review record save failed")
	}

	verdict := "PASS"
	if code != 0 {
		verdict = "FAIL"
	}
	body := out
	if body == "" {
		body = "(no output)"
	}
	c.send(chatID, fmt.Sprintf("[plan_review:%s] %s\n\n%s", req.ID, verdict, body))
}

// resolve applies a verdict and reports the outcome to the operator.
// Returns the resolved record on success, nil otherwise.
func (c *Controller) resolve(chatID, reqID string, verdict approval.Verdict) *approval.Request {
	req, err := c.Approvals.Resolve(reqID, chatID, verdict)
	if err != nil {
		var resolved *approval.AlreadyResolvedError
		switch {
		case errors.Is(err, approval.ErrNotFound):
			c.send(chatID, fmt.Sprintf("Request not found: %s", reqID))
		case errors.Is(err, approval.ErrUnauthorized):
			c.send(chatID, "Unauthorized for this request.")
		case errors.As(err, &resolved):
			c.send(chatID, fmt.Sprintf("Request already %s: %s", resolved.Status, reqID))
		default:
			c.Log.Error().Err(err).Str("request", reqID).Msg("resolve failed")
			c.send(chatID, fmt.Sprintf("Request not found: %s", reqID))
		}
		return nil
	}

	c.auditRecord(audit.Entry{
		Event:     audit.EventApprovalResolved,
		ChatID:    chatID,
		RequestID: req.ID,
		Command:   req.CommandText,
		Outcome:   string(req.Status),
		Reason:    req.Reason,
	})
	if verdict == approval.VerdictReject {
		c.send(chatID, fmt.Sprintf("Rejected: %s", req.ID))
	}
	return req
}

// newApproval creates and enriches a ledger record, then emits the
// creation audit entry and alert. Returns nil when persistence fails.
func (c *Controller) newApproval(chatID, commandText string, enrich func(*approval.Request)) *approval.Request {
	req, err := c.Approvals.Create(chatID, commandText)
	if err != nil {
		c.Log.Error().Err(err).Msg("approval create failed")
		return nil
	}
	if enrich != nil {
		enrich(req)
		if err := c.Approvals.Save(req); err != nil {
			c.Log.Error().Err(err).Str("request", req.ID).Msg("approval save failed")
		}
	}
	c.auditRecord(audit.Entry{
		Event:     audit.EventApprovalCreated,
		ChatID:    chatID,
		RequestID: req.ID,
		Command:   commandText,
		Reason:    req.Reason,
	})
	c.Alerts.Dispatch(alert.Event{
		Type: alert.EventApprovalCreated, ChatID: chatID, RequestID: req.ID,
		Command: commandText, Reason: req.Reason,
	})
	return req
}

// auditRecord appends to the trail best-effort; a broken trail never
// blocks command handling.
func (c *Controller) auditRecord(entry audit.Entry) {
	if c.Audit == nil {
		return
	}
	if err := c.Audit.Record(entry); err != nil {
		c.Log.Error().Err(err).Msg("audit write failed")
	}
}

func (c *Controller) send(chatID, text string) {
	if err := c.Transport.SendMessage(chatID, text); err != nil {
		c.Log.Error().Err(err).Str("chat", chatID).Msg("send failed")
	}
}

// safeRelPath resolves an operator-supplied path and confines it to the
// repository root. Returns the absolute path and whether it exists.
func (c *Controller) safeRelPath(raw string) (string, bool) {
	p := raw
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.Cfg.RootDir, p)
	}
	resolved, err := filepath.Abs(p)
	if err != nil {
		return "", false
	}
	root, err := filepath.Abs(c.Cfg.RootDir)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if _, err := os.Stat(resolved); err != nil {
		return "", false
	}
	return resolved, true
}

// restAfter returns the remainder of text after skipping n
// whitespace-separated tokens, preserving the remainder's own spacing.
func restAfter(text string, n int) string {
	s := strings.TrimSpace(text)
	for i := 0; i < n; i++ {
		idx := strings.IndexFunc(s, unicode.IsSpace)
		if idx < 0 {
			return ""
		}
		s = strings.TrimLeftFunc(s[idx:], unicode.IsSpace)
	}
	return s
}

func capString(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

// sortedKeys renders a key set for the help text.
func sortedKeys(m map[string]bool) string {
	if len(m) == 0 {
		return "(none)"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
