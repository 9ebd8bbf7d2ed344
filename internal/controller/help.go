package controller

import (
	"fmt"
	"strings"
	"time"
)

// helpText renders the command reference for the active mode, followed
// by the effective configuration echo.
func (c *Controller) helpText() string {
	var b strings.Builder

	switch {
	case c.Cfg.MinimalCommandMode:
		b.WriteString(
			"Commands (minimal mode):\n" +
				"/help\n" +
				"/pending\n" +
				"/approve <request_id>\n" +
				"/reject <request_id>\n" +
				"/status\n" +
				"/emergency_stop [reason]\n" +
				"/resume [reason]\n" +
				"\n" +
				"All dev commands are disabled in minimal mode.\n" +
				"Agents should request human intervention via [HUMAN_REQUEST] marker.\n")
	case c.Cfg.LeaderOnlyMode:
		leader := c.Cfg.LeaderAgent
		b.WriteString(
			"Commands:\n" +
				"/help\n" +
				"/pending\n" +
				"/approve <request_id>\n" +
				"/reject <request_id>\n" +
				"/status\n")
		fmt.Fprintf(&b, "/ask <prompt>  (leader: %s)\n", leader)
		fmt.Fprintf(&b, "/commit <task_file>  (leader: %s)\n", leader)
		fmt.Fprintf(&b, "/pr [base_branch] [title...]  (leader: %s)\n", leader)
		fmt.Fprintf(&b, "/e2e  (forced leader-only: %s)\n", leader)
		fmt.Fprintf(&b, "/e2e_merge  (forced leader-only: %s, enabled only if TELEGRAM_ENABLE_E2E_MERGE=true)\n", leader)
		b.WriteString("/plan_review  (manual planning-only cycle)\n")
	default:
		b.WriteString(
			"Commands:\n" +
				"/help\n" +
				"/pending\n" +
				"/approve <request_id>\n" +
				"/reject <request_id>\n" +
				"/status\n" +
				"/ask <agent> <prompt>\n" +
				"/commit <agent> <task_file>\n" +
				"/pr <agent> [base_branch] [title...]\n" +
				"/e2e [agents_csv]  (merge disabled by default)\n" +
				"/e2e_merge [agents_csv]  (enabled only if TELEGRAM_ENABLE_E2E_MERGE=true)\n" +
				"/plan_review  (manual planning-only cycle)\n")
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "approval-required: %s\n", sortedKeys(c.Cfg.RequireApprovalCommands))
	fmt.Fprintf(&b, "auto-request-on-blocker: %v\n", c.Cfg.AutoRequestOnBlocker)
	fmt.Fprintf(&b, "pause-dev-when-pending: %v\n", c.Cfg.PauseDevWhenPending)
	fmt.Fprintf(&b, "auto-plan-review-on-pending: %v\n", c.Cfg.AutoPlanReviewOnPending)
	fmt.Fprintf(&b, "leader-agent: %s\n", c.Cfg.LeaderAgent)
	fmt.Fprintf(&b, "leader-only-mode: %v\n", c.Cfg.LeaderOnlyMode)
	fmt.Fprintf(&b, "minimal-command-mode: %v\n", c.Cfg.MinimalCommandMode)
	fmt.Fprintf(&b, "emergency-stop-active: %v\n", c.State.IsStopped())
	fmt.Fprintf(&b, "agent-consensus: %v (min=%d/4)\n", c.Cfg.ConsensusRequired, c.Cfg.ConsensusMin)
	fmt.Fprintf(&b, "watchdog: %v (interval=%ds)\n", c.Cfg.WatchdogEnabled, int(c.Cfg.WatchdogInterval/time.Second))
	b.WriteString("\nagent-consensus-trigger marker:\n- [HUMAN_REQUEST]: <reason>\n- [HUMAN_APPROVAL]: <reason>\n")

	if !c.Cfg.MinimalCommandMode && !c.Cfg.LeaderOnlyMode {
		b.WriteString("\nagents: gpt, claude, gemini, grok")
	}
	return b.String()
}
