// Package config resolves controller configuration from environment
// variables. Names and defaults match the autonomy deployment contract;
// every boolean accepts 1|true|yes|on, case-insensitive.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Agents is the fixed fleet roster, in broadcast order.
var Agents = []string{"gpt", "claude", "gemini", "grok"}

// ServiceByAgent maps an agent name to its service unit.
var ServiceByAgent = map[string]string{
	"gpt":    "openclaw-gpt",
	"claude": "openclaw-claude",
	"gemini": "openclaw-gemini",
	"grok":   "openclaw-grok",
}

// IsAgent reports whether name is a known fleet agent.
func IsAgent(name string) bool {
	_, ok := ServiceByAgent[name]
	return ok
}

// Config is the resolved controller configuration.
type Config struct {
	BotToken       string
	AllowedChatIDs []string // sorted ascending; first entry is the primary chat

	PollTimeout    time.Duration
	CommandTimeout time.Duration
	MaxOutputChars int

	EnableE2EMerge     bool
	LeaderOnlyMode     bool
	MinimalCommandMode bool
	LeaderAgent        string

	RequireApprovalCommands map[string]bool
	AutoRequestOnBlocker    bool
	PauseDevWhenPending     bool

	AutoPlanReviewOnPending bool
	PlanReviewRepo          string

	ConsensusRequired bool
	ConsensusMin      int

	WatchdogEnabled       bool
	WatchdogInterval      time.Duration
	WatchdogTimeout       time.Duration
	WatchdogCooldown      time.Duration
	WatchdogPrompt        string
	WatchdogCheckMoltbook bool

	QuarantineEnabled      bool
	QuarantineAllowedHosts []string
	QuarantinePolicyPath   string

	AlertConfigPath string

	// RootDir is the repository root all tool scripts are invoked from.
	// State lives under RootDir/autonomy/state.
	RootDir string
}

// defaultQuarantineHosts is the built-in URL host allowlist.
var defaultQuarantineHosts = []string{
	"github.com",
	"githubusercontent.com",
	"localhost",
	"127.0.0.1",
}

// FromEnv builds a Config from the process environment. The bot token
// and chat allowlist are required; everything else has a default.
func FromEnv() (*Config, error) {
	token := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	chats := parseIDSet(os.Getenv("TELEGRAM_ALLOWED_CHAT_IDS"))
	if len(chats) == 0 {
		return nil, fmt.Errorf("TELEGRAM_ALLOWED_CHAT_IDS is required (comma-separated)")
	}

	cfg := &Config{
		BotToken:       token,
		AllowedChatIDs: chats,

		PollTimeout:    time.Duration(envInt("TELEGRAM_POLL_TIMEOUT_SECONDS", 30)) * time.Second,
		CommandTimeout: time.Duration(envInt("TELEGRAM_COMMAND_TIMEOUT_SECONDS", 900)) * time.Second,
		MaxOutputChars: envInt("TELEGRAM_MAX_OUTPUT_CHARS", 3500),

		EnableE2EMerge:     envBool("TELEGRAM_ENABLE_E2E_MERGE", false),
		LeaderOnlyMode:     envBool("TELEGRAM_LEADER_ONLY_MODE", true),
		MinimalCommandMode: envBool("TELEGRAM_MINIMAL_COMMAND_MODE", true),
		LeaderAgent:        strings.ToLower(strings.TrimSpace(envStr("AGENT_LEADER", "gemini"))),

		RequireApprovalCommands: parseKeySet(envStr("TELEGRAM_REQUIRE_APPROVAL_COMMANDS", "pr,e2e_merge")),
		AutoRequestOnBlocker:    envBool("TELEGRAM_AUTO_REQUEST_ON_BLOCKER", true),
		PauseDevWhenPending:     envBool("TELEGRAM_PAUSE_DEV_WHEN_PENDING", true),

		AutoPlanReviewOnPending: envBool("TELEGRAM_AUTO_PLAN_REVIEW_ON_PENDING", true),
		PlanReviewRepo:          strings.TrimSpace(envStr("TELEGRAM_PLAN_REVIEW_REPO", "workdirs/gpt")),

		ConsensusRequired: envBool("TELEGRAM_AGENT_CONSENSUS_REQUIRED", true),
		ConsensusMin:      clamp(envInt("TELEGRAM_AGENT_CONSENSUS_MIN", 3), 1, 4),

		WatchdogEnabled:       envBool("TELEGRAM_WATCHDOG_ENABLED", true),
		WatchdogInterval:      time.Duration(atLeast(envInt("TELEGRAM_WATCHDOG_INTERVAL_SECONDS", 300), 30)) * time.Second,
		WatchdogTimeout:       time.Duration(atLeast(envInt("TELEGRAM_WATCHDOG_TIMEOUT_SECONDS", 240), 60)) * time.Second,
		WatchdogCooldown:      time.Duration(atLeast(envInt("TELEGRAM_WATCHDOG_ALERT_COOLDOWN_SECONDS", 600), 60)) * time.Second,
		WatchdogPrompt:        envStr("TELEGRAM_WATCHDOG_PROMPT", "한 문장으로 hello"),
		WatchdogCheckMoltbook: envBool("TELEGRAM_WATCHDOG_CHECK_MOLTBOOK", true),

		QuarantineEnabled:      envBool("TELEGRAM_QUARANTINE_ENABLED", true),
		QuarantineAllowedHosts: parseList(envStr("TELEGRAM_QUARANTINE_ALLOWED_HOSTS", strings.Join(defaultQuarantineHosts, ","))),
		QuarantinePolicyPath:   strings.TrimSpace(os.Getenv("TELEGRAM_QUARANTINE_POLICY")),

		AlertConfigPath: strings.TrimSpace(os.Getenv("TELEGRAM_ALERT_WEBHOOKS")),
	}
	return cfg, nil
}

// PrimaryChatID returns the lexicographically smallest allowed chat id.
// Deterministic across restarts — watchdog messages always land in the
// same chat.
func (c *Config) PrimaryChatID() string {
	return c.AllowedChatIDs[0]
}

// ChatAllowed reports whether chatID is on the allowlist.
func (c *Config) ChatAllowed(chatID string) bool {
	for _, id := range c.AllowedChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

// RequiresApproval reports whether the command key is gated behind a
// pre-execution approval.
func (c *Config) RequiresApproval(key string) bool {
	return c.RequireApprovalCommands[key]
}

func envStr(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

func envBool(name string, def bool) bool {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func envInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func parseIDSet(raw string) []string {
	seen := map[string]bool{}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		v := strings.TrimSpace(part)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func parseKeySet(raw string) map[string]bool {
	out := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		v := strings.ToLower(strings.TrimSpace(part))
		if v != "" {
			out[v] = true
		}
	}
	return out
}

func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		v := strings.TrimSpace(part)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func atLeast(n, floor int) int {
	if n < floor {
		return floor
	}
	return n
}
