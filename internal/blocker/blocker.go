// Package blocker inspects tool output for conditions only a human can
// clear. Classify maps failed-command output onto a fixed taxonomy;
// ExtractHumanRequest finds explicit intervention markers that agents
// embed in their output.
package blocker

import (
	"regexp"
	"strings"
)

// rule pairs a case-insensitive pattern with its taxonomy tag. Rules
// are ordered; the first match wins.
type rule struct {
	re  *regexp.Regexp
	tag string
}

var rules = []rule{
	{regexp.MustCompile(`invalid username or token|authentication failed|incorrect api key|invalid api key|invalid x-api-key`), "credentials_invalid"},
	{regexp.MustCompile(`permission denied|forbidden|insufficient permission|requires .* permission|permissions\.push=false`), "permission_denied"},
	{regexp.MustCompile(`rate limit|too many requests|retry_after|429`), "rate_limited"},
	{regexp.MustCompile(`insufficient_quota|quota exceeded|exceeded your current quota|billing hard limit|out of credits|credit balance is too low|payment required|402`), "provider_quota_exhausted"},
	{regexp.MustCompile(`context length|maximum context length|token limit exceeded`), "provider_token_limit"},
	{regexp.MustCompile(`model overloaded|server is overloaded|service unavailable|503`), "provider_unavailable"},
	{regexp.MustCompile(`not found \(likely token lacks merge permission`), "merge_permission_missing"},
	{regexp.MustCompile(`must register|claim|verify-email|owner.*email|pending_claim`), "ownership_verification_required"},
	{regexp.MustCompile(`telegra[m]?_bot_token is required|telegram_allowed_chat_ids is required|missing .* required`), "missing_required_config"},
}

// Classify returns the taxonomy tag for the first matching blocker
// pattern in output, or "" when nothing matches. Matching is
// case-insensitive and substring-anywhere.
func Classify(output string) string {
	lowered := strings.ToLower(output)
	for _, r := range rules {
		if r.re.MatchString(lowered) {
			return r.tag
		}
	}
	return ""
}

// markerPatterns recognize agent-originated intervention requests,
// line by line. Bracketed markers accept an optional separator; bare
// markers require one.
var markerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[HUMAN_REQUEST\]\s*[:\-]?\s*(.+)`),
	regexp.MustCompile(`(?i)\[HUMAN_APPROVAL\]\s*[:\-]?\s*(.+)`),
	regexp.MustCompile(`(?i)HUMAN_REQUEST\s*[:\-]\s*(.+)`),
	regexp.MustCompile(`(?i)HUMAN_APPROVAL\s*[:\-]\s*(.+)`),
}

// maxReasonChars caps the extracted request detail.
const maxReasonChars = 280

// fallbackReason is used when a marker is present but carries no text.
const fallbackReason = "agent_consensus_requested_human_input"

// ExtractHumanRequest scans output for an intervention marker and
// returns the request detail, or "" when no marker is present.
func ExtractHumanRequest(output string) string {
	if output == "" {
		return ""
	}
	for _, rawLine := range strings.Split(output, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}
		for _, re := range markerPatterns {
			m := re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			// A marker with nothing but its separator captures the
			// separator itself; strip it before the empty check.
			reason := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(m[1]), ":-"))
			if reason == "" {
				reason = fallbackReason
			}
			if len(reason) > maxReasonChars {
				reason = reason[:maxReasonChars]
			}
			return reason
		}
	}
	return ""
}
