// Package consensus runs the four-agent human-intervention vote. Each
// agent receives a structured prompt demanding a JSON-only reply; the
// vote passes when the yes count reaches the configured minimum. Every
// run is persisted as an append-only artifact for audit.
package consensus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/fleetgate/internal/config"
)

// AgentCaller delivers a prompt to one agent service and returns the
// exit code and combined output.
type AgentCaller interface {
	Prompt(service, prompt string, timeout time.Duration) (int, string)
}

const (
	excerptChars    = 900
	rawVoteChars    = 1200
	voteReasonChars = 300
	voteTimeout     = 240 * time.Second
)

// Vote is one agent's ballot.
type Vote struct {
	Agent         string `json:"agent"`
	OK            bool   `json:"ok"`
	Raw           string `json:"raw"`
	Decision      string `json:"decision"`
	RequiresHuman bool   `json:"requires_human"`
	Confidence    int    `json:"confidence"`
	Reason        string `json:"reason"`
	Yes           bool   `json:"yes,omitempty"`
}

// Result is the full transcript of one consensus run.
type Result struct {
	RunID        string   `json:"run_id"`
	CreatedAt    string   `json:"created_at"`
	ReasonDetail string   `json:"reason_detail"`
	CommandText  string   `json:"command_text"`
	ConsensusMin int      `json:"consensus_min"`
	YesCount     int      `json:"yes_count"`
	Passed       bool     `json:"passed"`
	ErrorAgents  []string `json:"error_agents"`
	Votes        []Vote   `json:"votes"`

	// Artifact is the on-disk path of this transcript. Not serialized —
	// the file does not name itself.
	Artifact string `json:"-"`
}

// Voter broadcasts votes to the fleet.
type Voter struct {
	Dir    string // artifact directory
	Leader string
	Min    int
	Caller AgentCaller

	// now is swappable for tests.
	Now func() time.Time
}

// Run executes one vote over the fixed agent order and persists the
// artifact. The returned error covers artifact persistence only; agent
// failures are data, recorded as error votes.
func (v *Voter) Run(reasonDetail, commandText, sourceOutput string) (*Result, error) {
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	ts := now().UTC()

	res := &Result{
		RunID:        fmt.Sprintf("consensus_%d_%s", ts.Unix(), uuid.NewString()[:8]),
		CreatedAt:    ts.Format("2006-01-02T15:04:05Z"),
		ReasonDetail: reasonDetail,
		CommandText:  commandText,
		ConsensusMin: v.Min,
		ErrorAgents:  []string{},
	}

	excerpt := sourceOutput
	if len(excerpt) > excerptChars {
		excerpt = excerpt[:excerptChars]
	}

	for _, agent := range config.Agents {
		prompt := buildPrompt(agent, v.Leader, reasonDetail, commandText, excerpt)
		code, out := v.Caller.Prompt(config.ServiceByAgent[agent], prompt, voteTimeout)

		vote := Vote{Agent: agent, OK: code == 0, Raw: capString(out, rawVoteChars)}
		parsed, found := FindJSONObject(out)

		if code != 0 || !found {
			vote.Decision = "error"
			vote.Reason = "vote_failed"
			res.ErrorAgents = append(res.ErrorAgents, agent)
			res.Votes = append(res.Votes, vote)
			continue
		}

		decision := strings.ToLower(strings.TrimSpace(asString(parsed["decision"])))
		requiresHuman := asBool(parsed["requires_human"])
		yes := requiresHuman || decision == "approve" || decision == "yes" || decision == "request_human"

		vote.Decision = decision
		if vote.Decision == "" {
			vote.Decision = "unknown"
		}
		vote.RequiresHuman = requiresHuman
		vote.Confidence = asInt(parsed["confidence"])
		vote.Reason = capString(strings.TrimSpace(asString(parsed["reason"])), voteReasonChars)
		vote.Yes = yes
		if yes {
			res.YesCount++
		}
		res.Votes = append(res.Votes, vote)
	}

	res.Passed = res.YesCount >= v.Min

	if err := v.persist(res); err != nil {
		return res, err
	}
	return res, nil
}

func (v *Voter) persist(res *Result) error {
	if err := os.MkdirAll(v.Dir, 0o755); err != nil {
		return fmt.Errorf("cannot create consensus directory: %w", err)
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(v.Dir, res.RunID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write consensus artifact: %w", err)
	}
	res.Artifact = path
	return nil
}

func buildPrompt(agent, leader, reasonDetail, commandText, excerpt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are '%s' participating in a human-intervention vote.\n", agent)
	fmt.Fprintf(&b, "Leader agent: %s\n", leader)
	b.WriteString("Goal: decide whether human intervention is truly required NOW.\n")
	b.WriteString("Respond with ONLY JSON:\n")
	b.WriteString("{\n")
	b.WriteString("  \"agent\":\"<agent>\",\n")
	b.WriteString("  \"decision\":\"approve|reject\",\n")
	b.WriteString("  \"requires_human\": true|false,\n")
	b.WriteString("  \"confidence\": 0-100,\n")
	b.WriteString("  \"reason\":\"one sentence\"\n")
	b.WriteString("}\n\n")
	fmt.Fprintf(&b, "Trigger detail: %s\n", reasonDetail)
	fmt.Fprintf(&b, "Original command: %s\n", commandText)
	fmt.Fprintf(&b, "Observed output excerpt:\n%s\n", excerpt)
	return b.String()
}

// jsonSpan grabs the outermost {...} span in a reply that wraps its
// JSON in prose or markdown fences.
var jsonSpan = regexp.MustCompile(`\{[\s\S]*\}`)

// FindJSONObject accepts the first well-formed JSON object in text,
// either as the whole (trimmed) reply or as the first {...} span
// inside it.
func FindJSONObject(text string) (map[string]any, bool) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return nil, false
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		return obj, true
	}

	span := jsonSpan.FindString(raw)
	if span == "" {
		return nil, false
	}
	obj = nil
	if err := json.Unmarshal([]byte(span), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func capString(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(n))
		return i
	default:
		return 0
	}
}
