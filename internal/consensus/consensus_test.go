package consensus

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

// scriptedCaller replies per service name.
type scriptedCaller struct {
	replies map[string]reply
	prompts []string
}

type reply struct {
	code int
	out  string
}

func (c *scriptedCaller) Prompt(service, prompt string, _ time.Duration) (int, string) {
	c.prompts = append(c.prompts, prompt)
	r, ok := c.replies[service]
	if !ok {
		return 1, "no reply scripted"
	}
	return r.code, r.out
}

func yesReply(agent string) reply {
	return reply{0, `{"agent":"` + agent + `","decision":"approve","requires_human":true,"confidence":90,"reason":"needs a human"}`}
}

func noReply(agent string) reply {
	return reply{0, `{"agent":"` + agent + `","decision":"reject","requires_human":false,"confidence":80,"reason":"agents can handle it"}`}
}

func newVoter(t *testing.T, caller AgentCaller, min int) *Voter {
	t.Helper()
	return &Voter{Dir: t.TempDir(), Leader: "gemini", Min: min, Caller: caller}
}

func TestVotePasses(t *testing.T) {
	caller := &scriptedCaller{replies: map[string]reply{
		"openclaw-gpt":    yesReply("gpt"),
		"openclaw-claude": yesReply("claude"),
		"openclaw-gemini": yesReply("gemini"),
		"openclaw-grok":   noReply("grok"),
	}}
	v := newVoter(t, caller, 3)

	res, err := v.Run("merge requires review", "/pr main", "some output")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Passed || res.YesCount != 3 {
		t.Errorf("passed=%v yes=%d, want pass with 3", res.Passed, res.YesCount)
	}
	if len(res.Votes) != 4 || len(res.ErrorAgents) != 0 {
		t.Errorf("votes=%d errors=%v", len(res.Votes), res.ErrorAgents)
	}
	// Fixed broadcast order.
	order := []string{"gpt", "claude", "gemini", "grok"}
	for i, vote := range res.Votes {
		if vote.Agent != order[i] {
			t.Errorf("vote %d agent = %s, want %s", i, vote.Agent, order[i])
		}
	}
}

func TestVoteFailsWithErrorAgent(t *testing.T) {
	caller := &scriptedCaller{replies: map[string]reply{
		"openclaw-gpt":    yesReply("gpt"),
		"openclaw-claude": yesReply("claude"),
		"openclaw-gemini": noReply("gemini"),
		"openclaw-grok":   {1, "connection refused"},
	}}
	v := newVoter(t, caller, 3)

	res, err := v.Run("detail", "/pr", "out")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Passed {
		t.Error("2 yes of min 3 must not pass")
	}
	if len(res.ErrorAgents) != 1 || res.ErrorAgents[0] != "grok" {
		t.Errorf("ErrorAgents = %v", res.ErrorAgents)
	}
	if res.Votes[3].Decision != "error" || res.Votes[3].Reason != "vote_failed" {
		t.Errorf("error vote = %+v", res.Votes[3])
	}
}

func TestZeroExitWithoutJSONIsError(t *testing.T) {
	caller := &scriptedCaller{replies: map[string]reply{
		"openclaw-gpt":    {0, "I think a human should look at this."},
		"openclaw-claude": yesReply("claude"),
		"openclaw-gemini": yesReply("gemini"),
		"openclaw-grok":   yesReply("grok"),
	}}
	v := newVoter(t, caller, 3)

	res, _ := v.Run("detail", "/pr", "out")
	if len(res.ErrorAgents) != 1 || res.ErrorAgents[0] != "gpt" {
		t.Errorf("ErrorAgents = %v", res.ErrorAgents)
	}
	if !res.Passed {
		t.Error("3 yes votes should still pass")
	}
}

func TestDecisionAliasesCountAsYes(t *testing.T) {
	for _, decision := range []string{"approve", "yes", "request_human"} {
		caller := &scriptedCaller{replies: map[string]reply{
			"openclaw-gpt":    {0, `{"decision":"` + decision + `","requires_human":false}`},
			"openclaw-claude": noReply("claude"),
			"openclaw-gemini": noReply("gemini"),
			"openclaw-grok":   noReply("grok"),
		}}
		v := newVoter(t, caller, 1)
		res, _ := v.Run("d", "c", "o")
		if res.YesCount != 1 {
			t.Errorf("decision %q: yes = %d, want 1", decision, res.YesCount)
		}
	}
}

func TestArtifactPersisted(t *testing.T) {
	caller := &scriptedCaller{replies: map[string]reply{
		"openclaw-gpt":    yesReply("gpt"),
		"openclaw-claude": yesReply("claude"),
		"openclaw-gemini": yesReply("gemini"),
		"openclaw-grok":   yesReply("grok"),
	}}
	v := newVoter(t, caller, 3)

	res, err := v.Run("detail", "/pr", "out")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Artifact == "" {
		t.Fatal("artifact path not set")
	}
	data, err := os.ReadFile(res.Artifact)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var onDisk map[string]any
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("artifact is not JSON: %v", err)
	}
	if onDisk["run_id"] != res.RunID || onDisk["yes_count"].(float64) != 4 {
		t.Errorf("artifact = %v", onDisk)
	}
}

func TestPromptShape(t *testing.T) {
	caller := &scriptedCaller{replies: map[string]reply{}}
	v := newVoter(t, caller, 3)

	long := strings.Repeat("z", 2000)
	_, _ = v.Run("detail text", "/pr main", long)

	if len(caller.prompts) != 4 {
		t.Fatalf("prompts = %d, want 4", len(caller.prompts))
	}
	p := caller.prompts[0]
	for _, want := range []string{
		"You are 'gpt' participating in a human-intervention vote.",
		"Leader agent: gemini",
		"Respond with ONLY JSON",
		"Trigger detail: detail text",
		"Original command: /pr main",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	// Output excerpt is capped at 900 chars.
	if strings.Contains(p, strings.Repeat("z", 901)) {
		t.Error("excerpt not capped")
	}
	if !strings.Contains(p, strings.Repeat("z", 900)) {
		t.Error("excerpt missing")
	}
}

func TestFindJSONObject(t *testing.T) {
	cases := []struct {
		in    string
		found bool
	}{
		{`{"a":1}`, true},
		{"  {\"a\":1}\n", true},
		{"Sure! Here is my vote:\n```json\n{\"decision\":\"approve\"}\n```", true},
		{"no json at all", false},
		{"", false},
		{"{broken", false},
	}
	for _, tc := range cases {
		_, found := FindJSONObject(tc.in)
		if found != tc.found {
			t.Errorf("FindJSONObject(%q) found = %v, want %v", tc.in, found, tc.found)
		}
	}
}
