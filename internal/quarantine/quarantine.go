// Package quarantine screens operator-supplied free text before it
// reaches an agent. It extracts URLs and checks them against a host
// allowlist, and scans for prompt-injection phrasing. The result is a
// list of violation tags; an empty list means the text is accepted.
package quarantine

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// urlPattern extracts candidate URLs from free text.
var urlPattern = regexp.MustCompile(`https?://[^\s<>()"']+`)

// trailingPunct is stripped from the end of extracted URLs so that
// prose like "(see https://example.com)." does not poison the parse.
const trailingPunct = "),.;:!?"

// insecureExemptHosts may be reached over plain http.
var insecureExemptHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
}

// defaultPatterns are the built-in injection screens, matched against
// the lowercased text.
var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`ignore (all )?(previous|prior|above) instructions`),
	regexp.MustCompile(`disregard (all )?(previous|prior|above) instructions`),
	regexp.MustCompile(`do not follow (the )?system`),
	regexp.MustCompile(`(curl|wget)[^|\n]*\|\s*(sudo\s+)?(ba|z)?sh`),
	regexp.MustCompile(`(reveal|print|show|leak|exfiltrate)[^.\n]{0,40}(api[_ ]?key|secret|token|password|credential)`),
	regexp.MustCompile(`send[^.\n]{0,40}(api[_ ]?key|secret|token|password|credential)s? to`),
}

// Policy is the optional YAML extension of the built-in screen.
type Policy struct {
	AllowedHosts    []string `yaml:"allowed_hosts"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
}

// Screen holds the compiled quarantine rules.
type Screen struct {
	allowedHosts []string
	patterns     []*regexp.Regexp
}

// New builds a Screen from an allowlist of hosts. A URL host passes
// when it equals an entry or is a subdomain of one.
func New(allowedHosts []string) *Screen {
	hosts := make([]string, 0, len(allowedHosts))
	for _, h := range allowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	return &Screen{
		allowedHosts: hosts,
		patterns:     defaultPatterns,
	}
}

// ExtendFromPolicy merges a policy into the screen. Unparseable
// patterns are rejected so a bad policy file fails loudly at startup
// instead of silently screening nothing.
func (s *Screen) ExtendFromPolicy(p Policy) error {
	for _, h := range p.AllowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			s.allowedHosts = append(s.allowedHosts, h)
		}
	}
	for _, raw := range p.BlockedPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return fmt.Errorf("bad quarantine pattern %q: %w", raw, err)
		}
		s.patterns = append(s.patterns, re)
	}
	return nil
}

// Inspect returns all violation tags for text. Empty means accept.
func (s *Screen) Inspect(text string) []string {
	var violations []string

	for _, raw := range urlPattern.FindAllString(text, -1) {
		raw = strings.TrimRight(raw, trailingPunct)
		u, err := url.Parse(raw)
		if err != nil {
			violations = append(violations, "invalid_url:"+raw)
			continue
		}
		host := strings.ToLower(u.Hostname())
		if host == "" {
			violations = append(violations, "missing_host:"+raw)
			continue
		}
		if u.Scheme == "http" && !insecureExemptHosts[host] {
			violations = append(violations, "insecure_http_url:"+raw)
		}
		if !s.hostAllowed(host) {
			violations = append(violations, "host_not_allowlisted:"+host)
		}
	}

	lowered := strings.ToLower(text)
	for _, re := range s.patterns {
		if re.MatchString(lowered) {
			violations = append(violations, "blocked_pattern:"+re.String())
		}
	}

	return violations
}

func (s *Screen) hostAllowed(host string) bool {
	for _, allowed := range s.allowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}
