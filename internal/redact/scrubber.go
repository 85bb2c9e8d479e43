package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// gitleaksPrefix marks findings reported by the gitleaks rule set.
const gitleaksPrefix = "gitleaks:"

// Scrubber redacts sensitive values from text.
type Scrubber interface {
	Scrub(content string) *Result
	Enabled() bool
}

// Result describes one scrub. Matched values are not kept.
type Result struct {
	Scrubbed string         `json:"scrubbed"`
	Findings []Finding      `json:"findings,omitempty"`
	ByRule   map[string]int `json:"by_rule,omitempty"`
}

// Finding locates one redacted span in the original content.
type Finding struct {
	RuleID   string `json:"rule_id"`
	Severity string `json:"severity"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Line     int    `json:"line"`
}

// HasFindings reports whether anything was redacted.
func (r *Result) HasFindings() bool { return len(r.Findings) > 0 }

// RuleIDs returns the matched rule IDs, sorted.
func (r *Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type scrubber struct {
	cfg *Config

	mu    sync.Mutex // guards leaks
	leaks *detect.Detector
}

// New validates cfg and returns a scrubber. A nil cfg uses DefaultConfig.
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &scrubber{cfg: cfg}
	if cfg.Enabled && cfg.Gitleaks {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return nil, fmt.Errorf("gitleaks: %w", err)
		}
		s.leaks = d
	}
	return s, nil
}

// MustNew is New that panics on an invalid config.
func MustNew(cfg *Config) Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *scrubber) Enabled() bool { return s.cfg.Enabled }

type span struct{ start, end int }

func (s *scrubber) Scrub(content string) *Result {
	res := &Result{Scrubbed: content, ByRule: map[string]int{}}
	if !s.cfg.Enabled || content == "" {
		return res
	}

	var spans []span
	add := func(ruleID, severity string, start, end int) {
		res.Findings = append(res.Findings, Finding{
			RuleID:   ruleID,
			Severity: severity,
			Start:    start,
			End:      end,
			Line:     strings.Count(content[:start], "\n") + 1,
		})
		res.ByRule[ruleID]++
		spans = append(spans, span{start, end})
	}

	for _, rule := range s.cfg.compiledRules {
		if len(rule.keywords) > 0 && !anyMatch(rule.keywords, content) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			match := content[m[0]:m[1]]
			if s.allowed(match) || (rule.Check != nil && !rule.Check(match)) {
				continue
			}
			add(rule.ID, rule.Severity, m[0], m[1])
		}
	}
	for _, sec := range s.detectLeaks(content) {
		// gitleaks reports line and column, so every occurrence is located by value.
		for off := 0; ; {
			i := strings.Index(content[off:], sec.value)
			if i < 0 {
				break
			}
			start := off + i
			add(gitleaksPrefix+sec.ruleID, "high", start, start+len(sec.value))
			off = start + len(sec.value)
		}
	}
	if len(spans) == 0 {
		return res
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := []span{spans[0]}
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}

	var b strings.Builder
	prev := 0
	for _, sp := range merged {
		b.WriteString(content[prev:sp.start])
		b.WriteString(s.cfg.Replacement)
		prev = sp.end
	}
	b.WriteString(content[prev:])
	res.Scrubbed = b.String()
	return res
}

type leak struct {
	ruleID string
	value  string
}

// detectLeaks runs gitleaks over content, deduplicating by secret value.
func (s *scrubber) detectLeaks(content string) []leak {
	if s.leaks == nil {
		return nil
	}
	s.mu.Lock()
	findings := s.leaks.DetectString(content)
	s.mu.Unlock()

	seen := make(map[string]bool, len(findings))
	out := make([]leak, 0, len(findings))
	for _, f := range findings {
		v := f.Secret
		if v == "" {
			v = f.Match
		}
		if v == "" || seen[v] || s.allowed(v) {
			continue
		}
		seen[v] = true
		out = append(out, leak{ruleID: f.RuleID, value: v})
	}
	return out
}

func (s *scrubber) allowed(match string) bool {
	for _, re := range s.cfg.compiledAllowList {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

func anyMatch(res []*regexp.Regexp, content string) bool {
	for _, re := range res {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

// Noop passes content through unchanged.
type Noop struct{}

func (Noop) Scrub(content string) *Result {
	return &Result{Scrubbed: content, ByRule: map[string]int{}}
}

func (Noop) Enabled() bool { return false }

var (
	_ Scrubber = (*scrubber)(nil)
	_ Scrubber = Noop{}
)
