package redact

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// DefaultReplacement replaces each redacted span.
const DefaultReplacement = "[REDACTED]"

// Config configures the scrubber.
type Config struct {
	Enabled     bool     `koanf:"enabled"`
	Replacement string   `koanf:"replacement"`
	Rules       []Rule   `koanf:"rules"`
	AllowList   []string `koanf:"allow_list"`

	// AllowListFile is a gitleaks-style TOML file whose [allowlist] regexes
	// are added to AllowList. A missing file is ignored.
	AllowListFile string `koanf:"allow_list_file"`

	// Gitleaks also runs the gitleaks default rule set for credentials the
	// built-in rules do not know.
	Gitleaks bool `koanf:"gitleaks"`

	compiledRules     []*compiledRule
	compiledAllowList []*regexp.Regexp
}

// Rule detects one kind of sensitive value.
type Rule struct {
	ID          string   `koanf:"id"`
	Description string   `koanf:"description"`
	Pattern     string   `koanf:"pattern"`
	Keywords    []string `koanf:"keywords"` // at least one must occur in the content
	Severity    string   `koanf:"severity"`

	// Check, when set, must accept the match. Used for checksummed numbers.
	Check func(match string) bool `koanf:"-"`
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// DefaultConfig enables the default rule set.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		Replacement: DefaultReplacement,
		Rules:       DefaultRules(),
	}
}

// Validate compiles the rules. It must run before the config is used.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Replacement == "" {
		c.Replacement = DefaultReplacement
	}

	c.compiledRules = make([]*compiledRule, 0, len(c.Rules))
	for i, rule := range c.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule %d: ID is required", i)
		}
		if rule.Pattern == "" {
			return fmt.Errorf("rule %s: pattern is required", rule.ID)
		}
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("rule %s: invalid pattern: %w", rule.ID, err)
		}
		cr := &compiledRule{Rule: rule, pattern: pattern}
		for _, kw := range rule.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		c.compiledRules = append(c.compiledRules, cr)
	}

	allow := append([]string(nil), c.AllowList...)
	if c.AllowListFile != "" {
		extra, err := loadAllowListFile(c.AllowListFile)
		if err != nil {
			return err
		}
		allow = append(allow, extra...)
	}

	c.compiledAllowList = make([]*regexp.Regexp, 0, len(allow))
	for i, p := range allow {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
		}
		c.compiledAllowList = append(c.compiledAllowList, re)
	}
	return nil
}

// loadAllowListFile reads the regexes of a gitleaks allowlist table.
func loadAllowListFile(path string) ([]string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var file struct {
		Allowlist struct {
			Regexes []string `toml:"regexes"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("allow_list_file %s: %w", path, err)
	}
	return file.Allowlist.Regexes, nil
}
