package redact

import (
	"strings"
	"unicode"
)

// DefaultRules covers what counterparties paste into deal emails: payment
// details, identity numbers and the occasional credential.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "card-number",
			Description: "Payment card number",
			Pattern:     `\b(?:\d[ -]?){12,18}\d\b`,
			Severity:    "high",
			Check:       luhn,
		},
		{
			ID:          "iban",
			Description: "International bank account number",
			Pattern:     `\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,4})?\b`,
			Severity:    "high",
			Check:       ibanChecksum,
		},
		{
			ID:          "us-routing-account",
			Description: "Bank routing and account pair",
			Pattern:     `(?i)(?:routing|aba)\s*(?:number|no\.?|#)?\s*[:=]?\s*\d{9}`,
			Severity:    "high",
		},
		{
			ID:          "bank-account",
			Description: "Bank account number",
			Pattern:     `(?i)account\s*(?:number|no\.?|#)\s*[:=]?\s*\d{6,17}`,
			Severity:    "high",
		},
		{
			ID:          "ssn",
			Description: "US social security number",
			Pattern:     `\b\d{3}-\d{2}-\d{4}\b`,
			Keywords:    []string{"ssn", "social security", "tax"},
			Severity:    "high",
		},
		{
			ID:          "generic-secret",
			Description: "Password or secret assignment",
			Pattern:     `(?i)(?:password|passwd|secret|api[_-]?key)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`,
			Severity:    "high",
		},
		{
			ID:          "bearer-token",
			Description: "Bearer token",
			Pattern:     `(?i)bearer\s+[A-Za-z0-9_\-\.=]{20,}`,
			Severity:    "medium",
		},
		{
			ID:          "jwt",
			Description: "JSON Web Token",
			Pattern:     `eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`,
			Severity:    "medium",
		},
		{
			ID:          "stripe-key",
			Description: "Stripe API key",
			Pattern:     `(?:sk|rk)_(?:live|test)_[A-Za-z0-9]{24,}`,
			Severity:    "high",
		},
		{
			ID:          "anthropic-api-key",
			Description: "Anthropic API key",
			Pattern:     `sk-ant-[A-Za-z0-9_\-]{32,}`,
			Severity:    "high",
		},
	}
}

func digits(s string) []int {
	out := make([]int, 0, len(s))
	for _, r := range s {
		if unicode.IsDigit(r) {
			out = append(out, int(r-'0'))
		}
	}
	return out
}

func luhn(match string) bool {
	d := digits(match)
	if len(d) < 13 || len(d) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(d) - 1; i >= 0; i-- {
		n := d[i]
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}

// ibanChecksum implements the ISO 13616 mod-97 check.
func ibanChecksum(match string) bool {
	s := strings.ReplaceAll(strings.ToUpper(match), " ", "")
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	s = s[4:] + s[:4]
	rem := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			rem = (rem*10 + int(r-'0')) % 97
		case r >= 'A' && r <= 'Z':
			rem = (rem*100 + int(r-'A'+10)) % 97
		default:
			return false
		}
	}
	return rem == 1
}
