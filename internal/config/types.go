package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration read from text. Besides time.ParseDuration
// syntax it accepts whole days ("3d"), the unit follow-up windows are
// usually written in.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	var (
		parsed time.Duration
		err    error
	)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		var n int
		n, err = strconv.Atoi(days)
		parsed = time.Duration(n) * 24 * time.Hour
	} else {
		parsed, err = time.ParseDuration(s)
	}
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	if parsed < 0 {
		return fmt.Errorf("negative duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText writes time.Duration syntax, so JSON and YAML output use it too.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Secret is a credential such as an API key or a DSN with a password.
// Formatting and text marshaling show a placeholder; Value returns the
// raw string.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string { return "config.Secret(" + redacted + ")" }

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}

func (s Secret) Value() string { return string(s) }

func (s Secret) IsSet() bool { return s != "" }
