package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "DEALFLOW_"

// SystemDir is the system-wide configuration directory.
const SystemDir = "/etc/dealflow"

const maxFileSize = 1 << 20

// Load layers defaults, the YAML file at path and DEALFLOW_* environment
// variables, later layers winning, then validates the result. An empty
// path means ~/.config/dealflow/config.yaml; a missing file is skipped.
//
// The file may hold API keys and DSNs, so it must sit under
// ~/.config/dealflow/ or /etc/dealflow/, be owner-only (0600 or 0400) and
// be at most 1MB.
//
// The first underscore after the prefix separates section from key:
//
//	DEALFLOW_POLICY_MIN_CONFIDENCE -> policy.min_confidence
//	DEALFLOW_NATS_MAX_DELIVER      -> nats.max_deliver
func Load(path string) (*Config, error) {
	if path == "" {
		dir, err := UserDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "config.yaml")
	}

	k := koanf.New(".")
	raw, err := readFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	section, key, ok := strings.Cut(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_")
	if !ok {
		return section
	}
	return section + "." + key
}

// UserDir returns ~/.config/dealflow.
func UserDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home directory: %w", err)
	}
	return filepath.Join(home, ".config", "dealflow"), nil
}

// EnsureConfigDir creates UserDir as owner-only.
func EnsureConfigDir() error {
	dir, err := UserDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// readFile checks the location, then opens once and checks mode and size on
// the open descriptor. A missing file yields an fs.ErrNotExist error.
func readFile(path string) ([]byte, error) {
	if err := checkLocation(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if perm := info.Mode().Perm(); runtime.GOOS != "windows" && perm != 0o600 && perm != 0o400 {
		return nil, fmt.Errorf("config file %s has mode %v, want 0600 or 0400", path, perm)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file %s is %d bytes, limit %d", path, info.Size(), maxFileSize)
	}
	return io.ReadAll(io.LimitReader(f, maxFileSize))
}

// checkLocation resolves symlinks on both sides so a link cannot lead out
// of the allowed directories. A path that does not exist yet is checked as
// written.
func checkLocation(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if r, err := filepath.EvalSymlinks(abs); err == nil {
		abs = r
	}
	user, err := UserDir()
	if err != nil {
		return err
	}
	for _, dir := range []string{user, SystemDir} {
		if r, err := filepath.EvalSymlinks(dir); err == nil {
			dir = r
		}
		if abs == dir || strings.HasPrefix(abs, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/dealflow/ or %s/", SystemDir)
}
