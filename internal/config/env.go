package config

import (
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HRNOTIFY_"

// loadDotEnv loads <config dir>/.env if present. Variables already set in the
// process environment win.
func loadDotEnv(cfgPath string) error {
	p := filepath.Join(filepath.Dir(cfgPath), ".env")
	if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// applyEnv overlays HRNOTIFY_* variables onto cfg. Unset variables leave the
// file values untouched.
func applyEnv(cfg *Config) error {
	return env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix})
}
