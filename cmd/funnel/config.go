package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rendis/funnel/internal/scheduler"
	"github.com/rendis/funnel/pkg/schema"
)

// Config holds all funnel server configuration.
// Priority: env vars > .env > settings.json > defaults.
type Config struct {
	AutomationID      string   `json:"automation_id"`
	DBPath            string   `json:"db_path"`
	LogLevel          string   `json:"log_level"`
	LogFormat         string   `json:"log_format"`
	DefaultTimeoutSec int      `json:"default_timeout_sec"`
	PoolSize          int      `json:"pool_size"`
	ResumeSchedule    string   `json:"resume_schedule"`
	MetricsAddr       string   `json:"metrics_addr"`
	ScriptsDir        string   `json:"scripts_dir"`
	ScriptAuthor      string   `json:"script_author"`
	ScriptRelease     string   `json:"script_release"`
	DefaultScript     string   `json:"default_script"`
	Testers           []string `json:"testers"`
	SafevarPassphrase string   `json:"safevar_passphrase"`
	SafevarSalt       string   `json:"safevar_salt"`
	RoutesFile        string   `json:"routes_file"`
}

func defaultConfig() Config {
	dir := funnelDir()
	return Config{
		DBPath:            filepath.Join(dir, "funnel.db"),
		LogLevel:          "info",
		LogFormat:         "json",
		DefaultTimeoutSec: 300,
		PoolSize:          10,
		ResumeSchedule:    scheduler.DefaultSchedule,
		ScriptsDir:        filepath.Join(dir, "scripts"),
		ScriptRelease:     "main",
	}
}

func funnelDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".funnel"
	}
	return filepath.Join(home, ".funnel")
}

func settingsPath() string {
	return filepath.Join(funnelDir(), "settings.json")
}

// loadConfig layers settingsFile and envFiles (default ".env") over the
// defaults, then applies FUNNEL_* variables. Missing files are skipped.
func loadConfig(settingsFile string, envFiles ...string) (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(settingsFile); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsFile, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("read %s: %w", settingsFile, err)
	}

	// .env never overrides variables already set in the environment.
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", f, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"FUNNEL_AUTOMATION_ID":      &cfg.AutomationID,
		"FUNNEL_DB_PATH":            &cfg.DBPath,
		"FUNNEL_LOG_LEVEL":          &cfg.LogLevel,
		"FUNNEL_LOG_FORMAT":         &cfg.LogFormat,
		"FUNNEL_RESUME_SCHEDULE":    &cfg.ResumeSchedule,
		"FUNNEL_METRICS_ADDR":       &cfg.MetricsAddr,
		"FUNNEL_SCRIPTS_DIR":        &cfg.ScriptsDir,
		"FUNNEL_SCRIPT_AUTHOR":      &cfg.ScriptAuthor,
		"FUNNEL_SCRIPT_RELEASE":     &cfg.ScriptRelease,
		"FUNNEL_DEFAULT_SCRIPT":     &cfg.DefaultScript,
		"FUNNEL_SAFEVAR_PASSPHRASE": &cfg.SafevarPassphrase,
		"FUNNEL_SAFEVAR_SALT":       &cfg.SafevarSalt,
		"FUNNEL_ROUTES_FILE":        &cfg.RoutesFile,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"FUNNEL_DEFAULT_TIMEOUT_SEC": &cfg.DefaultTimeoutSec,
		"FUNNEL_POOL_SIZE":           &cfg.PoolSize,
	}
	for key, dst := range ints {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	if v := os.Getenv("FUNNEL_TESTERS"); v != "" {
		cfg.Testers = splitList(v)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.AutomationID == "":
		return schema.NewError(schema.ErrCodeConfiguration, "automation_id is required")
	case c.DefaultTimeoutSec <= 0:
		return schema.NewErrorf(schema.ErrCodeConfiguration, "default_timeout_sec must be positive, got %d", c.DefaultTimeoutSec)
	case c.PoolSize <= 0:
		return schema.NewErrorf(schema.ErrCodeConfiguration, "pool_size must be positive, got %d", c.PoolSize)
	case c.SafevarPassphrase != "" && c.SafevarSalt == "":
		return schema.NewError(schema.ErrCodeConfiguration, "safevar_salt is required with safevar_passphrase")
	}
	if _, err := scheduler.ParseSchedule(c.ResumeSchedule); err != nil {
		return err
	}
	if _, err := parseScriptRef(c.DefaultScript); err != nil {
		return err
	}
	return nil
}

// DefaultTimeout is the question timeout the engine applies when a script sets none.
func (c Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSec) * time.Second
}

// parseScriptRef reads "name", "name@version" or "id:<id>[@version]".
func parseScriptRef(s string) (schema.ScriptRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return schema.ScriptRef{}, nil
	}
	body, version, _ := strings.Cut(s, "@")
	var ref schema.ScriptRef
	if id, ok := strings.CutPrefix(body, "id:"); ok {
		ref.ID = id
	} else {
		ref.Name = body
	}
	ref.Version = version
	if ref.Empty() {
		return ref, schema.NewErrorf(schema.ErrCodeConfiguration, "default_script %q names no script", s)
	}
	return ref, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
