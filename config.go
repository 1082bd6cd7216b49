package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const devSecret = "dev-secret-change-in-production"

var (
	ErrUnknownSetting = errors.New("unknown setting")
	ErrInvalidSetting = errors.New("invalid setting value")
)

const (
	minTimeThreshold     = 1
	maxTimeThreshold     = 60
	defaultTimeThreshold = 3
	defaultRetentionDays = 30
)

// Options are the protection settings an operator can change at runtime.
type Options struct {
	Enabled              bool            `yaml:"enabled" json:"enabled"`
	HoneypotCount        int             `yaml:"honeypot_count" json:"honeypot_count"`
	TimeThresholdSeconds int             `yaml:"time_threshold_seconds" json:"time_threshold_seconds"`
	LogSpam              bool            `yaml:"log_spam" json:"log_spam"`
	LogRetentionDays     int             `yaml:"log_retention_days" json:"log_retention_days"`
	Protect              map[string]bool `yaml:"protect" json:"protect"`
	DebugMode            bool            `yaml:"debug_mode" json:"debug_mode"`
	SkipNonceForms       []string        `yaml:"skip_nonce_forms" json:"skip_nonce_forms"`
	// ClientScoreThreshold rejects submissions whose client heuristics
	// score reaches it. 0 turns the check off.
	ClientScoreThreshold int `yaml:"client_score_threshold" json:"client_score_threshold"`
}

// IsProtected reports whether submissions for formType are evaluated at all.
func (o Options) IsProtected(formType string) bool {
	if !o.Enabled {
		return false
	}
	on, ok := o.Protect[formType]
	return !ok || on
}

func (o Options) SkipsNonce(formID string) bool {
	for _, f := range o.SkipNonceForms {
		if f == formID {
			return true
		}
	}
	return false
}

func (o Options) clone() Options {
	c := o
	c.Protect = make(map[string]bool, len(o.Protect))
	for k, v := range o.Protect {
		c.Protect[k] = v
	}
	c.SkipNonceForms = append([]string(nil), o.SkipNonceForms...)
	return c
}

// normalize clamps values a hand-edited file may carry out of range.
func (o *Options) normalize() {
	o.HoneypotCount = clamp(o.HoneypotCount, minHoneypotCount, maxHoneypotCount)
	o.TimeThresholdSeconds = clamp(o.TimeThresholdSeconds, minTimeThreshold, maxTimeThreshold)
	if o.LogRetentionDays < 0 {
		o.LogRetentionDays = 0
	}
	o.ClientScoreThreshold = clamp(o.ClientScoreThreshold, 0, 100)
	if o.Protect == nil {
		o.Protect = map[string]bool{}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func DefaultOptions() Options {
	return Options{
		Enabled:              true,
		HoneypotCount:        defaultHoneypotCount,
		TimeThresholdSeconds: defaultTimeThreshold,
		LogSpam:              true,
		LogRetentionDays:     defaultRetentionDays,
		Protect: map[string]bool{
			"wp_login":        true,
			"wp_registration": true,
			"wp_comments":     true,
			"contact_form_7":  true,
			"elementor_forms": true,
			"houzez_forms":    true,
		},
		SkipNonceForms: []string{"houzez_agent_contact", "houzez_schedule_tour", "houzez_inquiry"},
	}
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres
	DSN    string `yaml:"dsn"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

// Config is the full service configuration.
type Config struct {
	Listen         string         `yaml:"listen"`
	Secret         string         `yaml:"secret"`
	AdminToken     string         `yaml:"admin_token"`
	SessionTTL     time.Duration  `yaml:"session_ttl"`
	RedisURL       string         `yaml:"redis_url"`
	Database       DatabaseConfig `yaml:"database"`
	Log            LogConfig      `yaml:"log"`
	AllowedOrigins []string       `yaml:"allowed_origins"`
	Options        Options        `yaml:"options"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:         ":3000",
		Secret:         devSecret,
		SessionTTL:     2 * time.Hour,
		Database:       DatabaseConfig{Driver: "sqlite", DSN: "spamxpert.db"},
		Log:            LogConfig{Level: "info", Format: "text"},
		AllowedOrigins: []string{"*"},
		Options:        DefaultOptions(),
	}
}

// LoadConfig reads path (if non-empty and present), then applies environment
// overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.Options.normalize()
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 2 * time.Hour
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SPAMXPERT_SECRET"); v != "" {
		c.Secret = v
	}
	if v := os.Getenv("SPAMXPERT_ADMIN_TOKEN"); v != "" {
		c.AdminToken = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Listen = ":" + v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Settings holds the live Options. Writes are validated before they land;
// readers get a copy.
type Settings struct {
	mu   sync.RWMutex
	opts Options
	// path, when set, is the YAML file Set persists to.
	path string
}

func NewSettings(opts Options, path string) *Settings {
	opts.normalize()
	return &Settings{opts: opts.clone(), path: path}
}

func (s *Settings) Current() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts.clone()
}

// SettingKeys lists the keys Set accepts, protect_* aside.
func SettingKeys() []string {
	return []string{"enabled", "honeypot_count", "time_threshold_seconds", "log_spam",
		"log_retention_days", "debug_mode", "skip_nonce_forms", "client_score_threshold", "protect_<form_type>"}
}

// Set validates and applies one option.
func (s *Settings) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.opts.clone()
	if err := applySetting(&next, key, strings.TrimSpace(value)); err != nil {
		return err
	}
	if s.path != "" {
		if err := saveOptions(s.path, next); err != nil {
			return err
		}
	}
	s.opts = next
	return nil
}

func applySetting(o *Options, key, value string) error {
	if formType, ok := strings.CutPrefix(key, "protect_"); ok && formType != "" {
		b, err := parseBool(key, value)
		if err != nil {
			return err
		}
		o.Protect[formType] = b
		return nil
	}

	var err error
	switch key {
	case "enabled":
		o.Enabled, err = parseBool(key, value)
	case "log_spam":
		o.LogSpam, err = parseBool(key, value)
	case "debug_mode":
		o.DebugMode, err = parseBool(key, value)
	case "honeypot_count":
		o.HoneypotCount, err = parseIntInRange(key, value, minHoneypotCount, maxHoneypotCount)
	case "time_threshold_seconds":
		o.TimeThresholdSeconds, err = parseIntInRange(key, value, minTimeThreshold, maxTimeThreshold)
	case "log_retention_days":
		o.LogRetentionDays, err = parseIntInRange(key, value, 0, int(^uint32(0)>>1))
	case "skip_nonce_forms":
		o.SkipNonceForms = splitList(value)
	case "client_score_threshold":
		o.ClientScoreThreshold, err = parseIntInRange(key, value, 0, 100)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSetting, key)
	}
	return err
}

func parseBool(key, value string) (bool, error) {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	}
	return false, fmt.Errorf("%w: %s must be a boolean, got %q", ErrInvalidSetting, key, value)
}

func parseIntInRange(key, value string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer, got %q", ErrInvalidSetting, key, value)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%w: %s must be within [%d, %d], got %d", ErrInvalidSetting, key, lo, hi, n)
	}
	return n, nil
}

func splitList(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == '\n' || r == ' ' })
}

// saveOptions rewrites the options section of the config file at path,
// leaving the other sections as they are.
func saveOptions(path string, opts Options) error {
	doc := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	doc["options"] = opts

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
