package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ProjectFile is the per-project config file name.
const ProjectFile = ".pulse.yaml"

// Config holds all configurable Pulse settings.
type Config struct {
	APIKey   string `json:"api_key" yaml:"api_key"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	BatchSize      int      `json:"batch_size" yaml:"batch_size"`
	FlushInterval  Duration `json:"flush_interval" yaml:"flush_interval"`
	SessionTimeout Duration `json:"session_timeout" yaml:"session_timeout"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout"`
	MaxRetries     *int     `json:"max_retries" yaml:"max_retries"` // nil means unset
	RetryBaseDelay Duration `json:"retry_base_delay" yaml:"retry_base_delay"`

	RecordingFlushInterval Duration `json:"recording_flush_interval" yaml:"recording_flush_interval"`
	RecordingMaxEvents     int      `json:"recording_max_events" yaml:"recording_max_events"`
	RecordingMaxDuration   Duration `json:"recording_max_duration" yaml:"recording_max_duration"`
	ConfigTTL              Duration `json:"config_ttl" yaml:"config_ttl"`

	Storage     string `json:"storage" yaml:"storage"` // "disk" | "memory" | "badger" | "redis"
	StoragePath string `json:"storage_path" yaml:"storage_path"`
	RedisURL    string `json:"redis_url" yaml:"redis_url"`

	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"` // "console" | "json"
	LogOutput string `json:"log_output" yaml:"log_output"` // "stderr" | "stdout" | file path

	UserAgent string `json:"user_agent" yaml:"user_agent"`
	Locale    string `json:"locale" yaml:"locale"`
	Screen    string `json:"screen" yaml:"screen"`     // "WxH"
	Viewport  string `json:"viewport" yaml:"viewport"` // "WxH"
	PageURL   string `json:"page_url" yaml:"page_url"`
	Referrer  string `json:"referrer" yaml:"referrer"`
}

// Defaults returns sensible default configuration values.
func Defaults() Config {
	retries := 3
	return Config{
		Endpoint:               "http://localhost:8080",
		BatchSize:              10,
		FlushInterval:          Duration(5 * time.Second),
		SessionTimeout:         Duration(30 * time.Minute),
		RequestTimeout:         Duration(10 * time.Second),
		MaxRetries:             &retries,
		RetryBaseDelay:         Duration(time.Second),
		RecordingFlushInterval: Duration(10 * time.Second),
		RecordingMaxEvents:     500,
		RecordingMaxDuration:   Duration(30 * time.Minute),
		ConfigTTL:              Duration(60 * time.Second),
		Storage:                "disk",
		LogLevel:               "info",
		LogFormat:              "console",
		LogOutput:              "stderr",
	}
}

// Retries returns MaxRetries, or 0 when unset.
func (c Config) Retries() int {
	if c.MaxRetries == nil {
		return 0
	}
	return *c.MaxRetries
}

// LoadGlobal reads ~/.config/pulse/config.json.
// Returns defaults if the file is absent.
func LoadGlobal() (*Config, error) {
	path, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			d := Defaults()
			return &d, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &cfg, nil
}

// LoadProject reads .pulse.yaml in the current working directory.
// Returns nil (no error) if the file is absent.
func LoadProject() (*Config, error) {
	data, err := os.ReadFile(ProjectFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ParseError{Path: ProjectFile, Err: err}
	}
	return &cfg, nil
}

// Load merges the global and project files and applies the environment.
func Load() (Config, error) {
	global, err := LoadGlobal()
	if err != nil {
		return Config{}, err
	}
	project, err := LoadProject()
	if err != nil {
		return Config{}, err
	}
	cfg := Merge(global, project)
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Merge combines global and project configs, with project taking precedence.
// Missing keys fall back to global, then defaults.
func Merge(global, project *Config) Config {
	result := Defaults()
	if global != nil {
		overlay(&result, global)
	}
	if project != nil {
		overlay(&result, project)
	}
	return result
}

// overlay copies every set field of src onto dst.
func overlay(dst, src *Config) {
	setString(&dst.APIKey, src.APIKey)
	setString(&dst.Endpoint, src.Endpoint)
	if src.BatchSize > 0 {
		dst.BatchSize = src.BatchSize
	}
	setDuration(&dst.FlushInterval, src.FlushInterval)
	setDuration(&dst.SessionTimeout, src.SessionTimeout)
	setDuration(&dst.RequestTimeout, src.RequestTimeout)
	if src.MaxRetries != nil {
		n := *src.MaxRetries
		dst.MaxRetries = &n
	}
	setDuration(&dst.RetryBaseDelay, src.RetryBaseDelay)
	setDuration(&dst.RecordingFlushInterval, src.RecordingFlushInterval)
	if src.RecordingMaxEvents > 0 {
		dst.RecordingMaxEvents = src.RecordingMaxEvents
	}
	setDuration(&dst.RecordingMaxDuration, src.RecordingMaxDuration)
	setDuration(&dst.ConfigTTL, src.ConfigTTL)
	setString(&dst.Storage, src.Storage)
	setString(&dst.StoragePath, src.StoragePath)
	setString(&dst.RedisURL, src.RedisURL)
	setString(&dst.LogLevel, src.LogLevel)
	setString(&dst.LogFormat, src.LogFormat)
	setString(&dst.LogOutput, src.LogOutput)
	setString(&dst.UserAgent, src.UserAgent)
	setString(&dst.Locale, src.Locale)
	setString(&dst.Screen, src.Screen)
	setString(&dst.Viewport, src.Viewport)
	setString(&dst.PageURL, src.PageURL)
	setString(&dst.Referrer, src.Referrer)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *Duration, v Duration) {
	if v > 0 {
		*dst = v
	}
}

// envVars maps PULSE_* variables to the fields they set.
var envVars = []struct {
	name string
	set  func(c *Config, v string) error
}{
	{"PULSE_API_KEY", func(c *Config, v string) error { c.APIKey = v; return nil }},
	{"PULSE_ENDPOINT", func(c *Config, v string) error { c.Endpoint = v; return nil }},
	{"PULSE_BATCH_SIZE", func(c *Config, v string) error { return setInt(&c.BatchSize, v) }},
	{"PULSE_FLUSH_INTERVAL", func(c *Config, v string) error { return c.FlushInterval.Set(v) }},
	{"PULSE_SESSION_TIMEOUT", func(c *Config, v string) error { return c.SessionTimeout.Set(v) }},
	{"PULSE_REQUEST_TIMEOUT", func(c *Config, v string) error { return c.RequestTimeout.Set(v) }},
	{"PULSE_MAX_RETRIES", func(c *Config, v string) error {
		var n int
		if err := setInt(&n, v); err != nil {
			return err
		}
		c.MaxRetries = &n
		return nil
	}},
	{"PULSE_RETRY_BASE_DELAY", func(c *Config, v string) error { return c.RetryBaseDelay.Set(v) }},
	{"PULSE_CONFIG_TTL", func(c *Config, v string) error { return c.ConfigTTL.Set(v) }},
	{"PULSE_STORAGE", func(c *Config, v string) error { c.Storage = v; return nil }},
	{"PULSE_STORAGE_PATH", func(c *Config, v string) error { c.StoragePath = v; return nil }},
	{"PULSE_REDIS_URL", func(c *Config, v string) error { c.RedisURL = v; return nil }},
	{"PULSE_LOG_LEVEL", func(c *Config, v string) error { c.LogLevel = v; return nil }},
	{"PULSE_LOG_FORMAT", func(c *Config, v string) error { c.LogFormat = v; return nil }},
	{"PULSE_LOG_OUTPUT", func(c *Config, v string) error { c.LogOutput = v; return nil }},
	{"PULSE_PAGE_URL", func(c *Config, v string) error { c.PageURL = v; return nil }},
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

// ApplyEnv loads envFiles (".env" when none are given, skipped if absent)
// and overlays PULSE_* environment variables onto cfg. Variables already set
// in the environment win over the files.
func ApplyEnv(cfg *Config, envFiles ...string) error {
	if len(envFiles) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			envFiles = []string{".env"}
		}
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}
	for _, ev := range envVars {
		v, ok := os.LookupEnv(ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.set(cfg, v); err != nil {
			return fmt.Errorf("invalid %s: %w", ev.name, err)
		}
	}
	return nil
}

// Validate checks the settings the client cannot run without.
func (c Config) Validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("endpoint must be an http(s) URL, got %q", c.Endpoint)
	}
	if c.BatchSize <= 0 {
		return errors.New("batch_size must be positive")
	}
	if c.Retries() < 0 {
		return errors.New("max_retries cannot be negative")
	}
	switch c.Storage {
	case "disk", "memory", "badger", "redis":
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}
	if c.Storage == "redis" && c.RedisURL == "" {
		return errors.New("redis storage requires redis_url")
	}
	for name, v := range map[string]string{"screen": c.Screen, "viewport": c.Viewport} {
		if v == "" {
			continue
		}
		if _, _, err := ParseSize(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// ParseSize parses "WxH" into width and height.
func ParseSize(s string) (w, h int, err error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("size %q is not WxH", s)
	}
	if w, err = strconv.Atoi(ws); err != nil || w < 0 {
		return 0, 0, fmt.Errorf("size %q: invalid width", s)
	}
	if h, err = strconv.Atoi(hs); err != nil || h < 0 {
		return 0, 0, fmt.Errorf("size %q: invalid height", s)
	}
	return w, h, nil
}

// ParseError is returned when a config file exists but cannot be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "failed to parse config file " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
