package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Source kinds.
const (
	KindScript = "script"
	KindPluto  = "pluto"
)

// Script engines.
const (
	EngineGoja     = "goja"
	EngineOtto     = "otto"
	EngineChromium = "chromium"
)

const (
	DefaultListen     = "127.0.0.1:8080"
	DefaultTimezone   = "Europe/London"
	DefaultGlobal     = "KENT"
	DefaultSiteHeader = "X-Site-Id"

	// Event URL templates used when a feed sets no url_template.
	DefaultScriptURLTemplate = "{{.BaseURL}}/{{.ID}}/{{.Slug}}"
	DefaultPlutoURLTemplate  = "https://hellokent.co.uk/events/id/{{.ID}}"
)

// SourceConfig describes where a feed's events come from.
type SourceConfig struct {
	// Kind is "script" (page global extracted by running inline scripts)
	// or "pluto" (paginated JSON API).
	Kind string `yaml:"kind" json:"kind"`
	URL  string `yaml:"url" json:"url"`

	// Global is the identifier read after the page scripts ran.
	Global string `yaml:"global,omitempty" json:"global,omitempty"`
	// Engine selects "goja" (embedded ES2015+ interpreter, default), "otto"
	// (embedded ES5 interpreter) or "chromium".
	Engine        string        `yaml:"engine,omitempty" json:"engine,omitempty"`
	ScriptTimeout time.Duration `yaml:"script_timeout,omitempty" json:"script_timeout,omitempty"`

	SiteID     string            `yaml:"site_id,omitempty" json:"site_id,omitempty"`
	SiteHeader string            `yaml:"site_header,omitempty" json:"site_header,omitempty"`
	Params     map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
	// MaxPages bounds pagination; 0 means unbounded.
	MaxPages int `yaml:"max_pages,omitempty" json:"max_pages,omitempty"`

	UserAgent string `yaml:"user_agent,omitempty" json:"user_agent,omitempty"`
}

// FeedConfig is one published calendar.
type FeedConfig struct {
	Key  string `yaml:"key" json:"key"`
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Title / Description may be empty for script sources, which then use
	// the page's own title and meta description.
	Title       string `yaml:"title,omitempty" json:"title,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Timezone overrides Config.Timezone for this feed.
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`

	// URLTemplate computes each event's link from {{.ID}}, {{.Title}},
	// {{.Slug}} and {{.BaseURL}}.
	URLTemplate string `yaml:"url_template,omitempty" json:"url_template,omitempty"`

	Source SourceConfig `yaml:"source" json:"source"`
}

// Config is the top-level application configuration.
type Config struct {
	Listen   string `yaml:"listen" json:"listen"`
	Timezone string `yaml:"timezone" json:"timezone"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	CacheTTL   time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	ServeStale bool          `yaml:"serve_stale" json:"serve_stale"`
	StaleFor   time.Duration `yaml:"stale_for" json:"stale_for"`

	FetchTimeout   time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	MaxInFlight    int           `yaml:"max_in_flight" json:"max_in_flight"`

	// RefreshCron is a cron schedule (e.g. "*/15 * * * *") for warming every
	// feed. Empty disables the warmer.
	RefreshCron string `yaml:"refresh" json:"refresh"`
	WarmOnStart bool   `yaml:"warm_on_start" json:"warm_on_start"`

	// InvalidEvents is "skip" or "fail".
	InvalidEvents string `yaml:"invalid_events" json:"invalid_events"`

	Feeds []FeedConfig `yaml:"feeds" json:"feeds"`
}

// DefaultConfig returns an in-memory default configuration serving the
// University of Kent events page and the Kent Union calendar.
func DefaultConfig() *Config {
	cfg := &Config{
		Feeds: []FeedConfig{
			{
				Key: "kent",
				Source: SourceConfig{
					Kind:   KindScript,
					URL:    "https://student.kent.ac.uk/events",
					Global: DefaultGlobal,
				},
			},
			{
				Key:         "kent-su",
				Title:       "Kent SU Calendar",
				Description: "Hello Kent",
				Source: SourceConfig{
					Kind:   KindPluto,
					URL:    "https://pluto.sums.su/api/events",
					SiteID: "UutZYcRjdM5RzX2mnC8zPR",
					Params: map[string]string{
						"perPage":         "4",
						"sortBy":          "start_date",
						"futureOrOngoing": "0",
						"onlyPremium":     "1",
					},
				},
			},
		},
	}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 15 * time.Minute
	}
	if c.StaleFor <= 0 {
		c.StaleFor = time.Hour
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 60 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 64
	}
	if c.InvalidEvents == "" {
		c.InvalidEvents = "skip"
	}
	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
	for i := range c.Feeds {
		c.Feeds[i].normalize()
	}
}

func (f *FeedConfig) normalize() {
	f.Key = strings.TrimSpace(f.Key)
	if f.Path == "" && f.Key != "" {
		f.Path = "/" + f.Key + ".ics"
	}
	s := &f.Source
	s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
	switch s.Kind {
	case KindScript:
		if s.Global == "" {
			s.Global = DefaultGlobal
		}
		if s.Engine == "" {
			s.Engine = EngineGoja
		}
		if s.ScriptTimeout <= 0 {
			s.ScriptTimeout = 2 * time.Second
		}
		if f.URLTemplate == "" {
			f.URLTemplate = DefaultScriptURLTemplate
		}
	case KindPluto:
		if s.SiteHeader == "" {
			s.SiteHeader = DefaultSiteHeader
		}
		if f.URLTemplate == "" {
			f.URLTemplate = DefaultPlutoURLTemplate
		}
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("cache_ttl must be positive"))
	}
	switch strings.ToLower(c.InvalidEvents) {
	case "skip", "fail":
	default:
		errs = append(errs, fmt.Errorf("invalid_events: unknown policy %q", c.InvalidEvents))
	}

	keys := make(map[string]bool, len(c.Feeds))
	paths := make(map[string]bool, len(c.Feeds))
	for i, f := range c.Feeds {
		name := fmt.Sprintf("feeds[%d]", i)
		if f.Key != "" {
			name = fmt.Sprintf("feed %q", f.Key)
		}
		if f.Key == "" {
			errs = append(errs, fmt.Errorf("%s: key is empty", name))
		} else if keys[f.Key] {
			errs = append(errs, fmt.Errorf("%s: duplicate key", name))
		}
		keys[f.Key] = true

		if !strings.HasPrefix(f.Path, "/") || f.Path == "/health" || f.Path == "/metrics" {
			errs = append(errs, fmt.Errorf("%s: invalid path %q", name, f.Path))
		} else if paths[f.Path] {
			errs = append(errs, fmt.Errorf("%s: duplicate path %q", name, f.Path))
		}
		paths[f.Path] = true

		if f.Timezone != "" {
			if _, err := time.LoadLocation(f.Timezone); err != nil {
				errs = append(errs, fmt.Errorf("%s: timezone: %w", name, err))
			}
		}
		if f.URLTemplate != "" {
			if _, err := template.New(f.Key).Parse(f.URLTemplate); err != nil {
				errs = append(errs, fmt.Errorf("%s: url_template: %w", name, err))
			}
		}

		s := f.Source
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("%s: source url is empty", name))
		}
		switch s.Kind {
		case KindScript:
			switch s.Engine {
			case EngineGoja, EngineOtto, EngineChromium:
			default:
				errs = append(errs, fmt.Errorf("%s: unknown engine %q", name, s.Engine))
			}
		case KindPluto:
			if s.MaxPages < 0 {
				errs = append(errs, fmt.Errorf("%s: max_pages must not be negative", name))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown source kind %q", name, s.Kind))
		}
	}
	return errors.Join(errs...)
}

// Location returns the feed's timezone, falling back to def.
func (f FeedConfig) Location(def string) (*time.Location, error) {
	name := f.Timezone
	if name == "" {
		name = def
	}
	return time.LoadLocation(name)
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides file values with CALFEED_LISTEN and CALFEED_LOG_LEVEL.
// getenv is usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv("CALFEED_LISTEN")); v != "" {
		c.Listen = v
	}
	if v := strings.TrimSpace(getenv("CALFEED_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     permissions and returned.
//   - Otherwise the YAML is decoded and defaults are filled in.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calfeed-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
