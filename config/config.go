// Package config loads .quoteharvest.yaml run parameters.
//
// Every parameter has a built-in default, so the file is optional. Values
// from the file are applied over the defaults, and command-line flags are
// applied over the file by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/minios-linux/quoteharvest/scrape"
	"github.com/minios-linux/quoteharvest/snapshot"
	"github.com/minios-linux/quoteharvest/translate"
)

// FileName is the default config file name.
const FileName = ".quoteharvest.yaml"

// APIKeyEnv is the environment variable consulted for the translation API key.
const APIKeyEnv = "QUOTEHARVEST_API_KEY"

// DefaultInterval is the pause between harvest cycles.
const DefaultInterval = 24 * time.Hour

// DefaultLanguages are the default translation targets.
var DefaultLanguages = []string{"en", "fr", "de", "es"}

// ---------------------------------------------------------------------------
// YAML schema
// ---------------------------------------------------------------------------

// Config is the top-level .quoteharvest.yaml structure.
type Config struct {
	// TopicURL is the topic index page listing documents.
	TopicURL string `yaml:"topic_url,omitempty"`
	// Documents is how many documents to sample per cycle.
	Documents int `yaml:"documents,omitempty"`
	// SourceLang is the language of harvested passages (default "ru").
	SourceLang string `yaml:"source_lang,omitempty"`
	// Languages are the translation targets.
	Languages []string `yaml:"languages,omitempty"`
	// TTL is how long a saved snapshot is reused.
	TTL time.Duration `yaml:"ttl,omitempty"`
	// Interval is the sleep between cycles.
	Interval time.Duration `yaml:"interval,omitempty"`

	// --- translation backend ---

	// Endpoint is the LibreTranslate translate URL.
	Endpoint string `yaml:"endpoint,omitempty"`
	// APIKey is sent to the backend when set (or QUOTEHARVEST_API_KEY).
	APIKey string `yaml:"api_key,omitempty"`
	// MaxConcurrent caps in-flight translation calls.
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`
	// Timeout is the per-request timeout for both scraping and translation.
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// RateLimit caps translation requests per second (0 = unlimited).
	RateLimit float64 `yaml:"rate_limit,omitempty"`
	// BreakerFailures opens the circuit after this many consecutive
	// transport failures (0 = disabled).
	BreakerFailures int `yaml:"breaker_failures,omitempty"`
	// Proxy is an optional HTTP/HTTPS proxy URL.
	Proxy string `yaml:"proxy,omitempty"`

	// --- storage and serving ---

	// Cache is the snapshot location: a JSON file path or sqlite://path.
	// Empty means the default file in the user data directory.
	Cache string `yaml:"cache,omitempty"`
	// Listen is the address for the HTTP endpoint (empty = disabled).
	Listen string `yaml:"listen,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		TopicURL:      scrape.DefaultTopicURL,
		Documents:     scrape.DefaultDocuments,
		SourceLang:    snapshot.DefaultSourceLang,
		Languages:     append([]string(nil), DefaultLanguages...),
		TTL:           snapshot.DefaultTTL,
		Interval:      DefaultInterval,
		Endpoint:      translate.DefaultEndpoint,
		MaxConcurrent: translate.DefaultMaxConcurrent,
		Timeout:       60 * time.Second,
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads .quoteharvest.yaml from rootDir over the defaults. A missing
// file is not an error; unknown keys are. The API key falls back to
// QUOTEHARVEST_API_KEY.
func Load(rootDir string) (*Config, error) {
	cfg := Default()
	path := filepath.Join(rootDir, FileName)

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if err == nil {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(APIKeyEnv)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseLanguages splits a comma-separated language list.
func ParseLanguages(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) normalize() {
	c.SourceLang = strings.TrimSpace(c.SourceLang)
	if c.SourceLang == "" {
		c.SourceLang = snapshot.DefaultSourceLang
	}
	seen := make(map[string]bool)
	var langs []string
	for _, l := range c.Languages {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		langs = append(langs, l)
	}
	c.Languages = langs
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	c.normalize()

	if len(c.TargetLanguages()) == 0 {
		return fmt.Errorf("no target languages besides source language %q", c.SourceLang)
	}
	if c.Documents <= 0 {
		return fmt.Errorf("documents must be positive, got %d", c.Documents)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", c.TTL)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative, got %v", c.RateLimit)
	}
	if c.BreakerFailures < 0 {
		return fmt.Errorf("breaker_failures must not be negative, got %d", c.BreakerFailures)
	}
	for name, raw := range map[string]string{"topic_url": c.TopicURL, "endpoint": c.Endpoint} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an http(s) URL, got %q", name, raw)
		}
	}
	return nil
}

// TargetLanguages returns Languages without the source language.
func (c *Config) TargetLanguages() []string {
	var out []string
	for _, l := range c.Languages {
		if l != c.SourceLang {
			out = append(out, l)
		}
	}
	return out
}
