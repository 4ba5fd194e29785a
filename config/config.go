package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds crawler configuration.
type Config struct {
	StartURL    string   `yaml:"start_url"`
	BaseDomain  string   `yaml:"base_domain"`
	MaxPages    int      `yaml:"max_pages"`
	MaxPDFs     int      `yaml:"max_pdfs"`
	Workers     int      `yaml:"workers"`
	Delay       Duration `yaml:"delay"`
	RandomDelay Duration `yaml:"random_delay"`
	Timeout     Duration `yaml:"timeout"`
	RunTimeout  Duration `yaml:"run_timeout"`

	MaxAttempts    int      `yaml:"max_attempts"`
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  Duration `yaml:"retry_max_delay"`
	RetryJitter    Duration `yaml:"retry_jitter"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
	MaxTotalErrors         int `yaml:"max_total_errors"`

	MinHTMLBytes int    `yaml:"min_html_bytes"`
	MaxHTMLBytes int    `yaml:"max_html_bytes"`
	MinPDFBytes  int64  `yaml:"min_pdf_bytes"`
	MaxPDFBytes  int64  `yaml:"max_pdf_bytes"`
	KeepPDFs     bool   `yaml:"keep_pdfs"`
	PDFDir       string `yaml:"pdf_dir"`

	VisitedCacheSize int    `yaml:"visited_cache_size"`
	UserAgent        string `yaml:"user_agent"`
	OutputFile       string `yaml:"output_file"`
	OutputFormat     string `yaml:"output_format"` // json, csv, or dual
	LedgerPath       string `yaml:"ledger_path"`
	MetricsAddr      string `yaml:"metrics_addr"`
	Verbose          bool   `yaml:"verbose"`

	Rules Rules `yaml:"rules"`
}

// RateLimitConfig applies a token bucket plus a minimum spacing per domain.
type RateLimitConfig struct {
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	MinSpacing        Duration `yaml:"min_spacing"`
}

// DefaultConfig returns conservative defaults for a single bank site.
func DefaultConfig() *Config {
	return &Config{
		MaxPages:       10,
		MaxPDFs:        5,
		Workers:        1,
		Delay:          DurationFrom(500 * time.Millisecond),
		RandomDelay:    DurationFrom(0),
		Timeout:        DurationFrom(20 * time.Second),
		RunTimeout:     DurationFrom(10 * time.Minute),
		MaxAttempts:    3,
		RetryBaseDelay: DurationFrom(time.Second),
		RetryMaxDelay:  DurationFrom(60 * time.Second),
		RetryJitter:    DurationFrom(time.Second),
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 2,
			Burst:             5,
			MinSpacing:        DurationFrom(250 * time.Millisecond),
		},
		MaxConsecutiveFailures: 10,
		MaxTotalErrors:         50,
		MinHTMLBytes:           64,
		MaxHTMLBytes:           10 * 1024 * 1024,
		MinPDFBytes:            1024,
		MaxPDFBytes:            25 * 1024 * 1024,
		KeepPDFs:               false,
		VisitedCacheSize:       4096,
		UserAgent:              "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		OutputFile:             "output/card.json",
		OutputFormat:           "json",
		Verbose:                false,
		Rules:                  DefaultRules(),
	}
}

// Normalise fills derived values. It is safe to call more than once.
func (c *Config) Normalise() {
	c.StartURL = strings.TrimSpace(c.StartURL)
	c.BaseDomain = strings.ToLower(strings.TrimSpace(c.BaseDomain))
	if c.BaseDomain == "" && c.StartURL != "" {
		if parsed, err := url.Parse(c.StartURL); err == nil {
			c.BaseDomain = BaseDomainOf(parsed.Hostname())
		}
	}
	c.OutputFormat = strings.ToLower(strings.TrimSpace(c.OutputFormat))
	c.UserAgent = strings.TrimSpace(c.UserAgent)
}

// BaseDomainOf strips a leading "www." so subdomains of the bank match.
func BaseDomainOf(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	return strings.TrimPrefix(host, "www.")
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.StartURL == "" {
		return fmt.Errorf("start URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.StartURL)
	if err != nil {
		return fmt.Errorf("invalid start URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("start URL must include a host")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("start URL must use http or https")
	}

	if c.MaxPages < 0 {
		return fmt.Errorf("max pages cannot be negative")
	}
	if c.MaxPDFs < 0 {
		return fmt.Errorf("max pdfs cannot be negative")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Delay.Duration < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay.Duration < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.Timeout.Duration <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.RunTimeout.Duration < 0 {
		return fmt.Errorf("run timeout cannot be negative")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.RetryBaseDelay.Duration < 0 {
		return fmt.Errorf("retry base delay cannot be negative")
	}
	if c.RetryMaxDelay.Duration < 0 {
		return fmt.Errorf("retry max delay cannot be negative")
	}
	if c.RetryMaxDelay.Duration > 0 && c.RetryBaseDelay.Duration > c.RetryMaxDelay.Duration {
		return fmt.Errorf("retry base delay (%s) cannot exceed retry max delay (%s)", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	if c.RetryJitter.Duration < 0 {
		return fmt.Errorf("retry jitter cannot be negative")
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate limit requests per second cannot be negative")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit burst must be positive when a rate is set")
	}
	if c.RateLimit.MinSpacing.Duration < 0 {
		return fmt.Errorf("rate limit min spacing cannot be negative")
	}
	if c.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("max consecutive failures must be positive")
	}
	if c.MaxTotalErrors <= 0 {
		return fmt.Errorf("max total errors must be positive")
	}
	if c.MinHTMLBytes < 0 || c.MaxHTMLBytes <= 0 {
		return fmt.Errorf("html size bounds must be positive")
	}
	if c.MinPDFBytes < 0 || c.MaxPDFBytes <= 0 {
		return fmt.Errorf("pdf size bounds must be positive")
	}
	if c.MinPDFBytes > c.MaxPDFBytes {
		return fmt.Errorf("min pdf bytes (%d) cannot exceed max pdf bytes (%d)", c.MinPDFBytes, c.MaxPDFBytes)
	}
	if c.VisitedCacheSize <= 0 {
		return fmt.Errorf("visited cache size must be positive")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if err := c.Rules.Validate(); err != nil {
		return fmt.Errorf("rules: %w", err)
	}

	return nil
}
