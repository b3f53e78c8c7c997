// Package config holds the process-wide configuration for a knocker
// worker: default timeouts, retry ceilings, the optional target host
// allow-list, and the error-reporter binding.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	defaultAddress        = ":9009"
	defaultStatusURL       = "/knocker/status"
	defaultScheme          = "https"
	defaultMaxRedirects    = 10
	defaultTimeout         = 10.0
	defaultTimeoutMax      = 60.0
	defaultRetries         = 2
	defaultRetriesMax      = 10
	defaultBackoffFactor   = 0.5
	defaultBackoffMax      = 60.0
	defaultApplicationLog  = "info"
	defaultMetricsListener = ""
)

// Config is the process-wide, immutable-after-Parse configuration of a
// knocker worker. Every per-request default referenced by package
// directive lives here.
type Config struct {
	ConfigFile string `yaml:"-"`

	Address  string `yaml:"address"`
	StatusURL string `yaml:"status-url"`

	Scheme            string       `yaml:"scheme"`
	MaxRedirects      int          `yaml:"max-redirects"`
	Timeout           float64      `yaml:"timeout"`
	TimeoutMax        float64      `yaml:"timeout-max"`
	Retries           int          `yaml:"retries"`
	RetriesMax        int          `yaml:"retries-max"`
	BackoffFactor     float64      `yaml:"backoff-factor"`
	BackoffFactorMax  float64      `yaml:"backoff-factor-max"`
	HostsOnly         hostListFlag `yaml:"hosts-only"`
	MaxBodyBytes      int64        `yaml:"max-body-bytes"`

	SentryDSN            string `yaml:"sentry-dsn"`
	SentryFailedRequests bool   `yaml:"sentry-failed-requests"`

	EnablePrometheusMetrics bool   `yaml:"enable-prometheus-metrics"`
	MetricsListener         string `yaml:"metrics-listener"`

	ApplicationLogLevelString string    `yaml:"application-log-level"`
	ApplicationLogLevel       log.Level `yaml:"-"`
}

// New returns a Config with its flags registered against the default
// flag.CommandLine and defaulted the way the spec's Config block defines
// them. Call Parse to read the command line, optional config file, and
// environment overrides.
func New() *Config {
	cfg := &Config{HostsOnly: hostListFlag{}}

	flag.StringVar(&cfg.ConfigFile, "config-file", "", "path to a YAML config file overlay")
	flag.StringVar(&cfg.Address, "address", defaultAddress, "address to listen on for ingress requests")
	flag.StringVar(&cfg.StatusURL, "status-url", defaultStatusURL, "path that serves worker status instead of being relayed")
	flag.StringVar(&cfg.Scheme, "scheme", defaultScheme, "default target scheme (http or https)")
	flag.IntVar(&cfg.MaxRedirects, "max-redirects", defaultMaxRedirects, "redirects followed by the shared HTTP client")
	flag.Float64Var(&cfg.Timeout, "timeout", defaultTimeout, "default per-attempt timeout in seconds")
	flag.Float64Var(&cfg.TimeoutMax, "timeout-max", defaultTimeoutMax, "ceiling for the per-attempt timeout in seconds")
	flag.IntVar(&cfg.Retries, "retries", defaultRetries, "default retry count")
	flag.IntVar(&cfg.RetriesMax, "retries-max", defaultRetriesMax, "ceiling for the retry count")
	flag.Float64Var(&cfg.BackoffFactor, "backoff-factor", defaultBackoffFactor, "default exponential backoff base, in seconds")
	flag.Float64Var(&cfg.BackoffFactorMax, "backoff-factor-max", defaultBackoffMax, "ceiling for the backoff delay, in seconds")
	flag.Var(&cfg.HostsOnly, "hosts-only", "comma-separated allow-list of target hosts; empty allows any host")
	flag.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", 0, "maximum buffered ingress body size in bytes, 0 for unlimited")
	flag.StringVar(&cfg.SentryDSN, "sentry-dsn", "", "Sentry DSN for the error reporter, empty disables it")
	flag.BoolVar(&cfg.SentryFailedRequests, "sentry-failed-requests", false, "report terminal relay failures to the error reporter, not just crashes")
	flag.BoolVar(&cfg.EnablePrometheusMetrics, "enable-prometheus-metrics", false, "serve Prometheus metrics")
	flag.StringVar(&cfg.MetricsListener, "metrics-listener", defaultMetricsListener, "address for a dedicated metrics listener; empty serves /metrics on -address")
	flag.StringVar(&cfg.ApplicationLogLevelString, "application-log-level", defaultApplicationLog, "log level: panic, fatal, error, warn, info, debug or trace")

	return cfg
}

// Parse reads the command line, applies an optional -config-file YAML
// overlay, then applies environment variable overrides, and finally
// validates the result. It must be called exactly once at startup.
func (c *Config) Parse(args []string) error {
	if err := flag.CommandLine.Parse(args); err != nil {
		return err
	}

	if c.ConfigFile != "" {
		raw, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, c); err != nil {
			return fmt.Errorf("unmarshalling config file: %w", err)
		}
	}

	c.applyEnv()

	level, err := log.ParseLevel(c.ApplicationLogLevelString)
	if err != nil {
		return fmt.Errorf("invalid -application-log-level: %w", err)
	}
	c.ApplicationLogLevel = level

	return c.validate()
}

// applyEnv overrides every field with an environment variable of the same
// upper-snake-case name, parsed as JSON and falling back to the raw string
// on parse failure. Mirrors the original Python implementation's
// environment overlay.
func (c *Config) applyEnv() {
	fields := map[string]interface{}{
		"ADDRESS":                    &c.Address,
		"STATUS_URL":                 &c.StatusURL,
		"SCHEME":                     &c.Scheme,
		"MAX_REDIRECTS":              &c.MaxRedirects,
		"TIMEOUT":                    &c.Timeout,
		"TIMEOUT_MAX":                &c.TimeoutMax,
		"RETRIES":                    &c.Retries,
		"RETRIES_MAX":                &c.RetriesMax,
		"BACKOFF_FACTOR":             &c.BackoffFactor,
		"BACKOFF_FACTOR_MAX":         &c.BackoffFactorMax,
		"MAX_BODY_BYTES":             &c.MaxBodyBytes,
		"SENTRY_DSN":                 &c.SentryDSN,
		"SENTRY_FAILED_REQUESTS":     &c.SentryFailedRequests,
		"ENABLE_PROMETHEUS_METRICS":  &c.EnablePrometheusMetrics,
		"METRICS_LISTENER":           &c.MetricsListener,
		"APPLICATION_LOG_LEVEL":      &c.ApplicationLogLevelString,
	}

	for name, dest := range fields {
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		setFromEnv(dest, raw)
	}

	if raw, ok := os.LookupEnv("HOSTS_ONLY"); ok {
		var hosts []string
		if err := json.Unmarshal([]byte(raw), &hosts); err != nil {
			hosts = strings.Split(raw, ",")
		}
		c.HostsOnly = hostListFlag(hosts)
	}
}

// setFromEnv assigns raw into dest. String fields are JSON-decoded,
// falling back to the raw string on failure; bool and numeric fields are
// parsed with strconv, and a value that fails to parse leaves the field
// unchanged.
func setFromEnv(dest interface{}, raw string) {
	switch d := dest.(type) {
	case *string:
		var s string
		if err := json.Unmarshal([]byte(raw), &s); err == nil {
			*d = s
		} else {
			*d = raw
		}
	case *bool:
		if b, err := strconv.ParseBool(raw); err == nil {
			*d = b
		}
	case *int:
		if n, err := strconv.Atoi(raw); err == nil {
			*d = n
		}
	case *int64:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			*d = n
		}
	case *float64:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			*d = f
		}
	}
}

func (c *Config) validate() error {
	if c.Scheme != "http" && c.Scheme != "https" {
		return fmt.Errorf("invalid scheme %q: must be http or https", c.Scheme)
	}
	if c.Retries < 0 || c.Retries > c.RetriesMax {
		return fmt.Errorf("retries %d out of range [0, %d]", c.Retries, c.RetriesMax)
	}
	if c.Timeout < 0 || c.Timeout > c.TimeoutMax {
		return fmt.Errorf("timeout %v out of range [0, %v]", c.Timeout, c.TimeoutMax)
	}
	if c.BackoffFactor < 0 || c.BackoffFactor > c.BackoffFactorMax {
		return fmt.Errorf("backoff-factor %v out of range [0, %v]", c.BackoffFactor, c.BackoffFactorMax)
	}
	return nil
}
