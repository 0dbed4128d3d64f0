// Package config loads the guard's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/hanpama/gqlguard/internal/limits"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Limits   Limits   `yaml:"limits"`
	Server   Server   `yaml:"server"`
	Upstream Upstream `yaml:"upstream"`
	OTel     OTel     `yaml:"otel"`
	Metrics  Metrics  `yaml:"metrics"`
}

type Limits struct {
	DepthLimit          int      `yaml:"depth_limit"`
	NodesLimit          int      `yaml:"nodes_limit"`
	PaginationArguments []string `yaml:"pagination_arguments"`
	MaxTraversalDepth   int      `yaml:"max_traversal_depth"`
}

type Server struct {
	Addr         string        `yaml:"addr"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	Pretty       bool          `yaml:"pretty"`
	CORSOrigins  []string      `yaml:"cors_origins"`
	// ReportCost attaches the computed cost to rejected responses.
	ReportCost bool `yaml:"report_cost"`
}

type Upstream struct {
	URL            string        `yaml:"url"`
	Timeout        time.Duration `yaml:"timeout"`
	ForwardHeaders []string      `yaml:"forward_headers"`
}

type OTel struct {
	Endpoint string `yaml:"endpoint"`
	Service  string `yaml:"service"`
}

type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Limits: Limits{
			PaginationArguments: append([]string{}, limits.DefaultPaginationArguments...),
			MaxTraversalDepth:   limits.DefaultMaxTraversalDepth,
		},
		Server: Server{
			Addr:         ":8080",
			Timeout:      10 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Upstream: Upstream{
			Timeout: 10 * time.Second,
		},
		OTel: OTel{Service: "gqlguard"},
		Metrics: Metrics{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads and parses the YAML file at path on top of Default.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default. Unknown keys are errors.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that cannot be caught by decoding.
func (c Config) Validate() error {
	var errs []error
	if err := c.LimitsConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("limits: %w", err))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr: must not be empty"))
	}
	if c.Server.Timeout < 0 {
		errs = append(errs, fmt.Errorf("server.timeout: must not be negative, got %s", c.Server.Timeout))
	}
	if c.Server.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_body_bytes: must not be negative, got %d", c.Server.MaxBodyBytes))
	}
	if c.Upstream.URL == "" {
		errs = append(errs, errors.New("upstream.url: required"))
	} else if u, err := url.Parse(c.Upstream.URL); err != nil {
		errs = append(errs, fmt.Errorf("upstream.url: %w", err))
	} else if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream.url: %q is not an absolute http(s) URL", c.Upstream.URL))
	}
	if c.Upstream.Timeout < 0 {
		errs = append(errs, fmt.Errorf("upstream.timeout: must not be negative, got %s", c.Upstream.Timeout))
	}
	if c.Metrics.Enabled && (c.Metrics.Path == "" || c.Metrics.Path[0] != '/') {
		errs = append(errs, fmt.Errorf("metrics.path: %q must start with /", c.Metrics.Path))
	}
	return errors.Join(errs...)
}

// LimitsConfig converts the limits section for limits.New.
func (c Config) LimitsConfig() limits.Config {
	return limits.Config{
		DepthLimit:          c.Limits.DepthLimit,
		NodesLimit:          c.Limits.NodesLimit,
		PaginationArguments: c.Limits.PaginationArguments,
		MaxTraversalDepth:   c.Limits.MaxTraversalDepth,
	}
}
