package upstream

import (
	"net/http"
	"time"
)

// Options configures the upstream client.
//
// Defaults:
// - Timeout:    10s (used only if incoming context has no deadline)
// - HTTPClient: a dedicated *http.Client with its own transport
//
// All options are safe to leave zero-valued to use defaults.
type Options struct {
	Timeout time.Duration

	// ForwardHeaders lists incoming request headers copied to the upstream
	// request. Names are case-insensitive.
	ForwardHeaders []string

	HTTPClient *http.Client
}

// Option mutates Options.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{Timeout: 10 * time.Second}
}

func WithTimeout(d time.Duration) Option        { return func(o *Options) { o.Timeout = d } }
func WithForwardHeaders(names ...string) Option { return func(o *Options) { o.ForwardHeaders = names } }
func WithHTTPClient(c *http.Client) Option      { return func(o *Options) { o.HTTPClient = c } }
