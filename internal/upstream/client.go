package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	eventbus "github.com/hanpama/gqlguard/internal/eventbus"
	events "github.com/hanpama/gqlguard/internal/events"
	reqid "github.com/hanpama/gqlguard/internal/reqid"
)

// Client forwards accepted GraphQL requests to the GraphQL server that
// executes them.
type Client struct {
	url     string
	opts    *Options
	http    *http.Client
	headers []string
	closed  atomic.Bool
}

// Response is the upstream reply, passed back to the caller unchanged.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func New(url string, opts ...Option) *Client {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	hc := o.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	headers := make([]string, 0, len(o.ForwardHeaders))
	for _, h := range o.ForwardHeaders {
		headers = append(headers, http.CanonicalHeaderKey(h))
	}
	return &Client{url: url, opts: o, http: hc, headers: headers}
}

// URL returns the upstream endpoint.
func (c *Client) URL() string { return c.url }

// Forward POSTs body to the upstream endpoint. Only the configured headers
// are copied from header; the request ID in ctx is sent as reqid.Header.
func (c *Client) Forward(ctx context.Context, body []byte, header http.Header) (resp *Response, err error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if _, ok := ctx.Deadline(); !ok && c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	for _, name := range c.headers {
		for _, v := range header.Values(name) {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if rid, ok := reqid.FromContext(ctx); ok {
		req.Header.Set(reqid.Header, rid)
	}

	start := time.Now()
	eventbus.Publish(ctx, events.UpstreamStart{URL: c.url})
	defer func() {
		status := 0
		if resp != nil {
			status = resp.Status
		}
		eventbus.Publish(ctx, events.UpstreamFinish{URL: c.url, Status: status, Err: err, Duration: time.Since(start)})
	}()

	hr, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	defer hr.Body.Close()
	b, err := io.ReadAll(hr.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read response: %w", err)
	}
	return &Response{Status: hr.StatusCode, Header: hr.Header.Clone(), Body: b}, nil
}

// Close releases idle connections. Forward fails with ErrClosed afterwards.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.http.CloseIdleConnections()
	return nil
}
