package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	eventbus "github.com/hanpama/gqlguard/internal/eventbus"
	events "github.com/hanpama/gqlguard/internal/events"
	language "github.com/hanpama/gqlguard/internal/language"
	limits "github.com/hanpama/gqlguard/internal/limits"
	log "github.com/hanpama/gqlguard/internal/log"
	reqid "github.com/hanpama/gqlguard/internal/reqid"
	upstream "github.com/hanpama/gqlguard/internal/upstream"
)

// Forwarder sends an accepted request to the GraphQL server that executes it.
type Forwarder interface {
	Forward(ctx context.Context, body []byte, header http.Header) (*upstream.Response, error)
}

// Handler is an http.Handler guarding a GraphQL endpoint.
// It parses requests, checks them against the configured limits, and
// forwards the accepted ones upstream.
type Handler struct {
	limits *limits.Enforcer
	next   Forwarder
	opt    Options
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// ReportCost attaches the computed operation costs to rejected responses
	// under extensions.cost.
	ReportCost bool

	Logger logr.Logger
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithReportCost(enable bool) Option    { return func(o *Options) { o.ReportCost = enable } }
func WithLogger(logger logr.Logger) Option { return func(o *Options) { o.Logger = logger } }

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// New creates a guarding handler that checks requests with enforcer and
// forwards accepted ones to next.
func New(enforcer *limits.Enforcer, next Forwarder, opts ...Option) (*Handler, error) {
	if enforcer == nil {
		return nil, errors.New("server: nil enforcer")
	}
	if next == nil {
		return nil, errors.New("server: nil forwarder")
	}
	op := Options{Timeout: 10 * time.Second, Logger: logr.Discard()}
	for _, f := range opts {
		f(&op)
	}
	return &Handler{limits: enforcer, next: next, opt: op}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	var rid string
	if id := r.Header.Get(reqid.Header); id != "" {
		ctx, rid = reqid.WithID(ctx, id)
	} else {
		ctx, rid = reqid.NewContext(ctx)
	}
	ctx = log.WithLogger(ctx, h.opt.Logger.WithValues("request_id", rid))
	w.Header().Set(reqid.Header, rid)

	status := http.StatusOK
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: status, Duration: time.Since(start)})
	}()

	if r.Method == http.MethodOptions {
		if len(h.opt.CORS.AllowedOrigins) > 0 {
			setCORSHeaders(w, r, h.opt.CORS)
		}
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse(&language.Error{Message: "method not allowed"}), h.opt.Pretty)
		return
	}

	req, batch, berr := parseRequest(r, h.opt.MaxBodyBytes)
	if berr != nil {
		status = http.StatusBadRequest
		if berr.Message == errBodyTooLargeMessage {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse(berr), h.opt.Pretty)
		return
	}

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}

	if batch != nil {
		// Batched requests are guarded and forwarded one by one.
		out := make([]any, len(batch))
		for i := range batch {
			res := h.handleOne(ctx, r.Header, batch[i])
			if res.upstream != nil {
				out[i] = json.RawMessage(res.upstream.Body)
				if !json.Valid(res.upstream.Body) {
					out[i] = errorResponse(&language.Error{Message: "invalid upstream response"})
				}
				continue
			}
			out[i] = res.result
		}
		writeJSON(w, status, out, h.opt.Pretty)
		return
	}

	res := h.handleOne(ctx, r.Header, req)
	if res.upstream != nil {
		status = res.upstream.Status
		writeUpstream(w, res.upstream)
		return
	}
	status = res.status
	writeJSON(w, status, res.result, h.opt.Pretty)
}

type outcome struct {
	// upstream is set when the request was forwarded.
	upstream *upstream.Response
	status   int
	result   specResult
}

func (h *Handler) handleOne(ctx context.Context, header http.Header, req GraphQLRequest) outcome {
	logger := log.FromContext(ctx)

	// Parse query (syntax validation)
	doc, err := language.ParseQuery(req.Query)
	if err != nil {
		var ge *language.Error
		if errors.As(err, &ge) {
			return outcome{status: http.StatusOK, result: errorResponse(ge)}
		}
		return outcome{status: http.StatusOK, result: errorResponse(&language.Error{Message: err.Error()})}
	}

	opDef := doc.Operations.ForName(req.OperationName)
	if opDef == nil && len(doc.Operations) == 1 {
		opDef = doc.Operations[0]
	}
	opType := ""
	if opDef != nil {
		opType = string(opDef.Operation)
	}

	vars := limits.ApplyDefaults(doc, opDef, req.Variables)

	start := time.Now()
	report, err := h.limits.Check(ctx, doc, vars)
	elapsed := time.Since(start)
	if err != nil {
		var le *limits.Error
		if !errors.As(err, &le) {
			logger.Error(err, "limits check failed")
			return outcome{status: http.StatusInternalServerError, result: errorResponse(&language.Error{Message: "internal error"})}
		}
		rejectedType := opType
		if n := len(report.Operations); n > 0 {
			rejectedType = string(report.Operations[n-1].Type)
		}
		eventbus.Publish(ctx, events.LimitsRejected{
			OperationName: le.Operation,
			OperationType: rejectedType,
			Code:          le.Kind.Code(),
			Err:           err,
			Duration:      elapsed,
		})
		return outcome{status: http.StatusOK, result: h.rejection(ctx, le, doc, vars, report)}
	}
	for _, op := range report.Operations {
		eventbus.Publish(ctx, events.LimitsChecked{
			OperationName: op.Name,
			OperationType: string(op.Type),
			Depth:         op.Depth,
			Nodes:         op.Nodes,
			Duration:      elapsed,
		})
	}

	body, err := req.body()
	if err != nil {
		return outcome{status: http.StatusBadRequest, result: errorResponse(&language.Error{Message: "invalid 'variables'"})}
	}
	resp, err := h.next.Forward(ctx, body, header)
	if err != nil {
		logger.Error(err, "upstream request failed", "operation", req.OperationName)
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		return outcome{status: status, result: errorResponse(&language.Error{Message: "upstream unavailable"})}
	}
	return outcome{upstream: resp}
}

// rejection builds the client-facing error for a refused document. Limit
// violations get a generic message; computed values stay server-side unless
// ReportCost is enabled.
func (h *Handler) rejection(ctx context.Context, le *limits.Error, doc *language.QueryDocument, vars map[string]any, report *limits.Report) specResult {
	ext := map[string]any{"code": le.Kind.Code()}
	if h.opt.ReportCost && le.Kind.IsLimit() {
		// Check stops at the first violation; Analyze measures everything.
		if full, err := h.limits.Analyze(ctx, doc, vars); err == nil {
			report = full
		}
		ext["cost"] = report.Operations
	}
	return specResult{Errors: []specError{{Message: rejectionMessage(le), Extensions: ext}}}
}

func rejectionMessage(le *limits.Error) string {
	switch le.Kind {
	case limits.DepthLimitReached, limits.TraversalDepthExceeded:
		return "query is too deep"
	case limits.NodesLimitReached:
		return "query fetches too many nodes"
	case limits.MissingVariableValue:
		return "variable \"$" + le.Name + "\" is required to compute the query cost"
	case limits.InvalidVariableValue:
		return "variable \"$" + le.Name + "\" must be an integer"
	case limits.FragmentCycleDetected:
		return "fragment \"" + le.Name + "\" spreads itself"
	}
	return "query rejected"
}

// ------------------ Request parsing ------------------

type GraphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`

	// raw is the request as the client sent it. It is forwarded as is; nil
	// for GET requests, which are encoded from the fields above.
	raw []byte
}

// body returns the bytes to forward upstream.
func (r GraphQLRequest) body() ([]byte, error) {
	if r.raw != nil {
		return r.raw, nil
	}
	return json.Marshal(r)
}

// decodeRequest decodes one request object. Numbers stay json.Number so
// large integers keep their precision.
func decodeRequest(b []byte) (GraphQLRequest, error) {
	var req GraphQLRequest
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return GraphQLRequest{}, err
	}
	if dec.More() {
		return GraphQLRequest{}, errors.New("trailing data after request")
	}
	if req.Variables == nil {
		req.Variables = map[string]any{}
	}
	req.raw = b
	return req, nil
}

func parseRequest(r *http.Request, maxBody int64) (GraphQLRequest, []GraphQLRequest, *language.Error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query().Get("query")
		if q == "" {
			return GraphQLRequest{}, nil, &language.Error{Message: "missing 'query'"}
		}
		vars := map[string]any{}
		if v := r.URL.Query().Get("variables"); v != "" {
			dec := json.NewDecoder(strings.NewReader(v))
			dec.UseNumber()
			if err := dec.Decode(&vars); err != nil {
				return GraphQLRequest{}, nil, &language.Error{Message: "invalid 'variables' JSON"}
			}
		}
		op := r.URL.Query().Get("operationName")
		return GraphQLRequest{Query: q, Variables: vars, OperationName: op}, nil, nil
	}

	// POST
	ct := r.Header.Get("Content-Type")
	if ct == "" || ct == "application/json" || strings.HasPrefix(ct, "application/json;") {
		reader := io.Reader(r.Body)
		if maxBody > 0 {
			reader = io.LimitReader(r.Body, maxBody+1)
		}
		body, err := io.ReadAll(reader)
		if err != nil {
			return GraphQLRequest{}, nil, &language.Error{Message: "failed to read body"}
		}
		defer r.Body.Close()
		if maxBody > 0 && int64(len(body)) > maxBody {
			return GraphQLRequest{}, nil, &language.Error{Message: errBodyTooLargeMessage}
		}

		// Try array (batch)
		if trimmed := bytes.TrimLeft(body, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
			var entries []json.RawMessage
			if err := json.Unmarshal(trimmed, &entries); err != nil {
				return GraphQLRequest{}, nil, &language.Error{Message: "invalid JSON"}
			}
			if len(entries) == 0 {
				return GraphQLRequest{}, nil, &language.Error{Message: "empty batch"}
			}
			arr := make([]GraphQLRequest, len(entries))
			for i, e := range entries {
				req, err := decodeRequest(e)
				if err != nil {
					return GraphQLRequest{}, nil, &language.Error{Message: "invalid JSON"}
				}
				arr[i] = req
			}
			return GraphQLRequest{}, arr, nil
		}
		// Single
		req, err := decodeRequest(body)
		if err != nil {
			return GraphQLRequest{}, nil, &language.Error{Message: "invalid JSON"}
		}
		if req.Query == "" {
			return GraphQLRequest{}, nil, &language.Error{Message: "missing 'query'"}
		}
		return req, nil, nil
	}

	return GraphQLRequest{}, nil, &language.Error{Message: "unsupported Content-Type"}
}

// ------------------ Response formatting ------------------

type specError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

type specResult struct {
	Data   any         `json:"data"`
	Errors []specError `json:"errors,omitempty"`
}

func errorResponse(err *language.Error) specResult {
	se := specError{Message: err.Message}
	if len(err.Extensions) > 0 {
		se.Extensions = err.Extensions
	}
	return specResult{Errors: []specError{se}}
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func writeUpstream(w http.ResponseWriter, resp *upstream.Response) {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json; charset=utf-8"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

const errBodyTooLargeMessage = "body too large"

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
