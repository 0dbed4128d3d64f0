package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-logr/logr/funcr"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	eventbus "github.com/hanpama/gqlguard/internal/eventbus"
	events "github.com/hanpama/gqlguard/internal/events"
	limits "github.com/hanpama/gqlguard/internal/limits"
	reqid "github.com/hanpama/gqlguard/internal/reqid"
	upstream "github.com/hanpama/gqlguard/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	body   []byte
	header http.Header
	rid    string
}

type fakeForwarder struct {
	mu    sync.Mutex
	calls []call
	err   error
	resp  func(body []byte) *upstream.Response
}

func (f *fakeForwarder) Forward(ctx context.Context, body []byte, header http.Header) (*upstream.Response, error) {
	rid, _ := reqid.FromContext(ctx)
	f.mu.Lock()
	f.calls = append(f.calls, call{body: body, header: header, rid: rid})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp(body), nil
	}
	return &upstream.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"data":{"hello":"world"}}`),
	}, nil
}

func newTestHandler(t *testing.T, cfg limits.Config, fwd Forwarder, opts ...Option) *Handler {
	t.Helper()
	h, err := New(limits.New(cfg), fwd, opts...)
	require.NoError(t, err)
	return h
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func firstError(t *testing.T, res map[string]any) map[string]any {
	t.Helper()
	errs, ok := res["errors"].([]any)
	require.True(t, ok, "no errors in %v", res)
	require.NotEmpty(t, errs)
	return errs[0].(map[string]any)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(nil, &fakeForwarder{})
	require.Error(t, err)
	_, err = New(limits.New(limits.Config{}), nil)
	require.Error(t, err)
}

func TestForwardsAcceptedQuery(t *testing.T) {
	fwd := &fakeForwarder{}
	h := newTestHandler(t, limits.Config{DepthLimit: 3, NodesLimit: 100}, fwd)

	w := post(t, h, `{"query":"query Hello($n: Int) { hello }","operationName":"Hello","variables":{"n":1}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":{"hello":"world"}}`, w.Body.String())

	require.Len(t, fwd.calls, 1)
	var sent GraphQLRequest
	require.NoError(t, json.Unmarshal(fwd.calls[0].body, &sent))
	want := GraphQLRequest{
		Query:         "query Hello($n: Int) { hello }",
		OperationName: "Hello",
		Variables:     map[string]any{"n": float64(1)},
	}
	if diff := cmp.Diff(want, sent, cmpopts.IgnoreUnexported(GraphQLRequest{})); diff != "" {
		t.Fatalf("forwarded request mismatch (-want +got):\n%s", diff)
	}
}

func TestUpstreamStatusIsPassedThrough(t *testing.T) {
	fwd := &fakeForwarder{resp: func([]byte) *upstream.Response {
		return &upstream.Response{
			Status: http.StatusUnauthorized,
			Header: http.Header{"Content-Type": {"application/graphql-response+json"}},
			Body:   []byte(`{"errors":[{"message":"unauthorized"}]}`),
		}
	}}
	h := newTestHandler(t, limits.Config{}, fwd)

	w := post(t, h, `{"query":"{ me { id } }"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/graphql-response+json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"errors":[{"message":"unauthorized"}]}`, w.Body.String())
}

func TestRejectsDeepQuery(t *testing.T) {
	fwd := &fakeForwarder{}
	h := newTestHandler(t, limits.Config{DepthLimit: 2}, fwd)

	w := post(t, h, `{"query":"{ a { b { c } } }"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, fwd.calls)

	e := firstError(t, decode(t, w))
	assert.Equal(t, "query is too deep", e["message"])
	assert.Equal(t, map[string]any{"code": "DEPTH_LIMIT_REACHED"}, e["extensions"])
}

func TestRejectsExpensiveQuery(t *testing.T) {
	fwd := &fakeForwarder{}
	h := newTestHandler(t, limits.Config{NodesLimit: 1000}, fwd)

	w := post(t, h, `{"query":"query Books($n: Int) { books(first: $n) { id } }","variables":{"n":5000}}`)
	require.Empty(t, fwd.calls)

	e := firstError(t, decode(t, w))
	assert.Equal(t, "query fetches too many nodes", e["message"])
	assert.Equal(t, map[string]any{"code": "NODES_LIMIT_REACHED"}, e["extensions"])
	assert.NotContains(t, w.Body.String(), "5000")
}

func TestRejectsMissingVariable(t *testing.T) {
	fwd := &fakeForwarder{}
	h := newTestHandler(t, limits.Config{NodesLimit: 1000}, fwd)

	w := post(t, h, `{"query":"query Books($n: Int) { books(first: $n) { id } }"}`)
	require.Empty(t, fwd.calls)

	e := firstError(t, decode(t, w))
	assert.Equal(t, `variable "$n" is required to compute the query cost`, e["message"])
	assert.Equal(t, map[string]any{"code": "MISSING_VARIABLE_VALUE"}, e["extensions"])
}

func TestRejectsFragmentCycle(t *testing.T) {
	fwd := &fakeForwarder{}
	h := newTestHandler(t, limits.Config{DepthLimit: 10}, fwd)

	q := `{"query":"{ ...A } fragment A on Query { ...B } fragment B on Query { ...A }"}`
	w := post(t, h, q)
	require.Empty(t, fwd.calls)

	e := firstError(t, decode(t, w))
	assert.Equal(t, map[string]any{"code": "FRAGMENT_CYCLE_DETECTED"}, e["extensions"])
}

func TestReportCost(t *testing.T) {
	fwd := &fakeForwarder{}
	h := newTestHandler(t, limits.Config{DepthLimit: 2, NodesLimit: 100}, fwd, WithReportCost(true))

	w := post(t, h, `{"query":"query Deep { a { b { c } } }"}`)
	require.Empty(t, fwd.calls)

	e := firstError(t, decode(t, w))
	ext := e["extensions"].(map[string]any)
	assert.Equal(t, "DEPTH_LIMIT_REACHED", ext["code"])
	want := []any{map[string]any{"name": "Deep", "type": "query", "depth": float64(3), "nodes": float64(1)}}
	if diff := cmp.Diff(want, ext["cost"]); diff != "" {
		t.Fatalf("cost mismatch (-want +got):\n%s", diff)
	}

	// Accepted queries are forwarded untouched.
	w = post(t, h, `{"query":"{ a }"}`)
	assert.JSONEq(t, `{"data":{"hello":"world"}}`, w.Body.String())
}

func TestSyntaxErrorIsNotForwarded(t *testing.T) {
	fwd := &fakeForwarder{}
	h := newTestHandler(t, limits.Config{}, fwd)

	w := post(t, h, `{"query":"{ hello "}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, fwd.calls)
	e := firstError(t, decode(t, w))
	assert.NotEmpty(t, e["message"])
}

func TestUpstreamFailure(t *testing.T) {
	fwd := &fakeForwarder{err: errors.New("connection refused")}
	h := newTestHandler(t, limits.Config{}, fwd)
	w := post(t, h, `{"query":"{ hello }"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "upstream unavailable", firstError(t, decode(t, w))["message"])

	fwd = &fakeForwarder{err: context.DeadlineExceeded}
	h = newTestHandler(t, limits.Config{}, fwd)
	w = post(t, h, `{"query":"{ hello }"}`)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestBatchIsCheckedPerEntry(t *testing.T) {
	fwd := &fakeForwarder{}
	h := newTestHandler(t, limits.Config{DepthLimit: 2}, fwd)

	w := post(t, h, `[{"query":"{ hello }"},{"query":"{ a { b { c } } }"}]`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, fwd.calls, 1)

	var out []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, map[string]any{"hello": "world"}, out[0]["data"])
	assert.Equal(t, "query is too deep", firstError(t, out[1])["message"])
}

func TestGETRequest(t *testing.T) {
	fwd := &fakeForwarder{}
	h := newTestHandler(t, limits.Config{DepthLimit: 3}, fwd)

	req := httptest.NewRequest("GET", `/?query=%7B+hello+%7D&variables=%7B%22x%22%3A1%7D`, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, fwd.calls, 1)
	assert.Contains(t, string(fwd.calls[0].body), `"query":"{ hello }"`)
}

func TestBadRequests(t *testing.T) {
	h := newTestHandler(t, limits.Config{}, &fakeForwarder{})
	tests := []struct {
		name   string
		method string
		ct     string
		body   string
		status int
		msg    string
	}{
		{"missing query", "POST", "application/json", `{}`, http.StatusBadRequest, "missing 'query'"},
		{"invalid json", "POST", "application/json", `{`, http.StatusBadRequest, "invalid JSON"},
		{"empty batch", "POST", "application/json", `[]`, http.StatusBadRequest, "empty batch"},
		{"content type", "POST", "text/plain", `{ hello }`, http.StatusBadRequest, "unsupported Content-Type"},
		{"method", "PUT", "application/json", `{}`, http.StatusMethodNotAllowed, "method not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.ct)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.msg, firstError(t, decode(t, w))["message"])
		})
	}
}

func TestCORSAndPreflight(t *testing.T) {
	h := newTestHandler(t, limits.Config{}, &fakeForwarder{}, WithCORS("*"))

	// simple request
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"query":"{ hello }"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}

	// preflight
	pre := httptest.NewRequest("OPTIONS", "/", nil)
	pre.Header.Set("Origin", "http://example.com")
	pre.Header.Set("Access-Control-Request-Headers", "X-Test")
	pw := httptest.NewRecorder()
	h.ServeHTTP(pw, pre)
	if pw.Code != http.StatusNoContent {
		t.Fatalf("preflight status %d", pw.Code)
	}
	if pw.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight missing CORS header")
	}
	if pw.Header().Get("Access-Control-Allow-Headers") != "X-Test" {
		t.Fatalf("preflight missing allow headers")
	}
}

func TestCORSSpecificOrigin(t *testing.T) {
	h := newTestHandler(t, limits.Config{}, &fakeForwarder{}, WithCORS("http://a.test"))

	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"query":"{ hello }"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://b.test")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://a.test")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "http://a.test", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))
}

func TestMaxBodyBytes(t *testing.T) {
	h := newTestHandler(t, limits.Config{}, &fakeForwarder{}, WithMaxBodyBytes(10))

	w := post(t, h, `{"query":"1234567890"}`)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 got %d", w.Code)
	}
}

func TestRequestID(t *testing.T) {
	fwd := &fakeForwarder{}
	h := newTestHandler(t, limits.Config{}, fwd)

	w := post(t, h, `{"query":"{ hello }"}`)
	require.Len(t, fwd.calls, 1)
	rid := w.Header().Get(reqid.Header)
	require.NotEmpty(t, rid)
	assert.Equal(t, rid, fwd.calls[0].rid)

	// A client supplied id is kept.
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"query":"{ hello }"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(reqid.Header, "abc-123")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(reqid.Header))
	assert.Equal(t, "abc-123", fwd.calls[1].rid)
}

func TestPublishesLimitEvents(t *testing.T) {
	bus := eventbus.New()
	eventbus.Use(bus)
	t.Cleanup(func() { eventbus.Use(nil) })

	var checked []events.LimitsChecked
	var rejected []events.LimitsRejected
	var finished []events.HTTPFinish
	eventbus.On(bus, func(_ context.Context, e events.LimitsChecked) { checked = append(checked, e) })
	eventbus.On(bus, func(_ context.Context, e events.LimitsRejected) { rejected = append(rejected, e) })
	eventbus.On(bus, func(_ context.Context, e events.HTTPFinish) { finished = append(finished, e) })

	h := newTestHandler(t, limits.Config{DepthLimit: 2, NodesLimit: 100}, &fakeForwarder{})
	post(t, h, `{"query":"query Ok { books(first: 10) { id } }"}`)
	post(t, h, `{"query":"mutation Deep { a { b { c } } }"}`)

	require.Len(t, checked, 1)
	assert.Equal(t, "Ok", checked[0].OperationName)
	assert.Equal(t, "query", checked[0].OperationType)
	assert.Equal(t, 2, checked[0].Depth)
	assert.Equal(t, 10, checked[0].Nodes)

	require.Len(t, rejected, 1)
	assert.Equal(t, "Deep", rejected[0].OperationName)
	assert.Equal(t, "mutation", rejected[0].OperationType)
	assert.Equal(t, "DEPTH_LIMIT_REACHED", rejected[0].Code)
	assert.ErrorIs(t, rejected[0].Err, limits.ErrDepthLimitReached)

	require.Len(t, finished, 2)
	assert.Equal(t, http.StatusOK, finished[1].Status)
}

func TestLoggerCarriesRequestID(t *testing.T) {
	var lines []string
	logger := funcr.New(func(prefix, args string) { lines = append(lines, prefix+" "+args) }, funcr.Options{})
	h := newTestHandler(t, limits.Config{DepthLimit: 1}, &fakeForwarder{}, WithLogger(logger))

	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"query":"{ a { b } }"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(reqid.Header, "rid-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"request_id"="rid-1"`)
	assert.Contains(t, lines[0], `"document rejected"`)
}

func TestForwardsRequestBytesUnchanged(t *testing.T) {
	fwd := &fakeForwarder{}
	h := newTestHandler(t, limits.Config{DepthLimit: 3, NodesLimit: 100}, fwd)

	body := `{"query":"query Q($id: ID) { book(id: $id) { id } }","variables":{"id":9007199254740993},"documentId":"abc"}`
	w := post(t, h, body)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, fwd.calls, 1)
	assert.Equal(t, body, string(fwd.calls[0].body))
}

func TestBatchForwardsEntryBytesUnchanged(t *testing.T) {
	fwd := &fakeForwarder{}
	h := newTestHandler(t, limits.Config{NodesLimit: 100}, fwd)

	first := `{"query":"{ a { id } }","extensions":{"persistedQuery":{"version":1}},"x":1}`
	second := `{"query":"query($n: Int) { books(first: $n) { id } }", "variables": {"n": 20}}`
	w := post(t, h, " [ "+first+" ,\n"+second+" ]")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, fwd.calls, 2)
	assert.Equal(t, first, string(fwd.calls[0].body))
	assert.Equal(t, second, string(fwd.calls[1].body))
}

func TestLargeIntegerVariableKeepsPrecision(t *testing.T) {
	fwd := &fakeForwarder{}
	h := newTestHandler(t, limits.Config{NodesLimit: 9007199254740992}, fwd)

	w := post(t, h, `{"query":"query($n: Int) { books(first: $n) { id } }","variables":{"n":9007199254740993}}`)
	require.Empty(t, fwd.calls)
	assert.Equal(t, "NODES_LIMIT_REACHED", firstError(t, decode(t, w))["extensions"].(map[string]any)["code"])
}

func TestVariableDefaults(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		forwarded bool
		code      string
	}{
		{
			name:      "default used when variable omitted",
			body:      `{"query":"query Q($n: Int = 10) { books(first: $n) { id } }"}`,
			forwarded: true,
		},
		{
			name: "default counts against the limit",
			body: `{"query":"query Q($n: Int = 500) { books(first: $n) { id } }"}`,
			code: "NODES_LIMIT_REACHED",
		},
		{
			name:      "client value wins over default",
			body:      `{"query":"query Q($n: Int = 500) { books(first: $n) { id } }","variables":{"n":5}}`,
			forwarded: true,
		},
		{
			name: "explicit null is not replaced",
			body: `{"query":"query Q($n: Int = 5) { books(first: $n) { id } }","variables":{"n":null}}`,
			code: "INVALID_VARIABLE_VALUE",
		},
		{
			name: "no default still missing",
			body: `{"query":"query Q($n: Int) { books(first: $n) { id } }"}`,
			code: "MISSING_VARIABLE_VALUE",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fwd := &fakeForwarder{}
			h := newTestHandler(t, limits.Config{NodesLimit: 100}, fwd)
			w := post(t, h, tt.body)
			require.Equal(t, http.StatusOK, w.Code)
			if tt.forwarded {
				require.Len(t, fwd.calls, 1, w.Body.String())
				assert.Equal(t, tt.body, string(fwd.calls[0].body))
				return
			}
			require.Empty(t, fwd.calls)
			assert.Equal(t, tt.code, firstError(t, decode(t, w))["extensions"].(map[string]any)["code"])
		})
	}
}
