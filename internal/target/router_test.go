package target

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/vu"
)

func checkOutcome(t *testing.T, res vu.Result, name string) (bool, bool) {
	t.Helper()
	for _, s := range res.Samples {
		if s.Metric == metrics.Checks && s.Tags["check"] == name {
			return s.Value != 0, true
		}
	}
	return false, false
}

func hasSample(res vu.Result, metric string) bool {
	for _, s := range res.Samples {
		if s.Metric == metric {
			return true
		}
	}
	return false
}

func TestRouter_Execute_SendsPayloadAndHeaders(t *testing.T) {
	var got payload
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/test", r.URL.Path)
		gotHeaders = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"request_id":"abc","tenant_id":"tenant-3","status_url":"/status/abc"}`))
	}))
	defer server.Close()

	router := NewRouter(NewClient(server.URL), RouterOptions{
		TestName:        "load-test",
		RequestIDPrefix: "load",
		CheckTenant:     true,
	})
	res := router.Execute(context.Background(), vu.Iteration{VU: 2, Iter: 7, Tenant: "tenant-3"})

	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, http.StatusAccepted, res.Status)
	assert.Greater(t, res.Latency, time.Duration(0))
	assert.Equal(t, "tenant-3", res.Tags["tenant"])

	assert.Equal(t, "load-test", got.Test)
	assert.Equal(t, 2, got.VU)
	assert.Equal(t, int64(7), got.Iter)
	assert.Equal(t, "tenant-3", got.Tenant)
	assert.NotZero(t, got.Timestamp)

	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "tenant-3", gotHeaders.Get("X-Tenant-ID"))
	assert.True(t, strings.HasPrefix(gotHeaders.Get("X-Request-ID"), "load-2-7-"))

	for _, name := range []string{CheckStatus, CheckRequestID, CheckTenant} {
		ok, found := checkOutcome(t, res, name)
		assert.True(t, found, name)
		assert.True(t, ok, name)
	}
}

func TestRouter_Execute_Outcomes(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		opts        RouterOptions
		wantSuccess bool
		wantLimited bool
		failedCheck string
	}{
		{
			name:        "ok with request_id",
			status:      200,
			body:        `{"request_id":"x"}`,
			wantSuccess: true,
		},
		{
			name:        "missing request_id",
			status:      200,
			body:        `{"id":"x"}`,
			failedCheck: CheckRequestID,
		},
		{
			name:        "invalid json",
			status:      202,
			body:        `not json`,
			failedCheck: CheckRequestID,
		},
		{
			name:        "server error",
			status:      500,
			body:        `{"request_id":"x"}`,
			failedCheck: CheckStatus,
		},
		{
			name:        "rate limited",
			status:      429,
			body:        `{"error":"slow down"}`,
			wantLimited: true,
			failedCheck: CheckStatus,
		},
		{
			name:        "rate limited accepted",
			status:      429,
			body:        `{"error":"slow down"}`,
			opts:        RouterOptions{AcceptRateLimited: true},
			wantSuccess: true,
			wantLimited: true,
		},
		{
			name:        "tenant mismatch",
			status:      200,
			body:        `{"request_id":"x","tenant_id":"tenant-9"}`,
			opts:        RouterOptions{CheckTenant: true},
			failedCheck: CheckTenant,
		},
		{
			name:        "custom accept list",
			status:      201,
			body:        `{"request_id":"x"}`,
			opts:        RouterOptions{AcceptStatus: []int{201}},
			wantSuccess: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			res := NewRouter(NewClient(server.URL), tt.opts).
				Execute(context.Background(), vu.Iteration{VU: 1, Tenant: "tenant-2"})

			assert.Equal(t, tt.wantSuccess, res.Success)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.wantLimited, hasSample(res, metrics.RateLimitHits))
			if tt.failedCheck != "" {
				ok, found := checkOutcome(t, res, tt.failedCheck)
				assert.True(t, found)
				assert.False(t, ok)
			}
		})
	}
}

func TestRouter_Execute_SlowResponseFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Slow") != "" {
			time.Sleep(150 * time.Millisecond)
		}
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"request_id":"abc","status_url":"/s/abc","stream_url":"/stream/abc"}`))
	}))
	defer server.Close()

	limit := 50 * time.Millisecond
	fast := NewRouter(NewClient(server.URL), RouterOptions{MaxLatency: limit})
	res := fast.Execute(context.Background(), vu.Iteration{VU: 1})
	assert.True(t, res.Success)
	ok, found := checkOutcome(t, res, CheckLatency(limit))
	assert.True(t, found)
	assert.True(t, ok)

	slow := NewRouter(NewClient(server.URL), RouterOptions{
		MaxLatency: limit,
		Headers:    map[string]string{"X-Slow": "1"},
	})
	res = slow.Execute(context.Background(), vu.Iteration{VU: 1})
	assert.Equal(t, http.StatusAccepted, res.Status)
	assert.GreaterOrEqual(t, res.Latency, 150*time.Millisecond)
	assert.False(t, res.Success, "a slow accepted response is not a success")
	ok, found = checkOutcome(t, res, "response time < 50ms")
	assert.True(t, found)
	assert.False(t, ok)

	ok, _ = checkOutcome(t, res, CheckStatus)
	assert.True(t, ok, "status stays accepted")

	unbounded := NewRouter(NewClient(server.URL), RouterOptions{Headers: map[string]string{"X-Slow": "1"}})
	res = unbounded.Execute(context.Background(), vu.Iteration{VU: 1})
	assert.True(t, res.Success)
	_, found = checkOutcome(t, res, CheckLatency(limit))
	assert.False(t, found, "no latency check without a limit")
}

func TestRouter_Execute_RequiredFields(t *testing.T) {
	var body atomic.Value
	body.Store(`{"request_id":"abc","status_url":"/s/abc","stream_url":"/stream/abc"}`)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(body.Load().(string)))
	}))
	defer server.Close()

	router := NewRouter(NewClient(server.URL), RouterOptions{
		RequireFields: []string{"request_id", "status_url", "stream_url"},
	})
	res := router.Execute(context.Background(), vu.Iteration{VU: 1})
	assert.True(t, res.Success)
	for _, field := range []string{"status_url", "stream_url"} {
		ok, found := checkOutcome(t, res, CheckHasField(field))
		assert.True(t, found, field)
		assert.True(t, ok, field)
	}

	var idChecks int
	for _, s := range res.Samples {
		if s.Metric == metrics.Checks && s.Tags["check"] == CheckRequestID {
			idChecks++
		}
	}
	assert.Equal(t, 1, idChecks, "request_id is checked once")

	body.Store(`{"request_id":"abc","status_url":"/s/abc"}`)
	res = router.Execute(context.Background(), vu.Iteration{VU: 1})
	assert.False(t, res.Success)
	ok, found := checkOutcome(t, res, "has stream_url")
	assert.True(t, found)
	assert.False(t, ok)
	ok, _ = checkOutcome(t, res, CheckHasField("status_url"))
	assert.True(t, ok)
}

func TestRouter_Execute_Headers(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{"request_id":"x"}`))
	}))
	defer server.Close()

	router := NewRouter(NewClient(server.URL), RouterOptions{
		Headers: map[string]string{"X-Tenant-Tier": "standard", "Content-Type": "text/plain"},
	})
	res := router.Execute(context.Background(), vu.Iteration{VU: 1, Tenant: "tenant-001"})

	require.True(t, res.Success)
	assert.Equal(t, "standard", got.Get("X-Tenant-Tier"))
	assert.Equal(t, "application/json", got.Get("Content-Type"), "payload content type wins")
	assert.Equal(t, "tenant-001", got.Get("X-Tenant-ID"))
}

func TestRouter_Execute_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	res := NewRouter(NewClient(url), RouterOptions{}).Execute(context.Background(), vu.Iteration{VU: 1})
	assert.Error(t, res.Err)
	assert.False(t, res.Success)
}

func TestRouter_Execute_PollsStatusURL(t *testing.T) {
	var polls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/api/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"request_id":"abc","status_url":"/status/abc"}`))
	})
	mux.HandleFunc("/status/abc", func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	router := NewRouter(NewClient(server.URL), RouterOptions{StatusPollRatio: 1})
	res := router.Execute(context.Background(), vu.Iteration{VU: 1})

	assert.True(t, res.Success)
	assert.Equal(t, int64(1), polls.Load())
	assert.True(t, hasSample(res, metrics.StatusPollLatency))
	ok, found := checkOutcome(t, res, CheckStatusPolled)
	assert.True(t, found)
	assert.True(t, ok, "404 counts as a responding status endpoint")

	router = NewRouter(NewClient(server.URL), RouterOptions{})
	router.Execute(context.Background(), vu.Iteration{VU: 1})
	assert.Equal(t, int64(1), polls.Load(), "polling is off by default")
}

func TestRouter_Execute_Schema(t *testing.T) {
	schema, err := CompileSchema([]byte(`{
		"type": "object",
		"required": ["request_id", "status"],
		"properties": {"status": {"enum": ["queued", "done"]}}
	}`))
	require.NoError(t, err)

	var body atomic.Value
	body.Store(`{"request_id":"x","status":"queued"}`)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body.Load().(string)))
	}))
	defer server.Close()

	router := NewRouter(NewClient(server.URL), RouterOptions{Schema: schema})
	assert.True(t, router.Execute(context.Background(), vu.Iteration{}).Success)

	body.Store(`{"request_id":"x","status":"lost"}`)
	res := router.Execute(context.Background(), vu.Iteration{})
	assert.False(t, res.Success)
	ok, found := checkOutcome(t, res, CheckSchema)
	assert.True(t, found)
	assert.False(t, ok)
}

func TestSchema_Validate(t *testing.T) {
	_, err := CompileSchema([]byte(`{"type": "invalid-type"}`))
	assert.Error(t, err)

	schema, err := CompileSchema([]byte(`{"type":"object","required":["a","b"]}`))
	require.NoError(t, err)
	assert.NoError(t, schema.Validate([]byte(`{"a":1,"b":2}`)))

	err = schema.Validate([]byte(`{}`))
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.NotEmpty(t, verrs)

	assert.Error(t, schema.Validate([]byte(`{`)))

	var nilSchema *Schema
	assert.NoError(t, nilSchema.Validate([]byte(`anything`)))
}

func TestClient_Probe(t *testing.T) {
	var unhealthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		assert.Equal(t, "yes", r.Header.Get("X-Load-Test"))
		if unhealthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", WithHeader("X-Load-Test", "yes"))
	assert.NoError(t, client.Probe(context.Background(), "/health"))

	unhealthy.Store(true)
	err := client.Probe(context.Background(), "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestClient_Resolve(t *testing.T) {
	c := NewClient("http://router:8081/")
	assert.Equal(t, "http://router:8081/api/test", c.Resolve("/api/test"))
	assert.Equal(t, "http://router:8081/status/1", c.Resolve("status/1"))
	assert.Equal(t, "https://elsewhere/s", c.Resolve("https://elsewhere/s"))
}
