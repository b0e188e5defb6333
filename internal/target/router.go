package target

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/vu"
)

// Check names recorded on the checks rate.
const (
	CheckStatus       = "status accepted"
	CheckRequestID    = "has request_id"
	CheckTenant       = "tenant matches"
	CheckSchema       = "schema valid"
	CheckStatusPolled = "status endpoint responds"
)

// CheckHasField names the presence check of a required response field.
func CheckHasField(field string) string { return "has " + field }

// CheckLatency names the response time check for limit.
func CheckLatency(limit time.Duration) string { return "response time < " + limit.String() }

// Response body fields read with gjson.
const (
	fieldRequestID = "request_id"
	fieldTenantID  = "tenant_id"
	fieldStatusURL = "status_url"
)

// RouterOptions configures the router request function.
type RouterOptions struct {
	Method          string
	Path            string
	TestName        string
	RequestIDPrefix string

	// AcceptStatus lists status codes counted as success.
	AcceptStatus []int

	// AcceptRateLimited counts 429 as success.
	AcceptRateLimited bool

	// CheckTenant requires the body tenant_id to equal the request tenant.
	CheckTenant bool

	// MaxLatency, when positive, fails responses slower than it.
	MaxLatency time.Duration

	// RequireFields are top-level body fields an accepted response must
	// carry in addition to request_id.
	RequireFields []string

	// Headers are added to every request.
	Headers map[string]string

	// StatusPollRatio is the fraction of accepted responses whose
	// status_url is fetched.
	StatusPollRatio float64

	// Schema, when set, must accept every accepted response body.
	Schema *Schema

	Logger *zap.Logger
}

// Router sends one JSON request per iteration to the router API and judges
// the response.
type Router struct {
	client *Client
	opts   RouterOptions
	accept map[int]bool
	logger *zap.Logger
}

// NewRouter creates the request function for one scenario.
func NewRouter(client *Client, opts RouterOptions) *Router {
	if opts.Method == "" {
		opts.Method = http.MethodPost
	}
	if opts.Path == "" {
		opts.Path = "/api/test"
	}
	if len(opts.AcceptStatus) == 0 {
		opts.AcceptStatus = []int{http.StatusOK, http.StatusAccepted}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	accept := make(map[int]bool, len(opts.AcceptStatus)+1)
	for _, code := range opts.AcceptStatus {
		accept[code] = true
	}
	if opts.AcceptRateLimited {
		accept[http.StatusTooManyRequests] = true
	}
	fields := make([]string, 0, len(opts.RequireFields))
	for _, f := range opts.RequireFields {
		if f != "" && f != fieldRequestID {
			fields = append(fields, f)
		}
	}
	opts.RequireFields = fields

	return &Router{
		client: client,
		opts:   opts,
		accept: accept,
		logger: logger.With(zap.String("component", "target")),
	}
}

// payload is the body of every router request.
type payload struct {
	Test      string `json:"test"`
	VU        int    `json:"vu"`
	Iter      int64  `json:"iter"`
	Tenant    string `json:"tenant,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// RequestID builds the X-Request-ID of an iteration.
func (r *Router) RequestID(it vu.Iteration) string {
	prefix := r.opts.RequestIDPrefix
	if prefix == "" {
		prefix = "volley"
	}
	return fmt.Sprintf("%s-%d-%d-%s", prefix, it.VU, it.Iter, uuid.NewString())
}

// Execute runs one iteration. It is a vu.RequestFunc.
func (r *Router) Execute(ctx context.Context, it vu.Iteration) vu.Result {
	body, err := json.Marshal(payload{
		Test:      r.opts.TestName,
		VU:        it.VU,
		Iter:      it.Iter,
		Tenant:    it.Tenant,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return vu.Result{Err: err}
	}

	headers := make(map[string]string, len(r.opts.Headers)+3)
	for k, v := range r.opts.Headers {
		headers[k] = v
	}
	headers["Content-Type"] = "application/json"
	headers["X-Request-ID"] = r.RequestID(it)
	if it.Tenant != "" {
		headers["X-Tenant-ID"] = it.Tenant
	}

	var tags map[string]string
	if it.Tenant != "" {
		tags = map[string]string{"tenant": it.Tenant}
	}

	resp, err := r.client.Do(ctx, r.opts.Method, r.opts.Path, body, headers)
	if err != nil {
		r.logger.Debug("request failed", zap.Int("vu", it.VU), zap.Int64("iter", it.Iter), zap.Error(err))
		return vu.Result{Err: err, Tags: tags}
	}

	res := vu.Result{
		Status:  resp.StatusCode,
		Latency: resp.Duration,
		Tags:    tags,
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		res.Samples = append(res.Samples, metrics.CounterSample(metrics.RateLimitHits, 1, tags))
	}

	accepted := r.accept[resp.StatusCode]
	res.Samples = append(res.Samples, check(CheckStatus, accepted))
	res.Success = accepted

	if r.opts.MaxLatency > 0 {
		fast := resp.Duration < r.opts.MaxLatency
		res.Samples = append(res.Samples, check(CheckLatency(r.opts.MaxLatency), fast))
		res.Success = res.Success && fast
	}

	// A rate-limited response carries no routing body.
	if accepted && resp.StatusCode != http.StatusTooManyRequests {
		res.Success = r.checkBody(ctx, it, resp, &res) && res.Success
	}

	if !res.Success {
		r.logger.Debug("request not accepted",
			zap.Int("vu", it.VU),
			zap.Int("status", resp.StatusCode),
			zap.Duration("duration", resp.Duration))
	}
	return res
}

// checkBody applies the body checks of an accepted response and, for a
// sampled fraction, polls its status_url.
func (r *Router) checkBody(ctx context.Context, it vu.Iteration, resp *Response, res *vu.Result) bool {
	ok := true
	valid := gjson.ValidBytes(resp.Body)

	hasID := valid && gjson.GetBytes(resp.Body, fieldRequestID).Exists()
	res.Samples = append(res.Samples, check(CheckRequestID, hasID))
	ok = ok && hasID

	for _, field := range r.opts.RequireFields {
		has := valid && gjson.GetBytes(resp.Body, field).Exists()
		res.Samples = append(res.Samples, check(CheckHasField(field), has))
		ok = ok && has
	}

	if r.opts.CheckTenant {
		match := valid && gjson.GetBytes(resp.Body, fieldTenantID).String() == it.Tenant
		res.Samples = append(res.Samples, check(CheckTenant, match))
		ok = ok && match
	}

	if r.opts.Schema != nil {
		err := r.opts.Schema.Validate(resp.Body)
		if err != nil {
			r.logger.Debug("response failed schema validation", zap.Error(err))
		}
		res.Samples = append(res.Samples, check(CheckSchema, err == nil))
		ok = ok && err == nil
	}

	if r.opts.StatusPollRatio > 0 && rand.Float64() < r.opts.StatusPollRatio {
		if statusURL := gjson.GetBytes(resp.Body, fieldStatusURL).String(); statusURL != "" {
			res.Samples = append(res.Samples, r.poll(ctx, statusURL)...)
		}
	}
	return ok
}

// poll fetches a status URL once. Its outcome never fails the iteration.
func (r *Router) poll(ctx context.Context, statusURL string) []metrics.Sample {
	start := time.Now()
	resp, err := r.client.Do(ctx, http.MethodGet, statusURL, nil, nil)
	latency := time.Since(start)
	if err != nil {
		r.logger.Debug("status poll failed", zap.String("url", statusURL), zap.Error(err))
		return []metrics.Sample{check(CheckStatusPolled, false)}
	}
	responds := resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound
	return []metrics.Sample{
		metrics.DurationSample(metrics.StatusPollLatency, latency, nil),
		check(CheckStatusPolled, responds),
	}
}

func check(name string, ok bool) metrics.Sample {
	return metrics.RateSample(metrics.Checks, ok, map[string]string{"check": name})
}
