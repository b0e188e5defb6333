package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusExporter_MirrorsSamples(t *testing.T) {
	pe := NewPrometheusExporter(nil)
	c := NewCollector(WithObserver(pe))

	tags := map[string]string{"scenario": "baseline"}
	_ = c.Record(CounterSample(HTTPReqs, 1, tags))
	_ = c.Record(CounterSample(HTTPReqs, 1, tags))
	_ = c.Record(RateSample(HTTPReqFailed, true, tags))
	_ = c.Record(TrendSample(HTTPReqDuration, 42, tags))
	_ = c.Record(TrendSample(VUs, 7, tags))

	srv := httptest.NewServer(pe.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `volley_counter_total{metric="http_reqs",scenario="baseline"} 2`)
	assert.Contains(t, text, `volley_rate_nonzero_total{metric="http_req_failed",scenario="baseline"} 1`)
	assert.Contains(t, text, `volley_trend_count{metric="http_req_duration",scenario="baseline"} 1`)
	assert.Contains(t, text, `volley_vus{scenario="baseline"} 7`)
}
