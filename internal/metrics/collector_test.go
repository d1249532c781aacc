package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveHTTP(t *testing.T) {
	c := NewCollector()

	c.ObserveHTTP("POST", "/upload", 201, 10*time.Millisecond)
	c.ObserveHTTP("POST", "/upload", 201, 20*time.Millisecond)
	c.ObserveHTTP("GET", "/jobs/{jobId}", 404, time.Millisecond)

	if got := testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/upload", "201")); got != 2 {
		t.Errorf("upload requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/jobs/{jobId}", "404")); got != 1 {
		t.Errorf("job requests = %v, want 1", got)
	}
}

func TestConversionLifecycle(t *testing.T) {
	c := NewCollector()

	done := c.ConversionStarted()
	if got := testutil.ToFloat64(c.conversionsInFlight); got != 1 {
		t.Errorf("in flight = %v, want 1", got)
	}
	done("timed_out")

	if got := testutil.ToFloat64(c.conversionsInFlight); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.conversionsTotal.WithLabelValues("timed_out")); got != 1 {
		t.Errorf("timed_out conversions = %v, want 1", got)
	}

	c.ConversionCoalesced()
	if got := testutil.ToFloat64(c.coalescedTotal); got != 1 {
		t.Errorf("coalesced = %v, want 1", got)
	}
}

func TestObserveUpload(t *testing.T) {
	c := NewCollector()

	c.ObserveUpload("stored", 2048)
	c.ObserveUpload("rejected", 0)

	if got := testutil.ToFloat64(c.uploadsTotal.WithLabelValues("stored")); got != 1 {
		t.Errorf("stored = %v", got)
	}
	if got := testutil.CollectAndCount(c.uploadBytes); got != 1 {
		t.Errorf("upload size series = %d", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.ObserveHTTP("GET", "/health", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"polysvg_http_requests_total", `route="/health"`, "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestCollectorsAreIndependent(t *testing.T) {
	a, b := NewCollector(), NewCollector()
	a.ConversionCoalesced()
	if got := testutil.ToFloat64(b.coalescedTotal); got != 0 {
		t.Errorf("collectors share state: %v", got)
	}
}
