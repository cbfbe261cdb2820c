package httpapi

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func scrape(t *testing.T) []byte {
	t.Helper()
	mrr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(mrr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if mrr.Code != http.StatusOK {
		t.Fatalf("/metrics status=%d", mrr.Code)
	}
	return mrr.Body.Bytes()
}

func TestMetricsMiddleware_EmitsRequestCounters(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rr := httptest.NewRecorder()
	MetricsMiddleware(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/plain", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status=%d", rr.Code)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/plain", "GET", "418")); got < 1 {
		t.Fatalf("request not counted: %v", got)
	}
	if !bytes.Contains(scrape(t), []byte("diffusiond_http_requests_total")) {
		t.Fatalf("metric family missing")
	}
}

// Routes with path parameters must be labelled by pattern, not by id.
func TestMux_LabelsByRoutePattern(t *testing.T) {
	h := NewMux(&mockService{})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/generations/some-id-123", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	body := scrape(t)
	if !bytes.Contains(body, []byte(`path="/generations/{id}"`)) {
		t.Fatalf("expected route pattern label")
	}
	if bytes.Contains(body, []byte("some-id-123")) {
		t.Fatalf("raw id leaked into labels")
	}
}

func TestIncrementBackpressure_IncrementsCounter(t *testing.T) {
	baseline := testutil.ToFloat64(backpressureTotal.WithLabelValues("queue"))
	IncrementBackpressure("queue")
	IncrementBackpressure("queue")
	if got := testutil.ToFloat64(backpressureTotal.WithLabelValues("queue")); got < baseline+2 {
		t.Fatalf("expected >= %v, got %v", baseline+2, got)
	}
	before := testutil.ToFloat64(backpressureTotal.WithLabelValues("unspecified"))
	IncrementBackpressure("")
	if after := testutil.ToFloat64(backpressureTotal.WithLabelValues("unspecified")); after < before+1 {
		t.Fatalf("unspecified reason not counted: %v -> %v", before, after)
	}
}

func TestStreamOutcomesAndBytes(t *testing.T) {
	okBefore := testutil.ToFloat64(streamOutcomes.WithLabelValues("ok"))
	failedBefore := testutil.ToFloat64(streamOutcomes.WithLabelValues("failed"))
	bytesBefore := testutil.ToFloat64(streamBytes)

	if w := postJSON(NewMux(&mockService{}), "/generations?stream=1", `{"prompt":"p","frames":2}`); w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	svc := &mockService{genErrAfter: errors.New("decoder fault")}
	postJSON(NewMux(svc), "/generations?stream=1", `{"prompt":"p","frames":2}`)

	if got := testutil.ToFloat64(streamOutcomes.WithLabelValues("ok")); got != okBefore+1 {
		t.Fatalf("ok outcomes %v -> %v", okBefore, got)
	}
	if got := testutil.ToFloat64(streamOutcomes.WithLabelValues("failed")); got != failedBefore+1 {
		t.Fatalf("failed outcomes %v -> %v", failedBefore, got)
	}
	if got := testutil.ToFloat64(streamBytes); got <= bytesBefore {
		t.Fatalf("stream bytes not counted")
	}
}
