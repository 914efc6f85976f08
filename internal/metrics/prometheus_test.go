package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRecorderDrop(t *testing.T) {
	before := testutil.ToFloat64(recorderDroppedTotal)
	RecordRecorderDrop()
	if got := testutil.ToFloat64(recorderDroppedTotal); got != before+1 {
		t.Fatalf("expected drop counter %v got %v", before+1, got)
	}
}

func TestHandlerExposesGovernedRequests(t *testing.T) {
	RecordGovernedRequest("chat", "success", 120*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `genai_governor_governed_requests_total{outcome="success",use_case="chat"}`) {
		t.Fatalf("expected governed request series in output")
	}
}
