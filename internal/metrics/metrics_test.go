package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func histogramCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	m, ok := o.(prometheus.Metric)
	if !ok {
		t.Fatalf("observer %T is not a metric", o)
	}
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return out.GetHistogram().GetSampleCount()
}

func TestRecordToolInvocation(t *testing.T) {
	okBefore := testutil.ToFloat64(ToolInvocationsTotal.WithLabelValues("snow_login", OutcomeSuccess))
	errBefore := testutil.ToFloat64(ToolInvocationsTotal.WithLabelValues("snow_login", OutcomeError))
	samplesBefore := histogramCount(t, ToolDurationSeconds.WithLabelValues("snow_login"))

	RecordToolInvocation("snow_login", nil, 120*time.Millisecond)
	RecordToolInvocation("snow_login", errors.New("boom"), time.Second)

	if got := testutil.ToFloat64(ToolInvocationsTotal.WithLabelValues("snow_login", OutcomeSuccess)); got != okBefore+1 {
		t.Fatalf("success count = %v, want %v", got, okBefore+1)
	}
	if got := testutil.ToFloat64(ToolInvocationsTotal.WithLabelValues("snow_login", OutcomeError)); got != errBefore+1 {
		t.Fatalf("error count = %v, want %v", got, errBefore+1)
	}
	if got := histogramCount(t, ToolDurationSeconds.WithLabelValues("snow_login")); got != samplesBefore+2 {
		t.Fatalf("duration samples = %d, want %d", got, samplesBefore+2)
	}
}

func TestRecordRemoteRequestLabelsMissingResponse(t *testing.T) {
	before := testutil.ToFloat64(RemoteRequestsTotal.WithLabelValues("table", "none"))
	RecordRemoteRequest("table", 0, time.Millisecond)
	if got := testutil.ToFloat64(RemoteRequestsTotal.WithLabelValues("table", "none")); got != before+1 {
		t.Fatalf("count = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(RemoteRequestsTotal.WithLabelValues("table", "200"))
	RecordRemoteRequest("table", 200, time.Millisecond)
	if got := testutil.ToFloat64(RemoteRequestsTotal.WithLabelValues("table", "200")); got != before+1 {
		t.Fatalf("count = %v, want %v", got, before+1)
	}
}

func TestSessionCounters(t *testing.T) {
	before := testutil.ToFloat64(SessionExpiriesTotal)
	RecordSessionExpired()
	if got := testutil.ToFloat64(SessionExpiriesTotal); got != before+1 {
		t.Fatalf("expiries = %v", got)
	}

	loginErr := testutil.ToFloat64(LoginsTotal.WithLabelValues(OutcomeError))
	RecordLogin(errors.New("bad password"))
	if got := testutil.ToFloat64(LoginsTotal.WithLabelValues(OutcomeError)); got != loginErr+1 {
		t.Fatalf("login errors = %v", got)
	}
}
