package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/danmuck/openrdma/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)

	RegisterMetrics()
	RegisterMetrics()

	before := testutil.ToFloat64(retryResends)
	RecordResend()
	RecordResend()
	if got := testutil.ToFloat64(retryResends) - before; got != 2 {
		t.Fatalf("unexpected resend delta: %v", got)
	}

	SetRetryTracked(3)
	if got := testutil.ToFloat64(retryTracked); got != 3 {
		t.Fatalf("unexpected tracked gauge: %v", got)
	}

	RecordRetryExhausted()
	RecordRingOverflow("send")
	RecordRingDecodeError("meta_report")
	RecordOpCompleted("write", "succeeded")
	RecordHTTPRequest("dev-a", "GET", "/health", 200, 12*time.Millisecond)

	if got := testutil.ToFloat64(ringOverflow.WithLabelValues("send")); got < 1 {
		t.Fatalf("ring overflow not recorded: %v", got)
	}
}
