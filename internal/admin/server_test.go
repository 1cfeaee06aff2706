package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/danmuck/openrdma/internal/driver"
	"github.com/danmuck/openrdma/internal/observability"
	"github.com/danmuck/openrdma/internal/testutil/testlog"
	"github.com/danmuck/openrdma/internal/types"
)

type stubDevice struct {
	status driver.Status
	qps    []driver.QpParams
}

func (s stubDevice) Status() driver.Status         { return s.status }
func (s stubDevice) QueuePairs() []driver.QpParams { return s.qps }

func newStub() stubDevice {
	return stubDevice{
		status: driver.Status{ID: "dev-a", Backend: "software", IP: netip.MustParseAddr("10.0.0.1"), QueuePairs: 1, Outstanding: 2},
		qps: []driver.QpParams{{
			Qpn:    5,
			QpType: types.QpTypeRC,
			Pmtu:   types.Pmtu1024,
			DqpIP:  netip.MustParseAddr("10.0.0.2"),
		}},
	}
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthAndStatus(t *testing.T) {
	testlog.Start(t)
	s := New("127.0.0.1:0", newStub(), Options{})

	rr := get(t, s, "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var health map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "ok" || health["device"] != "dev-a" || health["backend"] != "software" {
		t.Fatalf("unexpected health body: %#v", health)
	}

	rr = get(t, s, "/status")
	var st driver.Status
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Outstanding != 2 || st.IP != netip.MustParseAddr("10.0.0.1") {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestQueuePairRoutes(t *testing.T) {
	testlog.Start(t)
	s := New("127.0.0.1:0", newStub(), Options{})

	rr := get(t, s, "/qps/5")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var qp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &qp); err != nil {
		t.Fatalf("decode qp: %v", err)
	}
	if qp["qpn"] != "0x000005" || qp["type"] != "rc" || qp["pmtu"] != float64(1024) {
		t.Fatalf("unexpected qp body: %#v", qp)
	}
	if rr := get(t, s, "/qps/6"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown qp, got %d", rr.Code)
	}
	if rr := get(t, s, "/qps/nope"); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad qpn, got %d", rr.Code)
	}
	rr = get(t, s, "/qps")
	if !strings.Contains(rr.Body.String(), `"queue_pairs"`) {
		t.Fatalf("unexpected list body: %s", rr.Body.String())
	}
}

func TestMetricsEndpointExposesCollectors(t *testing.T) {
	testlog.Start(t)
	s := New("127.0.0.1:0", newStub(), Options{})
	observability.RecordResend()
	get(t, s, "/health")

	rr := get(t, s, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, name := range []string{"openrdma_retry_resends_total", "openrdma_http_requests_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}

func TestTokenGuardsEverythingButHealth(t *testing.T) {
	testlog.Start(t)
	s := New("127.0.0.1:0", newStub(), Options{Token: "s3cret"})

	if rr := get(t, s, "/health"); rr.Code != http.StatusOK {
		t.Fatalf("expected open health, got %d", rr.Code)
	}
	if rr := get(t, s, "/status"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	cases := map[string]int{
		"Bearer s3cret": http.StatusOK,
		"Bearer nope":   http.StatusUnauthorized,
		"s3cret":        http.StatusUnauthorized,
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.Header.Set("Authorization", header)
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("header %q: expected %d, got %d", header, want, rr.Code)
		}
	}
}
