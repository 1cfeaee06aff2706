package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/danmuck/openrdma/internal/testutil/testlog"
)

func TestAdminObserverLabelsByRoute(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.ReleaseMode)

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.TraceLevel)
	r := gin.New()
	r.Use(AdminObserver("dev-obs", &logger))
	r.GET("/qps/:qpn", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/qps/1", "/qps/2", "/health", "/nowhere"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(httpRequests.WithLabelValues("dev-obs", "GET", "/qps/:qpn", "404")); got != 2 {
		t.Fatalf("expected both qp lookups on one series, got %v", got)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("dev-obs", "GET", "unmatched", "404")); got != 1 {
		t.Fatalf("expected unmatched route recorded, got %v", got)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 log lines, got %d: %s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"level":"warn"`) || !strings.Contains(lines[0], "path=/qps/1") {
		t.Fatalf("unexpected not-found line: %s", lines[0])
	}
	if !strings.Contains(lines[2], `"level":"trace"`) {
		t.Fatalf("expected health check at trace: %s", lines[2])
	}
}
