package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// quietRoutes are polled by scrapers and health checks; their lines drop to trace.
var quietRoutes = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// AdminObserver logs and counts every admin request for one device. The
// route label is the registered pattern so /qps/:qpn stays one series.
func AdminObserver(device string, logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		RecordHTTPRequest(device, c.Request.Method, route, status, elapsed)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		default:
			if _, quiet := quietRoutes[route]; quiet {
				event = logger.Trace()
			} else {
				event = logger.Debug()
			}
		}
		event.
			Str("device", device).
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Msgf("admin.Server request path=%s", c.Request.URL.Path)
	}
}
