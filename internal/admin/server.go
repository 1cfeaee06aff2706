// Package admin serves the read-only HTTP view of a running device: health,
// status, queue pairs and prometheus metrics.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/openrdma/internal/driver"
	"github.com/danmuck/openrdma/internal/logging"
	"github.com/danmuck/openrdma/internal/observability"
)

const version = "0.1.0"

// Device is the part of driver.Device the admin view reads.
type Device interface {
	Status() driver.Status
	QueuePairs() []driver.QpParams
}

type Options struct {
	CorsOrigins []string
	// Token, when set, is required as a bearer token on every route but /health.
	Token string
}

type Server struct {
	addr    string
	dev     Device
	router  *gin.Engine
	started time.Time
}

func New(addr string, dev Device, opts Options) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	st := dev.Status()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminObserver(st.ID, logging.Logger()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	r.Use(requireToken(opts.Token))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{addr: addr, dev: dev, router: r, started: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		st := s.dev.Status()
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"device":  st.ID,
			"backend": st.Backend,
			"version": version,
		})
	})

	s.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.dev.Status())
	})

	s.router.GET("/qps", func(c *gin.Context) {
		qps := s.dev.QueuePairs()
		out := make([]gin.H, 0, len(qps))
		for _, qp := range qps {
			out = append(out, qpView(qp))
		}
		c.JSON(http.StatusOK, gin.H{"queue_pairs": out})
	})

	s.router.GET("/qps/:qpn", func(c *gin.Context) {
		n, err := strconv.ParseUint(c.Param("qpn"), 0, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid qpn"})
			return
		}
		for _, qp := range s.dev.QueuePairs() {
			if uint64(qp.Qpn) == n {
				c.JSON(http.StatusOK, qpView(qp))
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": driver.ErrInvalidQpn.Error()})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func qpView(qp driver.QpParams) gin.H {
	return gin.H{
		"qpn":     qp.Qpn.String(),
		"type":    qp.QpType.String(),
		"pmtu":    qp.Pmtu.Bytes(),
		"dqp_ip":  qp.DqpIP.String(),
		"dqp_mac": qp.DqpMAC.String(),
	}
}

// Serve listens on the configured address until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Infof("admin.Server listen addr=%s", s.addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logging.Infof("admin.Server stopped addr=%s", s.addr)
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
