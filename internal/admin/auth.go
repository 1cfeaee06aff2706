package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/openrdma/internal/logging"
)

var ErrUnauthorized = errors.New("admin: unauthorized")

// bearerToken checks the Authorization header against one shared token.
// An empty configured token disables the check.
type bearerToken string

func (b bearerToken) validate(header string) error {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(b), []byte(strings.TrimSpace(raw))) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// requireToken guards every route except /health.
func requireToken(token string) gin.HandlerFunc {
	b := bearerToken(token)
	return func(c *gin.Context) {
		if b == "" || c.FullPath() == "/health" {
			c.Next()
			return
		}
		if err := b.validate(c.GetHeader("Authorization")); err != nil {
			logging.Warnf("admin.Server rejected path=%s client=%s", c.Request.URL.Path, c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}
