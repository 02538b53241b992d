package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	checks map[string]Pinger
}

// NewHealthHandler builds readiness over named dependencies, e.g. "rpc" and
// "database". Nil pingers are skipped.
func NewHealthHandler(checks map[string]Pinger) *HealthHandler {
	filtered := make(map[string]Pinger, len(checks))
	for name, p := range checks {
		if p != nil {
			filtered[name] = p
		}
	}
	return &HealthHandler{checks: filtered}
}

func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "loansync",
	})
}

func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	body := gin.H{"status": "ready"}
	code := http.StatusOK
	if len(h.checks) == 0 {
		body["status"] = "not_ready"
		code = http.StatusServiceUnavailable
	}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			body[name] = "error"
			body["status"] = "not_ready"
			code = http.StatusServiceUnavailable
			continue
		}
		body[name] = "ok"
	}
	c.JSON(code, body)
}
