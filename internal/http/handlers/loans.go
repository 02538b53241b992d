package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/loangraph/loansync/internal/domain/loan"
	"github.com/loangraph/loansync/internal/store"
	"github.com/loangraph/loansync/internal/subscription"
)

type LoanSync interface {
	EnsureSubscribed(ctx context.Context, scope loan.Scope) error
	Reload(ctx context.Context, scope loan.Scope) (bool, error)
	Teardown(ctx context.Context, scope loan.Scope) error
	Active() []subscription.Info
}

type LoanViews interface {
	Current(scope loan.Scope) (store.View, bool)
	Pending(scope loan.Scope) []loan.PendingUpdate
}

type LoanHandler struct {
	subs  LoanSync
	views LoanViews
}

func NewLoanHandler(subs LoanSync, views LoanViews) *LoanHandler {
	return &LoanHandler{subs: subs, views: views}
}

// ListLoans subscribes the scope on first use and returns its derived view.
// Until the initial snapshot lands the response is 202 with what is known.
func (h *LoanHandler) ListLoans(c *gin.Context) {
	scope, ok := parseScope(c)
	if !ok {
		return
	}
	if err := h.subs.EnsureSubscribed(c.Request.Context(), scope); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "subscribe_failed"})
		return
	}

	view, ready := h.views.Current(scope)
	if status := strings.ToUpper(strings.TrimSpace(c.Query("status"))); status != "" {
		filtered := make([]loan.Record, 0, len(view.Loans))
		for _, r := range view.Loans {
			if r.Status.String() == status {
				filtered = append(filtered, r)
			}
		}
		view.Loans = filtered
	}
	if !ready {
		c.JSON(http.StatusAccepted, view)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *LoanHandler) ListPending(c *gin.Context) {
	scope, ok := parseScope(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scope":   scope.Key(),
		"pending": h.views.Pending(scope),
	})
}

func (h *LoanHandler) Reload(c *gin.Context) {
	scope, ok := parseScope(c)
	if !ok {
		return
	}
	installed, err := h.subs.Reload(c.Request.Context(), scope)
	if errors.Is(err, subscription.ErrNotSubscribed) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_subscribed"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "reload_failed"})
		return
	}
	view, _ := h.views.Current(scope)
	c.JSON(http.StatusOK, gin.H{"installed": installed, "view": view})
}

func (h *LoanHandler) Unsubscribe(c *gin.Context) {
	scope, ok := parseScope(c)
	if !ok {
		return
	}
	if err := h.subs.Teardown(c.Request.Context(), scope); err != nil {
		if errors.Is(err, subscription.ErrNotSubscribed) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_subscribed"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "teardown_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *LoanHandler) ListSubscriptions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"subscriptions": h.subs.Active()})
}

func parseScope(c *gin.Context) (loan.Scope, bool) {
	scope, err := loan.ParseScope(c.Param("pool"), c.Query("account"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope"})
		return loan.Scope{}, false
	}
	return scope, true
}
