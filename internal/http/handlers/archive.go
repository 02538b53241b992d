package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/loangraph/loansync/internal/domain/loan"
	postgresrepo "github.com/loangraph/loansync/internal/repository/postgres"
)

type ArchiveLister interface {
	ListByPool(ctx context.Context, poolAddress string) ([]postgresrepo.ArchivedScope, error)
}

// ArchiveHandler exposes which scopes of a pool have an archived snapshot
// ready for warm start.
type ArchiveHandler struct {
	archive ArchiveLister
}

func NewArchiveHandler(archive ArchiveLister) *ArchiveHandler {
	return &ArchiveHandler{archive: archive}
}

func (h *ArchiveHandler) ListArchived(c *gin.Context) {
	scope, err := loan.ParseScope(c.Param("pool"), "")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope"})
		return
	}
	items, err := h.archive.ListByPool(c.Request.Context(), strings.ToLower(scope.Pool.Hex()))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archive_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pool": scope.Key(), "snapshots": items})
}
