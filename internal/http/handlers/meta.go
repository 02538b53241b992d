package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type MetaHandler struct {
	env     string
	version string
	schema  string
}

func NewMetaHandler(env, version, schema string) *MetaHandler {
	return &MetaHandler{env: env, version: version, schema: schema}
}

func (h *MetaHandler) GetMeta(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "LoanGraph Loan Sync",
		"version":     h.version,
		"env":         h.env,
		"loan_schema": h.schema,
	})
}
