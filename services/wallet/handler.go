package wallet

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"educoin-engine/pkg/db/option"
	"educoin-engine/pkg/errutil"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	g := r.Group("/v1/users/:user_id/wallet")
	g.GET("", h.getWallet)
	g.GET("/transactions", h.listTransactions)
	g.GET("/verify", h.verifyChain)
}

func (h *Handler) getWallet(c *gin.Context) {
	w, err := h.service.GetWallet(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) listTransactions(c *gin.Context) {
	var opts []option.QueryOption
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			c.Error(errutil.BadRequest("limit must be a positive integer"))
			return
		}
		opts = append(opts, option.WithLimit(limit))
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.Error(errutil.BadRequest("since must be an RFC 3339 timestamp"))
			return
		}
		opts = append(opts, option.ApplyOperator(option.Condition{
			Field:    "created_at",
			Operator: option.GTE,
			Value:    since,
		}))
	}

	entries, err := h.service.ListTransactions(c.Request.Context(), c.Param("user_id"), opts...)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": entries})
}

func (h *Handler) verifyChain(c *gin.Context) {
	ok, err := h.service.VerifyChain(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": ok})
}
