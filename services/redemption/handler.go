package redemption

import (
	"net/http"
	"strconv"

	"educoin-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	g := r.Group("/v1/redemptions")
	g.POST("", h.issue)
	g.GET("/:code", h.get)
	g.GET("/:code/qr", h.qr)
	g.POST("/:code/verify", h.verify)
	g.POST("/:code/approve", h.approve)
	g.POST("/:code/reject", h.reject)
}

type issueRequest struct {
	StudentID   string `json:"student_id" binding:"required"`
	ProductID   string `json:"product_id" binding:"required"`
	ProductName string `json:"product_name"`
	CoinCost    int64  `json:"coin_cost" binding:"required"`
}

type issueResponse struct {
	Redemption *Redemption `json:"redemption"`
	Token      string      `json:"token"`
	QRPayload  QRPayload   `json:"qr_payload"`
}

func (h *Handler) issue(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid redemption payload", errutil.WithErr(err)))
		return
	}

	result, err := h.service.Issue(c.Request.Context(), IssueInput{
		StudentID:   req.StudentID,
		ProductID:   req.ProductID,
		ProductName: req.ProductName,
		CoinCost:    req.CoinCost,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, issueResponse{
		Redemption: result.Redemption,
		Token:      result.RawToken,
		QRPayload:  result.QRPayload,
	})
}

func (h *Handler) get(c *gin.Context) {
	record, err := h.service.Get(c.Request.Context(), c.Param("code"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *Handler) qr(c *gin.Context) {
	size, _ := strconv.Atoi(c.Query("size"))
	png, err := h.service.QRPNG(c.Request.Context(), c.Param("code"), size)
	if err != nil {
		c.Error(err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

type verifyRequest struct {
	VerifierID string `json:"verifier_id" binding:"required"`
	Token      string `json:"token"`
}

func (h *Handler) verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid verify payload", errutil.WithErr(err)))
		return
	}

	record, err := h.service.Verify(c.Request.Context(), c.Param("code"), req.VerifierID, req.Token)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *Handler) approve(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid approve payload", errutil.WithErr(err)))
		return
	}

	record, err := h.service.Approve(c.Request.Context(), c.Param("code"), req.VerifierID, req.Token)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, record)
}

type rejectRequest struct {
	VerifierID string `json:"verifier_id" binding:"required"`
	Reason     string `json:"reason" binding:"required"`
}

func (h *Handler) reject(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid reject payload", errutil.WithErr(err)))
		return
	}

	record, err := h.service.Reject(c.Request.Context(), c.Param("code"), req.VerifierID, req.Reason)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, record)
}
