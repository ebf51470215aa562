package progress

import (
	"net/http"

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
	g := r.Group("/v1/users/:user_id/tasks")
	g.GET("", h.listUserTasks)
	g.GET("/:task_id", h.getUserTask)
	g.POST("/:task_id/unlock", h.unlock)
	g.POST("/:task_id/start", h.start)
	g.POST("/:task_id/request-proof", h.requestProof)
	g.POST("/:task_id/proof", h.submitProof)
	g.POST("/:task_id/resolve", h.resolve)
}

func (h *Handler) listUserTasks(c *gin.Context) {
	records, err := h.service.ListUserTasks(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": records})
}

func (h *Handler) getUserTask(c *gin.Context) {
	record, err := h.service.GetUserTask(c.Request.Context(), c.Param("user_id"), c.Param("task_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *Handler) unlock(c *gin.Context) {
	record, err := h.service.Unlock(c.Request.Context(), c.Param("user_id"), c.Param("task_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *Handler) start(c *gin.Context) {
	record, err := h.service.Start(c.Request.Context(), c.Param("user_id"), c.Param("task_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *Handler) requestProof(c *gin.Context) {
	record, err := h.service.RequestProof(c.Request.Context(), c.Param("user_id"), c.Param("task_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, record)
}

type submitTextProofRequest struct {
	Text string `json:"text"`
}

// submitProof accepts either a JSON body with proof text or a multipart
// upload with a "photo" part.
func (h *Handler) submitProof(c *gin.Context) {
	var in ProofSubmission

	if file, err := c.FormFile("photo"); err == nil {
		f, err := file.Open()
		if err != nil {
			c.Error(errutil.BadRequest("failed to read photo upload", errutil.WithErr(err)))
			return
		}
		defer f.Close()
		in.Photo = f
		in.SizeBytes = file.Size
		in.ContentType = file.Header.Get("Content-Type")
	} else {
		var req submitTextProofRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errutil.BadRequest("invalid proof payload", errutil.WithErr(err)))
			return
		}
		in.Text = req.Text
	}

	record, err := h.service.SubmitProof(c.Request.Context(), c.Param("user_id"), c.Param("task_id"), in)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, record)
}

type resolveRequest struct {
	Decision   string `json:"decision" binding:"required"`
	ReviewerID string `json:"reviewer_id" binding:"required"`
	Reason     string `json:"reason"`
	ReviewNote string `json:"review_note"`
}

func (h *Handler) resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid resolve payload", errutil.WithErr(err)))
		return
	}

	record, err := h.service.Resolve(c.Request.Context(), ResolveInput{
		UserID:     c.Param("user_id"),
		TaskID:     c.Param("task_id"),
		Decision:   Decision(req.Decision),
		ReviewerID: req.ReviewerID,
		Reason:     req.Reason,
		ReviewNote: req.ReviewNote,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, record)
}
