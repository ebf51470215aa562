package catalog

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
	g := r.Group("/v1/tasks")
	g.POST("", h.createTask)
	g.GET("", h.listTasks)
	g.GET("/:task_id", h.getTask)
}

type createTaskRequest struct {
	Title         string   `json:"title" binding:"required"`
	Description   string   `json:"description"`
	Category      string   `json:"category" binding:"required"`
	ProofPolicy   string   `json:"proof_policy" binding:"required"`
	RewardCoins   int64    `json:"reward_coins"`
	RewardXP      int64    `json:"reward_xp"`
	Prerequisites []string `json:"prerequisites"`
}

func (h *Handler) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid task payload", errutil.WithErr(err)))
		return
	}

	task, err := h.service.CreateTask(c.Request.Context(), CreateTaskInput{
		Title:         req.Title,
		Description:   req.Description,
		Category:      Category(req.Category),
		ProofPolicy:   ProofPolicy(req.ProofPolicy),
		RewardCoins:   req.RewardCoins,
		RewardXP:      req.RewardXP,
		Prerequisites: req.Prerequisites,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *Handler) listTasks(c *gin.Context) {
	tasks, err := h.service.ListTasks(c.Request.Context(), ListTasksInput{
		Category:        Category(c.Query("category")),
		IncludeInactive: c.Query("include_inactive") == "true",
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *Handler) getTask(c *gin.Context) {
	task, err := h.service.GetTask(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, task)
}
