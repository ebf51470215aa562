package progress

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("progress.service",
	fx.Provide(
		NewMinioProofStore,
		NewService,
		NewHandler,
	),
	fx.Invoke(registerRoutes),
)

func registerRoutes(h *Handler, r *gin.Engine) {
	h.RegisterRoutes(r)
}
