package catalog

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("catalog.service",
	fx.Provide(
		NewService,
		NewHandler,
	),
	fx.Invoke(registerRoutes),
)

func registerRoutes(h *Handler, r *gin.Engine) {
	h.RegisterRoutes(r)
}
