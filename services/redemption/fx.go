package redemption

import (
	"educoin-engine/pkg/taskname"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("redemption.service",
	fx.Provide(
		NewService,
		NewHandler,
	),
	fx.Invoke(registerRoutes),
)

// Worker wires the sweeper loop and the asynq expiry handler.
var Worker = fx.Module("redemption.worker",
	fx.Provide(NewSweeper),
	fx.Invoke(
		registerHandlers,
		StartSweeper,
	),
)

func registerRoutes(h *Handler, r *gin.Engine) {
	h.RegisterRoutes(r)
}

func registerHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.RedemptionExpirySweep, svc.HandleExpirySweepTask)
}
