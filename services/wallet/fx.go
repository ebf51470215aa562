package wallet

import (
	"educoin-engine/pkg/taskname"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("wallet.service",
	fx.Provide(
		NewService,
		NewHandler,
	),
	fx.Invoke(registerRoutes),
)

// Worker registers the wallet background handlers on the asynq mux and the
// nightly audit scheduler. Only the worker process pulls this in.
var Worker = fx.Module("wallet.worker",
	fx.Provide(NewAuditor),
	fx.Invoke(
		registerHandlers,
		StartAuditor,
	),
)

func registerRoutes(h *Handler, r *gin.Engine) {
	h.RegisterRoutes(r)
}

func registerHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.WalletChainAudit, svc.HandleChainAuditTask)
}
