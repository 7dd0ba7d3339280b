package executor

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tributarylabs/split-settlement/internal/protocol"
)

// Handler exposes split execution over HTTP.
type Handler struct {
	exec *Executor
	svc  *protocol.Service
}

func NewHandler(exec *Executor, svc *protocol.Service) *Handler {
	return &Handler{exec: exec, svc: svc}
}

// Register mounts the execution route behind the payment gate.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/execute-split", protocol.PaymentRequired(h.svc), h.handleExecute)
}

func (h *Handler) handleExecute(c *gin.Context) {
	p, ok := protocol.ProofFrom(c)
	if !ok {
		protocol.Fail(c, protocol.NewError(http.StatusPaymentRequired, protocol.CodePaymentRequired,
			"no verified payment in request context"))
		return
	}

	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, protocol.CodeMissingFields,
			"malformed request body: "+err.Error()))
		return
	}

	res, err := h.exec.Execute(c.Request.Context(), p, req)
	if err != nil {
		protocol.Fail(c, err)
		return
	}
	protocol.OK(c, http.StatusOK, res)
}
