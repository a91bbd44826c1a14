package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/auth"
)

// AuthHandler 管理会话解锁处理器。
type AuthHandler struct {
	unlock *auth.UnlockService
	log    *zap.Logger
}

// NewAuthHandler 创建解锁处理器
func NewAuthHandler(unlock *auth.UnlockService, log *zap.Logger) *AuthHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthHandler{unlock: unlock, log: log}
}

type unlockRequest struct {
	PIN string `json:"pin" binding:"required"`
}

// Unlock godoc
// @Summary 解锁管理会话
// @Description 校验管理口令，通过后签发短期会话令牌；按来源IP限流
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body unlockRequest true "管理口令"
// @Success 200 {object} Response{data=auth.UnlockResult}
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Failure 429 {object} Response
// @Router /api/auth/unlock [post]
func (h *AuthHandler) Unlock(c *gin.Context) {
	var req unlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	result, err := h.unlock.Unlock(c.ClientIP(), req.PIN)
	if err != nil {
		if !respondKnownError(c, err) {
			h.log.Error("unlock failed", zap.Error(err))
			InternalError(c, MsgInternalError)
		}
		return
	}

	Success(c, result)
}
