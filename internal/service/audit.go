package service

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/storage"
)

// writeAudit 落一条管理操作审计。审计写失败只记日志，不让操作本身失败。
func writeAudit(store storage.AuditRepository, log *zap.Logger, actor, action string, detail interface{}) {
	payload, err := json.Marshal(detail)
	if err != nil {
		payload = []byte("{}")
	}

	entry := &domain.AuditEntry{
		Actor:     actor,
		Action:    action,
		Detail:    string(payload),
		CreatedAt: time.Now().UTC(),
	}
	if err := store.SaveAuditEntry(entry); err != nil {
		log.Warn("failed to write audit entry",
			zap.String("action", action),
			zap.Error(err))
	}
}
