package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/events"
	"github.com/devils-shadow/quail/internal/smtp"
	"github.com/devils-shadow/quail/internal/storage"
)

var (
	// ErrNotQuarantined 恢复操作只对隔离中的消息有效
	ErrNotQuarantined = errors.New("message is not quarantined")
	// ErrContentUnavailable 请求的原始内容/附件载荷没有落盘
	ErrContentUnavailable = errors.New("stored content unavailable")
)

// MessageService 封装消息的读取与管理操作。
//
// 写路径（恢复/删除/清空隔离区）在持久化完成后发布事件并落审计，
// 保证订阅端与拉取端看到一致的状态迁移。
type MessageService struct {
	store     storage.Store
	artifacts ArtifactStore
	bus       *events.Bus
	log       *zap.Logger
}

// NewMessageService 创建消息业务服务。artifacts 和 bus 可以为 nil。
func NewMessageService(store storage.Store, artifacts ArtifactStore, bus *events.Bus, log *zap.Logger) *MessageService {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageService{
		store:     store,
		artifacts: artifacts,
		bus:       bus,
		log:       log,
	}
}

// MessageDetail 是单条消息的查看视图：元数据行加按需解析的正文。
type MessageDetail struct {
	domain.Message
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
}

// List 按查询条件返回消息列表，条数被钳制在存储层允许的范围内。
func (s *MessageService) List(query storage.MessageQuery) ([]domain.Message, error) {
	if query.Limit <= 0 {
		query.Limit = storage.DefaultListLimit
	}
	if query.Limit > storage.MaxListLimit {
		query.Limit = storage.MaxListLimit
	}
	return s.store.ListMessages(query)
}

// Get 返回消息详情。存有原始邮件时现场解析出正文，
// HTML 正文只在 allow_html 设置开启时返回。
func (s *MessageService) Get(id string) (*MessageDetail, error) {
	message, err := s.store.GetMessage(id)
	if err != nil {
		return nil, err
	}

	detail := &MessageDetail{Message: *message}
	if s.artifacts == nil || message.RawPath == "" {
		return detail, nil
	}

	raw, err := s.artifacts.GetRaw(message.ID)
	if err != nil {
		// 工件缺失不挡元数据视图，正文留空
		s.log.Warn("failed to load raw message",
			zap.String("message_id", id), zap.Error(err))
		return detail, nil
	}

	parsed := smtp.ParseEmail(raw)
	detail.Text = parsed.Text
	if s.htmlAllowed() {
		detail.HTML = parsed.HTML
	}
	return detail, nil
}

// GetRaw 返回消息的原始 .eml 内容。
func (s *MessageService) GetRaw(id string) ([]byte, error) {
	message, err := s.store.GetMessage(id)
	if err != nil {
		return nil, err
	}
	if s.artifacts == nil || message.RawPath == "" {
		return nil, ErrContentUnavailable
	}
	return s.artifacts.GetRaw(message.ID)
}

// GetAttachment 返回附件元数据并加载其载荷。
func (s *MessageService) GetAttachment(messageID, attachmentID string) (*domain.Attachment, error) {
	att, err := s.store.GetAttachment(messageID, attachmentID)
	if err != nil {
		return nil, err
	}
	if s.artifacts == nil || att.StoredPath == "" {
		return nil, ErrContentUnavailable
	}

	content, err := s.artifacts.GetAttachmentContent(att.StoredPath)
	if err != nil {
		return nil, fmt.Errorf("load attachment content: %w", err)
	}
	att.Content = content
	return att, nil
}

// Restore 把隔离中的消息恢复到收件列表。
// 决策元数据保持原样（决策不可变），只清掉隔离原因。
func (s *MessageService) Restore(id, actor string) (*domain.Message, error) {
	message, err := s.store.GetMessage(id)
	if err != nil {
		return nil, err
	}
	if message.Status != domain.StatusQuarantine {
		return nil, ErrNotQuarantined
	}

	if err := s.store.UpdateMessageStatus(id, domain.StatusInbox, ""); err != nil {
		return nil, err
	}
	message.Status = domain.StatusInbox
	message.QuarantineReason = ""

	if s.bus != nil {
		s.bus.Publish(events.Event{Kind: events.MessageUpdated, Message: message})
	}
	writeAudit(s.store, s.log, actor, domain.AuditMessageRestore, map[string]string{
		"id":        id,
		"recipient": message.Recipient,
	})

	s.log.Info("message restored",
		zap.String("message_id", id),
		zap.String("recipient", message.Recipient))
	return message, nil
}

// Delete 删除单条消息。固定先工件后行：工件删除失败时行保留，
// 下次重试仍能找到它；行删成功后发布 messages_deleted。
func (s *MessageService) Delete(id, actor string) error {
	message, err := s.store.GetMessage(id)
	if err != nil {
		return err
	}

	if s.artifacts != nil {
		if err := s.artifacts.Delete(id); err != nil {
			return fmt.Errorf("delete artifacts: %w", err)
		}
	}
	if _, err := s.store.DeleteMessages([]string{id}); err != nil {
		return fmt.Errorf("delete message row: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{Kind: events.MessagesDeleted, IDs: []string{id}})
	}
	writeAudit(s.store, s.log, actor, domain.AuditMessageDelete, map[string]string{
		"id":        id,
		"recipient": message.Recipient,
		"status":    string(message.Status),
	})

	s.log.Info("message deleted",
		zap.String("message_id", id),
		zap.String("recipient", message.Recipient))
	return nil
}

// ClearQuarantine 批量删除隔离区的全部消息，返回删除数量。
// 与清扫器同样的分批节奏：工件失败的行跳过，留给下一次操作。
func (s *MessageService) ClearQuarantine(ctx context.Context, actor string) (int, error) {
	cleared := 0
	skipped := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return cleared, err
		}

		batch, err := s.store.ListMessages(storage.MessageQuery{
			Statuses: []domain.Status{domain.StatusQuarantine},
			Limit:    storage.MaxListLimit,
		})
		if err != nil {
			return cleared, fmt.Errorf("list quarantined messages: %w", err)
		}

		ids := make([]string, 0, len(batch))
		for _, m := range batch {
			if skipped[m.ID] {
				continue
			}
			if s.artifacts != nil {
				if err := s.artifacts.Delete(m.ID); err != nil {
					s.log.Warn("failed to delete message artifacts",
						zap.String("message_id", m.ID), zap.Error(err))
					skipped[m.ID] = true
					continue
				}
			}
			ids = append(ids, m.ID)
		}
		if len(ids) == 0 {
			break
		}

		deleted, err := s.store.DeleteMessages(ids)
		if err != nil {
			return cleared, fmt.Errorf("delete quarantined messages: %w", err)
		}
		cleared += deleted

		if s.bus != nil {
			s.bus.Publish(events.Event{Kind: events.MessagesDeleted, IDs: ids})
		}

		if len(batch) < storage.MaxListLimit {
			break
		}
	}

	writeAudit(s.store, s.log, actor, domain.AuditQuarantineWipe, map[string]int{
		"cleared": cleared,
	})

	s.log.Info("quarantine cleared", zap.Int("cleared", cleared))
	return cleared, nil
}

// htmlAllowed 读取 allow_html 设置，缺键时用种子默认值。
func (s *MessageService) htmlAllowed() bool {
	value := ""
	setting, err := s.store.GetSetting(domain.SettingAllowHTML)
	if err != nil {
		if !errors.Is(err, storage.ErrSettingNotFound) {
			s.log.Warn("failed to load allow_html setting", zap.Error(err))
		}
	} else {
		value = setting.Value
	}
	if strings.TrimSpace(value) == "" {
		value = domain.DefaultSettings()[domain.SettingAllowHTML]
	}

	allowed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false
	}
	return allowed
}
