// Package service 实现业务编排层：接收编排、消息管理、策略与规则
// 管理、运行期设置和统计视图。所有写路径在这里汇聚事件发布与审计。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/decision"
	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/events"
	"github.com/devils-shadow/quail/internal/monitoring"
	"github.com/devils-shadow/quail/internal/smtp"
	"github.com/devils-shadow/quail/internal/storage"
)

// ArtifactStore 定义业务层需要的工件存取操作。
// filesystem.Store 是生产实现；纯内存部署传 nil，此时只保留元数据行。
type ArtifactStore interface {
	SaveRaw(messageID string, raw []byte) (string, error)
	GetRaw(messageID string) ([]byte, error)
	SaveAttachment(att *domain.Attachment) (string, error)
	GetAttachmentContent(storedPath string) ([]byte, error)
	Delete(messageID string) error
}

// IngestService 是接收编排器：SMTP 边界收下的每封邮件经由它完成
// 规范化、策略兜底、解析、决策、落盘与事件发布。
//
// 整条路径同步执行，任何一步失败都返回错误，由边界回临时失败；
// 成功返回意味着决策已经持久化。编排器从不等待分发端。
type IngestService struct {
	store     storage.Store
	artifacts ArtifactStore
	engine    *decision.Engine
	bus       *events.Bus
	metrics   *monitoring.Metrics
	log       *zap.Logger
}

var _ smtp.Ingestor = (*IngestService)(nil)

// NewIngestService 创建接收编排器。artifacts、bus、metrics 均可为 nil。
func NewIngestService(
	store storage.Store,
	artifacts ArtifactStore,
	engine *decision.Engine,
	bus *events.Bus,
	metrics *monitoring.Metrics,
	log *zap.Logger,
) *IngestService {
	if log == nil {
		log = zap.NewNop()
	}
	return &IngestService{
		store:     store,
		artifacts: artifacts,
		engine:    engine,
		bus:       bus,
		metrics:   metrics,
		log:       log,
	}
}

// Ingest 处理一封已通过边界校验的入站邮件。
//
// 流程：拆分收件地址 → 补齐域策略 → 解析 MIME → 决策 →
// 写工件（DROPPED 跳过）→ 写元数据行 → 发布 message_stored。
// 工件先于行写入：行是工件存在性的唯一索引，先写行会在工件
// 失败时留下指向空处的半成品。
func (s *IngestService) Ingest(ctx context.Context, from, recipient, clientIP string, raw []byte) (*domain.Message, error) {
	start := time.Now()

	local, recipientDomain, err := domain.SplitAddress(recipient)
	if err != nil {
		// 边界在 RCPT 阶段已经做过语法校验，走到这里说明调用方跳过了边界
		return nil, fmt.Errorf("split recipient address: %w", err)
	}

	if _, err := s.EnsureDomainPolicy(recipientDomain); err != nil {
		return nil, fmt.Errorf("ensure domain policy: %w", err)
	}

	parsed := smtp.ParseEmail(raw)

	dec, err := s.engine.Evaluate(ctx, decision.Input{
		RecipientLocal:  local,
		RecipientDomain: recipientDomain,
		Sender:          from,
		SenderDomain:    domain.SenderDomainOf(from),
		Subject:         domain.SanitizeSubject(parsed.Subject),
		AttachmentTypes: parsed.AttachmentTypes(),
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate message: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	message := &domain.Message{
		ID:              id.String(),
		Recipient:       recipient,
		RecipientLocal:  local,
		RecipientDomain: recipientDomain,
		Sender:          from,
		SenderDomain:    domain.SenderDomainOf(from),
		Subject:         domain.SanitizeSubject(parsed.Subject),
		MessageID:       parsed.MessageID,
		Size:            int64(len(raw)),
		Status:          dec.Status,
		Decision:        dec.Meta,
		HasAttachments:  len(parsed.Attachments) > 0,
		ReceivedAt:      time.Now().UTC(),
	}
	if dec.Status == domain.StatusQuarantine {
		message.QuarantineReason = dec.Meta.Reason
	}

	// DROPPED 只保留决策记录：不写工件，也不留附件元数据
	if dec.Status != domain.StatusDropped {
		for _, att := range parsed.Attachments {
			att.MessageID = message.ID
			if att.Size == 0 {
				att.Size = int64(len(att.Content))
			}
			if s.metrics != nil {
				s.metrics.RecordAttachmentSize(att.ContentType, att.Size)
			}
		}
		message.Attachments = parsed.Attachments

		if err := s.persistArtifacts(message, raw); err != nil {
			return nil, fmt.Errorf("persist artifacts: %w", err)
		}
	}

	if err := s.store.SaveMessage(message); err != nil {
		// 没有行就没有可见的决策记录；清掉孤儿工件后回临时失败，发送方会重试
		if s.artifacts != nil && dec.Status != domain.StatusDropped {
			_ = s.artifacts.Delete(message.ID)
		}
		return nil, fmt.Errorf("save message: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{Kind: events.MessageStored, Message: message})
	}
	if s.metrics != nil {
		s.metrics.RecordMessageReceived()
		s.metrics.RecordDecision(string(dec.Status), time.Since(start))
	}

	s.log.Info("message ingested",
		zap.String("message_id", message.ID),
		zap.String("recipient", recipient),
		zap.String("sender", from),
		zap.String("status", string(dec.Status)),
		zap.String("reason", dec.Meta.Reason),
		zap.String("client_ip", clientIP),
		zap.Int64("size", message.Size))

	return message, nil
}

// EnsureDomainPolicy 确保收件域有策略行，缺失时按 OPEN/INBOX 隐式建行。
// 并发首封的建行竞争由唯一键裁决，冲突方重读当前行即可。
func (s *IngestService) EnsureDomainPolicy(domainName string) (*domain.DomainPolicy, error) {
	policy, err := s.store.GetPolicy(domainName)
	if err == nil {
		return policy, nil
	}
	if !errors.Is(err, storage.ErrPolicyNotFound) {
		return nil, err
	}

	fresh := domain.DefaultDomainPolicy(domainName)
	if err := s.store.SavePolicy(&fresh); err != nil {
		if errors.Is(err, storage.ErrPolicyExists) {
			return s.store.GetPolicy(domainName)
		}
		return nil, err
	}

	s.log.Info("implicit domain policy created", zap.String("domain", domainName))
	return &fresh, nil
}

// persistArtifacts 写入原始邮件与附件载荷，成功后清空内存中的载荷。
func (s *IngestService) persistArtifacts(message *domain.Message, raw []byte) error {
	if s.artifacts == nil {
		return nil
	}

	rawPath, err := s.artifacts.SaveRaw(message.ID, raw)
	if err != nil {
		return fmt.Errorf("save raw message: %w", err)
	}
	message.RawPath = rawPath

	for _, att := range message.Attachments {
		path, err := s.artifacts.SaveAttachment(att)
		if err != nil {
			// 半途失败时清掉已写入的部分，这封信整体回临时失败
			_ = s.artifacts.Delete(message.ID)
			return fmt.Errorf("save attachment %q: %w", att.Filename, err)
		}
		att.StoredPath = path
		att.Content = nil
	}
	return nil
}
