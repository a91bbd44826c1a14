// Package smtp 实现只收不发的 SMTP 接收边界。
//
// 这里刻意不做收件域白名单：本系统是私有收件槽，任何语法合法的
// 收件人都被接受，收下后交给决策引擎分类。畸形收件人在 RCPT 阶段
// 以 501 拒绝，不会进入引擎；没有完成决策与落库的邮件一律以临时
// 失败回应，绝不无声确认。
package smtp

import (
	"context"
	"io"
	"net"
	"strings"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/config"
	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/monitoring"
)

// Ingestor 是 SMTP 边界向内交付邮件的唯一入口。
// 返回错误表示这封信没有完成决策或落库，调用方必须回临时失败。
type Ingestor interface {
	Ingest(ctx context.Context, from, recipient, clientIP string, raw []byte) (*domain.Message, error)
}

// Backend 实现 go-smtp 的 Backend 接口。
type Backend struct {
	ingest  Ingestor
	limiter *ConnectionLimiter
	cfg     config.SMTPConfig
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewBackend 创建接收后端。limiter 和 metrics 可以为 nil。
func NewBackend(ingest Ingestor, limiter *ConnectionLimiter, cfg config.SMTPConfig, metrics *monitoring.Metrics, log *zap.Logger) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 10 << 20
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = 50
	}
	return &Backend{
		ingest:  ingest,
		limiter: limiter,
		cfg:     cfg,
		metrics: metrics,
		log:     log,
	}
}

// NewSession 建立会话，先过按 IP 的连接限流。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	ip := remoteIP(c)

	if b.limiter != nil && !b.limiter.Acquire(ip) {
		b.recordRejected("connection_limit")
		b.log.Warn("smtp connection throttled", zap.String("remote_ip", ip))
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}

	if b.metrics != nil {
		b.metrics.SMTPConnections.Inc()
	}
	return &session{backend: b, clientIP: ip}, nil
}

func (b *Backend) recordRejected(reason string) {
	if b.metrics != nil {
		b.metrics.RecordSMTPRejected(reason)
	}
}

type session struct {
	backend    *Backend
	clientIP   string
	from       string
	recipients []string
}

// Mail 记录信封发件人。空发件人（<>，退信）是合法输入。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = normalizeAddress(from)
	return nil
}

// Rcpt 校验信封收件人，只做语法校验。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)

	if _, _, err := domain.SplitAddress(addr); err != nil {
		s.backend.recordRejected("malformed_recipient")
		s.backend.log.Info("rejected malformed recipient",
			zap.String("recipient", to),
			zap.String("remote_ip", s.clientIP))
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	if len(s.recipients) >= s.backend.cfg.MaxRecipients {
		s.backend.recordRejected("too_many_recipients")
		return &gosmtp.SMTPError{
			Code:         452,
			EnhancedCode: gosmtp.EnhancedCode{4, 5, 3},
			Message:      "too many recipients",
		}
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 读取邮件原文，逐收件人交给接收编排器。
//
// 任意一个收件人落库失败都回 451：发送方会重试整封信，已入库的
// 收件人可能收到重复消息，这比无声丢信可取。
func (s *session) Data(r io.Reader) error {
	if len(s.recipients) == 0 {
		return &gosmtp.SMTPError{
			Code:         503,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
			Message:      "RCPT TO required before DATA",
		}
	}

	raw, err := io.ReadAll(io.LimitReader(r, s.backend.cfg.MaxMessageBytes+1))
	if err != nil {
		return err
	}
	if int64(len(raw)) > s.backend.cfg.MaxMessageBytes {
		s.backend.recordRejected("message_too_large")
		return &gosmtp.SMTPError{
			Code:         552,
			EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
			Message:      "message exceeds maximum size",
		}
	}

	for _, rcpt := range s.recipients {
		if _, err := s.backend.ingest.Ingest(context.Background(), s.from, rcpt, s.clientIP, raw); err != nil {
			s.backend.recordRejected("ingest_failure")
			s.backend.log.Error("ingest failed",
				zap.String("recipient", rcpt),
				zap.String("remote_ip", s.clientIP),
				zap.Error(err))
			return &gosmtp.SMTPError{
				Code:         451,
				EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
				Message:      "temporary failure, try again later",
			}
		}
	}
	return nil
}

// Reset 清空信封状态。
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束，归还连接许可。
func (s *session) Logout() error {
	if s.backend.limiter != nil {
		s.backend.limiter.Release(s.clientIP)
	}
	if s.backend.metrics != nil {
		s.backend.metrics.SMTPConnections.Dec()
	}
	return nil
}

// normalizeAddress 去掉尖括号并小写化整个地址。
// 信封地址在边界统一小写，过滤键和策略键因此可预测。
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}

func remoteIP(c *gosmtp.Conn) string {
	if c == nil || c.Conn() == nil {
		return "unknown"
	}
	remote := c.Conn().RemoteAddr().String()
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
