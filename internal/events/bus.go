package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/domain"
)

// Kind 表示事件类别。
type Kind string

const (
	// MessageStored 新消息完成入库
	MessageStored Kind = "message_stored"
	// MessageUpdated 已有消息的状态被修改（恢复/隔离）
	MessageUpdated Kind = "message_updated"
	// MessagesDeleted 一批消息被删除（清扫或管理操作）
	MessagesDeleted Kind = "messages_deleted"
)

// Event 是跨子系统的内部通知。
// 接收、恢复、删除、清扫都只对总线发布事件，不直接触达分发集线器。
type Event struct {
	Kind    Kind
	Message *domain.Message // message_stored / message_updated 时携带
	IDs     []string        // messages_deleted 时携带被删ID
	At      time.Time
}

// Bus 是进程内的事件总线，发布永不阻塞。
//
// 订阅者各持有一个带缓冲的通道；缓冲满时该订阅者的本条事件被丢弃
// 并计数。慢消费者只会丢自己的事件，不影响发布方和其他订阅者。
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	dropped     atomic.Int64
	onDrop      atomic.Pointer[func()]
	logger      *zap.Logger
}

// NewBus 创建事件总线。
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		logger:      logger,
	}
}

// OnDrop 注册事件被丢弃时的回调（用于上报指标）。
func (b *Bus) OnDrop(fn func()) {
	b.onDrop.Store(&fn)
}

// Subscribe 注册一个命名订阅者并返回其事件通道。
// size 为通道缓冲大小，重复的名字会替换旧订阅（旧通道被关闭）。
func (b *Bus) Subscribe(name string, size int) <-chan Event {
	if size <= 0 {
		size = 16
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subscribers[name]; ok {
		close(old)
	}
	ch := make(chan Event, size)
	b.subscribers[name] = ch
	return ch
}

// Unsubscribe 注销订阅者并关闭其通道。
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[name]; ok {
		close(ch)
		delete(b.subscribers, name)
	}
}

// Publish 向全部订阅者投递事件，任何订阅者缓冲满都不会阻塞发布方。
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for name, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			if fn := b.onDrop.Load(); fn != nil {
				(*fn)()
			}
			b.logger.Warn("event dropped for slow subscriber",
				zap.String("subscriber", name),
				zap.String("kind", string(event.Kind)))
		}
	}
}

// Dropped 返回累计被丢弃的事件数。
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close 关闭全部订阅通道。
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, name)
	}
}
