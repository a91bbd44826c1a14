// Package websocket 实现实时分发集线器。
//
// 集线器在进程内事件总线上订阅消息事件，向每条 WebSocket 连接维护
// 一份"客户端已知视图"（消息ID -> 状态），并以快照 + 增量的方式把
// 视图变化推给订阅者。分发只读存储，永不反向触达接收路径。
package websocket

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/auth"
	"github.com/devils-shadow/quail/internal/config"
	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/events"
	"github.com/devils-shadow/quail/internal/monitoring"
	"github.com/devils-shadow/quail/internal/storage"
)

// FrameType 标识一帧的种类。
type FrameType string

const (
	// FrameSnapshot 全量视图帧
	FrameSnapshot FrameType = "snapshot"
	// FrameDelta 增量变更帧
	FrameDelta FrameType = "delta"
	// FramePing 服务端心跳
	FramePing FrameType = "ping"
	// FramePong 客户端心跳应答
	FramePong FrameType = "pong"
	// FrameResync 客户端请求重发快照
	FrameResync FrameType = "resync"
)

// SnapshotFrame 是订阅建立或重同步时下发的全量视图。
//
// 视图为匹配过滤条件的 INBOX + QUARANTINE 消息，新者在前，数量
// 受快照上限约束；DROPPED 的消息永远不会出现。Cursor 指向视图中
// 最旧一条消息，客户端可拿它向轮询端点翻更早的历史。
type SnapshotFrame struct {
	Type     FrameType        `json:"type"`
	Messages []domain.Message `json:"messages"`
	Cursor   string           `json:"cursor"`
	ETag     string           `json:"etag"`
}

// DeltaFrame 描述视图的一次增量变更，ETag 为应用变更后的视图标签。
type DeltaFrame struct {
	Type    FrameType        `json:"type"`
	Added   []domain.Message `json:"added,omitempty"`
	Updated []domain.Message `json:"updated,omitempty"`
	Deleted []string         `json:"deleted,omitempty"`
	ETag    string           `json:"etag"`
}

// controlFrame 无负载的控制帧（心跳）。
type controlFrame struct {
	Type FrameType `json:"type"`
}

// InboundFrame 客户端发来的控制帧，只认 type 字段。
type InboundFrame struct {
	Type FrameType `json:"type"`
}

// MessageReader 是集线器构造快照所需的最小存储接口。
type MessageReader interface {
	ListMessages(query storage.MessageQuery) ([]domain.Message, error)
}

// SessionValidator 校验订阅请求携带的管理会话令牌。
type SessionValidator interface {
	Validate(token string) (*auth.SessionClaims, error)
}

// Hub 管理全部订阅连接并把消息事件扇出成增量帧。
//
// 注册、注销、重同步、事件分发、心跳都在 Run 协程内串行处理，
// 每个客户端的已知视图因此无需加锁；互斥锁只保护 filter 索引，
// 供统计接口并发读取。
type Hub struct {
	store    MessageReader
	sessions SessionValidator

	mu      sync.RWMutex
	filters map[string]map[string]*Client // filter -> clientID -> Client，"" 为未过滤订阅

	register   chan *Client
	unregister chan *Client
	resync     chan *Client
	events     <-chan events.Event
	done       chan struct{}

	cfg            config.HubConfig
	allowedOrigins []string
	metrics        *monitoring.Metrics
	log            *zap.Logger
}

// NewHub 创建分发集线器并在事件总线上注册订阅。
func NewHub(store MessageReader, bus *events.Bus, sessions SessionValidator, cfg config.HubConfig, allowedOrigins []string, metrics *monitoring.Metrics, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	// 未配置时默认允许所有来源
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.SilenceWindow <= cfg.PingInterval {
		cfg.SilenceWindow = 3 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.SnapshotLimit <= 0 {
		cfg.SnapshotLimit = 200
	}

	var eventCh <-chan events.Event
	if bus != nil {
		eventCh = bus.Subscribe("hub", 256)
	}

	return &Hub{
		store:          store,
		sessions:       sessions,
		filters:        make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		resync:         make(chan *Client),
		events:         eventCh,
		done:           make(chan struct{}),
		cfg:            cfg,
		allowedOrigins: allowedOrigins,
		metrics:        metrics,
		log:            log,
	}
}

// Run 驱动集线器事件循环，直到 ctx 结束。
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			close(h.done)
			h.log.Info("distribution hub stopped")
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case client := <-h.resync:
			if !client.closed {
				h.log.Info("resync requested",
					zap.String("client_id", client.id),
					zap.String("filter", client.filter))
				h.sendSnapshot(client)
			}

		case event, ok := <-h.events:
			if !ok {
				h.events = nil
				continue
			}
			h.handleEvent(event)

		case <-ticker.C:
			h.broadcastPing()
		}
	}
}

// Subscribers 返回当前在线订阅者数量。
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

func (h *Hub) countLocked() int {
	n := 0
	for _, set := range h.filters {
		n += len(set)
	}
	return n
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	set := h.filters[client.filter]
	if set == nil {
		set = make(map[string]*Client)
		h.filters[client.filter] = set
	}
	set[client.id] = client
	total := h.countLocked()
	h.mu.Unlock()

	h.setSubscriberGauge(total)
	h.log.Info("subscriber registered",
		zap.String("client_id", client.id),
		zap.String("filter", client.filter),
		zap.Int("subscribers", total))

	// 建立订阅的第一帧必须是快照，增量在基线之上才有意义
	h.sendSnapshot(client)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	removed := false
	if set, ok := h.filters[client.filter]; ok {
		if _, exists := set[client.id]; exists {
			delete(set, client.id)
			if len(set) == 0 {
				delete(h.filters, client.filter)
			}
			removed = true
		}
	}
	total := h.countLocked()
	h.mu.Unlock()

	if !removed {
		return
	}
	client.closed = true
	close(client.send)
	h.setSubscriberGauge(total)
	h.log.Info("subscriber unregistered",
		zap.String("client_id", client.id),
		zap.Int("subscribers", total))
}

// forceClose 立即断开订阅者。写缓冲积压或快照失败的连接没有
// 原地修复的手段，断开后客户端重连会拿到全新快照。
func (h *Hub) forceClose(client *Client, reason string) {
	h.log.Warn("force closing subscriber",
		zap.String("client_id", client.id),
		zap.String("reason", reason))
	h.removeClient(client)
	if h.metrics != nil {
		h.metrics.RecordHubForceClose()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, set := range h.filters {
		for _, client := range set {
			client.closed = true
			close(client.send)
		}
	}
	h.filters = make(map[string]map[string]*Client)
	h.setSubscriberGauge(0)
}

// view 读取一个过滤条件下的当前共享视图（新者在前，数量封顶）。
func (h *Hub) view(filter string) ([]domain.Message, string, error) {
	messages, err := h.store.ListMessages(storage.MessageQuery{
		Filter: filter,
		Limit:  h.cfg.SnapshotLimit,
	})
	if err != nil {
		return nil, "", err
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	cursor := ""
	if len(messages) > 0 {
		cursor = messages[len(messages)-1].ID
	}
	return messages, cursor, nil
}

// sendSnapshot 下发全量视图并重置该订阅者的已知集合。
func (h *Hub) sendSnapshot(client *Client) {
	if client.closed {
		return
	}

	messages, cursor, err := h.view(client.filter)
	if err != nil {
		h.log.Error("failed to build snapshot",
			zap.String("client_id", client.id),
			zap.Error(err))
		h.forceClose(client, "snapshot failed")
		return
	}

	known := make(map[string]domain.Status, len(messages))
	for i := range messages {
		known[messages[i].ID] = messages[i].Status
	}
	client.known = known
	client.cursor = cursor

	h.send(client, SnapshotFrame{
		Type:     FrameSnapshot,
		Messages: messages,
		Cursor:   cursor,
		ETag:     ComputeETag(messages, cursor),
	}, FrameSnapshot)
}

func (h *Hub) sendDelta(client *Client, added, updated []domain.Message, deleted []string) {
	h.send(client, DeltaFrame{
		Type:    FrameDelta,
		Added:   added,
		Updated: updated,
		Deleted: deleted,
		ETag:    etagOfKnown(client.known, client.cursor),
	}, FrameDelta)
}

func (h *Hub) send(client *Client, frame interface{}, kind FrameType) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("failed to marshal frame",
			zap.String("type", string(kind)), zap.Error(err))
		return
	}
	h.enqueue(client, payload, kind)
}

// enqueue 向订阅者的发送缓冲投递一帧，缓冲满则强制断开。
func (h *Hub) enqueue(client *Client, payload []byte, kind FrameType) {
	if client.closed {
		return
	}
	select {
	case client.send <- payload:
		if h.metrics != nil {
			h.metrics.RecordHubDelivery(string(kind))
		}
	default:
		h.forceClose(client, "send buffer full")
	}
}

func (h *Hub) handleEvent(event events.Event) {
	switch event.Kind {
	case events.MessageStored:
		h.handleStored(event.Message)
	case events.MessageUpdated:
		h.handleUpdated(event.Message)
	case events.MessagesDeleted:
		h.handleDeleted(event.IDs)
	default:
		h.log.Debug("ignoring event", zap.String("kind", string(event.Kind)))
	}
}

func (h *Hub) handleStored(message *domain.Message) {
	if message == nil || !message.Visible() {
		// DROPPED 只留决策记录，不进入任何共享视图
		return
	}
	wire := wireCopy(message)
	for _, client := range h.clientsMatching(message) {
		client.known[wire.ID] = wire.Status
		h.sendDelta(client, []domain.Message{wire}, nil, nil)
	}
}

func (h *Hub) handleUpdated(message *domain.Message) {
	if message == nil {
		return
	}
	if !message.Visible() {
		// 更新后不再可见，等价于从视图中消失
		h.handleDeleted([]string{message.ID})
		return
	}
	wire := wireCopy(message)
	for _, client := range h.clientsMatching(message) {
		if _, ok := client.known[wire.ID]; !ok {
			// 客户端视图里没有这条消息，说明视图已经漂移；
			// 与其逐条对账，不如直接重发快照对齐
			h.log.Warn("subscriber view drifted, reissuing snapshot",
				zap.String("client_id", client.id),
				zap.String("message_id", wire.ID))
			h.sendSnapshot(client)
			continue
		}
		client.known[wire.ID] = wire.Status
		h.sendDelta(client, nil, []domain.Message{wire}, nil)
	}
}

func (h *Hub) handleDeleted(ids []string) {
	if len(ids) == 0 {
		return
	}
	for _, client := range h.allClients() {
		hit := make([]string, 0, len(ids))
		for _, id := range ids {
			if _, ok := client.known[id]; ok {
				delete(client.known, id)
				hit = append(hit, id)
			}
		}
		// 删除事件只携带 ID，无法区分"不匹配过滤条件"和"视图过期"，
		// 不在已知集合里的 ID 静默跳过
		if len(hit) == 0 {
			continue
		}
		h.sendDelta(client, nil, nil, hit)
	}
}

// clientsMatching 返回视图会包含该消息的全部订阅者。
func (h *Hub) clientsMatching(message *domain.Message) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Client, 0, len(h.filters[""])+len(h.filters[message.RecipientLocal]))
	for _, client := range h.filters[""] {
		out = append(out, client)
	}
	for _, client := range h.filters[message.RecipientLocal] {
		out = append(out, client)
	}
	return out
}

func (h *Hub) allClients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Client, 0, h.countLocked())
	for _, set := range h.filters {
		for _, client := range set {
			out = append(out, client)
		}
	}
	return out
}

func (h *Hub) broadcastPing() {
	payload, err := json.Marshal(controlFrame{Type: FramePing})
	if err != nil {
		return
	}
	for _, client := range h.allClients() {
		h.enqueue(client, payload, FramePing)
	}
}

func (h *Hub) setSubscriberGauge(n int) {
	if h.metrics != nil {
		h.metrics.HubSubscribers.Set(float64(n))
	}
}

// wireCopy 复制用于推送的消息，剥离原文与附件内容，只保留元数据。
func wireCopy(message *domain.Message) domain.Message {
	m := *message
	m.Raw = ""
	m.Attachments = nil
	return m
}

// ComputeETag 计算一组消息视图的标签。
//
// 标签覆盖 (id, status) 序列与翻页游标：同一视图无论经由快照推送
// 还是轮询端点读取，标签一致，轮询方据此做 If-None-Match 条件请求。
func ComputeETag(messages []domain.Message, cursor string) string {
	digest := fnv.New64a()
	for i := range messages {
		digest.Write([]byte(messages[i].ID))
		digest.Write([]byte{0})
		digest.Write([]byte(messages[i].Status))
		digest.Write([]byte{0})
	}
	digest.Write([]byte(cursor))
	return strconv.FormatUint(digest.Sum64(), 16)
}

// etagOfKnown 从订阅者的已知集合重建视图标签，顺序与快照一致（ID 降序）。
func etagOfKnown(known map[string]domain.Status, cursor string) string {
	ids := make([]string, 0, len(known))
	for id := range known {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	digest := fnv.New64a()
	for _, id := range ids {
		digest.Write([]byte(id))
		digest.Write([]byte{0})
		digest.Write([]byte(known[id]))
		digest.Write([]byte{0})
	}
	digest.Write([]byte(cursor))
	return strconv.FormatUint(digest.Sum64(), 16)
}
