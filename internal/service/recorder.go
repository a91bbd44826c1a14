package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/domain"
	"github.com/devils-shadow/quail/internal/events"
	"github.com/devils-shadow/quail/internal/pool"
	"github.com/devils-shadow/quail/internal/storage"
)

// 事件记录订阅者在总线上的名字与缓冲大小。
const (
	recorderSubscriber = "recorder"
	recorderBuffer     = 256
)

// Recorder 订阅事件总线并把管道事件异步落成短期痕迹。
//
// 写入走协程池，消费循环永不被存储拖慢；单条写失败只记日志。
// 痕迹仅用于排障回溯，保留期很短，由清扫任务清理。
type Recorder struct {
	store storage.EventRepository
	bus   *events.Bus
	pool  *pool.WorkerPool
	log   *zap.Logger
}

// NewRecorder 创建事件记录器。pool 为 nil 时同步写入。
func NewRecorder(store storage.EventRepository, bus *events.Bus, workerPool *pool.WorkerPool, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		store: store,
		bus:   bus,
		pool:  workerPool,
		log:   log,
	}
}

// Run 消费事件直到 ctx 取消或总线关闭。阻塞调用，放独立 goroutine 里跑。
func (r *Recorder) Run(ctx context.Context) {
	ch := r.bus.Subscribe(recorderSubscriber, recorderBuffer)
	defer r.bus.Unsubscribe(recorderSubscriber)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			r.record(event)
		}
	}
}

// record 把单条事件转成痕迹行并提交写入。
func (r *Recorder) record(event events.Event) {
	row := toEventRecord(event)
	task := func() {
		if err := r.store.SaveEventRecord(row); err != nil {
			r.log.Warn("failed to record pipeline event",
				zap.String("kind", row.Kind),
				zap.Error(err))
		}
	}

	if r.pool != nil {
		r.pool.Submit(task)
		return
	}
	task()
}

// toEventRecord 把总线事件压成痕迹行，载荷只留排障需要的字段。
func toEventRecord(event events.Event) *domain.EventRecord {
	record := &domain.EventRecord{
		Kind:      string(event.Kind),
		CreatedAt: event.At,
	}

	var payload interface{}
	switch {
	case event.Message != nil:
		record.MessageID = event.Message.ID
		payload = map[string]interface{}{
			"id":        event.Message.ID,
			"recipient": event.Message.Recipient,
			"status":    event.Message.Status,
			"reason":    event.Message.Decision.Reason,
		}
	case len(event.IDs) > 0:
		payload = map[string]interface{}{
			"ids":   event.IDs,
			"count": len(event.IDs),
		}
	}

	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			record.Payload = string(data)
		}
	}
	return record
}
