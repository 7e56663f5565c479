package event

import (
	"context"
	"encoding/json"
	"sync"

	"mlearn_addons_backend/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 站内事件名称
const (
	TocUpdated    = "scorm_toc_updated"
	LaunchNextSco = "scorm_launch_next_sco"
	LaunchPrevSco = "scorm_launch_prev_sco"
	GoOffline     = "scorm_go_offline"
	DataSent      = "scorm_data_sent"
	AutoSynced    = "scorm_auto_synced"
	WikiSynced    = "wiki_auto_synced"
)

const channel = "mlearn_events"

// Data 事件携带的载荷
type Data struct {
	Name      string   `json:"name"`
	ScormID   uint     `json:"scormId,omitempty"`
	ScoID     uint     `json:"scoId,omitempty"`
	SubwikiID uint     `json:"subwikiId,omitempty"`
	UserID    uint     `json:"userId,omitempty"`
	Attempt   int      `json:"attempt,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

type subscriber struct {
	name string
	ch   chan Data
}

// Bus 进程内事件总线，多实例部署时通过 Redis Pub/Sub 转发
type Bus struct {
	mu    sync.RWMutex
	subs  []*subscriber
	redis *redis.Client
	ctx   context.Context
	stop  context.CancelFunc
}

func NewBus(rdb *redis.Client) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		redis: rdb,
		ctx:   ctx,
		stop:  cancel,
	}
}

// Run 监听 Redis 频道，把其他实例发布的事件转发给本地订阅者
func (b *Bus) Run() {
	if b.redis == nil {
		return
	}
	pubsub := b.redis.Subscribe(b.ctx, channel)
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-b.ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var data Data
				if err := json.Unmarshal([]byte(msg.Payload), &data); err != nil {
					logger.Log.Error("Event unmarshal error", zap.Error(err))
					continue
				}
				b.dispatch(data)
			}
		}
	}()
}

func (b *Bus) Stop() {
	b.stop()
	b.mu.Lock()
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
	b.mu.Unlock()
}

// Subscribe 返回只收指定事件名的通道；name 为空则接收全部事件
func (b *Bus) Subscribe(name string) <-chan Data {
	s := &subscriber{name: name, ch: make(chan Data, 16)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s.ch
}

// Publish 先投递给本地订阅者，再通过 Redis 广播给其他实例
func (b *Bus) Publish(data Data) {
	b.dispatch(data)

	if b.redis == nil {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	if err := b.redis.Publish(b.ctx, channel, payload).Err(); err != nil {
		logger.Log.Debug("Event publish to redis failed", zap.String("event", data.Name), zap.Error(err))
	}
}

func (b *Bus) dispatch(data Data) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.name != "" && s.name != data.Name {
			continue
		}
		select {
		case s.ch <- data:
		default:
			// 订阅者积压时丢弃，避免阻塞发布方
		}
	}
}
