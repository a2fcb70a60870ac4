// =============================================================================
// 文件: internal/dispatch/queue.go
// 描述: 命令通道 - 有序异步队列 (缓冲通道 + 单协程投递)，实现 engine.Dispatcher
// =============================================================================
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/linkrate/internal/engine"
	"github.com/mrcgq/linkrate/internal/logx"
	"github.com/mrcgq/linkrate/internal/metrics"
	"github.com/mrcgq/linkrate/internal/rate"
)

// DefaultQueueSize 默认队列长度
const DefaultQueueSize = 256

// Queue 有序异步队列。Dispatch 永不阻塞，队列满时丢弃并计数
type Queue struct {
	ch   chan Event
	done chan struct{}

	metrics *metrics.LinkRateMetrics
	runtime *metrics.RuntimeStats
	logger  *logx.Logger

	seq     uint64
	dropped uint64

	// 仅投递协程访问
	lastRate map[string]uint32

	mu     sync.RWMutex
	sinks  []Sink
	closed bool
}

// Option 队列选项
type Option func(*Queue)

// WithMetrics 设置指标
func WithMetrics(m *metrics.LinkRateMetrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithRuntimeStats 设置运行统计
func WithRuntimeStats(r *metrics.RuntimeStats) Option {
	return func(q *Queue) { q.runtime = r }
}

// WithLogger 设置日志
func WithLogger(l *logx.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// NewQueue 创建队列
func NewQueue(size int, opts ...Option) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &Queue{
		ch:       make(chan Event, size),
		done:     make(chan struct{}),
		logger:   logx.Nop(),
		lastRate: make(map[string]uint32),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// AddSink 添加消费者
func (q *Queue) AddSink(s Sink) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sinks = append(q.sinks, s)
}

// Dispatch 实现 engine.Dispatcher
func (q *Queue) Dispatch(peer string, cmd engine.LinkQualityCommand) {
	q.enqueue(Event{Kind: KindCommand, Peer: peer, Command: cmd})
}

// StartAggregation 实现 engine.Dispatcher
func (q *Queue) StartAggregation(req engine.AggregationStartRequest) {
	q.enqueue(Event{Kind: KindAggregation, Peer: req.Peer, TID: req.TID})
}

func (q *Queue) enqueue(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	// 序号在锁内分配，保证与入队顺序一致
	if ev.Kind != kindForget {
		ev.Seq = atomic.AddUint64(&q.seq, 1)
		ev.Time = time.Now()
	}

	select {
	case q.ch <- ev:
	default:
		atomic.AddUint64(&q.dropped, 1)
		q.metrics.RecordQueueDrop()
		q.logger.Log(logx.LevelError, "[Dispatch] 队列已满，丢弃 %s %s seq=%d", ev.Kind, ev.Peer, ev.Seq)
	}
}

// Run 投递循环，直到 Close 或 ctx 取消
func (q *Queue) Run(ctx context.Context) error {
	defer close(q.done)
	for {
		select {
		case ev, ok := <-q.ch:
			if !ok {
				return nil
			}
			q.deliver(ev)
		case <-ctx.Done():
			q.Close()
			for ev := range q.ch {
				q.deliver(ev)
			}
			return nil
		}
	}
}

func (q *Queue) deliver(ev Event) {
	switch ev.Kind {
	case kindForget:
		delete(q.lastRate, ev.Peer)
		return
	case KindCommand:
		if q.runtime != nil {
			q.runtime.AddCommands(1)
			code := ev.Command.Table[0]
			if prev, ok := q.lastRate[ev.Peer]; !ok || prev != code {
				from := ""
				if ok {
					from = rate.Pretty(prev)
				}
				q.runtime.RecordRateChange(ev.Peer, from, rate.Pretty(code))
			}
			q.lastRate[ev.Peer] = code
		}
	}

	q.mu.RLock()
	sinks := q.sinks
	q.mu.RUnlock()

	for _, s := range sinks {
		s.Deliver(ev)
	}
}

// Forget 对端解除关联后清除其最近速率记录 (按队列顺序生效)
func (q *Queue) Forget(peer string) {
	q.enqueue(Event{Kind: kindForget, Peer: peer})
}

// Close 停止接收新事件，已入队的事件仍会被投递
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Done Run 退出后关闭
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Dropped 丢弃计数
func (q *Queue) Dropped() uint64 {
	return atomic.LoadUint64(&q.dropped)
}

// Pending 待投递事件数
func (q *Queue) Pending() int {
	return len(q.ch)
}
