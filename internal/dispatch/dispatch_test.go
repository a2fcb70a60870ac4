// =============================================================================
// 文件: internal/dispatch/dispatch_test.go
// =============================================================================
package dispatch

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mrcgq/linkrate/internal/engine"
	"github.com/mrcgq/linkrate/internal/metrics"
)

const (
	codeVHT80 uint32 = 0x4400F019
	codeHT7   uint32 = 0x4000C10F
	code36M   uint32 = 0x800B
)

func command(code uint32, color uint8) engine.LinkQualityCommand {
	var cmd engine.LinkQualityCommand
	for i := range cmd.Table {
		cmd.Table[i] = code
	}
	cmd.Color = color
	return cmd
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) Deliver(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// drain 启动投递循环，执行 fn 后关闭并等待退出
func drain(t *testing.T, q *Queue, fn func()) {
	t.Helper()
	go q.Run(context.Background())
	fn()
	q.Close()
	select {
	case <-q.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("队列未退出")
	}
}

func TestQueueOrder(t *testing.T) {
	q := NewQueue(64)
	c := &collector{}
	q.AddSink(c)

	drain(t, q, func() {
		for i := 0; i < 20; i++ {
			q.Dispatch("aa", command(codeVHT80, uint8(i%4)))
			if i%5 == 0 {
				q.StartAggregation(engine.AggregationStartRequest{Peer: "aa", TID: uint8(i % 8)})
			}
		}
	})

	events := c.snapshot()
	if len(events) != 24 {
		t.Fatalf("len(events) = %d, want 24", len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Errorf("events[%d].Seq = %d, want %d", i, ev.Seq, i+1)
		}
	}
	if events[1].Kind != KindAggregation {
		t.Errorf("events[1].Kind = %s, want %s", events[1].Kind, KindAggregation)
	}
}

func TestQueueDrop(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewLinkRateMetrics(reg)
	q := NewQueue(2, WithMetrics(m))

	for i := 0; i < 5; i++ {
		q.Dispatch("aa", command(codeHT7, 0))
	}

	if q.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", q.Dropped())
	}
	if q.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", q.Pending())
	}
	if got := testutil.ToFloat64(m.QueueDropped); got != 3 {
		t.Errorf("QueueDropped = %v, want 3", got)
	}

	t.Run("关闭后不再接收", func(t *testing.T) {
		q.Close()
		q.Dispatch("aa", command(codeHT7, 0))
		if q.Dropped() != 3 {
			t.Errorf("Dropped() = %d, want 3", q.Dropped())
		}
	})
}

func TestQueueRateChanges(t *testing.T) {
	rs := metrics.NewRuntimeStats()
	q := NewQueue(64, WithRuntimeStats(rs))

	drain(t, q, func() {
		q.Dispatch("aa", command(codeVHT80, 0))
		q.Dispatch("aa", command(codeVHT80, 1))
		q.Dispatch("aa", command(codeHT7, 1))
		q.Dispatch("bb", command(code36M, 0))
		q.Forget("aa")
		q.Dispatch("aa", command(codeHT7, 2))
	})

	if rs.GetCommands() != 5 {
		t.Errorf("GetCommands() = %d, want 5", rs.GetCommands())
	}
	if rs.GetRateChanges() != 4 {
		t.Errorf("GetRateChanges() = %d, want 4", rs.GetRateChanges())
	}

	h := rs.GetHistory(0)
	if h[0].Peer != "aa" || h[0].From != "" {
		t.Errorf("history[0] = %+v, want aa 无前值", h[0])
	}
	if h[2].From == "" || h[2].To == h[2].From {
		t.Errorf("history[2] = %+v, want 有效变更", h[2])
	}
}

func TestQueueContextCancel(t *testing.T) {
	q := NewQueue(64)
	c := &collector{}
	q.AddSink(c)

	q.Dispatch("aa", command(codeHT7, 0))
	q.Dispatch("aa", command(codeHT7, 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Run(ctx)

	if got := len(c.snapshot()); got != 2 {
		t.Errorf("delivered = %d, want 2", got)
	}
}

func TestFeedMessage(t *testing.T) {
	t.Run("命令", func(t *testing.T) {
		cmd := command(codeVHT80, 3)
		cmd.Table[2] = codeHT7
		msg := NewFeedMessage(Event{Seq: 7, Kind: KindCommand, Peer: "aa", Command: cmd})

		if msg.Command == nil {
			t.Fatal("Command = nil")
		}
		if len(msg.Command.Runs) != 3 {
			t.Errorf("len(Runs) = %d, want 3", len(msg.Command.Runs))
		}
		if msg.Command.Runs[0].Count != 2 {
			t.Errorf("Runs[0].Count = %d, want 2", msg.Command.Runs[0].Count)
		}
		if msg.TID != nil {
			t.Error("命令消息不应带 TID")
		}
		if !strings.Contains(msg.String(), "color=3") {
			t.Errorf("String() = %q, want color=3", msg.String())
		}
	})

	t.Run("聚合", func(t *testing.T) {
		msg := NewFeedMessage(Event{Seq: 8, Kind: KindAggregation, Peer: "aa", TID: 0})
		if msg.TID == nil || *msg.TID != 0 {
			t.Fatalf("TID = %v, want 0", msg.TID)
		}
		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), `"tid":0`) {
			t.Errorf("json = %s, want tid:0", data)
		}
	})
}

func TestFeedServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewLinkRateMetrics(reg)
	fs := NewFeedServer(":0", "/feed", time.Second, nil, m)

	srv := httptest.NewServer(fs.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for fs.GetActiveClients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("订阅者未注册")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := testutil.ToFloat64(m.FeedClients); got != 1 {
		t.Errorf("FeedClients = %v, want 1", got)
	}

	q := NewQueue(16)
	q.AddSink(fs)
	drain(t, q, func() {
		q.Dispatch("aa", command(codeVHT80, 1))
		q.StartAggregation(engine.AggregationStartRequest{Peer: "aa", TID: 5})
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i, want := range []string{KindCommand, KindAggregation} {
		var msg FeedMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("读取消息失败: %v", err)
		}
		if msg.Kind != want {
			t.Errorf("msg[%d].Kind = %s, want %s", i, msg.Kind, want)
		}
		if msg.Seq != uint64(i+1) {
			t.Errorf("msg[%d].Seq = %d, want %d", i, msg.Seq, i+1)
		}
	}

	t.Run("停止后断开", func(t *testing.T) {
		fs.Stop()
		if fs.GetActiveClients() != 0 {
			t.Errorf("GetActiveClients() = %d, want 0", fs.GetActiveClients())
		}
		if _, _, err := conn.ReadMessage(); err == nil {
			t.Error("停止后读取应失败")
		}
	})
}
