// =============================================================================
// 文件: internal/dispatch/message.go
// 描述: 命令通道 - 事件与推送消息格式
// =============================================================================
package dispatch

import (
	"fmt"
	"time"

	"github.com/mrcgq/linkrate/internal/engine"
	"github.com/mrcgq/linkrate/internal/rate"
)

// 事件类型
const (
	KindCommand     = "command"
	KindAggregation = "aggregation"

	// 内部事件，不投递给消费者
	kindForget = "forget"
)

// Event 队列中的一条输出
type Event struct {
	Seq     uint64
	Time    time.Time
	Kind    string
	Peer    string
	Command engine.LinkQualityCommand
	TID     uint8
}

// Sink 事件消费者，按提交顺序被调用
type Sink interface {
	Deliver(ev Event)
}

// SinkFunc 函数适配
type SinkFunc func(Event)

// Deliver 实现 Sink
func (f SinkFunc) Deliver(ev Event) { f(ev) }

// RunView 重试表中的一段
type RunView struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
	Rate  string `json:"rate"`
}

// CommandView 命令的可读形式
type CommandView struct {
	Color      uint8     `json:"color"`
	ReducedTPC uint8     `json:"reduced_tpc"`
	RTS        bool      `json:"rts"`
	MimoDelim  uint8     `json:"mimo_delim"`
	SSParams   string    `json:"ss_params"`
	SingleAnt  string    `json:"single_ant"`
	DualAnt    string    `json:"dual_ant"`
	Runs       []RunView `json:"runs"`
}

// FeedMessage 推送给订阅者的 JSON 消息
type FeedMessage struct {
	Seq     uint64       `json:"seq"`
	Time    time.Time    `json:"time"`
	Kind    string       `json:"kind"`
	Peer    string       `json:"peer"`
	Rate    string       `json:"rate,omitempty"`
	Command *CommandView `json:"command,omitempty"`
	TID     *uint8       `json:"tid,omitempty"`
}

// NewFeedMessage 事件转推送消息
func NewFeedMessage(ev Event) FeedMessage {
	msg := FeedMessage{
		Seq:  ev.Seq,
		Time: ev.Time,
		Kind: ev.Kind,
		Peer: ev.Peer,
	}

	switch ev.Kind {
	case KindAggregation:
		tid := ev.TID
		msg.TID = &tid
	case KindCommand:
		cmd := ev.Command
		view := &CommandView{
			Color:      cmd.Color,
			ReducedTPC: cmd.ReducedTPC,
			RTS:        cmd.RTS,
			MimoDelim:  cmd.MimoDelim,
			SSParams:   fmt.Sprintf("0x%08x", cmd.SSParams),
			SingleAnt:  cmd.SingleStreamAnt.String(),
			DualAnt:    cmd.DualStreamAnt.String(),
		}
		for _, r := range cmd.Runs() {
			view.Runs = append(view.Runs, RunView{
				Code:  fmt.Sprintf("0x%08x", r.Code),
				Count: r.Count,
				Rate:  rate.Pretty(r.Code),
			})
		}
		msg.Command = view
		msg.Rate = rate.Pretty(cmd.Table[0])
	}
	return msg
}

// String 单行文本形式
func (m FeedMessage) String() string {
	switch m.Kind {
	case KindAggregation:
		tid := -1
		if m.TID != nil {
			tid = int(*m.TID)
		}
		return fmt.Sprintf("#%d %s %s 请求聚合 tid=%d", m.Seq, m.Time.Format("15:04:05.000"), m.Peer, tid)
	case KindCommand:
		if m.Command == nil {
			break
		}
		return fmt.Sprintf("#%d %s %s color=%d tpc=%d rts=%v runs=%d | %s",
			m.Seq, m.Time.Format("15:04:05.000"), m.Peer,
			m.Command.Color, m.Command.ReducedTPC, m.Command.RTS, len(m.Command.Runs), m.Rate)
	}
	return fmt.Sprintf("#%d %s %s %s", m.Seq, m.Time.Format("15:04:05.000"), m.Peer, m.Kind)
}
