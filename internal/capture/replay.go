// =============================================================================
// 文件: internal/capture/replay.go
// 描述: 抓包回放 - 读取 pcap 文件，按原始时间间隔 (可加速) 把反馈送入对端表
// =============================================================================
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/mrcgq/linkrate/internal/engine"
	"github.com/mrcgq/linkrate/internal/logx"
	"github.com/mrcgq/linkrate/internal/peer"
	"github.com/mrcgq/linkrate/internal/rate"
)

// ErrLinkType 抓包文件不是 radiotap 链路类型
var ErrLinkType = errors.New("pcap link type is not IEEE802.11 radiotap")

// Reader 顺序读取发送状态帧
type Reader struct {
	r       *pcapgo.Reader
	skipped uint64
}

// NewReader 从 pcap 数据流创建读取器
func NewReader(src io.Reader) (*Reader, error) {
	r, err := pcapgo.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("读取 pcap 头失败: %w", err)
	}
	if r.LinkType() != layers.LinkTypeIEEE80211Radio {
		return nil, fmt.Errorf("%w: %s", ErrLinkType, r.LinkType())
	}
	return &Reader{r: r}, nil
}

// Next 下一条发送反馈。非发送状态帧被跳过，结束时返回 io.EOF
func (r *Reader) Next() (Frame, error) {
	for {
		data, ci, err := r.r.ReadPacketData()
		if err != nil {
			return Frame{}, err
		}
		f, err := DecodeFrame(data, ci.Timestamp)
		if err != nil {
			r.skipped++
			continue
		}
		return f, nil
	}
}

// Skipped 被跳过的帧数
func (r *Reader) Skipped() uint64 {
	return r.skipped
}

// DefaultCaps 回放对端的默认能力：5GHz 为 VHT 2x2 80MHz，2.4GHz 为 HT 2x2 20MHz
func DefaultCaps(band rate.Band) engine.StationCapabilities {
	caps := engine.StationCapabilities{
		HT:    true,
		HTMCS: [2]uint8{0xff, 0xff},
		LDPC:  true,
		SGI20: true,
		RxNSS: 2,
		Band:  band,
	}
	if band == rate.Band2GHz {
		caps.LegacyRates = []uint8{2, 4, 11, 22, 12, 18, 24, 36, 48, 72, 96, 108}
		caps.Width = rate.BW20
		return caps
	}
	caps.LegacyRates = []uint8{12, 18, 24, 36, 48, 72, 96, 108}
	caps.VHT = true
	// MCS0-9 两个空间流
	caps.VHTMCSMap = 0xfffa
	caps.Width = rate.BW80
	caps.SGI40 = true
	caps.SGI80 = true
	return caps
}

// ReplayStats 回放统计
type ReplayStats struct {
	Frames   uint64
	Fed      uint64
	Filtered uint64
	Errors   uint64
	Skipped  uint64
}

// Replayer 回放器
type Replayer struct {
	table  *peer.Table
	peer   string
	speed  float64
	caps   func(band rate.Band) engine.StationCapabilities
	logger *logx.Logger
}

// ReplayOption 回放选项
type ReplayOption func(*Replayer)

// WithPeer 只回放指定对端 (MAC)
func WithPeer(mac string) ReplayOption {
	return func(rp *Replayer) {
		if hw, err := net.ParseMAC(mac); err == nil {
			rp.peer = hw.String()
		}
	}
}

// WithSpeed 回放倍速，0 表示不等待
func WithSpeed(speed float64) ReplayOption {
	return func(rp *Replayer) { rp.speed = speed }
}

// WithCaps 新对端的能力
func WithCaps(fn func(band rate.Band) engine.StationCapabilities) ReplayOption {
	return func(rp *Replayer) { rp.caps = fn }
}

// WithLogger 设置日志
func WithLogger(l *logx.Logger) ReplayOption {
	return func(rp *Replayer) { rp.logger = l }
}

// NewReplayer 创建回放器
func NewReplayer(tbl *peer.Table, opts ...ReplayOption) *Replayer {
	rp := &Replayer{
		table:  tbl,
		speed:  1,
		caps:   DefaultCaps,
		logger: logx.Nop(),
	}
	for _, opt := range opts {
		opt(rp)
	}
	return rp
}

// ReplayFile 回放文件
func (rp *Replayer) ReplayFile(ctx context.Context, path string) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("打开抓包文件失败: %w", err)
	}
	defer f.Close()

	r, err := NewReader(f)
	if err != nil {
		return ReplayStats{}, err
	}
	return rp.Replay(ctx, r)
}

// Replay 回放直到文件结束或 ctx 取消。未关联的对端在首帧时关联
func (rp *Replayer) Replay(ctx context.Context, r *Reader) (ReplayStats, error) {
	var stats ReplayStats
	var prev time.Time

	defer func() {
		stats.Skipped = r.Skipped()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		f, err := r.Next()
		if err == io.EOF {
			rp.logger.Log(logx.LevelInfo, "[Replay] 回放结束: %d 帧, 送入 %d, 错误 %d",
				stats.Frames, stats.Fed, stats.Errors)
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("读取抓包失败: %w", err)
		}
		stats.Frames++

		if rp.peer != "" && f.Peer != rp.peer {
			stats.Filtered++
			continue
		}

		if err := rp.wait(ctx, prev, f.Time); err != nil {
			return stats, err
		}
		prev = f.Time

		if err := rp.feed(f); err != nil {
			stats.Errors++
			rp.logger.Log(logx.LevelDebug, "[Replay] %s 反馈失败: %v", f.Peer, err)
			continue
		}
		stats.Fed++
	}
}

// wait 按抓包时间间隔等待
func (rp *Replayer) wait(ctx context.Context, prev, now time.Time) error {
	if rp.speed <= 0 || prev.IsZero() || !now.After(prev) {
		return nil
	}
	d := time.Duration(float64(now.Sub(prev)) / rp.speed)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rp *Replayer) feed(f Frame) error {
	s, ok := rp.table.Get(f.Peer)
	if !ok {
		var err error
		s, err = rp.table.Associate(f.Peer, rp.caps(f.Band))
		if err != nil {
			return err
		}
		rp.logger.Log(logx.LevelInfo, "[Replay] 新对端 %s (%s)", f.Peer, f.Band)
	}

	// 抓包中没有 color，使用链路当前值
	rep := f.Report
	rep.Color = s.Link.Snapshot().Color
	return rp.table.Feed(f.Peer, rep)
}
