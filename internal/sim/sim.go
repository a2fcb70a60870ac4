// =============================================================================
// 文件: internal/sim/sim.go
// 描述: 信道仿真 - 模拟对端按当前重试表发送，产生发送反馈驱动引擎
// =============================================================================
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/mrcgq/linkrate/internal/dispatch"
	"github.com/mrcgq/linkrate/internal/engine"
	"github.com/mrcgq/linkrate/internal/logx"
	"github.com/mrcgq/linkrate/internal/peer"
	"github.com/mrcgq/linkrate/internal/rate"
)

// aggSubframes 聚合帧的子帧数
const aggSubframes = 16

// maxAttempts 单帧最多尝试次数
const maxAttempts = 8

// PeerSpec 仿真对端描述
type PeerSpec struct {
	Name          string
	Caps          engine.StationCapabilities
	SNR           float64
	Drift         float64
	FramesPerTick int
}

// Caps 按频段、宽度、空间流构造对端能力
func Caps(band rate.Band, width rate.Bandwidth, vht bool, nss int) engine.StationCapabilities {
	if nss < 1 {
		nss = 1
	}
	caps := engine.StationCapabilities{
		HT:    true,
		LDPC:  true,
		STBC:  true,
		SGI20: true,
		SGI40: true,
		RxNSS: nss,
		Width: width,
		Band:  band,
	}
	caps.HTMCS[0] = 0xff
	if nss >= 2 {
		caps.HTMCS[1] = 0xff
	}

	if band == rate.Band2GHz {
		caps.LegacyRates = []uint8{2, 4, 11, 22, 12, 18, 24, 36, 48, 72, 96, 108}
	} else {
		caps.LegacyRates = []uint8{12, 18, 24, 36, 48, 72, 96, 108}
	}

	if vht && band == rate.Band5GHz {
		caps.VHT = true
		caps.SGI80 = true
		caps.SGI160 = true
		// MCS0-9，未支持的流标记为 3
		caps.VHTMCSMap = 0xfffe
		if nss >= 2 {
			caps.VHTMCSMap = 0xfffa
		}
	}
	return caps
}

// simPeer 单个仿真对端
type simPeer struct {
	spec    PeerSpec
	channel *Channel
	seq     uint16
}

// Stats 仿真统计
type Stats struct {
	Ticks   uint64
	Frames  uint64
	Acked   uint64
	Errors  uint64
	AggReqs uint64
}

// Simulator 信道仿真器。同时作为命令通道的消费者，
// 对聚合请求立即建立会话 (模拟固件)
type Simulator struct {
	table  *peer.Table
	oracle *engine.StaticOracle
	peers  []*simPeer
	tick   time.Duration
	logger *logx.Logger

	stats Stats
	aggCh chan engine.AggregationStartRequest
}

// Option 仿真选项
type Option func(*Simulator)

// WithTick 设置步进间隔
func WithTick(d time.Duration) Option {
	return func(s *Simulator) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithLogger 设置日志
func WithLogger(l *logx.Logger) Option {
	return func(s *Simulator) { s.logger = l }
}

// New 创建仿真器，每个对端使用由 seed 派生的独立随机源
func New(tbl *peer.Table, oracle *engine.StaticOracle, specs []PeerSpec, seed int64, opts ...Option) *Simulator {
	s := &Simulator{
		table:  tbl,
		oracle: oracle,
		tick:   10 * time.Millisecond,
		logger: logx.Nop(),
		aggCh:  make(chan engine.AggregationStartRequest, 64),
	}
	for i, spec := range specs {
		if spec.FramesPerTick <= 0 {
			spec.FramesPerTick = 1
		}
		rng := rand.New(rand.NewSource(seed + int64(i)))
		s.peers = append(s.peers, &simPeer{
			spec:    spec,
			channel: NewChannel(spec.SNR, spec.Drift, rng),
		})
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deliver 实现 dispatch.Sink。聚合请求在下一步进时生效
func (s *Simulator) Deliver(ev dispatch.Event) {
	if ev.Kind != dispatch.KindAggregation {
		return
	}
	select {
	case s.aggCh <- engine.AggregationStartRequest{Peer: ev.Peer, TID: ev.TID}:
	default:
	}
}

// Associate 关联全部仿真对端
func (s *Simulator) Associate() error {
	for _, p := range s.peers {
		if _, err := s.table.Associate(p.spec.Name, p.spec.Caps); err != nil {
			return fmt.Errorf("关联仿真对端 %s 失败: %w", p.spec.Name, err)
		}
		s.logger.Log(logx.LevelInfo, "[Sim] 对端 %s 已关联 snr=%.1fdB", p.spec.Name, p.spec.SNR)
	}
	return nil
}

// Disassociate 解除全部仿真对端
func (s *Simulator) Disassociate() {
	for _, p := range s.peers {
		s.table.Disassociate(p.spec.Name)
	}
}

// Step 推进一步：处理聚合请求，信道游走，每个对端发送若干帧
func (s *Simulator) Step() {
	s.applyAggregation()
	s.stats.Ticks++

	for _, p := range s.peers {
		p.channel.Step()
		if err := s.table.UpdateRSSI(p.spec.Name, rate.AntAB, p.channel.RSSI()); err != nil {
			continue
		}
		for i := 0; i < p.spec.FramesPerTick; i++ {
			s.send(p)
		}
	}
}

func (s *Simulator) applyAggregation() {
	for {
		select {
		case req := <-s.aggCh:
			s.stats.AggReqs++
			s.oracle.SetAggregation(req.Peer, req.TID, true)
			s.logger.Log(logx.LevelDebug, "[Sim] %s tid=%d 聚合会话建立", req.Peer, req.TID)
		default:
			return
		}
	}
}

// send 按当前命令发送一帧并回报
func (s *Simulator) send(p *simPeer) {
	sess, ok := s.table.Get(p.spec.Name)
	if !ok {
		return
	}
	snap := sess.Link.Snapshot()
	band := p.spec.Caps.Band
	p.seq++

	rssi := p.channel.RSSI()
	rep := engine.TxStatusReport{
		Color:     snap.Color,
		Seq:       p.seq,
		ChainRSSI: rssi[:2],
	}

	if snap.IsAgg {
		r, err := rate.Decode(snap.Command.Table[0], band)
		if err != nil {
			s.stats.Errors++
			return
		}
		rep.IsAggregate = true
		rep.StatusValid = true
		rep.Attempted = aggSubframes
		rep.Acked = p.channel.Binomial(aggSubframes, r)
		rep.RateCode = snap.Command.Table[0]
	} else {
		for i := 0; i < maxAttempts && i < len(snap.Command.Table); i++ {
			code := snap.Command.Table[i]
			r, err := rate.Decode(code, band)
			if err != nil {
				s.stats.Errors++
				return
			}
			rep.Attempted++
			rep.RateCode = code
			if p.channel.Try(r) {
				rep.Acked = 1
				break
			}
		}
	}

	s.stats.Frames++
	s.stats.Acked += uint64(rep.Acked)

	if err := s.table.Feed(p.spec.Name, rep); err != nil && !errors.Is(err, engine.ErrColumnMismatch) {
		s.stats.Errors++
		s.logger.Log(logx.LevelDebug, "[Sim] %s 反馈失败: %v", p.spec.Name, err)
	}
}

// Run 关联对端后按 tick 步进，直到 ctx 取消或 duration 到期 (0 表示不限)。
// 退出前解除关联
func (s *Simulator) Run(ctx context.Context, duration time.Duration) error {
	if err := s.Associate(); err != nil {
		return err
	}
	defer s.Disassociate()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ticker.C:
			s.Step()
		case <-deadline:
			s.logger.Log(logx.LevelInfo, "[Sim] 仿真结束: %d 步, %d 帧, %d 确认",
				s.stats.Ticks, s.stats.Frames, s.stats.Acked)
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Stats 统计快照，Run 结束后读取
func (s *Simulator) Stats() Stats {
	return s.stats
}
