// =============================================================================
// 文件: internal/engine/io.go
// 描述: 速率调度引擎 - 输入输出 (反馈报告、对端能力、仲裁接口、下发命令)
// =============================================================================
package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mrcgq/linkrate/internal/rate"
)

// =============================================================================
// 输入
// =============================================================================

// TxStatusReport 一次发送 (单帧或聚合帧) 的完成反馈
type TxStatusReport struct {
	TID         uint8
	IsAggregate bool
	// StatusValid 聚合帧是否带有块确认结果
	StatusValid bool
	// Attempted 单帧为尝试次数 (含首次)，聚合帧为子帧数
	Attempted int
	// Acked 单帧为 0/1，聚合帧为确认的子帧数
	Acked          int
	RateCode       uint32
	ReducedTxPower uint8
	Color          uint8
	// ChainRSSI 各接收链信号强度 (dBm)，0 表示该链无数据
	ChainRSSI []int8
	Seq       uint16
	NDP       bool
}

// StationCapabilities 对端能力
type StationCapabilities struct {
	// LegacyRates 传统速率 (500kbps 单位)
	LegacyRates []uint8
	HT          bool
	HTMCS       [2]uint8
	VHT         bool
	VHTMCSMap   uint16
	Width       rate.Bandwidth
	LDPC        bool
	STBC        bool
	Beamformee  bool
	SGI20       bool
	SGI40       bool
	SGI80       bool
	SGI160      bool
	RxNSS       int
	Band        rate.Band
}

// sgiSupported 对端在指定带宽下是否支持 SGI
func (c StationCapabilities) sgiSupported(bw rate.Bandwidth) bool {
	switch bw {
	case rate.BW20:
		return c.SGI20
	case rate.BW40:
		return c.SGI40
	case rate.BW80:
		return c.SGI80
	case rate.BW160:
		return c.SGI160
	}
	return false
}

// stationBW 2.4GHz 下 40MHz 按 20MHz 处理
func (c StationCapabilities) stationBW() rate.Bandwidth {
	if c.Width > rate.BW20 && c.Band == rate.Band2GHz {
		return rate.BW20
	}
	if c.Width > rate.BW160 {
		return rate.BW160
	}
	return c.Width
}

// =============================================================================
// 仲裁接口
// =============================================================================

// Oracle 硬件、共存与聚合会话信息
type Oracle interface {
	AntennaAvailable(ant rate.Antenna) bool
	MIMOAllowed(peer string) bool
	TPCAllowed(band rate.Band) bool
	AggregationActive(peer string, tid uint8) bool
	CanAggregate(peer string, tid uint8) bool
	ValidTxAntennas() rate.Antenna
	// AggTimeLimit 返回 0 表示使用默认值
	AggTimeLimit(peer string) uint16
}

// StaticOracle 固定配置的仲裁实现，用于测试与模拟
type StaticOracle struct {
	mu sync.RWMutex

	ValidAnts   rate.Antenna
	BlockedAnts rate.Antenna
	NoMIMO      bool
	NoTPC       bool
	NoAgg       bool
	TimeLimit   uint16

	sessions map[string]uint8
}

// NewStaticOracle 创建仲裁，valid 为可用发射天线
func NewStaticOracle(valid rate.Antenna) *StaticOracle {
	return &StaticOracle{
		ValidAnts: valid,
		sessions:  make(map[string]uint8),
	}
}

func (o *StaticOracle) AntennaAvailable(ant rate.Antenna) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return ant&o.BlockedAnts == 0
}

func (o *StaticOracle) MIMOAllowed(string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return !o.NoMIMO
}

func (o *StaticOracle) TPCAllowed(rate.Band) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return !o.NoTPC
}

func (o *StaticOracle) AggregationActive(peer string, tid uint8) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return tid < MaxTID && o.sessions[peer]&(1<<tid) != 0
}

func (o *StaticOracle) CanAggregate(string, uint8) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return !o.NoAgg
}

func (o *StaticOracle) ValidTxAntennas() rate.Antenna {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.ValidAnts
}

func (o *StaticOracle) AggTimeLimit(string) uint16 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.TimeLimit
}

// SetAggregation 打开或关闭某个 TID 的聚合会话
func (o *StaticOracle) SetAggregation(peer string, tid uint8, active bool) {
	if tid >= MaxTID {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sessions == nil {
		o.sessions = make(map[string]uint8)
	}
	if active {
		o.sessions[peer] |= 1 << tid
	} else {
		o.sessions[peer] &^= 1 << tid
	}
}

// SetMIMOAllowed 共存仲裁切换
func (o *StaticOracle) SetMIMOAllowed(allowed bool) {
	o.mu.Lock()
	o.NoMIMO = !allowed
	o.mu.Unlock()
}

// =============================================================================
// 输出
// =============================================================================

// 空间流参数位
const (
	SSStbc1SSAllowed uint32 = 1 << 0
	SSBferAllowed    uint32 = 1 << 2
	SSParamsValid    uint32 = 1 << 31
)

// LinkQualityCommand 下发给硬件的重试表与附属参数
type LinkQualityCommand struct {
	Table             [LinkQualityMaxRetry]uint32
	SingleStreamAnt   rate.Antenna
	DualStreamAnt     rate.Antenna
	RTS               bool
	ReducedTPC        uint8
	Color             uint8
	MimoDelim         uint8
	SSParams          uint32
	AggDisableStartTh uint8
	AggTimeLimit      uint16
	AggFrameLimit     uint8
}

// RetryRun 连续相同速率字的一段
type RetryRun struct {
	Code  uint32
	Count int
}

// Runs 把重试表压缩为 (速率字, 重复次数)
func (c LinkQualityCommand) Runs() []RetryRun {
	runs := make([]RetryRun, 0, LinkQualityMaxRetry)
	for _, code := range c.Table {
		if n := len(runs); n > 0 && runs[n-1].Code == code {
			runs[n-1].Count++
			continue
		}
		runs = append(runs, RetryRun{Code: code, Count: 1})
	}
	return runs
}

// String 调试输出
func (c LinkQualityCommand) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "color=%d tpc=%d rts=%v delim=%d ss=0x%x", c.Color, c.ReducedTPC, c.RTS, c.MimoDelim, c.SSParams)
	for _, r := range c.Runs() {
		fmt.Fprintf(&b, " [%dx 0x%x]", r.Count, r.Code)
	}
	return b.String()
}

// AggregationStartRequest 请求对某 TID 建立聚合会话
type AggregationStartRequest struct {
	Peer string
	TID  uint8
}

// Dispatcher 命令出口，不阻塞调用方
type Dispatcher interface {
	Dispatch(peer string, cmd LinkQualityCommand)
	StartAggregation(req AggregationStartRequest)
}

// CurrentRateEstimate 当前速率估计
type CurrentRateEstimate struct {
	Rate      rate.Rate
	Code      uint32
	Converged bool
}
