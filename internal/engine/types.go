// =============================================================================
// 文件: internal/engine/types.go
// 描述: 速率调度引擎 - 类型定义 (状态、动作、参数、时钟、错误)
// =============================================================================
package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/mrcgq/linkrate/internal/stats"
)

// =============================================================================
// 错误
// =============================================================================

var (
	// ErrBusy 链路状态正被占用，本次样本丢弃
	ErrBusy = errors.New("link state busy")
	// ErrNotInitialized 链路尚未初始化
	ErrNotInitialized = errors.New("link state not initialized")
	// ErrStaleColor 反馈的 color 与当前命令不一致
	ErrStaleColor = errors.New("stale color")
	// ErrColumnMismatch 反馈速率既不属于活动表也不属于搜索表
	ErrColumnMismatch = errors.New("column mismatch")
	// ErrNoColumn 列内没有可用速率
	ErrNoColumn = errors.New("no usable column")
	// ErrNoRates 对端没有任何可用传统速率
	ErrNoRates = errors.New("no supported legacy rates")
	// ErrProtectionUnderflow 关闭保护次数多于开启次数
	ErrProtectionUnderflow = errors.New("tx protection underflow")
)

// =============================================================================
// 状态机
// =============================================================================

// State 调度状态
type State uint8

const (
	StateStayInColumn State = iota
	StateSearchCycleStarted
	StateSearchCycleEnded
)

// String 返回状态字符串
func (s State) String() string {
	switch s {
	case StateStayInColumn:
		return "stay_in_column"
	case StateSearchCycleStarted:
		return "search_started"
	case StateSearchCycleEnded:
		return "search_ended"
	default:
		return "unknown"
	}
}

// Action 列内速率动作
type Action int8

const (
	ActionDownscale Action = -1
	ActionStay      Action = 0
	ActionUpscale   Action = 1
)

// String 返回动作字符串
func (a Action) String() string {
	switch a {
	case ActionDownscale:
		return "downscale"
	case ActionUpscale:
		return "upscale"
	default:
		return "stay"
	}
}

// TPCAction 功率控制动作
type TPCAction uint8

const (
	TPCStay TPCAction = iota
	TPCDecrease
	TPCIncrease
	TPCNoRestriction
)

// String 返回动作字符串
func (a TPCAction) String() string {
	switch a {
	case TPCDecrease:
		return "decrease"
	case TPCIncrease:
		return "increase"
	case TPCNoRestriction:
		return "no_restriction"
	default:
		return "stay"
	}
}

// =============================================================================
// 常量
// =============================================================================

const (
	// MaxTID 流量标识上限
	MaxTID = 8

	// TPC 功率衰减档位
	TPCMaxReduction = 15
	TPCLevels       = TPCMaxReduction + 1
	TPCStep         = 3
	TPCNoReduction  = 0
	tpcInvalid      = -1

	// LinkQualityMaxRetry 重试表长度
	LinkQualityMaxRetry = 16

	// lowRSSIThreshold 低于该值时初始速率回落到传统速率 (dBm)
	lowRSSIThreshold = -76
)

// =============================================================================
// 参数
// =============================================================================

// StayLimits 停留阶段的退出阈值
type StayLimits struct {
	FailureLimit int
	SuccessLimit int
	TableCount   int
}

// Params 引擎参数，全部阈值的来源
type Params struct {
	// 成功率阈值 (百分比)
	SRForceDecrease    int
	SRNoDecrease       int
	TPCSRForceIncrease int
	TPCSRNoIncrease    int

	// 平均吞吐有效所需样本
	MinFailure int
	MinSuccess int

	Legacy    StayLimits
	NonLegacy StayLimits

	StayInColumnTimeout time.Duration
	IdleTimeout         time.Duration

	MissedRateMax int

	// 聚合启动
	AggStartThreshold int
	AggMeasureWindow  time.Duration
	AggTimeLimit      uint16

	FarRangeTweak     bool
	RSSIBasedInitRate bool
	TPCEnabled        bool

	// 本端硬件能力
	LDPCSupported bool
	Beamformer    bool
}

// DefaultParams 默认参数
func DefaultParams() Params {
	return Params{
		SRForceDecrease:    15,
		SRNoDecrease:       85,
		TPCSRForceIncrease: 75,
		TPCSRNoIncrease:    85,

		MinFailure: stats.DefaultMinFailure,
		MinSuccess: stats.DefaultMinSuccess,

		Legacy: StayLimits{
			FailureLimit: 160,
			SuccessLimit: 480,
			TableCount:   160,
		},
		NonLegacy: StayLimits{
			FailureLimit: 400,
			SuccessLimit: 4500,
			TableCount:   1500,
		},

		StayInColumnTimeout: 5 * time.Second,
		IdleTimeout:         5 * time.Second,

		MissedRateMax: 15,

		AggStartThreshold: 10,
		AggMeasureWindow:  time.Second,
		AggTimeLimit:      4000,

		FarRangeTweak:     true,
		RSSIBasedInitRate: false,
		TPCEnabled:        true,

		LDPCSupported: true,
		Beamformer:    true,
	}
}

func (p Params) thresholds() stats.Thresholds {
	return stats.Thresholds{MinFailure: p.MinFailure, MinSuccess: p.MinSuccess}
}

// =============================================================================
// 时钟
// =============================================================================

// Clock 时间源，定时器全部在反馈处理时比较
type Clock interface {
	Now() time.Time
}

// SystemClock 系统时钟
type SystemClock struct{}

// Now 当前时间
func (SystemClock) Now() time.Time {
	return time.Now()
}

// ManualClock 手动推进的时钟
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock 创建手动时钟
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now 当前时间
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 推进时间
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
