// =============================================================================
// 文件: internal/stats/window.go
// 描述: 投递统计窗口 - 最近 62 次尝试的成功位图、成功率与平均吞吐
// =============================================================================
package stats

import (
	"errors"
	"fmt"
)

const (
	// Capacity 窗口容量 (尝试次数)
	Capacity = 62

	// Invalid 成功率/吞吐量的无效哨兵
	Invalid = -1

	// 默认有效性阈值
	DefaultMinFailure = 3
	DefaultMinSuccess = 8

	oldestBit uint64 = 1 << (Capacity - 1)
)

// ErrInvalidSample successes 不在 [0, attempts] 区间
var ErrInvalidSample = errors.New("invalid sample")

// Percent 把百分比换算成成功率刻度 (128 倍)
func Percent(p int) int {
	return 128 * p
}

// Thresholds 平均吞吐有效所需的最少失败/成功次数
type Thresholds struct {
	MinFailure int
	MinSuccess int
}

// DefaultThresholds 默认阈值
var DefaultThresholds = Thresholds{
	MinFailure: DefaultMinFailure,
	MinSuccess: DefaultMinSuccess,
}

// Window 单个速率 (或单个功率档) 的滑动窗口。
// 零值不可用，需先 Clear 以设置无效哨兵。
type Window struct {
	data           uint64
	Counter        int
	SuccessCounter int
	SuccessRatio   int
	AverageTpt     int
}

// NewWindow 创建已清空的窗口
func NewWindow() Window {
	var w Window
	w.Clear()
	return w
}

// Clear 清空窗口
func (w *Window) Clear() {
	w.data = 0
	w.Counter = 0
	w.SuccessCounter = 0
	w.SuccessRatio = Invalid
	w.AverageTpt = Invalid
}

// Collect 以默认阈值记录一批尝试
func (w *Window) Collect(attempts, successes, expectedTpt int) error {
	return w.CollectWith(attempts, successes, expectedTpt, DefaultThresholds)
}

// CollectWith 记录 attempts 次尝试，其中最早的 successes 次视为成功
func (w *Window) CollectWith(attempts, successes, expectedTpt int, th Thresholds) error {
	if attempts < 0 || successes < 0 || successes > attempts {
		return fmt.Errorf("%w: attempts=%d successes=%d", ErrInvalidSample, attempts, successes)
	}

	for ; attempts > 0; attempts-- {
		if w.Counter >= Capacity {
			w.Counter = Capacity - 1
			if w.data&oldestBit != 0 {
				w.data &^= oldestBit
				w.SuccessCounter--
			}
		}

		w.Counter++
		w.data <<= 1

		if successes > 0 {
			w.SuccessCounter++
			w.data |= 1
			successes--
		}
	}

	if w.Counter > 0 {
		w.SuccessRatio = 128 * (100 * w.SuccessCounter) / w.Counter
	} else {
		w.SuccessRatio = Invalid
	}

	if w.Failures() >= th.MinFailure || w.SuccessCounter >= th.MinSuccess {
		w.AverageTpt = (w.SuccessRatio*expectedTpt + 64) / 128
	} else {
		w.AverageTpt = Invalid
	}
	return nil
}

// Failures 窗口内失败次数
func (w *Window) Failures() int {
	return w.Counter - w.SuccessCounter
}

// Sufficient 样本是否足以做决策
func (w *Window) Sufficient(th Thresholds) bool {
	return w.Failures() >= th.MinFailure || w.SuccessCounter >= th.MinSuccess
}

// Bitmap 成功位图 (最近一次在最低位)
func (w *Window) Bitmap() uint64 {
	return w.data
}
