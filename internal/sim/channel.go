// =============================================================================
// 文件: internal/sim/channel.go
// 描述: 信道仿真 - SNR 随机游走与按速率的发送成功概率
// =============================================================================
package sim

import (
	"math"
	"math/rand"

	"github.com/mrcgq/linkrate/internal/rate"
)

// noiseFloor 噪声底 (dBm)
const noiseFloor = -95

// requiredSNR 20MHz 单流下各目录索引达到 50% 成功率所需 SNR (dB)
var requiredSNR = [rate.Count]float64{
	rate.Index1M:   0,
	rate.Index2M:   2,
	rate.Index5M:   4,
	rate.Index11M:  6,
	rate.Index6M:   5, // 同 MCS0
	rate.Index9M:   6,
	rate.Index12M:  8, // 同 MCS1
	rate.Index18M:  11,
	rate.Index24M:  14,
	rate.Index36M:  17,
	rate.Index48M:  21,
	rate.Index54M:  23,
	rate.IndexMCS7: 25,
	rate.IndexMCS8: 29,
	rate.IndexMCS9: 31,
}

// slope 成功率曲线陡度 (每 dB)
const slope = 1.2

// Channel 单个对端的信道
type Channel struct {
	base  float64
	drift float64
	snr   float64
	rng   *rand.Rand
}

// NewChannel 创建信道。drift 为 SNR 相对 base 的最大偏移
func NewChannel(base, drift float64, rng *rand.Rand) *Channel {
	return &Channel{
		base:  base,
		drift: math.Abs(drift),
		snr:   base,
		rng:   rng,
	}
}

// SNR 当前 SNR
func (c *Channel) SNR() float64 {
	return c.snr
}

// Step SNR 随机游走一步，限制在 base±drift 内
func (c *Channel) Step() {
	if c.drift == 0 {
		return
	}
	c.snr += c.rng.NormFloat64() * c.drift / 10
	if c.snr > c.base+c.drift {
		c.snr = c.base + c.drift
	} else if c.snr < c.base-c.drift {
		c.snr = c.base - c.drift
	}
}

// RSSI 按天线给出信号强度，B 天线略弱
func (c *Channel) RSSI() [3]int8 {
	a := clampInt8(noiseFloor + c.snr)
	b := clampInt8(noiseFloor + c.snr - 3)
	return [3]int8{a, b, 0}
}

func clampInt8(v float64) int8 {
	if v > -1 {
		return -1
	}
	if v < -127 {
		return -127
	}
	return int8(math.Round(v))
}

// Required 速率达到 50% 成功率所需 SNR。带宽每翻倍 +3dB，编码增益 (STBC/LDPC) 降低要求
func Required(r rate.Rate) float64 {
	if r.Index < 0 || r.Index >= rate.Count {
		return math.Inf(1)
	}
	req := requiredSNR[r.Index]
	req += 3 * float64(r.BW)
	if r.Mode.IsMIMO2() {
		req += 3
	}
	if r.SGI {
		req++
	}
	if r.STBC {
		req -= 2
	}
	if r.LDPC {
		req -= 1
	}
	return req
}

// SuccessProb 当前 SNR 下使用速率 r 的成功概率
func (c *Channel) SuccessProb(r rate.Rate) float64 {
	return successProb(c.snr, r)
}

func successProb(snr float64, r rate.Rate) float64 {
	req := Required(r)
	if math.IsInf(req, 1) {
		return 0
	}
	return 1 / (1 + math.Exp(-slope*(snr-req)))
}

// Try 一次发送尝试
func (c *Channel) Try(r rate.Rate) bool {
	return c.rng.Float64() < c.SuccessProb(r)
}

// Binomial n 个子帧中成功的个数
func (c *Channel) Binomial(n int, r rate.Rate) int {
	p := c.SuccessProb(r)
	k := 0
	for i := 0; i < n; i++ {
		if c.rng.Float64() < p {
			k++
		}
	}
	return k
}
