// =============================================================================
// 文件: internal/engine/optimal.go
// 描述: 速率调度引擎 - 基于 RSSI 的初始速率与未收敛时的速率估计
// =============================================================================
package engine

import (
	"github.com/mrcgq/linkrate/internal/rate"
)

// rssiRate 信号强度不低于 RSSI 时可用的速率
type rssiRate struct {
	RSSI  int8
	Index int
}

const minRSSI = -128

var optimalRates24GHzLegacy = []rssiRate{
	{-60, rate.Index54M},
	{-64, rate.Index48M},
	{-68, rate.Index36M},
	{-80, rate.Index24M},
	{-84, rate.Index18M},
	{-85, rate.Index12M},
	{-86, rate.Index11M},
	{-88, rate.Index5M},
	{-90, rate.Index2M},
	{minRSSI, rate.Index1M},
}

var optimalRates5GHzLegacy = []rssiRate{
	{-60, rate.Index54M},
	{-64, rate.Index48M},
	{-72, rate.Index36M},
	{-80, rate.Index24M},
	{-84, rate.Index18M},
	{-85, rate.Index12M},
	{-87, rate.Index9M},
	{minRSSI, rate.Index6M},
}

var optimalRatesHT = []rssiRate{
	{-60, rate.IndexMCS7},
	{-64, rate.IndexMCS6},
	{-68, rate.IndexMCS5},
	{-72, rate.IndexMCS4},
	{-80, rate.IndexMCS3},
	{-84, rate.IndexMCS2},
	{-85, rate.IndexMCS1},
	{minRSSI, rate.IndexMCS0},
}

// 20MHz 下没有 MCS9
var optimalRatesVHT20 = []rssiRate{
	{-60, rate.IndexMCS8},
	{-64, rate.IndexMCS7},
	{-68, rate.IndexMCS6},
	{-72, rate.IndexMCS5},
	{-80, rate.IndexMCS4},
	{-84, rate.IndexMCS3},
	{-85, rate.IndexMCS2},
	{-87, rate.IndexMCS1},
	{minRSSI, rate.IndexMCS0},
}

var optimalRatesVHT = []rssiRate{
	{-60, rate.IndexMCS9},
	{-64, rate.IndexMCS8},
	{-68, rate.IndexMCS7},
	{-72, rate.IndexMCS6},
	{-80, rate.IndexMCS5},
	{-84, rate.IndexMCS4},
	{-85, rate.IndexMCS3},
	{-87, rate.IndexMCS2},
	{-88, rate.IndexMCS1},
	{minRSSI, rate.IndexMCS0},
}

func legacyRSSITable(band rate.Band) []rssiRate {
	if band == rate.Band5GHz {
		return optimalRates5GHzLegacy
	}
	return optimalRates24GHzLegacy
}

// pickByRSSI 第一个满足信号强度且在掩码内的速率，没有时返回 fallback
func pickByRSSI(table []rssiRate, rssi int8, mask rate.Mask, fallback int) int {
	for _, e := range table {
		if rssi >= e.RSSI && mask.Has(e.Index) {
			return e.Index
		}
	}
	return fallback
}

// initialRate 关联时的起始速率: 默认取最低传统速率与信号最好的天线
func (e *Engine) initialRate(ls *LinkState) rate.Rate {
	best := int8(minRSSI)
	bestAnt := rate.AntNone
	for i := range ls.chainSignal {
		if ls.chains&(1<<uint(i)) == 0 {
			continue
		}
		if ls.chainSignal[i] > best {
			best = ls.chainSignal[i]
			bestAnt = rate.Antenna(1 << uint(i))
		}
	}

	var r rate.Rate
	if bestAnt != rate.AntA && bestAnt != rate.AntB {
		r.Ant = rate.FirstAntenna(e.oracle.ValidTxAntennas())
	} else {
		r.Ant = bestAnt
	}
	r.BW = rate.BW20
	r.Index = ls.legacyMask.Lowest()
	r.Mode = ls.band.LegacyMode()

	if !e.params.RSSIBasedInitRate {
		return r
	}

	table := legacyRSSITable(ls.band)
	active := ls.legacyMask
	switch {
	case ls.caps.VHT && best > lowRSSIThreshold:
		r.BW = ls.staBW
		if r.BW == rate.BW20 {
			table = optimalRatesVHT20
		} else {
			table = optimalRatesVHT
		}
		active = ls.sisoMask
		r.Mode = rate.ModeVHTSISO
	case ls.caps.HT && best > lowRSSIThreshold:
		table = optimalRatesHT
		active = ls.sisoMask
		r.Mode = rate.ModeHTSISO
	}

	r.Index = pickByRSSI(table, best, active, r.Index)
	if !r.Mode.IsLegacy() && !active.Has(r.Index) {
		// 单流掩码为空时退回传统速率
		r.Mode = ls.band.LegacyMode()
		r.BW = rate.BW20
		r.Index = ls.legacyMask.Lowest()
	}
	return r
}

// initOptimalRate 按对端能力确定估计速率的模式与表
func (e *Engine) initOptimalRate(ls *LinkState) {
	r := &ls.optimalRate
	*r = rate.Rate{}

	switch {
	case ls.maxMIMO != rate.InvalidIndex:
		r.Mode = rate.ModeHTMIMO2
		if ls.isVHT {
			r.Mode = rate.ModeVHTMIMO2
		}
	case ls.maxSISO != rate.InvalidIndex:
		r.Mode = rate.ModeHTSISO
		if ls.isVHT {
			r.Mode = rate.ModeVHTSISO
		}
	default:
		r.Mode = ls.band.LegacyMode()
	}

	r.BW = ls.staBW
	r.SGI = ls.caps.sgiSupported(r.BW)

	switch {
	case r.Mode.IsMIMO2():
		ls.optimalMask = ls.mimoMask
	case r.Mode.IsSISO():
		ls.optimalMask = ls.sisoMask
	default:
		ls.optimalMask = ls.legacyMask
		ls.optimalTable = legacyRSSITable(ls.band)
	}

	switch {
	case r.Mode.IsVHT() && r.BW == rate.BW20:
		ls.optimalTable = optimalRatesVHT20
	case r.Mode.IsVHT():
		ls.optimalTable = optimalRatesVHT
	case r.Mode.IsHT():
		ls.optimalTable = optimalRatesHT
	}
}

// estimateOptimal 按最近 RSSI 估计的速率
func (ls *LinkState) estimateOptimal() rate.Rate {
	r := ls.optimalRate
	r.Index = pickByRSSI(ls.optimalTable, ls.lastRSSI, ls.optimalMask, ls.optimalMask.Lowest())
	return r
}

// CurrentRate 收敛时返回最近使用的速率，否则返回 RSSI 估计。读取已发布的视图
func (e *Engine) CurrentRate(ls *LinkState) CurrentRateEstimate {
	return ls.view.Load().current
}

// currentRate 调用方持有锁
func (e *Engine) currentRate(ls *LinkState) CurrentRateEstimate {
	if !ls.initialized {
		return CurrentRateEstimate{}
	}

	active := ls.activeTable()
	w := active.window(active.Rate.Index)
	if ls.state == StateStayInColumn && w != nil && w.Sufficient(e.params.thresholds()) {
		code := ls.lastRateCode
		if code == 0 {
			code = ls.lq.Table[0]
		}
		if r, err := rate.Decode(code, ls.band); err == nil {
			return CurrentRateEstimate{Rate: r, Code: code, Converged: true}
		}
	}

	r := ls.estimateOptimal()
	return CurrentRateEstimate{Rate: r, Code: rate.MustEncode(r)}
}
