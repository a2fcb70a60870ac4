// =============================================================================
// 文件: internal/engine/lq.go
// 描述: 速率调度引擎 - 重试表构建与命令下发
// =============================================================================
package engine

import (
	"github.com/mrcgq/linkrate/internal/rate"
)

// 重试表分层参数
const (
	initialSISONumRates    = 3
	initialMIMONumRates    = 3
	initialLegacyNumRates  = 2
	htVHTRetriesPerRate    = 2
	initialLegacyRetries   = 2
	secondarySISONumRates  = 3
	secondarySISORetries   = 1
	secondaryLegacyNumRate = 16
	secondaryLegacyRetries = 1

	aggDisableStartTh = 3
	aggFrameLimit     = 63
)

// lowerInColumn 在同列内降一级，已在底部返回 true
func (ls *LinkState) lowerInColumn(r *rate.Rate) bool {
	low, _ := rate.Adjacent(r.Index, ls.supportedRates(*r), r.Mode)
	if low == rate.InvalidIndex {
		return true
	}
	r.Index = low
	return false
}

// lowerDownColumn 降到下一类列: MIMO2 -> SISO -> 传统
func (ls *LinkState) lowerDownColumn(r *rate.Rate, validAnts rate.Antenna) {
	switch {
	case r.Mode.IsLegacy():
		return
	case r.Mode.IsSISO():
		r.Mode = ls.band.LegacyMode()
		r.BW = rate.BW20
		r.Index = rate.HTToLegacy(r.Index)
		r.LDPC = false
		r.STBC = false
		r.BFER = false
	default:
		switch r.Mode {
		case rate.ModeVHTMIMO2:
			r.Mode = rate.ModeVHTSISO
		case rate.ModeHEMIMO2:
			r.Mode = rate.ModeHESISO
		default:
			r.Mode = rate.ModeHTSISO
		}
	}

	if r.Ant.Count() > 1 {
		r.Ant = rate.FirstAntenna(validAnts)
	}
	r.SGI = false

	if !ls.supportedRates(*r).Has(r.Index) {
		ls.lowerInColumn(r)
	}
}

// fillRatesForColumn 在同列内逐级向下填充，每个速率重复 retries 次
func (e *Engine) fillRatesForColumn(ls *LinkState, r *rate.Rate, table *[LinkQualityMaxRetry]uint32,
	idx *int, numRates, retries int, validAnts rate.Antenna, toggle bool) {
	bottom := false
	prev := r.Index

	for i := 0; i < numRates && *idx < LinkQualityMaxRetry; i++ {
		for j := 0; j < retries && *idx < LinkQualityMaxRetry; j++ {
			code, clamped := rate.Encode(*r)
			if clamped {
				e.log(0, "[%s] 速率 %s 越界，已收敛", ls.peer, r)
			}
			table[*idx] = code
			*idx++
			if toggle {
				if ant, ok := rate.ToggleAntenna(validAnts, r.Ant); ok {
					r.Ant = ant
				}
			}
		}

		prev = r.Index
		bottom = ls.lowerInColumn(r)
		if bottom && !r.Mode.IsLegacy() {
			break
		}
	}

	if !bottom && !r.Mode.IsLegacy() {
		r.Index = prev
	}
}

// buildRatesTable 三层重试表: 当前列、下一类列、传统速率
func (e *Engine) buildRatesTable(ls *LinkState, initial rate.Rate) {
	lq := &ls.lq
	validAnts := e.oracle.ValidTxAntennas()
	r := initial
	lq.Table = [LinkQualityMaxRetry]uint32{}

	if ls.stbcCapable && e.oracle.MIMOAllowed(ls.peer) {
		r.STBC = true
	}

	idx := 0
	var numRates, retries int
	toggle := false

	switch {
	case r.Mode.IsSISO():
		numRates, retries = initialSISONumRates, htVHTRetriesPerRate
	case r.Mode.IsMIMO2():
		numRates, retries = initialMIMONumRates, htVHTRetriesPerRate
	default:
		numRates, retries = initialLegacyNumRates, initialLegacyRetries
		toggle = true
	}
	e.fillRatesForColumn(ls, &r, &lq.Table, &idx, numRates, retries, validAnts, toggle)

	ls.lowerDownColumn(&r, validAnts)

	if r.Mode.IsSISO() {
		numRates, retries = secondarySISONumRates, secondarySISORetries
		lq.MimoDelim = uint8(idx)
	} else if r.Mode.IsLegacy() {
		numRates, retries = secondaryLegacyNumRate, secondaryLegacyRetries
	}
	toggle = true
	e.fillRatesForColumn(ls, &r, &lq.Table, &idx, numRates, retries, validAnts, toggle)

	ls.lowerDownColumn(&r, validAnts)
	e.fillRatesForColumn(ls, &r, &lq.Table, &idx, secondaryLegacyNumRate, secondaryLegacyRetries, validAnts, toggle)

	lq.Color = (lq.Color + 1) & 0x7
}

// fillLQ 重试表与附属参数
func (e *Engine) fillLQ(ls *LinkState, initial rate.Rate) {
	lq := &ls.lq

	lq.AggDisableStartTh = aggDisableStartTh
	lq.AggTimeLimit = e.params.AggTimeLimit

	e.buildRatesTable(ls, initial)

	lq.SSParams = SSParamsValid
	if e.oracle.MIMOAllowed(ls.peer) {
		if ls.stbcCapable {
			lq.SSParams |= SSStbc1SSAllowed
		}
		if ls.bferCapable {
			lq.SSParams |= SSBferAllowed
		}
	}

	if initial.Ant.Count() == 1 {
		lq.SingleStreamAnt = initial.Ant
	}

	lq.AggFrameLimit = aggFrameLimit
	if t := e.oracle.AggTimeLimit(ls.peer); t != 0 {
		lq.AggTimeLimit = t
	}
	lq.RTS = ls.txProtection > 0
}

// sendLQ 下发当前命令 (值拷贝)
func (e *Engine) sendLQ(ls *LinkState, reason string) {
	e.log(2, "[%s] 下发命令 (%s) %s", ls.peer, reason, ls.lq)
	e.metrics.RecordCommand(reason)
	if e.dispatcher != nil {
		e.dispatcher.Dispatch(ls.peer, ls.lq)
	}
}

// updateRateTable 以 tbl 当前速率重建并下发
func (e *Engine) updateRateTable(ls *LinkState, tbl *ScaleTable, reason string) {
	e.fillLQ(ls, tbl.Rate)
	e.sendLQ(ls, reason)
}
