// =============================================================================
// 文件: internal/engine/action.go
// 描述: 速率调度引擎 - 列内决策 (升速/降速/停留)、搜索结果裁决、远距调整
// =============================================================================
package engine

import (
	"github.com/mrcgq/linkrate/internal/rate"
	"github.com/mrcgq/linkrate/internal/stats"
)

// Perform 依据当前窗口做一次调度决策。反馈路径已在内部调用，
// 外部驱动 (例如定时器) 调用时同样采用 TryLock。
func (e *Engine) Perform(ls *LinkState, tid uint8, ndp bool) error {
	if !ls.mu.TryLock() {
		e.metrics.RecordStatus("busy")
		return ErrBusy
	}
	defer ls.mu.Unlock()
	defer e.publish(ls)

	if !ls.initialized {
		return ErrNotInitialized
	}
	e.perform(ls, tid, ndp)
	return nil
}

// perform 调用方持有锁
func (e *Engine) perform(ls *LinkState, tid uint8, ndp bool) {
	prevAgg := ls.isAgg
	ls.isAgg = false
	for t := uint8(0); t < MaxTID; t++ {
		if e.oracle.AggregationActive(ls.peer, t) {
			ls.isAgg = true
			break
		}
	}

	tblIdx := ls.active
	if ls.searching {
		tblIdx = ls.searchIndex()
	}
	tbl := &ls.tables[tblIdx]

	if prevAgg != ls.isAgg {
		e.log(1, "[%s] 聚合状态变化 %v -> %v，重置期望表", ls.peer, prevAgg, ls.isAgg)
		e.setExpected(ls, tbl)
		tbl.clearWindows()
	}

	index := tbl.Rate.Index
	mask := ls.supportedRates(tbl.Rate)
	if !mask.Has(index) {
		e.log(0, "[%s] 当前速率 %s 不在支持掩码 0x%x 中", ls.peer, tbl.Rate, mask)
		if ls.searching {
			tbl.Rate.Mode = rate.ModeNone
			ls.searching = false
			e.updateRateTable(ls, ls.activeTable(), "revert")
		}
		return
	}

	if tbl.Expected == nil {
		e.log(0, "[%s] 期望吞吐量表缺失", ls.peer)
		return
	}

	win := &tbl.Win[index]
	if !win.Sufficient(e.params.thresholds()) {
		e.log(2, "[%s] 样本不足 idx=%d success=%d total=%d", ls.peer, index, win.SuccessCounter, win.Counter)
		win.AverageTpt = stats.Invalid
		e.stayInTable(ls, false)
		return
	}

	var (
		action     = ActionStay
		update     bool
		doneSearch bool
		currentTpt int
	)

	if ls.searching {
		if win.AverageTpt > ls.lastTpt {
			e.log(1, "[%s] 采用新列 %s: sr=%d tpt=%d > %d", ls.peer, tbl.Column, win.SuccessRatio, win.AverageTpt, ls.lastTpt)
			ls.active = tblIdx
			currentTpt = win.AverageTpt
			e.metrics.RecordSearch("promoted")
		} else {
			e.log(1, "[%s] 放弃新列 %s: tpt=%d <= %d", ls.peer, tbl.Column, win.AverageTpt, ls.lastTpt)
			tbl.Rate.Mode = rate.ModeNone
			tblIdx = ls.active
			tbl = &ls.tables[tblIdx]
			index = tbl.Rate.Index
			currentTpt = ls.lastTpt
			update = true
			e.metrics.RecordSearch("reverted")
		}
		ls.searching = false
		doneSearch = true
	} else {
		low, high := rate.Adjacent(index, mask, tbl.Rate.Mode)
		lowTpt, highTpt := stats.Invalid, stats.Invalid
		if low != rate.InvalidIndex {
			lowTpt = tbl.Win[low].AverageTpt
		}
		if high != rate.InvalidIndex {
			highTpt = tbl.Win[high].AverageTpt
		}
		currentTpt = win.AverageTpt

		action = e.rateAction(tbl, win.SuccessRatio, low, high, currentTpt, lowTpt, highTpt)
		e.log(2, "[%s] idx=%d sr=%d tpt=%d low=%d/%d high=%d/%d -> %s",
			ls.peer, index, win.SuccessRatio, currentTpt, low, lowTpt, high, highTpt, action)
		e.metrics.RecordAction(action.String(), currentTpt)

		if tbl.Rate.Mode.IsMIMO2() && !e.oracle.MIMOAllowed(ls.peer) {
			e.log(1, "[%s] 共存禁止 MIMO，强制搜索", ls.peer)
			e.stayInTable(ls, true)
		} else {
			switch action {
			case ActionDownscale:
				if low != rate.InvalidIndex {
					update = true
					index = low
				} else {
					e.log(2, "[%s] 已是最低速率", ls.peer)
				}
			case ActionUpscale:
				if high != rate.InvalidIndex {
					update = true
					index = high
				} else {
					e.log(2, "[%s] 已是最高速率", ls.peer)
				}
			default:
				if ls.state == StateStayInColumn {
					update = e.tpcPerform(ls, tbl)
				}
			}
		}
	}

	if update {
		tbl.Rate.Index = index
		if e.params.FarRangeTweak {
			e.tweakRateTable(ls, tbl, action)
		}
		e.updateRateTable(ls, tbl, "update")
	}

	e.stayInTable(ls, false)

	if !update && !doneSearch && ls.state == StateSearchCycleStarted && win.Counter > 0 {
		ls.lastTpt = currentTpt
		e.log(2, "[%s] 开始列搜索 tpt=%d", ls.peer, currentTpt)

		if next := e.nextColumn(ls, tbl); next.Valid() {
			if err := e.switchToColumn(ls, next); err != nil {
				e.log(2, "[%s] %v", ls.peer, err)
			} else {
				ls.searching = true
			}
		} else {
			e.log(2, "[%s] 没有可搜索的列", ls.peer)
			ls.state = StateSearchCycleEnded
			e.metrics.RecordSearch("exhausted")
		}

		if ls.searching {
			search := ls.searchTable()
			search.clearWindows()
			e.metrics.RecordSearch("started")
			e.updateRateTable(ls, search, "search")
		} else {
			doneSearch = true
		}
	}

	if !ndp {
		e.turnOnAgg(ls, tid)
	}

	if doneSearch && ls.state == StateSearchCycleEnded {
		e.setStayInTable(ls, ls.activeTable().Rate.Mode.IsLegacy())
	}
}

// rateAction 依据当前与相邻速率窗口给出动作
func (e *Engine) rateAction(tbl *ScaleTable, sr, low, high, currentTpt, lowTpt, highTpt int) Action {
	p := e.params

	if sr <= stats.Percent(p.SRForceDecrease) || currentTpt == 0 {
		return ActionDownscale
	}

	if lowTpt == stats.Invalid && highTpt == stats.Invalid && high != rate.InvalidIndex {
		return ActionUpscale
	}

	if highTpt == stats.Invalid && high != rate.InvalidIndex &&
		lowTpt != stats.Invalid && lowTpt < currentTpt {
		return ActionUpscale
	}

	if highTpt != stats.Invalid && highTpt > currentTpt {
		return ActionUpscale
	}

	if lowTpt != stats.Invalid && highTpt != stats.Invalid &&
		lowTpt < currentTpt && highTpt < currentTpt {
		return ActionStay
	}

	action := ActionStay
	if lowTpt != stats.Invalid && lowTpt > currentTpt {
		action = ActionDownscale
	} else if lowTpt == stats.Invalid && low != rate.InvalidIndex {
		action = ActionDownscale
	}

	// 降速否决
	if action == ActionDownscale && low != rate.InvalidIndex {
		if sr >= stats.Percent(p.SRNoDecrease) {
			action = ActionStay
		} else if currentTpt > 100*tbl.Expected.At(low) {
			action = ActionStay
		}
	}
	return action
}

// tweakRateTable 80MHz VHT SISO 远距调整: 低速时改用 20MHz，恢复后回到 80MHz
func (e *Engine) tweakRateTable(ls *LinkState, tbl *ScaleTable, action Action) bool {
	r := &tbl.Rate
	if ls.staBW != rate.BW80 || r.Mode != rate.ModeVHTSISO {
		return false
	}

	switch {
	case r.BW == rate.BW80 && r.Index == rate.IndexMCS0 && action == ActionDownscale:
		r.BW = rate.BW20
		r.Index = rate.IndexMCS4
	case r.BW == rate.BW20 &&
		((r.Index == rate.IndexMCS5 && action == ActionStay) ||
			(r.Index > rate.IndexMCS5 && action == ActionUpscale)):
		r.BW = rate.BW80
		r.Index = rate.IndexMCS1
	default:
		return false
	}

	e.log(1, "[%s] 远距调整 -> %s", ls.peer, r)
	e.setExpected(ls, tbl)
	tbl.clearWindows()
	return true
}
