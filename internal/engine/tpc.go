// =============================================================================
// 文件: internal/engine/tpc.go
// 描述: 速率调度引擎 - 发射功率控制 (仅在类别最高速率且停留时调整)
// =============================================================================
package engine

import (
	"github.com/mrcgq/linkrate/internal/rate"
	"github.com/mrcgq/linkrate/internal/stats"
)

// tpcAllowed 只有类别最高速率才允许降低功率
func (e *Engine) tpcAllowed(r rate.Rate, band rate.Band) bool {
	if !e.params.TPCEnabled || !e.oracle.TPCAllowed(band) {
		return false
	}
	switch {
	case r.Mode.IsLegacy():
		return r.Index == rate.Index54M
	case r.Mode.IsHT():
		return r.Index == rate.IndexMCS7
	case r.Mode.IsVHT(), r.Mode.IsHE():
		return r.Index == rate.IndexMCS9
	}
	return false
}

// adjacentTxp 相邻功率档，越界为 tpcInvalid
func adjacentTxp(index int) (weak, strong int) {
	weak = index + TPCStep
	strong = index - TPCStep
	if weak > TPCMaxReduction {
		weak = tpcInvalid
	}
	if strong < 0 {
		strong = tpcInvalid
	}
	return weak, strong
}

// tpcAction 功率调整规则
func (e *Engine) tpcAction(sr, weak, strong, currentTpt, weakTpt, strongTpt int) TPCAction {
	p := e.params

	if currentTpt == stats.Invalid {
		return TPCStay
	}

	if sr <= stats.Percent(p.TPCSRForceIncrease) || currentTpt == 0 {
		return TPCNoRestriction
	}

	// 先尝试降低功率
	if sr >= stats.Percent(p.TPCSRNoIncrease) && weak != tpcInvalid {
		if weakTpt == stats.Invalid && (strongTpt == stats.Invalid || currentTpt >= strongTpt) {
			return TPCDecrease
		}
		if weakTpt > currentTpt {
			return TPCDecrease
		}
	}

	if sr < stats.Percent(p.TPCSRNoIncrease) && strong != tpcInvalid {
		if weakTpt == stats.Invalid && strongTpt != stats.Invalid && currentTpt < strongTpt {
			return TPCIncrease
		}
		if weakTpt < currentTpt && (strongTpt == stats.Invalid || strongTpt > currentTpt) {
			return TPCIncrease
		}
	}

	return TPCStay
}

// tpcPerform 返回是否需要重新下发命令
func (e *Engine) tpcPerform(ls *LinkState, tbl *ScaleTable) bool {
	cur := int(ls.lq.ReducedTPC)

	if !e.tpcAllowed(tbl.Rate, ls.band) {
		ls.lq.ReducedTPC = TPCNoReduction
		return cur != TPCNoReduction
	}

	weak, strong := adjacentTxp(cur)

	win := &tbl.TPCWin
	sr := win[cur].SuccessRatio
	currentTpt := win[cur].AverageTpt
	weakTpt, strongTpt := stats.Invalid, stats.Invalid
	if weak != tpcInvalid {
		weakTpt = win[weak].AverageTpt
	}
	if strong != tpcInvalid {
		strongTpt = win[strong].AverageTpt
	}

	action := e.tpcAction(sr, weak, strong, currentTpt, weakTpt, strongTpt)

	// 边界档位
	if weak == tpcInvalid && action == TPCDecrease {
		action = TPCStay
	} else if strong == tpcInvalid && (action == TPCIncrease || action == TPCNoRestriction) {
		action = TPCStay
	}

	e.log(2, "[%s] TPC cur=%d sr=%d tpt=%d weak=%d/%d strong=%d/%d -> %s",
		ls.peer, cur, sr, currentTpt, weak, weakTpt, strong, strongTpt, action)
	e.metrics.RecordTPC(action.String())

	switch action {
	case TPCDecrease:
		ls.lq.ReducedTPC = uint8(weak)
		return true
	case TPCIncrease:
		ls.lq.ReducedTPC = uint8(strong)
		return true
	case TPCNoRestriction:
		ls.lq.ReducedTPC = TPCNoReduction
		return true
	}
	return false
}
