// =============================================================================
// 文件: internal/engine/search.go
// 描述: 速率调度引擎 - 列搜索 (候选列选择、切换到搜索表、最佳起始速率)
// =============================================================================
package engine

import (
	"fmt"

	"github.com/mrcgq/linkrate/internal/column"
	"github.com/mrcgq/linkrate/internal/rate"
	"github.com/mrcgq/linkrate/internal/stats"
)

// nextColumn 按列图顺序取第一个可用且有望提升吞吐的列
func (e *Engine) nextColumn(ls *LinkState, tbl *ScaleTable) column.ID {
	cur := column.Get(tbl.Column)
	if cur == nil {
		return column.Invalid
	}

	validAnts := e.oracle.ValidTxAntennas()
	env := e.env(ls)
	tpt := ls.lastTpt / 100

	for _, id := range cur.Next {
		if !id.Valid() {
			continue
		}
		if ls.visited.Has(id) {
			e.log(2, "[%s] 跳过已访问列 %s", ls.peer, id)
			continue
		}

		next := column.Get(id)
		if !next.Ant.IsValid(validAnts) {
			e.log(2, "[%s] 跳过列 %s: 天线不可用", ls.peer, id)
			continue
		}
		if !next.Allowed(env, tbl.Rate) {
			e.log(2, "[%s] 跳过列 %s: 门控未通过", ls.peer, id)
			continue
		}

		maxRate := ls.maxAllowedRate(next.Mode)
		if maxRate == rate.InvalidIndex {
			e.log(2, "[%s] 跳过列 %s: 没有可用速率", ls.peer, id)
			continue
		}

		expected := e.columnTable(ls, next, ls.staBW)
		if tpt >= expected.At(maxRate) {
			e.log(2, "[%s] 跳过列 %s: 最高期望 %d <= 当前 %d", ls.peer, id, expected.At(maxRate), tpt)
			continue
		}

		e.log(2, "[%s] 选中列 %s", ls.peer, id)
		return id
	}
	return column.Invalid
}

// switchToColumn 复制活动表到搜索表并改到目标列
func (e *Engine) switchToColumn(ls *LinkState, id column.ID) error {
	active := ls.activeTable()
	search := ls.searchTable()
	col := column.Get(id)
	if col == nil {
		return fmt.Errorf("列 %d: %w", id, ErrNoColumn)
	}
	curCol := column.Get(active.Column)

	search.copyConfig(active)
	r := &search.Rate
	r.SGI = col.SGI
	r.Ant = col.Ant

	var mask rate.Mask
	switch col.Mode {
	case column.ModeLegacy:
		r.Mode = ls.band.LegacyMode()
		r.BW = rate.BW20
		r.LDPC = false
		mask = ls.legacyMask
	case column.ModeSISO:
		if ls.isVHT {
			r.Mode = rate.ModeVHTSISO
		} else {
			r.Mode = rate.ModeHTSISO
		}
		mask = ls.sisoMask
	case column.ModeMIMO2:
		if ls.isVHT {
			r.Mode = rate.ModeVHTMIMO2
		} else {
			r.Mode = rate.ModeHTMIMO2
		}
		mask = ls.mimoMask
	}
	if col.Mode != column.ModeLegacy {
		r.BW = ls.staBW
		r.LDPC = ls.ldpc
	}

	search.Column = id
	e.setExpected(ls, search)
	ls.visited = ls.visited.With(id)

	if curCol == nil || curCol.Mode != col.Mode {
		idx := e.bestRate(ls, search, mask, active.Rate.Index)
		if idx == rate.InvalidIndex || !mask.Has(idx) {
			r.Mode = rate.ModeNone
			return fmt.Errorf("列 %s 没有合适速率 (掩码 0x%x): %w", id, mask, ErrNoColumn)
		}
		r.Index = idx
	}

	e.log(1, "[%s] 切换到列 %s: %s", ls.peer, id, r)
	return nil
}

// bestRate 新列中第一个期望吞吐量超过目标的速率
func (e *Engine) bestRate(ls *LinkState, search *ScaleTable, mask rate.Mask, index int) int {
	active := ls.activeTable()

	target := ls.lastTpt
	if w := active.window(index); w != nil && w.SuccessRatio >= stats.Percent(e.params.SRNoDecrease) {
		target = 100 * active.Expected.At(index)
	}

	idx := mask.Lowest()
	for idx != rate.InvalidIndex {
		if target < 100*search.Expected.At(idx) {
			break
		}
		_, idx = rate.Adjacent(idx, mask, search.Rate.Mode)
	}
	return idx
}
