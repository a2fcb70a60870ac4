// =============================================================================
// 文件: internal/engine/search_test.go
// =============================================================================
package engine

import (
	"testing"

	"github.com/mrcgq/linkrate/internal/column"
	"github.com/mrcgq/linkrate/internal/rate"
)

func startSearch(h *harness, ls *LinkState) {
	h.e.stayInTable(ls, true)
	ls.lastTpt = 0
}

func TestNextColumnNeverRevisits(t *testing.T) {
	h := newHarness(t)
	ls := h.link(t, vhtCaps())
	startSearch(h, ls)

	seen := map[column.ID]bool{ls.activeTable().Column: true}
	var order []column.ID
	for i := 0; i < column.Count; i++ {
		id := h.e.nextColumn(ls, ls.activeTable())
		if !id.Valid() {
			break
		}
		if seen[id] {
			t.Fatalf("列 %s 被重复选择", id)
		}
		seen[id] = true
		order = append(order, id)
		_ = h.e.switchToColumn(ls, id)
	}

	want := []column.ID{column.LegacyAntB, column.SISOAntA, column.MIMO2}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestNextColumnSkips(t *testing.T) {
	t.Run("吞吐已超过候选上限", func(t *testing.T) {
		h := newHarness(t)
		ls := h.link(t, vhtCaps())
		startSearch(h, ls)
		ls.lastTpt = 100 * 10000
		if id := h.e.nextColumn(ls, ls.activeTable()); id.Valid() {
			t.Errorf("nextColumn = %s, want invalid", id)
		}
	})

	t.Run("天线被占用", func(t *testing.T) {
		h := newHarness(t)
		h.oracle.BlockedAnts = rate.AntB
		ls := h.link(t, vhtCaps())
		startSearch(h, ls)
		if id := h.e.nextColumn(ls, ls.activeTable()); id != column.SISOAntA {
			t.Errorf("nextColumn = %s, want %s", id, column.SISOAntA)
		}
	})

	t.Run("共存禁止 MIMO", func(t *testing.T) {
		h := newHarness(t)
		h.oracle.SetMIMOAllowed(false)
		ls := h.link(t, vhtCaps())
		startSearch(h, ls)
		ls.visited = ls.visited.With(column.LegacyAntB).With(column.SISOAntA)
		if id := h.e.nextColumn(ls, ls.activeTable()); id.Valid() {
			t.Errorf("nextColumn = %s, want invalid", id)
		}
	})

	t.Run("对端不支持 HT", func(t *testing.T) {
		h := newHarness(t)
		ls := h.link(t, legacyCaps())
		startSearch(h, ls)
		ls.visited = ls.visited.With(column.LegacyAntB)
		if id := h.e.nextColumn(ls, ls.activeTable()); id.Valid() {
			t.Errorf("nextColumn = %s, want invalid", id)
		}
	})
}

func TestSwitchToColumn(t *testing.T) {
	h := newHarness(t)
	ls := h.link(t, vhtCaps())
	startSearch(h, ls)

	if err := h.e.switchToColumn(ls, column.SISOAntA); err != nil {
		t.Fatalf("切换失败: %v", err)
	}
	r := ls.searchTable().Rate
	if r.Mode != rate.ModeVHTSISO || r.BW != rate.BW80 || r.Ant != rate.AntA || r.SGI {
		t.Errorf("搜索速率 = %s, want vht-siso 80MHz A NGI", r)
	}
	if r.Index != rate.IndexMCS0 {
		t.Errorf("Index = %d, want MCS0", r.Index)
	}
	if !ls.visited.Has(column.SISOAntA) {
		t.Error("SISOAntA 应标记为已访问")
	}
	if ls.searchTable().Column != column.SISOAntA {
		t.Errorf("Column = %s, want %s", ls.searchTable().Column, column.SISOAntA)
	}
}

// 停留在最高传统速率且成功率高时，搜索周期切到单流列
func TestSearchCycleFromLegacy(t *testing.T) {
	h := newHarness(t)
	ls := h.link(t, vhtCaps())
	tbl := ls.activeTable()
	tbl.Rate.Index = rate.Index54M
	h.e.stayInTable(ls, true)
	fill(t, tbl, rate.Index54M, 62, 62)
	before := h.rec.count()

	h.e.perform(ls, 0, false)

	if !ls.searching {
		t.Fatal("应进入搜索")
	}
	if got := ls.searchTable().Column; got != column.SISOAntA {
		t.Errorf("搜索列 = %s, want %s", got, column.SISOAntA)
	}
	if !ls.visited.Has(column.LegacyAntA) || !ls.visited.Has(column.SISOAntA) {
		t.Errorf("visited = 0x%x", ls.visited)
	}
	if ls.lastTpt != tbl.Win[rate.Index54M].AverageTpt {
		t.Errorf("lastTpt = %d, want %d", ls.lastTpt, tbl.Win[rate.Index54M].AverageTpt)
	}
	if h.rec.count() != before+1 {
		t.Fatalf("commands = %d, want %d", h.rec.count(), before+1)
	}
	r, err := rate.Decode(h.rec.last().Table[0], rate.Band5GHz)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if r.Mode != rate.ModeVHTSISO {
		t.Errorf("命令速率 = %s, want vht-siso", r)
	}
}

func TestSearchExhaustedReturnsToStay(t *testing.T) {
	h := newHarness(t)
	ls := h.link(t, legacyCaps())
	tbl := ls.activeTable()
	tbl.Rate.Index = rate.Index54M
	h.e.stayInTable(ls, true)
	ls.visited = ls.visited.With(column.LegacyAntB)
	fill(t, tbl, rate.Index54M, 62, 62)

	h.e.perform(ls, 0, false)

	if ls.searching {
		t.Error("不应进入搜索")
	}
	if ls.state != StateStayInColumn {
		t.Errorf("state = %s, want %s", ls.state, StateStayInColumn)
	}
	if ls.visited != 0 {
		t.Errorf("visited = 0x%x, want 0", ls.visited)
	}
}
