// =============================================================================
// 文件: internal/engine/table.go
// 描述: 速率调度引擎 - 缩放表 (当前速率、所在列、各速率/各功率档统计窗口)
// =============================================================================
package engine

import (
	"github.com/mrcgq/linkrate/internal/column"
	"github.com/mrcgq/linkrate/internal/rate"
	"github.com/mrcgq/linkrate/internal/stats"
	"github.com/mrcgq/linkrate/internal/throughput"
)

// ScaleTable 一个列内的速率状态
type ScaleTable struct {
	Rate     rate.Rate
	Column   column.ID
	Win      [rate.Count]stats.Window
	TPCWin   [TPCLevels]stats.Window
	Expected throughput.Table
}

func newScaleTable() ScaleTable {
	t := ScaleTable{Column: column.Invalid}
	t.clearWindows()
	return t
}

// clearWindows 清空全部速率窗口与功率窗口
func (t *ScaleTable) clearWindows() {
	for i := range t.Win {
		t.Win[i].Clear()
	}
	for i := range t.TPCWin {
		t.TPCWin[i].Clear()
	}
}

// copyConfig 复制速率、列和期望表，不复制窗口
func (t *ScaleTable) copyConfig(src *ScaleTable) {
	t.Rate = src.Rate
	t.Column = src.Column
	t.Expected = src.Expected
}

// window 当前速率的窗口，索引非法时返回 nil
func (t *ScaleTable) window(index int) *stats.Window {
	if index < 0 || index >= rate.Count {
		return nil
	}
	return &t.Win[index]
}

// TxCounter 持久发送计数
type TxCounter struct {
	Total   uint64
	Success uint64
}
