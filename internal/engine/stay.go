// =============================================================================
// 文件: internal/engine/stay.go
// 描述: 速率调度引擎 - 停留控制 (防抖计数、刷新定时器、进入搜索周期)
// =============================================================================
package engine

import (
	"time"

	"github.com/mrcgq/linkrate/internal/column"
)

// setStayInTable 进入停留状态并按列类型设置退出阈值
func (e *Engine) setStayInTable(ls *LinkState, legacy bool) {
	ls.state = StateStayInColumn
	if legacy {
		ls.limits = e.params.Legacy
	} else {
		ls.limits = e.params.NonLegacy
	}
	ls.tableCount = 0
	ls.totalFailed = 0
	ls.totalSuccess = 0
	ls.flushTimer = e.clock.Now()
	ls.visited = 0

	e.log(2, "[%s] 停留在当前列 legacy=%v", ls.peer, legacy)
}

// stayInTable 停留阶段的计数检查；超限、超时或 force 时开始搜索周期
func (e *Engine) stayInTable(ls *LinkState, force bool) {
	if ls.state != StateStayInColumn {
		return
	}
	tbl := ls.activeTable()

	flushPassed := false
	if !ls.flushTimer.IsZero() {
		flushPassed = e.clock.Now().Sub(ls.flushTimer) > e.params.StayInColumnTimeout
	}

	if force ||
		ls.totalFailed > ls.limits.FailureLimit ||
		ls.totalSuccess > ls.limits.SuccessLimit ||
		(!ls.searching && flushPassed) {
		e.log(2, "[%s] 开始搜索周期 force=%v fail=%d success=%d flush=%v",
			ls.peer, force, ls.totalFailed, ls.totalSuccess, flushPassed)

		ls.state = StateSearchCycleStarted
		ls.totalFailed = 0
		ls.totalSuccess = 0
		ls.flushTimer = time.Time{}
		ls.visited = column.Visited(0).With(tbl.Column)
	} else {
		ls.tableCount++
		if ls.tableCount >= ls.limits.TableCount {
			ls.tableCount = 0
			e.log(2, "[%s] 停留计数到达上限，清空窗口", ls.peer)
			tbl.clearWindows()
		}
	}

	// 新搜索周期从干净的窗口开始
	if ls.state == StateSearchCycleStarted {
		tbl.clearWindows()
	}
}
