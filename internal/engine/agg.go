// =============================================================================
// 文件: internal/engine/agg.go
// 描述: 速率调度引擎 - 按 TID 统计流量并请求建立聚合会话
// =============================================================================
package engine

// updateTIDStats 会话未建立时按测量窗口累计成功帧数
func (e *Engine) updateTIDStats(ls *LinkState, tid uint8, successes int) {
	if tid >= MaxTID {
		return
	}
	if e.oracle.AggregationActive(ls.peer, tid) {
		return
	}

	t := &ls.tids[tid]
	now := e.clock.Now()
	if now.Sub(t.measStart) > e.params.AggMeasureWindow || t.count >= e.params.AggStartThreshold {
		t.last = t.count
		t.count = 0
		t.measStart = now
	} else {
		t.count += successes
	}
}

// turnOnAgg 上个测量窗口流量足够时请求聚合
func (e *Engine) turnOnAgg(ls *LinkState, tid uint8) {
	if tid >= MaxTID {
		return
	}
	if e.oracle.AggregationActive(ls.peer, tid) {
		return
	}
	if ls.aggTIDEnabled&(1<<tid) == 0 {
		return
	}
	if ls.tids[tid].last < e.params.AggStartThreshold {
		return
	}
	if !e.oracle.CanAggregate(ls.peer, tid) {
		return
	}

	e.log(1, "[%s] 请求建立聚合 tid=%d (上个窗口 %d 帧)", ls.peer, tid, ls.tids[tid].last)
	e.metrics.RecordAggregationStart()
	if e.dispatcher != nil {
		e.dispatcher.StartAggregation(AggregationStartRequest{Peer: ls.peer, TID: tid})
	}
}

// SetAggregationEnabled 允许或禁止某 TID 建立聚合
func (e *Engine) SetAggregationEnabled(ls *LinkState, tid uint8, enabled bool) {
	if tid >= MaxTID {
		return
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if enabled {
		ls.aggTIDEnabled |= 1 << tid
	} else {
		ls.aggTIDEnabled &^= 1 << tid
	}
}
