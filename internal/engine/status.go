// =============================================================================
// 文件: internal/engine/status.go
// 描述: 速率调度引擎 - 发送反馈处理 (color 校验、统计采集、触发决策)
// =============================================================================
package engine

import (
	"errors"
	"fmt"

	"github.com/mrcgq/linkrate/internal/rate"
	"github.com/mrcgq/linkrate/internal/stats"
)

// TxStatus 处理一次发送反馈。锁被占用时立即返回 ErrBusy，样本丢弃。
func (e *Engine) TxStatus(ls *LinkState, rep TxStatusReport) error {
	if !ls.mu.TryLock() {
		e.log(2, "[%s] 链路状态忙，丢弃反馈 seq=%d", ls.peer, rep.Seq)
		e.metrics.RecordStatus("busy")
		return ErrBusy
	}
	defer ls.mu.Unlock()
	defer e.publish(ls)

	if !ls.initialized {
		return ErrNotInitialized
	}

	err := e.txStatus(ls, rep)
	switch {
	case err == nil:
		e.metrics.RecordStatus("ok")
	case errors.Is(err, ErrStaleColor):
		e.metrics.RecordStatus("stale_color")
	case errors.Is(err, ErrColumnMismatch):
		e.metrics.RecordStatus("column_mismatch")
	case errors.Is(err, rate.ErrUnrecognizedRate):
		e.metrics.RecordStatus("unrecognized")
	default:
		e.metrics.RecordStatus("invalid")
	}
	return err
}

func validateReport(rep TxStatusReport) error {
	if rep.Attempted < 0 || rep.Acked < 0 {
		return fmt.Errorf("计数为负 attempted=%d acked=%d: %w", rep.Attempted, rep.Acked, stats.ErrInvalidSample)
	}
	if rep.ReducedTxPower > TPCMaxReduction {
		return fmt.Errorf("功率档 %d 越界: %w", rep.ReducedTxPower, stats.ErrInvalidSample)
	}
	if rep.IsAggregate {
		if rep.Acked > rep.Attempted {
			return fmt.Errorf("确认数 %d 大于子帧数 %d: %w", rep.Acked, rep.Attempted, stats.ErrInvalidSample)
		}
		return nil
	}
	if rep.Attempted < 1 || rep.Acked > 1 {
		return fmt.Errorf("单帧反馈 attempted=%d acked=%d: %w", rep.Attempted, rep.Acked, stats.ErrInvalidSample)
	}
	return nil
}

// txStatus 调用方持有锁
func (e *Engine) txStatus(ls *LinkState, rep TxStatusReport) error {
	// 没有块确认的聚合帧不计入
	if rep.IsAggregate && !rep.StatusValid {
		return nil
	}
	if err := validateReport(rep); err != nil {
		return err
	}

	if len(rep.ChainRSSI) > 0 {
		e.recordChainRSSI(ls, rep.ChainRSSI)
	}

	used, err := rate.Decode(rep.RateCode, ls.band)
	if err != nil {
		e.log(0, "[%s] 无法识别的发送速率 0x%x，重新下发命令", ls.peer, rep.RateCode)
		e.sendLQ(ls, "resync")
		return fmt.Errorf("解析发送速率失败: %w", err)
	}

	now := e.clock.Now()
	if now.Sub(ls.lastTx) > e.params.IdleTimeout {
		e.log(1, "[%s] 空闲超时，重新初始化", ls.peer)
		e.metrics.RecordStatus("idle_reinit")
		if err := e.rateInit(ls, ls.caps); err != nil {
			return err
		}
		return nil
	}
	ls.lastTx = now

	if rep.Color != ls.lq.Color {
		ls.missedRate++
		if ls.missedRate > e.params.MissedRateMax {
			e.log(1, "[%s] color 连续不一致 (当前 %d)，重新下发命令", ls.peer, ls.lq.Color)
			ls.missedRate = 0
			e.sendLQ(ls, "resync")
		}
		return ErrStaleColor
	}
	ls.missedRate = 0

	curr, other := ls.activeTable(), ls.searchTable()
	if ls.searching {
		curr, other = other, curr
	}

	lqRate, err := rate.Decode(ls.lq.Table[0], ls.band)
	if err != nil {
		return fmt.Errorf("解析重试表首项失败: %w", err)
	}

	if !columnMatch(lqRate, curr.Rate) {
		e.log(1, "[%s] 命令速率 %s 与当前表 %s 不属于同一列，强制搜索", ls.peer, lqRate, curr.Rate)
		e.stayInTable(ls, true)
		e.perform(ls, rep.TID, rep.NDP)
		return ErrColumnMismatch
	}

	var lastCode uint32
	if rep.IsAggregate {
		e.collectTPC(ls, curr, used.Index, rep.Attempted, rep.Acked, int(rep.ReducedTxPower))

		attempted := rep.Attempted
		if rep.Acked == 0 {
			attempted = 1
		}
		e.collectTLC(ls, rep.TID, curr, used.Index, attempted, rep.Acked)

		if ls.state == StateStayInColumn {
			ls.totalSuccess += rep.Acked
			ls.totalFailed += attempted - rep.Acked
		}
		lastCode = ls.lq.Table[0]
	} else {
		retries := rep.Attempted - 1
		if retries > LinkQualityMaxRetry-1 {
			retries = LinkQualityMaxRetry - 1
		}
		success := rep.Acked

		for i := 0; i <= retries; i++ {
			code := ls.lq.Table[i]
			r, err := rate.Decode(code, ls.band)
			if err != nil {
				return fmt.Errorf("解析重试表第 %d 项失败: %w", i, err)
			}

			var tbl *ScaleTable
			switch {
			case columnMatch(r, curr.Rate):
				tbl = curr
			case columnMatch(r, other.Rate):
				tbl = other
			default:
				continue
			}

			s := 0
			if i == retries {
				s = success
			}
			e.collectTPC(ls, tbl, used.Index, 1, s, int(rep.ReducedTxPower))
			e.collectTLC(ls, rep.TID, tbl, used.Index, 1, s)
		}

		if ls.state == StateStayInColumn {
			ls.totalSuccess += success
			ls.totalFailed += retries + (1 - success)
		}
		lastCode = ls.lq.Table[retries]
	}

	if lastCode != ls.lastRateCode {
		e.log(2, "[%s] 最近速率 %s", ls.peer, rate.Pretty(lastCode))
		ls.lastRateCode = lastCode
	}

	e.perform(ls, rep.TID, rep.NDP)
	return nil
}

// collectTPC 采集功率档窗口
func (e *Engine) collectTPC(ls *LinkState, tbl *ScaleTable, index, attempts, successes, txp int) {
	if txp < 0 || txp > TPCMaxReduction {
		return
	}
	err := tbl.TPCWin[txp].CollectWith(attempts, successes, tbl.Expected.At(index), e.params.thresholds())
	if err != nil {
		e.log(0, "[%s] 功率窗口采集失败: %v", ls.peer, err)
	}
}

// collectTLC 采集速率窗口、持久计数与 TID 统计
func (e *Engine) collectTLC(ls *LinkState, tid uint8, tbl *ScaleTable, index, attempts, successes int) {
	w := tbl.window(index)
	if w == nil {
		return
	}

	if tbl.Column.Valid() {
		c := &ls.txStats[tbl.Column][index]
		c.Total += uint64(attempts)
		c.Success += uint64(successes)
	}

	e.updateTIDStats(ls, tid, successes)

	if err := w.CollectWith(attempts, successes, tbl.Expected.At(index), e.params.thresholds()); err != nil {
		e.log(0, "[%s] 速率窗口采集失败: %v", ls.peer, err)
	}
}
