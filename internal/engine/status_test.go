// =============================================================================
// 文件: internal/engine/status_test.go
// =============================================================================
package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/mrcgq/linkrate/internal/rate"
	"github.com/mrcgq/linkrate/internal/stats"
)

func goodReport(ls *LinkState) TxStatusReport {
	return TxStatusReport{
		Attempted: 1,
		Acked:     1,
		RateCode:  ls.lq.Table[0],
		Color:     ls.lq.Color,
	}
}

func aggReport(ls *LinkState, n, acked int) TxStatusReport {
	return TxStatusReport{
		IsAggregate: true,
		StatusValid: true,
		Attempted:   n,
		Acked:       acked,
		RateCode:    ls.lq.Table[0],
		Color:       ls.lq.Color,
	}
}

// 场景 D: color 连续不一致超过上限时重新下发一次并清零计数
func TestScenarioColorResync(t *testing.T) {
	h := newHarness(t)
	ls := h.link(t, legacyCaps())

	if err := h.e.TxStatus(ls, goodReport(ls)); err != nil {
		t.Fatalf("TxStatus 失败: %v", err)
	}
	if ls.missedRate != 0 {
		t.Fatalf("missedRate = %d, want 0", ls.missedRate)
	}
	base := h.rec.count()
	max := DefaultParams().MissedRateMax

	stale := goodReport(ls)
	stale.Color = (ls.lq.Color + 3) & 0x7

	for i := 0; i < max; i++ {
		if err := h.e.TxStatus(ls, stale); !errors.Is(err, ErrStaleColor) {
			t.Fatalf("第 %d 次 err = %v, want ErrStaleColor", i, err)
		}
	}
	if h.rec.count() != base {
		t.Fatalf("未超限时不应下发: %d -> %d", base, h.rec.count())
	}

	_ = h.e.TxStatus(ls, stale)
	if h.rec.count() != base+1 {
		t.Fatalf("commands = %d, want %d", h.rec.count(), base+1)
	}
	if ls.missedRate != 0 {
		t.Errorf("missedRate = %d, want 0", ls.missedRate)
	}
	if h.rec.last().Color != ls.lq.Color {
		t.Errorf("重发命令 Color = %d, want %d", h.rec.last().Color, ls.lq.Color)
	}
}

func TestFirstMismatchAfterInitResyncs(t *testing.T) {
	h := newHarness(t)
	ls := h.link(t, legacyCaps())
	base := h.rec.count()

	stale := goodReport(ls)
	stale.Color++
	_ = h.e.TxStatus(ls, stale)
	if h.rec.count() != base+1 {
		t.Errorf("commands = %d, want %d", h.rec.count(), base+1)
	}
}

func TestTxStatusUnrecognizedRate(t *testing.T) {
	h := newHarness(t)
	ls := h.link(t, legacyCaps())
	base := h.rec.count()

	rep := goodReport(ls)
	rep.RateCode = 0x42
	err := h.e.TxStatus(ls, rep)
	if !errors.Is(err, rate.ErrUnrecognizedRate) {
		t.Fatalf("err = %v, want ErrUnrecognizedRate", err)
	}
	if h.rec.count() != base+1 {
		t.Errorf("应重新下发命令: %d -> %d", base, h.rec.count())
	}
	if ls.activeTable().Win[rate.Index6M].Counter != 0 {
		t.Error("不应更新统计")
	}
}

func TestTxStatusIdleReinit(t *testing.T) {
	h := newHarness(t)
	ls := h.link(t, legacyCaps())
	color := ls.lq.Color
	base := h.rec.count()

	h.clock.Advance(6 * time.Second)
	if err := h.e.TxStatus(ls, goodReport(ls)); err != nil {
		t.Fatalf("TxStatus 失败: %v", err)
	}
	if h.rec.count() != base+1 {
		t.Errorf("commands = %d, want %d", h.rec.count(), base+1)
	}
	if ls.lq.Color != (color+1)&0x7 {
		t.Errorf("Color = %d, want %d", ls.lq.Color, (color+1)&0x7)
	}
	if ls.activeTable().Win[rate.Index6M].Counter != 0 {
		t.Error("重新初始化后窗口应为空")
	}
}

func TestTxStatusBusy(t *testing.T) {
	h := newHarness(t)
	ls := h.link(t, legacyCaps())

	ls.mu.Lock()
	err := h.e.TxStatus(ls, goodReport(ls))
	ls.mu.Unlock()

	if !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
	if err := h.e.TxStatus(ls, goodReport(ls)); err != nil {
		t.Errorf("解锁后 err = %v", err)
	}
}

func TestTxStatusNotInitialized(t *testing.T) {
	h := newHarness(t)
	if err := h.e.TxStatus(NewLinkState("x"), TxStatusReport{Attempted: 1}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("err = %v, want ErrNotInitialized", err)
	}
}

func TestTxStatusColumnMismatch(t *testing.T) {
	h := newHarness(t)
	ls := h.link(t, legacyCaps())
	ls.activeTable().Rate.Ant = rate.AntB

	err := h.e.TxStatus(ls, goodReport(ls))
	if !errors.Is(err, ErrColumnMismatch) {
		t.Fatalf("err = %v, want ErrColumnMismatch", err)
	}
	if ls.state != StateSearchCycleStarted {
		t.Errorf("state = %s, want %s", ls.state, StateSearchCycleStarted)
	}
}

func TestTxStatusRetryAccounting(t *testing.T) {
	h := newHarness(t)
	ls := h.link(t, legacyCaps())

	rep := goodReport(ls)
	rep.Attempted = 3
	if err := h.e.TxStatus(ls, rep); err != nil {
		t.Fatalf("TxStatus 失败: %v", err)
	}

	// 重试表 6M A, 6M B, 6M A: 只有天线 A 的两项计入活动表
	w := ls.activeTable().Win[rate.Index6M]
	if w.Counter != 2 || w.SuccessCounter != 1 {
		t.Errorf("窗口 = %d/%d, want 2/1", w.SuccessCounter, w.Counter)
	}
	if ls.totalSuccess != 1 || ls.totalFailed != 2 {
		t.Errorf("totals = %d/%d, want 1/2", ls.totalSuccess, ls.totalFailed)
	}

	persisted := ls.PersistentStats()
	if len(persisted) != 1 || persisted[0].Total != 2 || persisted[0].Success != 1 {
		t.Errorf("PersistentStats = %+v", persisted)
	}
}

func TestTxStatusAggregate(t *testing.T) {
	t.Run("无块确认的聚合帧忽略", func(t *testing.T) {
		h := newHarness(t)
		ls := h.link(t, legacyCaps())
		rep := aggReport(ls, 10, 5)
		rep.StatusValid = false
		if err := h.e.TxStatus(ls, rep); err != nil {
			t.Fatalf("err = %v", err)
		}
		if ls.activeTable().Win[rate.Index6M].Counter != 0 {
			t.Error("不应更新统计")
		}
	})

	t.Run("全部丢失按一次失败计", func(t *testing.T) {
		h := newHarness(t)
		ls := h.link(t, legacyCaps())
		if err := h.e.TxStatus(ls, aggReport(ls, 10, 0)); err != nil {
			t.Fatalf("err = %v", err)
		}
		w := ls.activeTable().Win[rate.Index6M]
		if w.Counter != 1 || w.SuccessCounter != 0 {
			t.Errorf("窗口 = %d/%d, want 0/1", w.SuccessCounter, w.Counter)
		}
		if ls.totalFailed != 1 {
			t.Errorf("totalFailed = %d, want 1", ls.totalFailed)
		}
	})

	t.Run("非法样本", func(t *testing.T) {
		h := newHarness(t)
		ls := h.link(t, legacyCaps())
		err := h.e.TxStatus(ls, aggReport(ls, 3, 5))
		if !errors.Is(err, stats.ErrInvalidSample) {
			t.Errorf("err = %v, want ErrInvalidSample", err)
		}
	})

	t.Run("流量足够时请求聚合", func(t *testing.T) {
		h := newHarness(t)
		ls := h.link(t, legacyCaps())
		for i := 0; i < 3; i++ {
			if err := h.e.TxStatus(ls, aggReport(ls, 10, 10)); err != nil {
				t.Fatalf("第 %d 次 err = %v", i, err)
			}
		}
		if len(h.rec.aggs) != 1 {
			t.Fatalf("aggregation requests = %d, want 1", len(h.rec.aggs))
		}
		if h.rec.aggs[0].TID != 0 {
			t.Errorf("TID = %d, want 0", h.rec.aggs[0].TID)
		}
	})

	t.Run("会话已建立不再请求", func(t *testing.T) {
		h := newHarness(t)
		ls := h.link(t, legacyCaps())
		h.oracle.SetAggregation(ls.Peer(), 0, true)
		for i := 0; i < 3; i++ {
			_ = h.e.TxStatus(ls, aggReport(ls, 10, 10))
		}
		if len(h.rec.aggs) != 0 {
			t.Errorf("aggregation requests = %d, want 0", len(h.rec.aggs))
		}
		if !ls.isAgg {
			t.Error("isAgg 应为 true")
		}
	})
}
