// =============================================================================
// 文件: internal/engine/engine_test.go
// =============================================================================
package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/mrcgq/linkrate/internal/column"
	"github.com/mrcgq/linkrate/internal/rate"
	"github.com/mrcgq/linkrate/internal/stats"
)

// recorder 记录下发的命令
type recorder struct {
	mu   sync.Mutex
	cmds []LinkQualityCommand
	aggs []AggregationStartRequest
}

func (r *recorder) Dispatch(_ string, cmd LinkQualityCommand) {
	r.mu.Lock()
	r.cmds = append(r.cmds, cmd)
	r.mu.Unlock()
}

func (r *recorder) StartAggregation(req AggregationStartRequest) {
	r.mu.Lock()
	r.aggs = append(r.aggs, req)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cmds)
}

func (r *recorder) last() LinkQualityCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmds[len(r.cmds)-1]
}

var legacy5GHz = []uint8{12, 18, 24, 36, 48, 72, 96, 108}

func legacyCaps() StationCapabilities {
	return StationCapabilities{
		LegacyRates: legacy5GHz,
		Band:        rate.Band5GHz,
	}
}

func vhtCaps() StationCapabilities {
	return StationCapabilities{
		LegacyRates: legacy5GHz,
		HT:          true,
		HTMCS:       [2]uint8{0xff, 0xff},
		VHT:         true,
		VHTMCSMap:   0xfffa,
		Width:       rate.BW80,
		SGI20:       true,
		SGI40:       true,
		SGI80:       true,
		RxNSS:       2,
		Band:        rate.Band5GHz,
	}
}

type harness struct {
	e      *Engine
	rec    *recorder
	clock  *ManualClock
	oracle *StaticOracle
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		rec:    &recorder{},
		clock:  NewManualClock(time.Unix(1000, 0)),
		oracle: NewStaticOracle(rate.AntAB),
	}
	h.e = New(DefaultParams(), h.oracle, h.rec, WithClock(h.clock))
	return h
}

func (h *harness) link(t *testing.T, caps StationCapabilities) *LinkState {
	t.Helper()
	ls := NewLinkState("02:00:00:00:00:01")
	if err := h.e.RateInit(ls, caps); err != nil {
		t.Fatalf("初始化失败: %v", err)
	}
	return ls
}

// fill 直接向窗口写入 attempts 次尝试
func fill(t *testing.T, tbl *ScaleTable, index, attempts, successes int) {
	t.Helper()
	err := tbl.Win[index].CollectWith(attempts, successes, tbl.Expected.At(index), stats.DefaultThresholds)
	if err != nil {
		t.Fatalf("采集失败: %v", err)
	}
}

func TestRateInit(t *testing.T) {
	h := newHarness(t)
	ls := h.link(t, legacyCaps())

	if h.rec.count() != 1 {
		t.Fatalf("commands = %d, want 1", h.rec.count())
	}
	if ls.state != StateStayInColumn {
		t.Errorf("state = %s, want %s", ls.state, StateStayInColumn)
	}
	if ls.limits != DefaultParams().Legacy {
		t.Errorf("limits = %+v, want legacy limits", ls.limits)
	}

	r := ls.activeTable().Rate
	if r.Mode != rate.ModeLegacyA || r.Index != rate.Index6M || r.Ant != rate.AntA {
		t.Errorf("初始速率 = %s, want legacy-a 6M A", r)
	}
	if ls.activeTable().Column != column.LegacyAntA {
		t.Errorf("column = %s, want %s", ls.activeTable().Column, column.LegacyAntA)
	}

	cmd := h.rec.last()
	if cmd.Color != 1 {
		t.Errorf("Color = %d, want 1", cmd.Color)
	}
	if cmd.Table[0] != rate.MustEncode(r) {
		t.Errorf("Table[0] = 0x%x, want 0x%x", cmd.Table[0], rate.MustEncode(r))
	}
	if ls.missedRate != DefaultParams().MissedRateMax {
		t.Errorf("missedRate = %d, want %d", ls.missedRate, DefaultParams().MissedRateMax)
	}
	if cmd.AggTimeLimit != 4000 || cmd.AggFrameLimit != 63 || cmd.AggDisableStartTh != 3 {
		t.Errorf("聚合参数错误: %+v", cmd)
	}

	t.Run("没有传统速率", func(t *testing.T) {
		ls := NewLinkState("x")
		if err := h.e.RateInit(ls, StationCapabilities{Band: rate.Band5GHz}); err == nil {
			t.Error("应返回错误")
		}
	})

	t.Run("VHT 掩码", func(t *testing.T) {
		ls := h.link(t, vhtCaps())
		if ls.maxSISO != rate.IndexMCS9 || ls.maxMIMO != rate.IndexMCS9 {
			t.Errorf("max = %d/%d, want MCS9", ls.maxSISO, ls.maxMIMO)
		}
		if ls.staBW != rate.BW80 {
			t.Errorf("staBW = %s, want 80MHz", ls.staBW)
		}
	})

	t.Run("2.4GHz 40MHz 按 20MHz", func(t *testing.T) {
		caps := StationCapabilities{
			LegacyRates: []uint8{2, 4, 11, 22, 12, 18, 24, 36, 48, 72, 96, 108},
			HT:          true,
			HTMCS:       [2]uint8{0xff, 0},
			Width:       rate.BW40,
			Band:        rate.Band2GHz,
		}
		ls := h.link(t, caps)
		if ls.staBW != rate.BW20 {
			t.Errorf("staBW = %s, want 20MHz", ls.staBW)
		}
		if ls.activeTable().Rate.Index != rate.Index1M {
			t.Errorf("初始索引 = %d, want 1M", ls.activeTable().Rate.Index)
		}
	})
}

// 场景 A: 当前速率 62 次全部失败 -> 降一级
func TestScenarioDownscaleOnFailures(t *testing.T) {
	h := newHarness(t)
	ls := h.link(t, legacyCaps())
	tbl := ls.activeTable()
	tbl.Rate.Index = rate.Index36M

	fill(t, tbl, rate.Index36M, 62, 0)
	before := h.rec.count()

	h.e.perform(ls, 0, false)

	if tbl.Rate.Index != rate.Index24M {
		t.Errorf("Index = %d, want %d", tbl.Rate.Index, rate.Index24M)
	}
	if h.rec.count() != before+1 {
		t.Fatalf("commands = %d, want %d", h.rec.count(), before+1)
	}
	want := rate.MustEncode(tbl.Rate)
	if got := h.rec.last().Table[0]; got != want {
		t.Errorf("Table[0] = 0x%x, want 0x%x", got, want)
	}
}

// 场景 B: 当前与上邻速率都只有成功 (>=10 次)，无论下邻统计如何都升一级
func TestScenarioUpscale(t *testing.T) {
	type sample struct{ attempts, successes int }

	tests := []struct {
		name    string
		current sample
		high    sample
		low     *sample
	}{
		{"下邻无数据", sample{10, 10}, sample{10, 10}, nil},
		{"下邻成功率差", sample{10, 10}, sample{12, 12}, &sample{20, 5}},
		{"下邻全部成功", sample{62, 62}, sample{20, 20}, &sample{62, 62}},
		{"下邻全部失败", sample{30, 30}, sample{10, 10}, &sample{62, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ls := h.link(t, legacyCaps())
			tbl := ls.activeTable()
			tbl.Rate.Index = rate.Index36M

			fill(t, tbl, rate.Index36M, tt.current.attempts, tt.current.successes)
			fill(t, tbl, rate.Index48M, tt.high.attempts, tt.high.successes)
			if tt.low != nil {
				fill(t, tbl, rate.Index24M, tt.low.attempts, tt.low.successes)
			}
			if sr := tbl.Win[rate.Index36M].SuccessRatio; sr < stats.Percent(DefaultParams().SRNoDecrease) {
				t.Fatalf("SuccessRatio = %d, want >= %d", sr, stats.Percent(DefaultParams().SRNoDecrease))
			}
			before := h.rec.count()

			h.e.perform(ls, 0, false)

			if tbl.Rate.Index != rate.Index48M {
				t.Errorf("Index = %d, want %d", tbl.Rate.Index, rate.Index48M)
			}
			if h.rec.count() != before+1 {
				t.Fatalf("commands = %d, want %d", h.rec.count(), before+1)
			}
			if got, want := h.rec.last().Table[0], rate.MustEncode(tbl.Rate); got != want {
				t.Errorf("Table[0] = 0x%x, want 0x%x", got, want)
			}
		})
	}

	t.Run("上邻无数据且下邻吞吐更低", func(t *testing.T) {
		h := newHarness(t)
		ls := h.link(t, legacyCaps())
		tbl := ls.activeTable()
		tbl.Rate.Index = rate.Index36M

		fill(t, tbl, rate.Index36M, 62, 60)
		fill(t, tbl, rate.Index24M, 20, 10)

		h.e.perform(ls, 0, false)

		if tbl.Rate.Index != rate.Index48M {
			t.Errorf("Index = %d, want %d", tbl.Rate.Index, rate.Index48M)
		}
	})
}

// 列搜索结果: 搜索表吞吐更高时提升为活动表，否则回退
func TestScenarioSearchResult(t *testing.T) {
	setup := func(t *testing.T, lastTpt int) (*harness, *LinkState) {
		h := newHarness(t)
		ls := h.link(t, legacyCaps())
		active := ls.activeTable()
		active.Rate.Index = rate.Index36M

		search := ls.searchTable()
		search.copyConfig(active)
		search.Rate.Ant = rate.AntB
		search.Column = column.LegacyAntB
		h.e.setExpected(ls, search)
		fill(t, search, rate.Index36M, 62, 62)

		ls.searching = true
		ls.state = StateSearchCycleStarted
		ls.lastTpt = lastTpt
		return h, ls
	}

	t.Run("提升", func(t *testing.T) {
		h, ls := setup(t, 10000)
		before := h.rec.count()
		h.e.perform(ls, 0, false)

		if ls.active != 1 {
			t.Errorf("active = %d, want 1", ls.active)
		}
		if ls.searching {
			t.Error("searching 应为 false")
		}
		if ls.activeTable().Rate.Ant != rate.AntB {
			t.Errorf("Ant = %s, want B", ls.activeTable().Rate.Ant)
		}
		if h.rec.count() != before {
			t.Errorf("提升不应下发命令: %d -> %d", before, h.rec.count())
		}
	})

	t.Run("回退", func(t *testing.T) {
		h, ls := setup(t, 20000)
		before := h.rec.count()
		h.e.perform(ls, 0, false)

		if ls.active != 0 {
			t.Errorf("active = %d, want 0", ls.active)
		}
		if ls.searchTable().Rate.Mode != rate.ModeNone {
			t.Errorf("搜索表模式 = %s, want none", ls.searchTable().Rate.Mode)
		}
		if h.rec.count() != before+1 {
			t.Fatalf("commands = %d, want %d", h.rec.count(), before+1)
		}
		if got, want := h.rec.last().Table[0], rate.MustEncode(ls.activeTable().Rate); got != want {
			t.Errorf("Table[0] = 0x%x, want 0x%x", got, want)
		}
	})
}

func TestRateAction(t *testing.T) {
	e := New(DefaultParams(), NewStaticOracle(rate.AntAB), nil)
	tbl := &ScaleTable{Expected: []uint16{7, 13, 35, 58, 40, 57, 72, 98, 121, 154, 177, 186, 0, 0, 0}}
	inv := stats.Invalid

	tests := []struct {
		name                 string
		sr, low, high        int
		cur, lowTpt, highTpt int
		want                 Action
	}{
		{"成功率过低", stats.Percent(10), 8, 10, 5000, inv, inv, ActionDownscale},
		{"吞吐为零", stats.Percent(90), 8, 10, 0, inv, inv, ActionDownscale},
		{"两侧无数据", stats.Percent(50), 8, 10, 5000, inv, inv, ActionUpscale},
		{"上邻无数据下邻更差", stats.Percent(50), 8, 10, 5000, 4000, inv, ActionUpscale},
		{"上邻更好", stats.Percent(50), 8, 10, 5000, 4000, 6000, ActionUpscale},
		{"两侧都更差", stats.Percent(50), 8, 10, 5000, 4000, 4500, ActionStay},
		{"下邻更好", stats.Percent(50), 8, 10, 5000, 6000, 4500, ActionDownscale},
		{"下邻更好但成功率高", stats.Percent(90), 8, 10, 5000, 6000, 4500, ActionStay},
		{"下邻期望低于当前", stats.Percent(50), 8, 10, 13000, 14000, 12000, ActionStay},
		{"最高速率下邻无数据", stats.Percent(50), 8, inv, 5000, inv, inv, ActionDownscale},
		{"最低最高都没有", stats.Percent(50), inv, inv, 5000, inv, inv, ActionStay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.rateAction(tbl, tt.sr, tt.low, tt.high, tt.cur, tt.lowTpt, tt.highTpt)
			if got != tt.want {
				t.Errorf("rateAction() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStayInTable(t *testing.T) {
	t.Run("失败超限开始搜索", func(t *testing.T) {
		h := newHarness(t)
		ls := h.link(t, legacyCaps())
		ls.totalFailed = ls.limits.FailureLimit + 1
		fill(t, ls.activeTable(), rate.Index6M, 10, 5)

		h.e.stayInTable(ls, false)

		if ls.state != StateSearchCycleStarted {
			t.Errorf("state = %s, want %s", ls.state, StateSearchCycleStarted)
		}
		if ls.visited != column.Visited(0).With(column.LegacyAntA) {
			t.Errorf("visited = 0x%x, want only active column", ls.visited)
		}
		if ls.activeTable().Win[rate.Index6M].Counter != 0 {
			t.Error("进入搜索周期应清空窗口")
		}
	})

	t.Run("刷新超时", func(t *testing.T) {
		h := newHarness(t)
		ls := h.link(t, legacyCaps())
		h.clock.Advance(6 * time.Second)
		h.e.stayInTable(ls, false)
		if ls.state != StateSearchCycleStarted {
			t.Errorf("state = %s, want %s", ls.state, StateSearchCycleStarted)
		}
	})

	t.Run("停留计数到上限清空窗口", func(t *testing.T) {
		h := newHarness(t)
		ls := h.link(t, legacyCaps())
		fill(t, ls.activeTable(), rate.Index6M, 10, 5)
		ls.tableCount = ls.limits.TableCount - 1

		h.e.stayInTable(ls, false)

		if ls.state != StateStayInColumn {
			t.Errorf("state = %s, want %s", ls.state, StateStayInColumn)
		}
		if ls.tableCount != 0 {
			t.Errorf("tableCount = %d, want 0", ls.tableCount)
		}
		if ls.activeTable().Win[rate.Index6M].Counter != 0 {
			t.Error("窗口应被清空")
		}
	})
}

func TestFarRangeTweak(t *testing.T) {
	h := newHarness(t)
	ls := h.link(t, vhtCaps())
	tbl := ls.activeTable()
	tbl.Rate = rate.Rate{Mode: rate.ModeVHTSISO, Index: rate.IndexMCS0, Ant: rate.AntA, BW: rate.BW80}
	tbl.Column = column.SISOAntA

	if !h.e.tweakRateTable(ls, tbl, ActionDownscale) {
		t.Fatal("80MHz MCS0 降速应切到 20MHz")
	}
	if tbl.Rate.BW != rate.BW20 || tbl.Rate.Index != rate.IndexMCS4 {
		t.Errorf("got %s, want 20MHz MCS4", tbl.Rate)
	}

	tbl.Rate.Index = rate.IndexMCS6
	if !h.e.tweakRateTable(ls, tbl, ActionUpscale) {
		t.Fatal("20MHz 高速率升速应回到 80MHz")
	}
	if tbl.Rate.BW != rate.BW80 || tbl.Rate.Index != rate.IndexMCS1 {
		t.Errorf("got %s, want 80MHz MCS1", tbl.Rate)
	}

	if h.e.tweakRateTable(ls, tbl, ActionStay) {
		t.Error("80MHz MCS1 停留不应调整")
	}
}

func TestCurrentRate(t *testing.T) {
	t.Run("未收敛返回 RSSI 估计", func(t *testing.T) {
		h := newHarness(t)
		ls := h.link(t, vhtCaps())
		h.e.UpdateLastRSSI(ls, rate.AntAB, [3]int8{-50, -55, 0})

		est := h.e.CurrentRate(ls)
		if est.Converged {
			t.Error("Converged 应为 false")
		}
		if est.Rate.Mode != rate.ModeVHTMIMO2 || est.Rate.Index != rate.IndexMCS9 {
			t.Errorf("估计 = %s, want vht-mimo2 MCS9", est.Rate)
		}
		if !est.Rate.SGI || est.Rate.BW != rate.BW80 {
			t.Errorf("估计 = %s, want 80MHz SGI", est.Rate)
		}

		h.e.UpdateLastRSSI(ls, rate.AntA, [3]int8{-86, 0, 0})
		if est := h.e.CurrentRate(ls); est.Rate.Index != rate.IndexMCS2 {
			t.Errorf("Index = %d, want MCS2", est.Rate.Index)
		}
	})

	t.Run("收敛返回当前速率", func(t *testing.T) {
		h := newHarness(t)
		ls := h.link(t, legacyCaps())
		fill(t, ls.activeTable(), rate.Index6M, 20, 20)
		// 直接写入窗口后刷新视图
		h.e.publish(ls)

		est := h.e.CurrentRate(ls)
		if !est.Converged {
			t.Fatal("Converged 应为 true")
		}
		if est.Code != ls.lq.Table[0] {
			t.Errorf("Code = 0x%x, want 0x%x", est.Code, ls.lq.Table[0])
		}
	})

	t.Run("未初始化", func(t *testing.T) {
		h := newHarness(t)
		if est := h.e.CurrentRate(NewLinkState("x")); est.Code != 0 || est.Converged {
			t.Errorf("未初始化估计 = %+v", est)
		}
	})
}

func TestTxProtection(t *testing.T) {
	h := newHarness(t)
	ls := h.link(t, legacyCaps())
	base := h.rec.count()

	for i := 0; i < 2; i++ {
		if err := h.e.TxProtection(ls, true); err != nil {
			t.Fatalf("开启保护失败: %v", err)
		}
	}
	if !h.rec.last().RTS {
		t.Error("RTS 应开启")
	}
	if h.rec.count() != base+2 {
		t.Errorf("commands = %d, want %d", h.rec.count(), base+2)
	}

	_ = h.e.TxProtection(ls, false)
	if !h.rec.last().RTS {
		t.Error("仍有引用时 RTS 应保持")
	}
	_ = h.e.TxProtection(ls, false)
	if h.rec.last().RTS {
		t.Error("引用归零后 RTS 应关闭")
	}
	if err := h.e.TxProtection(ls, false); err == nil {
		t.Error("计数下溢应返回错误")
	}

	_ = h.e.TxProtection(ls, true)
	h.e.fillLQ(ls, ls.activeTable().Rate)
	if !ls.lq.RTS {
		t.Error("重建命令后 RTS 应保持")
	}
}

func TestReadViewsWithoutLock(t *testing.T) {
	t.Run("持锁期间读取不阻塞", func(t *testing.T) {
		h := newHarness(t)
		ls := h.link(t, legacyCaps())

		ls.mu.Lock()
		done := make(chan Snapshot, 1)
		go func() {
			h.e.CurrentRate(ls)
			ls.PersistentStats()
			done <- ls.Snapshot()
		}()
		select {
		case snap := <-done:
			if snap.Color != 1 || !snap.Initialized {
				t.Errorf("snapshot = %+v, want color 1 initialized", snap)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("读取被反馈锁阻塞")
		}
		ls.mu.Unlock()
	})

	t.Run("并发读取不丢弃反馈", func(t *testing.T) {
		h := newHarness(t)
		ls := h.link(t, legacyCaps())

		stop := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					ls.Snapshot()
					ls.PersistentStats()
					h.e.CurrentRate(ls)
				}
			}()
		}

		const reports = 500
		for i := 0; i < reports; i++ {
			rep := TxStatusReport{
				Attempted: 1,
				Acked:     1,
				RateCode:  h.rec.last().Table[0],
				Color:     ls.Snapshot().Color,
				Seq:       uint16(i),
			}
			if err := h.e.TxStatus(ls, rep); err == ErrBusy {
				t.Fatalf("report %d: err = ErrBusy", i)
			}
		}
		close(stop)
		wg.Wait()

		var total uint64
		for _, cs := range ls.PersistentStats() {
			total += cs.Total
		}
		if total != reports {
			t.Errorf("total = %d, want %d", total, reports)
		}
	})
}
