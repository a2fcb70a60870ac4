// =============================================================================
// 文件: internal/engine/linkstate.go
// 描述: 速率调度引擎 - 每对端链路状态
// =============================================================================
package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/linkrate/internal/column"
	"github.com/mrcgq/linkrate/internal/rate"
)

type tidStats struct {
	measStart time.Time
	count     int
	last      int
}

// LinkState 单个对端的全部调度状态，由调用方持有并传入每个引擎入口。
// 反馈路径以 TryLock 获取锁，关联/重置路径阻塞获取。
// Snapshot/PersistentStats/CurrentRate 只读取已发布的视图，不取锁。
type LinkState struct {
	mu   sync.Mutex
	view atomic.Pointer[linkView]

	peer        string
	caps        StationCapabilities
	initialized bool

	tables    [2]ScaleTable
	active    int
	searching bool

	state        State
	visited      column.Visited
	totalSuccess int
	totalFailed  int
	tableCount   int
	limits       StayLimits
	flushTimer   time.Time
	lastTx       time.Time
	lastTpt      int

	legacyMask rate.Mask
	sisoMask   rate.Mask
	mimoMask   rate.Mask
	maxLegacy  int
	maxSISO    int
	maxMIMO    int

	isVHT       bool
	ldpc        bool
	stbcCapable bool
	bferCapable bool
	band        rate.Band
	staBW       rate.Bandwidth

	chainSignal [3]int8
	chains      rate.Antenna
	lastRSSI    int8

	optimalRate  rate.Rate
	optimalMask  rate.Mask
	optimalTable []rssiRate

	lq           LinkQualityCommand
	missedRate   int
	lastRateCode uint32

	isAgg         bool
	aggTIDEnabled uint8
	tids          [MaxTID]tidStats
	txProtection  int

	// 跨重置保留
	txStats [column.Count][rate.Count]TxCounter
}

// NewLinkState 创建未初始化的链路状态
func NewLinkState(peer string) *LinkState {
	ls := &LinkState{
		peer:     peer,
		lastRSSI: -128,
	}
	ls.tables[0] = newScaleTable()
	ls.tables[1] = newScaleTable()
	ls.view.Store(ls.buildView(CurrentRateEstimate{}))
	return ls
}

// Peer 对端标识
func (ls *LinkState) Peer() string {
	return ls.peer
}

func (ls *LinkState) searchIndex() int {
	return ls.active ^ 1
}

func (ls *LinkState) activeTable() *ScaleTable {
	return &ls.tables[ls.active]
}

func (ls *LinkState) searchTable() *ScaleTable {
	return &ls.tables[ls.searchIndex()]
}

// supportedRates 速率所属类别的支持掩码
func (ls *LinkState) supportedRates(r rate.Rate) rate.Mask {
	switch {
	case r.Mode.IsLegacy():
		return ls.legacyMask
	case r.Mode.IsSISO():
		return ls.sisoMask
	case r.Mode.IsMIMO2():
		return ls.mimoMask
	}
	return 0
}

// maxAllowedRate 列模式下的最高可用索引
func (ls *LinkState) maxAllowedRate(m column.Mode) int {
	switch m {
	case column.ModeLegacy:
		return ls.maxLegacy
	case column.ModeSISO:
		return ls.maxSISO
	case column.ModeMIMO2:
		return ls.maxMIMO
	}
	return rate.InvalidIndex
}

// updateLastRSSI 取各链最大信号强度
func (ls *LinkState) updateLastRSSI() {
	best := int8(-128)
	for i := range ls.chainSignal {
		if ls.chains&(1<<uint(i)) == 0 {
			continue
		}
		if ls.chainSignal[i] > best {
			best = ls.chainSignal[i]
		}
	}
	ls.lastRSSI = best
}

// =============================================================================
// 快照
// =============================================================================

// Snapshot 链路状态的只读副本
type Snapshot struct {
	Peer         string
	Initialized  bool
	State        State
	Searching    bool
	Visited      column.Visited
	Active       rate.Rate
	ActiveColumn column.ID
	Search       rate.Rate
	SearchColumn column.ID
	SuccessRatio int
	AverageTpt   int
	LastTpt      int
	LastRSSI     int8
	ReducedTPC   uint8
	Color        uint8
	IsAgg        bool
	TxProtection int
	Command      LinkQualityCommand
}

// linkView 入口处理结束时发布的只读视图
type linkView struct {
	snap    Snapshot
	txStats [column.Count][rate.Count]TxCounter
	current CurrentRateEstimate
}

// buildView 调用方持有锁
func (ls *LinkState) buildView(current CurrentRateEstimate) *linkView {
	active := ls.activeTable()
	search := ls.searchTable()
	v := &linkView{
		snap: Snapshot{
			Peer:         ls.peer,
			Initialized:  ls.initialized,
			State:        ls.state,
			Searching:    ls.searching,
			Visited:      ls.visited,
			Active:       active.Rate,
			ActiveColumn: active.Column,
			Search:       search.Rate,
			SearchColumn: search.Column,
			SuccessRatio: -1,
			AverageTpt:   -1,
			LastTpt:      ls.lastTpt,
			LastRSSI:     ls.lastRSSI,
			ReducedTPC:   ls.lq.ReducedTPC,
			Color:        ls.lq.Color,
			IsAgg:        ls.isAgg,
			TxProtection: ls.txProtection,
			Command:      ls.lq,
		},
		txStats: ls.txStats,
		current: current,
	}
	if w := active.window(active.Rate.Index); w != nil {
		v.snap.SuccessRatio = w.SuccessRatio
		v.snap.AverageTpt = w.AverageTpt
	}
	return v
}

// publish 刷新只读视图，调用方持有锁
func (e *Engine) publish(ls *LinkState) {
	ls.view.Store(ls.buildView(e.currentRate(ls)))
}

// Snapshot 最近一次发布的快照
func (ls *LinkState) Snapshot() Snapshot {
	return ls.view.Load().snap
}

// ColumnStats 某列某速率的持久计数
type ColumnStats struct {
	Column column.ID
	Index  int
	TxCounter
}

// PersistentStats 返回非零的持久发送计数
func (ls *LinkState) PersistentStats() []ColumnStats {
	v := ls.view.Load()

	var out []ColumnStats
	for c := range v.txStats {
		for i, cnt := range v.txStats[c] {
			if cnt.Total == 0 {
				continue
			}
			out = append(out, ColumnStats{Column: column.ID(c), Index: i, TxCounter: cnt})
		}
	}
	return out
}
