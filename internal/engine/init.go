// =============================================================================
// 文件: internal/engine/init.go
// 描述: 速率调度引擎 - 关联初始化、能力更新、RSSI 记录
// =============================================================================
package engine

import (
	"fmt"

	"github.com/mrcgq/linkrate/internal/column"
	"github.com/mrcgq/linkrate/internal/rate"
)

// RateInit 关联时初始化链路并下发首个命令
func (e *Engine) RateInit(ls *LinkState, caps StationCapabilities) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	defer e.publish(ls)
	return e.rateInit(ls, caps)
}

// RateUpdate 对端能力变化，完整重置
func (e *Engine) RateUpdate(ls *LinkState, caps StationCapabilities) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	defer e.publish(ls)
	e.log(1, "[%s] 对端能力更新，重新初始化", ls.peer)
	return e.rateInit(ls, caps)
}

// UpdateLastRSSI 记录最近接收的各链信号强度
func (e *Engine) UpdateLastRSSI(ls *LinkState, chains rate.Antenna, signals [3]int8) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	defer e.publish(ls)
	ls.chains = chains
	ls.chainSignal = signals
	ls.updateLastRSSI()
}

// recordChainRSSI 反馈中携带的各链信号，0 表示无数据
func (e *Engine) recordChainRSSI(ls *LinkState, rssi []int8) {
	var chains rate.Antenna
	var signals [3]int8
	for i := 0; i < len(rssi) && i < len(signals); i++ {
		if rssi[i] == 0 {
			continue
		}
		chains |= rate.Antenna(1 << uint(i))
		signals[i] = rssi[i]
	}
	if chains == rate.AntNone {
		return
	}
	ls.chains = chains
	ls.chainSignal = signals
	ls.updateLastRSSI()
}

// resetVolatile 清空非持久状态，保留对端标识、RSSI、持久计数与保护计数
func (ls *LinkState) resetVolatile() {
	color := ls.lq.Color
	ls.tables[0] = newScaleTable()
	ls.tables[1] = newScaleTable()
	ls.active = 0
	ls.searching = false
	ls.state = StateStayInColumn
	ls.visited = 0
	ls.totalSuccess = 0
	ls.totalFailed = 0
	ls.tableCount = 0
	ls.lastTpt = 0
	ls.lq = LinkQualityCommand{Color: color}
	ls.lastRateCode = 0
	ls.isAgg = false
	ls.tids = [MaxTID]tidStats{}
	ls.optimalTable = nil
}

// rateInit 调用方持有锁
func (e *Engine) rateInit(ls *LinkState, caps StationCapabilities) error {
	legacy := rate.LegacyMask(caps.LegacyRates, caps.Band)
	if legacy == 0 {
		return fmt.Errorf("[%s] 初始化失败: %w", ls.peer, ErrNoRates)
	}

	now := e.clock.Now()
	ls.resetVolatile()
	ls.caps = caps
	ls.band = caps.Band
	ls.staBW = caps.stationBW()
	ls.flushTimer = now
	ls.lastTx = now
	ls.missedRate = e.params.MissedRateMax
	ls.legacyMask = legacy

	validAnts := e.oracle.ValidTxAntennas()
	if caps.VHT {
		e.vhtInit(ls, caps, validAnts)
	} else {
		e.htInit(ls, caps, validAnts)
	}

	ls.maxLegacy = ls.legacyMask.Highest()
	ls.maxSISO = ls.sisoMask.Highest()
	ls.maxMIMO = ls.mimoMask.Highest()

	ls.lq.SingleStreamAnt = rate.FirstAntenna(validAnts)
	ls.lq.DualStreamAnt = rate.AntAB
	ls.aggTIDEnabled = 0xff

	e.log(1, "[%s] 初始化 band=%s bw=%s vht=%v legacy=0x%x siso=0x%x mimo=0x%x",
		ls.peer, ls.band, ls.staBW, ls.isVHT, ls.legacyMask, ls.sisoMask, ls.mimoMask)

	e.initializeLQ(ls)
	ls.initialized = true
	return nil
}

func (e *Engine) htInit(ls *LinkState, caps StationCapabilities, validAnts rate.Antenna) {
	ls.isVHT = false
	if caps.HT {
		ls.sisoMask = rate.HTMask(caps.HTMCS[0])
		ls.mimoMask = rate.HTMask(caps.HTMCS[1])
	} else {
		ls.sisoMask = 0
		ls.mimoMask = 0
	}
	ls.ldpc = e.params.LDPCSupported && caps.HT && caps.LDPC
	ls.stbcCapable = caps.HT && validAnts.Count() > 1 && caps.STBC
	ls.bferCapable = false
}

func (e *Engine) vhtInit(ls *LinkState, caps StationCapabilities, validAnts rate.Antenna) {
	ls.isVHT = true
	ls.sisoMask = rate.VHTMask(caps.VHTMCSMap, 1, caps.Width)
	ls.mimoMask = 0
	if caps.RxNSS >= 2 {
		ls.mimoMask = rate.VHTMask(caps.VHTMCSMap, 2, caps.Width)
	}
	ls.ldpc = e.params.LDPCSupported && caps.LDPC
	ls.stbcCapable = validAnts.Count() > 1 && caps.STBC
	ls.bferCapable = e.params.Beamformer && validAnts.Count() > 1 && caps.Beamformee
}

// initializeLQ 选择起始速率并下发首个命令
func (e *Engine) initializeLQ(ls *LinkState) {
	tbl := ls.activeTable()

	r := e.initialRate(ls)
	tbl.Rate = r
	e.initOptimalRate(ls)

	tbl.Column = column.FromRate(r)
	e.setExpected(ls, tbl)
	e.setStayInTable(ls, r.Mode.IsLegacy())

	e.fillLQ(ls, r)
	e.sendLQ(ls, "init")
}
