// =============================================================================
// 文件: internal/engine/engine.go
// 描述: 速率调度引擎 - 引擎实例、选项与公共辅助
// =============================================================================
package engine

import (
	"github.com/mrcgq/linkrate/internal/column"
	"github.com/mrcgq/linkrate/internal/logx"
	"github.com/mrcgq/linkrate/internal/metrics"
	"github.com/mrcgq/linkrate/internal/rate"
	"github.com/mrcgq/linkrate/internal/throughput"
)

// Engine 速率调度引擎。自身无跨对端可变状态，所有状态位于 LinkState。
type Engine struct {
	params     Params
	oracle     Oracle
	dispatcher Dispatcher
	clock      Clock
	logger     *logx.Logger
	metrics    *metrics.LinkRateMetrics
}

// Option 引擎选项
type Option func(*Engine)

// WithClock 指定时钟
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger 指定日志
func WithLogger(l *logx.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics 指定指标
func WithMetrics(m *metrics.LinkRateMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New 创建引擎
func New(params Params, oracle Oracle, dispatcher Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		params:     params,
		oracle:     oracle,
		dispatcher: dispatcher,
		clock:      SystemClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Params 当前参数
func (e *Engine) Params() Params {
	return e.params
}

func (e *Engine) log(level int, format string, args ...interface{}) {
	e.logger.Log(level, format, args...)
}

// =============================================================================
// 列谓词环境
// =============================================================================

type columnEnv struct {
	e  *Engine
	ls *LinkState
}

func (e *Engine) env(ls *LinkState) columnEnv {
	return columnEnv{e: e, ls: ls}
}

func (c columnEnv) AntennaAvailable(ant rate.Antenna) bool {
	return c.e.oracle.AntennaAvailable(ant)
}

func (c columnEnv) HTSupported() bool {
	return c.ls.caps.HT || c.ls.caps.VHT
}

func (c columnEnv) MIMOSupported() bool {
	if !c.HTSupported() {
		return false
	}
	if c.e.oracle.ValidTxAntennas().Count() < 2 {
		return false
	}
	return c.e.oracle.MIMOAllowed(c.ls.peer)
}

func (c columnEnv) SGISupported(bw rate.Bandwidth) bool {
	return c.ls.caps.sgiSupported(bw)
}

// =============================================================================
// 期望吞吐量表
// =============================================================================

// columnTable 列模式在指定带宽下的期望表
func (e *Engine) columnTable(ls *LinkState, col *column.Column, bw rate.Bandwidth) throughput.Table {
	var mode rate.Mode
	switch col.Mode {
	case column.ModeLegacy:
		mode = ls.band.LegacyMode()
	case column.ModeSISO:
		mode = rate.ModeHTSISO
	case column.ModeMIMO2:
		mode = rate.ModeHTMIMO2
	default:
		return nil
	}
	return throughput.For(mode, bw, col.SGI, ls.isAgg)
}

// setExpected 按表当前列设置期望表，列无效时退回传统表
func (e *Engine) setExpected(ls *LinkState, tbl *ScaleTable) {
	col := column.Get(tbl.Column)
	if col == nil {
		e.log(0, "列无效 %d，使用传统期望表", tbl.Column)
		tbl.Expected = throughput.For(ls.band.LegacyMode(), rate.BW20, false, false)
		return
	}
	tbl.Expected = e.columnTable(ls, col, tbl.Rate.BW)
}

// columnMatch 两个速率是否属于同一列
func columnMatch(a, b rate.Rate) bool {
	var antMatch bool
	if a.STBC || a.BFER {
		antMatch = b.Ant == rate.AntA || b.Ant == rate.AntB
	} else {
		antMatch = a.Ant == b.Ant
	}
	return a.Mode == b.Mode && a.BW == b.BW && a.SGI == b.SGI && antMatch
}
