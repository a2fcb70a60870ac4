// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器 - 按对端导出当前速率/状态/窗口统计
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// 对端收集器
// =============================================================================

// PeerSample 单个对端的采样
type PeerSample struct {
	Peer         string
	Session      string
	State        string
	Column       string
	Mode         string
	RateCode     uint32
	Index        int
	BandwidthMHz int
	SuccessRatio int // 128 倍百分比，-1 表示无效
	AverageTpt   int // -1 表示无效
	ReducedTPC   int
	LastRSSI     int
	Converged    bool
	Aggregating  bool
	TxTotal      uint64
	TxSuccess    uint64
}

// PeerStats 对端统计数据接口
type PeerStats interface {
	PeerSamples() []PeerSample
}

// PeerStates 采集时枚举的引擎状态
var PeerStates = []string{"stay_in_column", "search_started", "search_ended"}

// PeerCollector 对端指标收集器
type PeerCollector struct {
	statsProvider PeerStats

	peersDesc        *prometheus.Desc
	stateDesc        *prometheus.Desc
	rateDesc         *prometheus.Desc
	indexDesc        *prometheus.Desc
	bandwidthDesc    *prometheus.Desc
	successRatioDesc *prometheus.Desc
	avgTptDesc       *prometheus.Desc
	reducedTPCDesc   *prometheus.Desc
	rssiDesc         *prometheus.Desc
	convergedDesc    *prometheus.Desc
	aggDesc          *prometheus.Desc
	txTotalDesc      *prometheus.Desc
	txSuccessDesc    *prometheus.Desc
}

// NewPeerCollector 创建对端收集器
func NewPeerCollector(provider PeerStats) *PeerCollector {
	namespace := "linkrate"
	subsystem := "peer"
	peerLabels := []string{"peer", "session"}

	return &PeerCollector{
		statsProvider: provider,

		peersDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "count"),
			"Number of peers in the table",
			nil, nil,
		),
		stateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "state"),
			"Current engine state (1 = active)",
			[]string{"peer", "session", "state"}, nil,
		),
		rateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "rate_info"),
			"Current active rate (value is the hardware rate word)",
			[]string{"peer", "session", "column", "mode"}, nil,
		),
		indexDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "rate_index"),
			"Catalog index of the active rate",
			peerLabels, nil,
		),
		bandwidthDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bandwidth_mhz"),
			"Channel width of the active rate",
			peerLabels, nil,
		),
		successRatioDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "success_ratio"),
			"Success ratio of the active rate window (0-1)",
			peerLabels, nil,
		),
		avgTptDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "average_throughput"),
			"Average throughput of the active rate window",
			peerLabels, nil,
		),
		reducedTPCDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "tx_power_reduction"),
			"Transmit power reduction level",
			peerLabels, nil,
		),
		rssiDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "last_rssi_dbm"),
			"Strongest chain signal of the last report",
			peerLabels, nil,
		),
		convergedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "converged"),
			"Whether the current rate estimate is converged (1 = yes)",
			peerLabels, nil,
		),
		aggDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "aggregating"),
			"Whether the last report was an aggregate (1 = yes)",
			peerLabels, nil,
		),
		txTotalDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "tx_frames_total"),
			"Frames attempted since association",
			peerLabels, nil,
		),
		txSuccessDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "tx_success_total"),
			"Frames acknowledged since association",
			peerLabels, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *PeerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.peersDesc
	ch <- c.stateDesc
	ch <- c.rateDesc
	ch <- c.indexDesc
	ch <- c.bandwidthDesc
	ch <- c.successRatioDesc
	ch <- c.avgTptDesc
	ch <- c.reducedTPCDesc
	ch <- c.rssiDesc
	ch <- c.convergedDesc
	ch <- c.aggDesc
	ch <- c.txTotalDesc
	ch <- c.txSuccessDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *PeerCollector) Collect(ch chan<- prometheus.Metric) {
	samples := c.statsProvider.PeerSamples()
	ch <- prometheus.MustNewConstMetric(c.peersDesc, prometheus.GaugeValue, float64(len(samples)))

	for _, s := range samples {
		for _, state := range PeerStates {
			val := 0.0
			if state == s.State {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, val,
				s.Peer, s.Session, state)
		}

		ch <- prometheus.MustNewConstMetric(c.rateDesc, prometheus.GaugeValue,
			float64(s.RateCode), s.Peer, s.Session, s.Column, s.Mode)
		ch <- prometheus.MustNewConstMetric(c.indexDesc, prometheus.GaugeValue,
			float64(s.Index), s.Peer, s.Session)
		ch <- prometheus.MustNewConstMetric(c.bandwidthDesc, prometheus.GaugeValue,
			float64(s.BandwidthMHz), s.Peer, s.Session)

		// 窗口尚无效时不导出
		if s.SuccessRatio >= 0 {
			ch <- prometheus.MustNewConstMetric(c.successRatioDesc, prometheus.GaugeValue,
				float64(s.SuccessRatio)/12800, s.Peer, s.Session)
		}
		if s.AverageTpt >= 0 {
			ch <- prometheus.MustNewConstMetric(c.avgTptDesc, prometheus.GaugeValue,
				float64(s.AverageTpt), s.Peer, s.Session)
		}

		ch <- prometheus.MustNewConstMetric(c.reducedTPCDesc, prometheus.GaugeValue,
			float64(s.ReducedTPC), s.Peer, s.Session)
		ch <- prometheus.MustNewConstMetric(c.rssiDesc, prometheus.GaugeValue,
			float64(s.LastRSSI), s.Peer, s.Session)
		ch <- prometheus.MustNewConstMetric(c.convergedDesc, prometheus.GaugeValue,
			boolValue(s.Converged), s.Peer, s.Session)
		ch <- prometheus.MustNewConstMetric(c.aggDesc, prometheus.GaugeValue,
			boolValue(s.Aggregating), s.Peer, s.Session)
		ch <- prometheus.MustNewConstMetric(c.txTotalDesc, prometheus.CounterValue,
			float64(s.TxTotal), s.Peer, s.Session)
		ch <- prometheus.MustNewConstMetric(c.txSuccessDesc, prometheus.CounterValue,
			float64(s.TxSuccess), s.Peer, s.Session)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
