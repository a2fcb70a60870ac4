// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Gauge/Histogram），方法对 nil 接收者安全
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LinkRateMetrics 速率调度指标集合
type LinkRateMetrics struct {
	// 链路相关
	ActiveLinks  prometheus.Gauge
	Associations *prometheus.CounterVec

	// 反馈处理
	StatusReports *prometheus.CounterVec

	// 决策
	Actions       *prometheus.CounterVec
	SearchEvents  *prometheus.CounterVec
	TPCActions    *prometheus.CounterVec
	DecisionTpt   prometheus.Histogram
	AggregationRq prometheus.Counter

	// 输出命令
	Commands *prometheus.CounterVec

	// 日志落盘
	JournalWrites *prometheus.CounterVec

	// 命令队列与推送
	QueueDropped prometheus.Counter
	FeedClients  prometheus.Gauge
}

// NewLinkRateMetrics 创建指标集合
func NewLinkRateMetrics(registry *prometheus.Registry) *LinkRateMetrics {
	m := &LinkRateMetrics{
		ActiveLinks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "linkrate",
			Name:      "active_links",
			Help:      "Number of associated peers",
		}),

		Associations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkrate",
			Name:      "associations_total",
			Help:      "Association events",
		}, []string{"event"}),

		StatusReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkrate",
			Name:      "status_reports_total",
			Help:      "Tx status reports by result",
		}, []string{"result"}),

		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkrate",
			Subsystem: "engine",
			Name:      "actions_total",
			Help:      "In-column scaling decisions",
		}, []string{"action"}),

		SearchEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkrate",
			Subsystem: "search",
			Name:      "events_total",
			Help:      "Column search events",
		}, []string{"event"}),

		TPCActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkrate",
			Subsystem: "tpc",
			Name:      "actions_total",
			Help:      "Transmit power control decisions",
		}, []string{"action"}),

		DecisionTpt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "linkrate",
			Subsystem: "engine",
			Name:      "decision_throughput",
			Help:      "Average throughput of the window at decision time",
			Buckets:   []float64{50, 100, 200, 400, 800, 1600, 3200, 6400},
		}),

		AggregationRq: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linkrate",
			Subsystem: "agg",
			Name:      "start_requests_total",
			Help:      "Aggregation session start requests",
		}),

		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkrate",
			Name:      "commands_total",
			Help:      "Link quality commands dispatched",
		}, []string{"reason"}),

		JournalWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkrate",
			Subsystem: "journal",
			Name:      "writes_total",
			Help:      "Journal write attempts",
		}, []string{"status"}),

		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linkrate",
			Subsystem: "dispatch",
			Name:      "dropped_total",
			Help:      "Commands dropped because the dispatch queue was full",
		}),

		FeedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "linkrate",
			Subsystem: "feed",
			Name:      "clients",
			Help:      "Connected command feed subscribers",
		}),
	}

	// 注册所有指标
	registry.MustRegister(
		m.ActiveLinks,
		m.Associations,
		m.StatusReports,
		m.Actions,
		m.SearchEvents,
		m.TPCActions,
		m.DecisionTpt,
		m.AggregationRq,
		m.Commands,
		m.JournalWrites,
		m.QueueDropped,
		m.FeedClients,
	)

	return m
}

// RecordAssociation 记录关联/解除关联
func (m *LinkRateMetrics) RecordAssociation(event string) {
	if m == nil {
		return
	}
	m.Associations.WithLabelValues(event).Inc()
	switch event {
	case "associate":
		m.ActiveLinks.Inc()
	case "disassociate":
		m.ActiveLinks.Dec()
	}
}

// RecordStatus 记录反馈处理结果
func (m *LinkRateMetrics) RecordStatus(result string) {
	if m == nil {
		return
	}
	m.StatusReports.WithLabelValues(result).Inc()
}

// RecordAction 记录列内动作及当时的平均吞吐
func (m *LinkRateMetrics) RecordAction(action string, tpt int) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(action).Inc()
	if tpt >= 0 {
		m.DecisionTpt.Observe(float64(tpt))
	}
}

// RecordSearch 记录列搜索事件
func (m *LinkRateMetrics) RecordSearch(event string) {
	if m == nil {
		return
	}
	m.SearchEvents.WithLabelValues(event).Inc()
}

// RecordTPC 记录功率控制动作
func (m *LinkRateMetrics) RecordTPC(action string) {
	if m == nil {
		return
	}
	m.TPCActions.WithLabelValues(action).Inc()
}

// RecordAggregationStart 记录聚合启动请求
func (m *LinkRateMetrics) RecordAggregationStart() {
	if m == nil {
		return
	}
	m.AggregationRq.Inc()
}

// RecordCommand 记录下发命令
func (m *LinkRateMetrics) RecordCommand(reason string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(reason).Inc()
}

// RecordJournalWrite 记录日志落盘
func (m *LinkRateMetrics) RecordJournalWrite(status string) {
	if m == nil {
		return
	}
	m.JournalWrites.WithLabelValues(status).Inc()
}

// RecordQueueDrop 记录队列满丢弃
func (m *LinkRateMetrics) RecordQueueDrop() {
	if m == nil {
		return
	}
	m.QueueDropped.Inc()
}

// RecordFeedClients 推送订阅者数量变化
func (m *LinkRateMetrics) RecordFeedClients(delta int) {
	if m == nil {
		return
	}
	m.FeedClients.Add(float64(delta))
}
