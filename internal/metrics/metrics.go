// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 运行统计 - 反馈/命令计数与最近速率变更记录，供健康检查输出
// =============================================================================
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// historySize 保留的速率变更条数
const historySize = 100

// RuntimeStats 进程级运行统计
type RuntimeStats struct {
	// 对端统计
	activePeers int64
	totalPeers  uint64

	// 反馈与命令
	reportsIn   uint64
	commandsOut uint64

	rateChanges uint64
	history     []RateChangeRecord

	startTime time.Time

	mu sync.RWMutex
}

// RateChangeRecord 速率变更记录
type RateChangeRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Peer      string    `json:"peer"`
	From      string    `json:"from"`
	To        string    `json:"to"`
}

// NewRuntimeStats 创建运行统计
func NewRuntimeStats() *RuntimeStats {
	return &RuntimeStats{
		startTime: time.Now(),
		history:   make([]RateChangeRecord, 0, historySize),
	}
}

// PeerAdded 对端关联
func (m *RuntimeStats) PeerAdded() {
	atomic.AddInt64(&m.activePeers, 1)
	atomic.AddUint64(&m.totalPeers, 1)
}

// PeerRemoved 对端解除关联
func (m *RuntimeStats) PeerRemoved() {
	atomic.AddInt64(&m.activePeers, -1)
}

// GetActivePeers 当前对端数
func (m *RuntimeStats) GetActivePeers() int64 {
	return atomic.LoadInt64(&m.activePeers)
}

// GetTotalPeers 累计关联次数
func (m *RuntimeStats) GetTotalPeers() uint64 {
	return atomic.LoadUint64(&m.totalPeers)
}

// AddReports 累加已处理反馈数
func (m *RuntimeStats) AddReports(n int) {
	if n > 0 {
		atomic.AddUint64(&m.reportsIn, uint64(n))
	}
}

// AddCommands 累加已下发命令数
func (m *RuntimeStats) AddCommands(n int) {
	if n > 0 {
		atomic.AddUint64(&m.commandsOut, uint64(n))
	}
}

// GetReports 已处理反馈数
func (m *RuntimeStats) GetReports() uint64 {
	return atomic.LoadUint64(&m.reportsIn)
}

// GetCommands 已下发命令数
func (m *RuntimeStats) GetCommands() uint64 {
	return atomic.LoadUint64(&m.commandsOut)
}

// RecordRateChange 记录一次首选速率变更
func (m *RuntimeStats) RecordRateChange(peer, from, to string) {
	atomic.AddUint64(&m.rateChanges, 1)

	m.mu.Lock()
	defer m.mu.Unlock()

	record := RateChangeRecord{
		Timestamp: time.Now(),
		Peer:      peer,
		From:      from,
		To:        to,
	}

	if len(m.history) >= historySize {
		m.history = m.history[1:]
	}
	m.history = append(m.history, record)
}

// GetRateChanges 速率变更次数
func (m *RuntimeStats) GetRateChanges() uint64 {
	return atomic.LoadUint64(&m.rateChanges)
}

// GetHistory 最近的速率变更 (新的在前)
func (m *RuntimeStats) GetHistory(limit int) []RateChangeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}

	result := make([]RateChangeRecord, limit)
	for i := 0; i < limit; i++ {
		result[i] = m.history[len(m.history)-1-i]
	}
	return result
}

// GetUptime 运行时间
func (m *RuntimeStats) GetUptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.startTime)
}

// GetStats 全部统计
func (m *RuntimeStats) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"uptime":       m.GetUptime().String(),
		"active_peers": m.GetActivePeers(),
		"total_peers":  m.GetTotalPeers(),
		"reports":      m.GetReports(),
		"commands":     m.GetCommands(),
		"rate_changes": m.GetRateChanges(),
	}
}
