// =============================================================================
// 文件: internal/peer/table.go
// 描述: 对端表 - 关联/解除关联生命周期、反馈分派、指标采样
// =============================================================================
package peer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrcgq/linkrate/internal/engine"
	"github.com/mrcgq/linkrate/internal/logx"
	"github.com/mrcgq/linkrate/internal/metrics"
	"github.com/mrcgq/linkrate/internal/rate"
)

// ErrUnknownPeer 对端未关联
var ErrUnknownPeer = errors.New("unknown peer")

// Session 一次关联
type Session struct {
	ID         uuid.UUID
	Peer       string
	Caps       engine.StationCapabilities
	Link       *engine.LinkState
	Associated time.Time
}

// Table 对端表
type Table struct {
	engine  *engine.Engine
	metrics *metrics.LinkRateMetrics
	runtime *metrics.RuntimeStats
	logger  *logx.Logger
	dedup   *DupFilter

	// onDisassociate 在会话移出表后调用 (用于最终落盘)
	onDisassociate func(*Session)

	// assocMu 串行化关联，同一对端只会初始化一个链路状态
	assocMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option 对端表选项
type Option func(*Table)

// WithMetrics 设置指标
func WithMetrics(m *metrics.LinkRateMetrics) Option {
	return func(t *Table) { t.metrics = m }
}

// WithRuntimeStats 设置运行统计
func WithRuntimeStats(r *metrics.RuntimeStats) Option {
	return func(t *Table) { t.runtime = r }
}

// WithLogger 设置日志
func WithLogger(l *logx.Logger) Option {
	return func(t *Table) { t.logger = l }
}

// WithDupFilter 启用重复反馈过滤
func WithDupFilter(f *DupFilter) Option {
	return func(t *Table) { t.dedup = f }
}

// WithDisassociateHook 设置解除关联回调
func WithDisassociateHook(fn func(*Session)) Option {
	return func(t *Table) { t.onDisassociate = fn }
}

// NewTable 创建对端表
func NewTable(eng *engine.Engine, opts ...Option) *Table {
	t := &Table{
		engine:   eng,
		logger:   logx.Nop(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Engine 返回引擎
func (t *Table) Engine() *engine.Engine {
	return t.engine
}

// Associate 关联对端。已关联时按新能力更新，会话 ID 不变。
// 引擎调用在表锁之外进行，下发命令的回调可以安全地访问对端表；
// 并发关联由 assocMu 串行化，后到者走能力更新路径。
func (t *Table) Associate(peer string, caps engine.StationCapabilities) (*Session, error) {
	t.assocMu.Lock()
	defer t.assocMu.Unlock()

	if s, ok := t.Get(peer); ok {
		if err := t.engine.RateUpdate(s.Link, caps); err != nil {
			return nil, fmt.Errorf("更新对端 %s 失败: %w", peer, err)
		}
		t.mu.Lock()
		s.Caps = caps
		t.mu.Unlock()
		t.logger.Log(logx.LevelInfo, "[Peer] %s 能力更新 session=%s", peer, s.ID)
		return s, nil
	}

	s := &Session{
		ID:         uuid.New(),
		Peer:       peer,
		Caps:       caps,
		Link:       engine.NewLinkState(peer),
		Associated: time.Now(),
	}
	if err := t.engine.RateInit(s.Link, caps); err != nil {
		return nil, fmt.Errorf("初始化对端 %s 失败: %w", peer, err)
	}

	t.mu.Lock()
	t.sessions[peer] = s
	t.mu.Unlock()

	t.metrics.RecordAssociation("associate")
	if t.runtime != nil {
		t.runtime.PeerAdded()
	}
	t.logger.Log(logx.LevelInfo, "[Peer] %s 已关联 session=%s band=%s width=%s",
		peer, s.ID, caps.Band, caps.Width)
	return s, nil
}

// Disassociate 解除关联并销毁链路状态
func (t *Table) Disassociate(peer string) (*Session, bool) {
	t.mu.Lock()
	s, ok := t.sessions[peer]
	if ok {
		delete(t.sessions, peer)
	}
	t.mu.Unlock()

	if !ok {
		return nil, false
	}

	t.metrics.RecordAssociation("disassociate")
	if t.runtime != nil {
		t.runtime.PeerRemoved()
	}
	if t.onDisassociate != nil {
		t.onDisassociate(s)
	}
	t.logger.Log(logx.LevelInfo, "[Peer] %s 已解除关联 session=%s", peer, s.ID)
	return s, true
}

// Get 查找会话
func (t *Table) Get(peer string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[peer]
	return s, ok
}

// Len 会话数
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Sessions 按对端排序的会话列表
func (t *Table) Sessions() []*Session {
	t.mu.RLock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Feed 分派一次发送反馈。color 过期视为正常情况，不返回错误
func (t *Table) Feed(peer string, rep engine.TxStatusReport) error {
	s, ok := t.Get(peer)
	if !ok {
		return fmt.Errorf("%s: %w", peer, ErrUnknownPeer)
	}

	if t.dedup.Seen(peer, rep.TID, rep.Seq) {
		t.metrics.RecordStatus("duplicate")
		t.logger.Log(logx.LevelDebug, "[Peer] %s 重复反馈 tid=%d seq=%d", peer, rep.TID, rep.Seq)
		return nil
	}

	if t.runtime != nil {
		t.runtime.AddReports(1)
	}

	err := t.engine.TxStatus(s.Link, rep)
	if errors.Is(err, engine.ErrStaleColor) {
		return nil
	}
	return err
}

// UpdateRSSI 更新接收信号强度
func (t *Table) UpdateRSSI(peer string, chains rate.Antenna, signals [3]int8) error {
	s, ok := t.Get(peer)
	if !ok {
		return fmt.Errorf("%s: %w", peer, ErrUnknownPeer)
	}
	t.engine.UpdateLastRSSI(s.Link, chains, signals)
	return nil
}

// PeerSamples 实现 metrics.PeerStats
func (t *Table) PeerSamples() []metrics.PeerSample {
	sessions := t.Sessions()
	out := make([]metrics.PeerSample, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, t.sample(s))
	}
	return out
}

func (t *Table) sample(s *Session) metrics.PeerSample {
	snap := s.Link.Snapshot()
	est := t.engine.CurrentRate(s.Link)

	ps := metrics.PeerSample{
		Peer:         s.Peer,
		Session:      s.ID.String(),
		State:        snap.State.String(),
		Column:       snap.ActiveColumn.String(),
		Mode:         snap.Active.Mode.String(),
		RateCode:     snap.Command.Table[0],
		Index:        snap.Active.Index,
		BandwidthMHz: snap.Active.BW.MHz(),
		SuccessRatio: snap.SuccessRatio,
		AverageTpt:   snap.AverageTpt,
		ReducedTPC:   int(snap.ReducedTPC),
		LastRSSI:     int(snap.LastRSSI),
		Converged:    est.Converged,
		Aggregating:  snap.IsAgg,
	}
	for _, cs := range s.Link.PersistentStats() {
		ps.TxTotal += cs.Total
		ps.TxSuccess += cs.Success
	}
	return ps
}
