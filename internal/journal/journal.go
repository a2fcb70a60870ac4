// =============================================================================
// 文件: internal/journal/journal.go
// 描述: 统计日志 - 按会话持久化每列每速率的发送计数 (sqlite)
// =============================================================================
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"

	"github.com/mrcgq/linkrate/internal/engine"
	"github.com/mrcgq/linkrate/internal/logx"
	"github.com/mrcgq/linkrate/internal/metrics"
	"github.com/mrcgq/linkrate/internal/peer"
)

// DefaultFlushInterval 默认落盘间隔
const DefaultFlushInterval = 10 * time.Second

// SessionSource 提供当前会话
type SessionSource interface {
	Sessions() []*peer.Session
}

// SessionRow 会话记录
type SessionRow struct {
	ID             string `db:"id"`
	Peer           string `db:"peer"`
	AssociatedAt   int64  `db:"associated_at"`
	DisassociateAt *int64 `db:"disassociated_at"`
}

// StatRow 一列一速率的累计发送计数
type StatRow struct {
	SessionID string `db:"session_id"`
	Column    int    `db:"column_id"`
	Index     int    `db:"rate_index"`
	Total     int64  `db:"total"`
	Success   int64  `db:"success"`
	UpdatedAt int64  `db:"updated_at"`
}

// Journal 统计日志
type Journal struct {
	db         *sqlx.DB
	path       string
	maxRetries int
	interval   time.Duration

	source  SessionSource
	metrics *metrics.LinkRateMetrics
	logger  *logx.Logger

	flushGroup singleflight.Group
}

// Option 日志选项
type Option func(*Journal)

// WithSource 设置周期落盘的会话来源
func WithSource(src SessionSource) Option {
	return func(j *Journal) { j.source = src }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.LinkRateMetrics) Option {
	return func(j *Journal) { j.metrics = m }
}

// WithLogger 设置日志
func WithLogger(l *logx.Logger) Option {
	return func(j *Journal) { j.logger = l }
}

// WithFlushInterval 设置落盘间隔
func WithFlushInterval(d time.Duration) Option {
	return func(j *Journal) {
		if d > 0 {
			j.interval = d
		}
	}
}

// WithMaxRetries 设置写入重试次数
func WithMaxRetries(n int) Option {
	return func(j *Journal) { j.maxRetries = n }
}

// Open 打开 (或创建) 数据库并建表
func Open(ctx context.Context, path string, opts ...Option) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// sqlite 单写者
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("建表失败: %w", err)
	}

	j := &Journal{
		db:         db,
		path:       path,
		maxRetries: 3,
		interval:   DefaultFlushInterval,
		logger:     logx.Nop(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

func createTables(ctx context.Context, db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			peer TEXT NOT NULL,
			associated_at INTEGER NOT NULL,
			disassociated_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_peer ON sessions (peer)`,
		`CREATE TABLE IF NOT EXISTS tx_stats (
			session_id TEXT NOT NULL,
			column_id INTEGER NOT NULL,
			rate_index INTEGER NOT NULL,
			total INTEGER NOT NULL,
			success INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, column_id, rate_index)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close 关闭数据库
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record 写入一个会话当前的持久计数
func (j *Journal) Record(ctx context.Context, s *peer.Session) error {
	return j.write(ctx, s, nil)
}

func (j *Journal) write(ctx context.Context, s *peer.Session, ended *time.Time) error {
	now := time.Now()
	row := SessionRow{
		ID:           s.ID.String(),
		Peer:         s.Peer,
		AssociatedAt: s.Associated.UnixMilli(),
	}
	if ended != nil {
		ms := ended.UnixMilli()
		row.DisassociateAt = &ms
	}

	var stats []StatRow
	for _, cs := range s.Link.PersistentStats() {
		stats = append(stats, statRow(row.ID, cs, now))
	}

	op := func() error {
		err := j.writeTx(ctx, row, stats)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 50 * time.Millisecond
	ebo.MaxElapsedTime = 5 * time.Second
	var bo backoff.BackOff = ebo
	if j.maxRetries > 0 {
		bo = backoff.WithMaxRetries(ebo, uint64(j.maxRetries))
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		j.metrics.RecordJournalWrite("error")
		return fmt.Errorf("写入会话 %s 失败: %w", row.ID, err)
	}
	j.metrics.RecordJournalWrite("ok")
	return nil
}

func statRow(session string, cs engine.ColumnStats, now time.Time) StatRow {
	return StatRow{
		SessionID: session,
		Column:    int(cs.Column),
		Index:     cs.Index,
		Total:     int64(cs.Total),
		Success:   int64(cs.Success),
		UpdatedAt: now.UnixMilli(),
	}
}

func (j *Journal) writeTx(ctx context.Context, row SessionRow, stats []StatRow) error {
	tx, err := j.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO sessions (id, peer, associated_at, disassociated_at)
		VALUES (:id, :peer, :associated_at, :disassociated_at)
		ON CONFLICT(id) DO UPDATE SET
			disassociated_at = COALESCE(excluded.disassociated_at, sessions.disassociated_at)
	`, row); err != nil {
		return err
	}

	for _, st := range stats {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO tx_stats (session_id, column_id, rate_index, total, success, updated_at)
			VALUES (:session_id, :column_id, :rate_index, :total, :success, :updated_at)
			ON CONFLICT(session_id, column_id, rate_index) DO UPDATE SET
				total = excluded.total,
				success = excluded.success,
				updated_at = excluded.updated_at
		`, st); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Flush 写入全部当前会话。并发调用合并为一次
func (j *Journal) Flush(ctx context.Context) error {
	if j.source == nil {
		return nil
	}
	_, err, _ := j.flushGroup.Do("flush", func() (interface{}, error) {
		var errs []error
		sessions := j.source.Sessions()
		for _, s := range sessions {
			if err := j.Record(ctx, s); err != nil {
				errs = append(errs, err)
			}
		}
		j.logger.Log(logx.LevelDebug, "[Journal] 落盘 %d 个会话", len(sessions))
		return nil, errors.Join(errs...)
	})
	return err
}

// Disassociated 解除关联回调：记录结束时间与最终计数
func (j *Journal) Disassociated(s *peer.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	if err := j.write(ctx, s, &now); err != nil {
		j.logger.Log(logx.LevelError, "[Journal] %s 最终落盘失败: %v", s.Peer, err)
		return
	}
	j.logger.Log(logx.LevelInfo, "[Journal] %s 会话 %s 已归档", s.Peer, s.ID)
}

// Run 周期落盘，退出前再写一次
func (j *Journal) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := j.Flush(ctx); err != nil {
				j.logger.Log(logx.LevelError, "[Journal] 周期落盘失败: %v", err)
			}
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := j.Flush(final)
			cancel()
			return err
		}
	}
}

// Sessions 查询对端的历史会话 (新的在前)
func (j *Journal) Sessions(ctx context.Context, peerAddr string) ([]SessionRow, error) {
	var rows []SessionRow
	err := j.db.SelectContext(ctx, &rows, `
		SELECT id, peer, associated_at, disassociated_at
		FROM sessions WHERE peer = ?
		ORDER BY associated_at DESC, id`, peerAddr)
	if err != nil {
		return nil, fmt.Errorf("查询会话失败: %w", err)
	}
	return rows, nil
}

// Stats 查询会话的发送计数
func (j *Journal) Stats(ctx context.Context, sessionID string) ([]StatRow, error) {
	var rows []StatRow
	err := j.db.SelectContext(ctx, &rows, `
		SELECT session_id, column_id, rate_index, total, success, updated_at
		FROM tx_stats WHERE session_id = ?
		ORDER BY column_id, rate_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("查询统计失败: %w", err)
	}
	return rows, nil
}

// Path 数据库路径
func (j *Journal) Path() string {
	return j.path
}
