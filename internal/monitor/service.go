package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"trade-mirror/internal/broker"
	"trade-mirror/internal/store"
)

const (
	maxRecordedTradeIDs = 50
	defaultQueryLimit   = 100
)

const schema = `
CREATE TABLE IF NOT EXISTS mirror_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mirror_events_kind ON mirror_events(kind, id);
CREATE INDEX IF NOT EXISTS idx_mirror_events_created ON mirror_events(created_ms);
`

// Service 将 SID 换取、成交拉取与异常写入 SQLite，供 /api/events 查询。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if _, err := st.DB().Exec(schema); err != nil {
		return nil, fmt.Errorf("monitor: 初始化表失败: %w", err)
	}

	return &Service{
		db:     st.DB(),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Record 写入单个事件，Timestamp 为空时取当前时间。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO mirror_events (kind, payload, created_ms) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), ts.UnixMilli(),
	); err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}
	return nil
}

// RecordSession 记录 SID 换取结果，sid 在写入前脱敏。
func (s *Service) RecordSession(ctx context.Context, userID, sid string, sessErr error) {
	payload := SessionExchangePayload{
		UserID:  userID,
		Success: sessErr == nil,
	}
	if sessErr != nil {
		payload.Error = sessErr.Error()
	} else {
		payload.SIDMasked = broker.MaskToken(sid)
	}

	s.recordQuietly(ctx, EventSessionExchange, payload)
}

// RecordTrades 记录一次成交拉取，最多保留前 50 个成交 ID。
func (s *Service) RecordTrades(ctx context.Context, trigger string, result broker.TradeResult, elapsed time.Duration) {
	n := len(result.Trades)
	if n > maxRecordedTradeIDs {
		n = maxRecordedTradeIDs
	}
	ids := make([]string, n)
	for i := range ids {
		ids[i] = result.Trades[i].ID
	}

	s.recordQuietly(ctx, EventTradesFetch, TradesFetchPayload{
		Source:     result.Source,
		Reason:     result.Reason,
		Count:      len(result.Trades),
		TradeIDs:   ids,
		Trigger:    trigger,
		DurationMS: elapsed.Milliseconds(),
	})
}

// RecordError 记录异常，err 可为空。
func (s *Service) RecordError(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	payload := ErrorPayload{Message: msg, Context: fields}
	if err != nil {
		payload.Error = err.Error()
	}
	s.recordQuietly(ctx, EventError, payload)
}

// 记录失败只告警，不影响调用方。
func (s *Service) recordQuietly(ctx context.Context, typ EventType, payload interface{}) {
	if err := s.Record(ctx, Event{Type: typ, Payload: payload}); err != nil {
		s.logger.Warn("记录监控事件失败", zap.String("type", string(typ)), zap.Error(err))
	}
}

// ListEvents 按条件检索事件，结果按写入顺序倒序。
func (s *Service) ListEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var (
		where []string
		args  []interface{}
	)
	if q.Type != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Type))
	}
	if !q.Since.IsZero() {
		where = append(where, "created_ms >= ?")
		args = append(args, q.Since.UnixMilli())
	}

	query := `SELECT kind, payload, created_ms FROM mirror_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			kind    string
			payload string
			created int64
		)
		if err := rows.Scan(&kind, &payload, &created); err != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", err)
		}
		events = append(events, Event{
			Type:      EventType(kind),
			Timestamp: time.UnixMilli(created).UTC(),
			Payload:   json.RawMessage(payload),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}

// Prune 删除 before 之前写入的事件，返回删除条数。
func (s *Service) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mirror_events WHERE created_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("monitor: 清理事件失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("monitor: 清理事件失败: %w", err)
	}
	return n, nil
}
