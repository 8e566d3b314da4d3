package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vortexlab/tradengine/internal/domain"
)

// SQLiteAudit keeps the durable audit trail: every evaluator signal,
// order-level events (deferred closes, gateway failures) and the history
// of finished orders. Hot-path state lives in Redis; this store is
// append-mostly and read by operators.
type SQLiteAudit struct {
	db *sql.DB
}

func NewSQLiteAudit(dbPath string) (*SQLiteAudit, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteAudit{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SQLiteAudit) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT,
			user_id TEXT NOT NULL,
			exchange_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_signals_user_symbol ON signals(user_id, exchange_id, symbol);`,
		`CREATE TABLE IF NOT EXISTS order_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id);`,
		`CREATE TABLE IF NOT EXISTS order_history (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			exchange_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			is_virtual BOOLEAN NOT NULL,
			open_time DATETIME,
			open_price REAL NOT NULL,
			open_volume REAL NOT NULL,
			open_cost REAL NOT NULL,
			close_time DATETIME,
			close_price REAL NOT NULL,
			commission REAL NOT NULL,
			profit REAL NOT NULL,
			signal_kind TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_order_history_user ON order_history(user_id, exchange_id);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

func (s *SQLiteAudit) SaveSignal(ctx context.Context, signal *domain.TradeSignal) error {
	payload, err := json.Marshal(signal)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO signals (order_id, user_id, exchange_id, symbol, kind, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		signal.OrderID, signal.UserID, signal.ExchangeID, signal.Symbol,
		string(signal.Kind), string(payload), time.Now().UTC())
	return err
}

func (s *SQLiteAudit) SaveOrderEvent(ctx context.Context, orderID, kind, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO order_events (order_id, kind, message, created_at) VALUES (?, ?, ?, ?)`,
		orderID, kind, message, time.Now().UTC())
	return err
}

func (s *SQLiteAudit) ListOrderEvents(ctx context.Context, orderID string, limit int) ([]domain.OrderEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, kind, message, created_at FROM order_events
		 WHERE order_id = ? ORDER BY id DESC LIMIT ?`, orderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.OrderEvent
	for rows.Next() {
		var e domain.OrderEvent
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Kind, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteAudit) SaveOrderHistory(ctx context.Context, o *domain.TradeOrder) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO order_history
		 (id, user_id, exchange_id, symbol, type, status, is_virtual,
		  open_time, open_price, open_volume, open_cost,
		  close_time, close_price, commission, profit, signal_kind, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.ExchangeID, o.Symbol, string(o.Type), string(o.Status), o.IsVirtual,
		o.OpenTime, o.OpenPrice, o.OpenVolume, o.OpenCost,
		o.CloseTime, o.ClosePrice, o.Commission, o.Profit, string(o.SignalKind), o.CreatedAt)
	return err
}

func (s *SQLiteAudit) Close() error { return s.db.Close() }

var _ domain.AuditRepository = (*SQLiteAudit)(nil)
