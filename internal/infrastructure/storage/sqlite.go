package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vitos/crypto_paper_trader/internal/domain"
)

// SQLiteStore persists engine snapshots and the trade journal in one file.
// It implements domain.StateRepository and domain.Journal.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS engine_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			balance REAL NOT NULL,
			initial_balance REAL NOT NULL,
			total_pnl REAL NOT NULL,
			trade_count INTEGER NOT NULL,
			saved_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS state_conditions (
			id TEXT PRIMARY KEY,
			coin TEXT NOT NULL,
			direction TEXT NOT NULL,
			trigger_price REAL NOT NULL,
			comparator TEXT NOT NULL,
			stop_loss_pct REAL NOT NULL,
			take_profit_pct REAL NOT NULL,
			size REAL NOT NULL,
			strategy TEXT,
			reasoning TEXT,
			created_at TEXT NOT NULL,
			valid_until TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS state_positions (
			id TEXT PRIMARY KEY,
			coin TEXT NOT NULL,
			direction TEXT NOT NULL,
			entry_price REAL NOT NULL,
			entry_time TEXT NOT NULL,
			size REAL NOT NULL,
			stop_loss REAL NOT NULL,
			take_profit REAL NOT NULL,
			condition_id TEXT,
			strategy TEXT,
			current_price REAL NOT NULL,
			unrealized_pnl REAL NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			position_id TEXT NOT NULL,
			coin TEXT NOT NULL,
			direction TEXT NOT NULL,
			price REAL NOT NULL,
			size REAL NOT NULL,
			reason TEXT,
			pnl REAL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_coin ON trades(coin);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- StateRepository ---

// SaveState replaces the single persisted snapshot atomically.
func (s *SQLiteStore) SaveState(ctx context.Context, state *domain.EngineState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM state_conditions`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM state_positions`); err != nil {
		return err
	}

	query := `INSERT INTO engine_state (id, balance, initial_balance, total_pnl, trade_count, saved_at)
			  VALUES (1, ?, ?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
				balance = excluded.balance,
				initial_balance = excluded.initial_balance,
				total_pnl = excluded.total_pnl,
				trade_count = excluded.trade_count,
				saved_at = excluded.saved_at`
	if _, err := tx.ExecContext(ctx, query,
		state.Balance, state.InitialBalance, state.TotalPnL, state.TradeCount,
		state.SavedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}

	for _, c := range state.Conditions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state_conditions (id, coin, direction, trigger_price, comparator, stop_loss_pct, take_profit_pct, size, strategy, reasoning, created_at, valid_until)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Coin, c.Direction, c.TriggerPrice, c.Comparator, c.StopLossPct, c.TakeProfitPct,
			c.Size, c.Strategy, c.Reasoning,
			c.CreatedAt.UTC().Format(time.RFC3339Nano),
			c.ValidUntil.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}

	for _, p := range state.Positions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state_positions (id, coin, direction, entry_price, entry_time, size, stop_loss, take_profit, condition_id, strategy, current_price, unrealized_pnl)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Coin, p.Direction, p.EntryPrice,
			p.EntryTime.UTC().Format(time.RFC3339Nano),
			p.Size, p.StopLoss, p.TakeProfit, p.ConditionID, p.Strategy,
			p.CurrentPrice, p.UnrealizedPnL); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadState reads the snapshot back. Returns domain.ErrNoState when nothing
// was ever saved.
func (s *SQLiteStore) LoadState(ctx context.Context) (*domain.EngineState, error) {
	var state domain.EngineState
	var savedAt string
	row := s.db.QueryRowContext(ctx,
		`SELECT balance, initial_balance, total_pnl, trade_count, saved_at FROM engine_state WHERE id = 1`)
	if err := row.Scan(&state.Balance, &state.InitialBalance, &state.TotalPnL, &state.TradeCount, &savedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNoState
		}
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, savedAt)
	if err != nil {
		return nil, fmt.Errorf("parse saved_at: %w", err)
	}
	state.SavedAt = ts

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, coin, direction, trigger_price, comparator, stop_loss_pct, take_profit_pct, size, strategy, reasoning, created_at, valid_until FROM state_conditions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c domain.Condition
		var createdAt, validUntil string
		if err := rows.Scan(&c.ID, &c.Coin, &c.Direction, &c.TriggerPrice, &c.Comparator,
			&c.StopLossPct, &c.TakeProfitPct, &c.Size, &c.Strategy, &c.Reasoning,
			&createdAt, &validUntil); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse condition %s created_at: %w", c.ID, err)
		}
		if c.ValidUntil, err = time.Parse(time.RFC3339Nano, validUntil); err != nil {
			return nil, fmt.Errorf("parse condition %s valid_until: %w", c.ID, err)
		}
		state.Conditions = append(state.Conditions, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prows, err := s.db.QueryContext(ctx,
		`SELECT id, coin, direction, entry_price, entry_time, size, stop_loss, take_profit, condition_id, strategy, current_price, unrealized_pnl FROM state_positions`)
	if err != nil {
		return nil, err
	}
	defer prows.Close()
	for prows.Next() {
		var p domain.Position
		var entryTime string
		if err := prows.Scan(&p.ID, &p.Coin, &p.Direction, &p.EntryPrice, &entryTime,
			&p.Size, &p.StopLoss, &p.TakeProfit, &p.ConditionID, &p.Strategy,
			&p.CurrentPrice, &p.UnrealizedPnL); err != nil {
			return nil, err
		}
		if p.EntryTime, err = time.Parse(time.RFC3339Nano, entryTime); err != nil {
			return nil, fmt.Errorf("parse position %s entry_time: %w", p.ID, err)
		}
		state.Positions = append(state.Positions, p)
	}
	if err := prows.Err(); err != nil {
		return nil, err
	}

	return &state, nil
}

// --- Journal ---

func (s *SQLiteStore) RecordEntry(ctx context.Context, pos domain.Position, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (type, position_id, coin, direction, price, size, reason, pnl, created_at)
		 VALUES ('entry', ?, ?, ?, ?, ?, NULL, NULL, ?)`,
		pos.ID, pos.Coin, pos.Direction, pos.EntryPrice, pos.Size,
		ts.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) RecordExit(ctx context.Context, pos domain.Position, price float64, ts time.Time, reason domain.CloseReason, pnl float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (type, position_id, coin, direction, price, size, reason, pnl, created_at)
		 VALUES ('exit', ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.ID, pos.Coin, pos.Direction, price, pos.Size, reason, pnl,
		ts.UTC().Format(time.RFC3339Nano))
	return err
}

// TradeRecord is one journal row, used by diagnostic tooling.
type TradeRecord struct {
	ID         int64              `json:"id"`
	Type       string             `json:"type"`
	PositionID string             `json:"position_id"`
	Coin       string             `json:"coin"`
	Direction  domain.Direction   `json:"direction"`
	Price      float64            `json:"price"`
	Size       float64            `json:"size"`
	Reason     domain.CloseReason `json:"reason,omitempty"`
	PnL        float64            `json:"pnl,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// ListTrades returns the newest journal rows up to limit.
func (s *SQLiteStore) ListTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, position_id, coin, direction, price, size, COALESCE(reason, ''), COALESCE(pnl, 0), created_at
		 FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Type, &t.PositionID, &t.Coin, &t.Direction,
			&t.Price, &t.Size, &t.Reason, &t.PnL, &createdAt); err != nil {
			return nil, err
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
