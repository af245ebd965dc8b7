package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vitos/grid_trade_bot/internal/domain"
)

// SQLiteStore is the fill journal. Decimals are stored as TEXT so no
// precision is lost on the way through.
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
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			position_type TEXT NOT NULL,
			quantity TEXT NOT NULL,
			price TEXT NOT NULL,
			source TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fills_symbol ON fills(symbol);`,
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

// TradeRepository Implementation

func (s *SQLiteStore) SaveFill(ctx context.Context, fill *domain.Fill) error {
	query := `INSERT INTO fills (order_id, symbol, side, position_type, quantity, price, source, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		fill.OrderID, fill.Symbol, string(fill.Side), string(fill.PositionType),
		fill.Quantity.String(), fill.Price.String(), fill.Source, fill.CreatedAt.UTC())
	return err
}

// ListFills returns the newest fills first. An empty symbol lists all symbols.
func (s *SQLiteStore) ListFills(ctx context.Context, symbol string, limit int) ([]*domain.Fill, error) {
	query := `SELECT order_id, symbol, side, position_type, quantity, price, source, created_at FROM fills
			  WHERE (? = '' OR symbol = ?) ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, symbol, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []*domain.Fill
	for rows.Next() {
		var f domain.Fill
		var side, pt string
		if err := rows.Scan(&f.OrderID, &f.Symbol, &side, &pt, &f.Quantity, &f.Price, &f.Source, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Side = domain.Side(side)
		f.PositionType = domain.PositionType(pt)
		fills = append(fills, &f)
	}
	return fills, rows.Err()
}
