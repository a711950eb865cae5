package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"binance-futures-bot/internal/models"

	_ "modernc.org/sqlite" // pure Go sqlite driver
)

// Store persists analysis snapshots and liquidation buckets in SQLite.
type Store struct {
	db *sql.DB
}

// InitDB opens the database, verifies the connection and creates the tables.
func InitDB(dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// Snapshots are immutable; the full document lives in payload, the columns are for lookup.
	createSnapshotsSQL := `
	CREATE TABLE IF NOT EXISTS analysis_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		ts INTEGER NOT NULL,
		bias TEXT NOT NULL,
		decision TEXT NOT NULL,
		payload TEXT NOT NULL
	);`
	if _, err := db.Exec(createSnapshotsSQL); err != nil {
		return err
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_snapshots_symbol_ts ON analysis_snapshots (symbol, ts);`); err != nil {
		return err
	}

	createBucketsSQL := `
	CREATE TABLE IF NOT EXISTS liquidation_buckets (
		symbol TEXT NOT NULL,
		start INTEGER NOT NULL,
		buys_value REAL NOT NULL,
		sells_value REAL NOT NULL,
		total_value REAL NOT NULL,
		count INTEGER NOT NULL,
		PRIMARY KEY (symbol, start)
	);`
	if _, err := db.Exec(createBucketsSQL); err != nil {
		return err
	}
	return nil
}

// SaveSnapshot inserts snap and sets its ID.
func (s *Store) SaveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO analysis_snapshots (symbol, timeframe, ts, bias, decision, payload)
	VALUES (?, ?, ?, ?, ?, ?)`,
		snap.Symbol, snap.Timeframe, snap.Time.UnixMilli(), string(snap.Bias), string(snap.Decision), string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot for %s: %w", snap.Symbol, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		snap.ID = id
	}
	return nil
}

// LastSnapshots returns up to n most recent snapshots of symbol, ordered oldest to newest.
func (s *Store) LastSnapshots(ctx context.Context, symbol string, n int) ([]models.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, payload FROM analysis_snapshots
	WHERE symbol = ?
	ORDER BY ts DESC, id DESC
	LIMIT ?`, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.Snapshot
	for rows.Next() {
		var (
			id      int64
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		var snap models.Snapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot %d: %w", id, err)
		}
		snap.ID = id
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// UpsertLiquidationBucket writes a completed one-minute bucket, replacing an earlier flush.
func (s *Store) UpsertLiquidationBucket(ctx context.Context, b models.LiquidationBucket) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO liquidation_buckets (symbol, start, buys_value, sells_value, total_value, count)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(symbol, start) DO UPDATE SET
		buys_value = excluded.buys_value,
		sells_value = excluded.sells_value,
		total_value = excluded.total_value,
		count = excluded.count;`,
		b.Symbol, b.Start.UnixMilli(), b.BuysValue, b.SellsValue, b.TotalValue, b.Count,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert liquidation bucket %s@%d: %w", b.Symbol, b.Start.UnixMilli(), err)
	}
	return nil
}

// LiquidationBuckets returns the buckets of symbol starting at or after since, oldest first.
func (s *Store) LiquidationBuckets(ctx context.Context, symbol string, since time.Time) ([]models.LiquidationBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT symbol, start, buys_value, sells_value, total_value, count
	FROM liquidation_buckets
	WHERE symbol = ? AND start >= ?
	ORDER BY start ASC`, symbol, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query liquidation buckets: %w", err)
	}
	defer rows.Close()

	var out []models.LiquidationBucket
	for rows.Next() {
		var (
			b     models.LiquidationBucket
			start int64
		)
		if err := rows.Scan(&b.Symbol, &start, &b.BuysValue, &b.SellsValue, &b.TotalValue, &b.Count); err != nil {
			return nil, fmt.Errorf("failed to scan liquidation bucket: %w", err)
		}
		b.Start = time.UnixMilli(start)
		out = append(out, b)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
