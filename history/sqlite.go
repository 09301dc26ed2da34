package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps one JSON document per user id.
type SQLiteStore struct {
	db       *sql.DB
	log      *slog.Logger
	maxTurns int
}

func NewSQLiteStore(dbPath string, maxTurns int, log *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, log: log, maxTurns: maxTurns}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS chat_histories (
		user_id     TEXT PRIMARY KEY,
		turns       TEXT NOT NULL,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);`)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, userID string) (History, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT turns FROM chat_histories WHERE user_id = ?`, userID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return History{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history of %s: %w", userID, err)
	}

	var h History
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("failed to decode history of %s: %w", userID, err)
	}

	return h.Clone(), nil
}

func (s *SQLiteStore) Put(ctx context.Context, userID string, h History) error {
	h = h.Last(s.maxTurns)
	if h == nil {
		h = History{}
	}

	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to encode history of %s: %w", userID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_histories (user_id, turns, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET turns = excluded.turns, updated_at = excluded.updated_at`,
		userID, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to write history of %s: %w", userID, err)
	}

	s.log.Debug("history stored", "user", userID, "turns", len(h))
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
