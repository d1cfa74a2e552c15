package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatd/config"
	"chatd/models"

	_ "github.com/mattn/go-sqlite3"
)

var ErrUnknownDriver = errors.New("unknown store driver")

// Store is the append-only message log. Recent exists for operator
// diagnostics; chat clients never read from it.
type Store interface {
	Append(ctx context.Context, msg models.ChatMessage) error
	Recent(ctx context.Context, limit int) ([]models.ChatMessage, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Open creates the store selected by driver, initialising its schema.
func Open(driver, path string) (Store, error) {
	switch driver {
	case config.DriverSQLite, "":
		return New(path)
	case config.DriverBadger:
		return NewBadger(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS Messages (
			Id INTEGER PRIMARY KEY AUTOINCREMENT,
			Username TEXT,
			Message TEXT,
			Timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON Messages(Timestamp)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// Append inserts one message. A zero timestamp falls back to the column default.
func (db *DB) Append(ctx context.Context, msg models.ChatMessage) error {
	if msg.Timestamp.IsZero() {
		_, err := db.conn.ExecContext(ctx,
			"INSERT INTO Messages (Username, Message) VALUES (?, ?)",
			msg.Username, msg.Text,
		)
		return err
	}
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO Messages (Username, Message, Timestamp) VALUES (?, ?, ?)",
		msg.Username, msg.Text, msg.Timestamp.UTC(),
	)
	return err
}

// Recent returns up to limit messages, newest first.
func (db *DB) Recent(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT Id, Username, Message, Timestamp FROM Messages ORDER BY Id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		var ts time.Time
		if err := rows.Scan(&m.ID, &m.Username, &m.Text, &ts); err != nil {
			return nil, err
		}
		m.Timestamp = ts.UTC()
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// Count returns the number of stored messages.
func (db *DB) Count(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM Messages").Scan(&count)
	return count, err
}
