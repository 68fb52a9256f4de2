package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/memohai/tentacle/internal/conversation"
)

// SQLiteStore is the single-file persistent backend.
type SQLiteStore struct {
	db *sql.DB
}

var _ Backend = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversation_turns (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		instance_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		parts TEXT NOT NULL DEFAULT '[]',
		author_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_turns_instance_seq ON conversation_turns(instance_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, instanceID int64, turns ...conversation.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO conversation_turns (id, instance_id, role, parts, author_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, turn := range turns {
		turn = normalizeTurn(turn)
		parts, err := json.Marshal(turn.Parts)
		if err != nil {
			return fmt.Errorf("encode parts: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, turn.ID, instanceID, string(turn.Role), string(parts), turn.AuthorID, turn.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Read(ctx context.Context, instanceID int64, limit int) ([]conversation.Turn, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, parts, author_id, created_at FROM (
			SELECT seq, id, role, parts, author_id, created_at FROM conversation_turns
			WHERE instance_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []conversation.Turn
	for rows.Next() {
		var (
			turn  conversation.Turn
			role  string
			parts string
		)
		if err := rows.Scan(&turn.ID, &role, &parts, &turn.AuthorID, &turn.CreatedAt); err != nil {
			return nil, err
		}
		turn.Role = conversation.Role(role)
		if err := json.Unmarshal([]byte(parts), &turn.Parts); err != nil {
			return nil, fmt.Errorf("decode parts of turn %s: %w", turn.ID, err)
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

func (s *SQLiteStore) Reset(ctx context.Context, instanceID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_turns WHERE instance_id = ?`, instanceID)
	return err
}

func normalizeTurn(turn conversation.Turn) conversation.Turn {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	if turn.Parts == nil {
		turn.Parts = []conversation.Part{}
	}
	return turn
}
