package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/tentacle/internal/conversation"
)

// PostgresStore keeps turns in the conversation_turns table created by the
// db migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Backend = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) Append(ctx context.Context, instanceID int64, turns ...conversation.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, turn := range turns {
			turn = normalizeTurn(turn)
			id, err := uuid.Parse(turn.ID)
			if err != nil {
				id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(turn.ID))
			}
			parts, err := json.Marshal(turn.Parts)
			if err != nil {
				return fmt.Errorf("encode parts: %w", err)
			}
			batch.Queue(
				`INSERT INTO conversation_turns (id, instance_id, role, parts, author_id, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
				id, instanceID, string(turn.Role), parts, turn.AuthorID, turn.CreatedAt,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *PostgresStore) Read(ctx context.Context, instanceID int64, limit int) ([]conversation.Turn, error) {
	query := `SELECT id, role, parts, author_id, created_at FROM (
		SELECT seq, id, role, parts, author_id, created_at FROM conversation_turns
		WHERE instance_id = $1 ORDER BY seq DESC LIMIT $2
	) recent ORDER BY seq ASC`
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.pool.Query(ctx, query, instanceID, limitArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []conversation.Turn
	for rows.Next() {
		var (
			turn  conversation.Turn
			id    uuid.UUID
			role  string
			parts []byte
		)
		if err := rows.Scan(&id, &role, &parts, &turn.AuthorID, &turn.CreatedAt); err != nil {
			return nil, err
		}
		turn.ID = id.String()
		turn.Role = conversation.Role(role)
		if err := json.Unmarshal(parts, &turn.Parts); err != nil {
			return nil, fmt.Errorf("decode parts of turn %s: %w", turn.ID, err)
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

func (s *PostgresStore) Reset(ctx context.Context, instanceID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM conversation_turns WHERE instance_id = $1`, instanceID)
	return err
}
