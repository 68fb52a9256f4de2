package memory

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/tentacle/internal/conversation"
)

func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skip integration test: TEST_POSTGRES_DSN is not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("skip integration test: cannot connect to database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: database ping failed: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS conversation_turns (
		id UUID PRIMARY KEY,
		instance_id BIGINT NOT NULL,
		seq BIGSERIAL NOT NULL,
		role TEXT NOT NULL,
		parts JSONB NOT NULL DEFAULT '[]'::jsonb,
		author_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return NewPostgresStore(pool)
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := context.Background()
	const id int64 = -987654321

	_ = s.Reset(ctx, id)
	t.Cleanup(func() { _ = s.Reset(ctx, id) })

	turns := []conversation.Turn{
		{Role: conversation.RoleUser, Parts: []conversation.Part{conversation.TextPart("a")}},
		{Role: conversation.RoleAssistant, Parts: []conversation.Part{conversation.TextPart("b")}},
		{Role: conversation.RoleUser, Parts: []conversation.Part{conversation.TextPart("c")}},
	}
	if err := s.Append(ctx, id, turns...); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := s.Read(ctx, id, 2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 2 || got[0].Text() != "b" || got[1].Text() != "c" {
		t.Fatalf("recent = %+v", got)
	}

	m := NewManager(slog.Default(), NewBuffer(10), s, ManagerOptions{})
	if all := m.Read(ctx, id, "database"); len(all) != 3 {
		t.Fatalf("manager read = %d turns", len(all))
	}
}
