// Package memory is the long-term-memory layer: a pgvector-backed store with
// deterministic ids and the waterfall retrieval strategy that reserves part
// of the result budget for channel-scoped memories.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

// Scope values recorded in memory metadata.
const (
	ScopeSession  = "session"
	ScopePersonal = "personal"
)

// memoryNamespace seeds UUIDv5 derivation so the same (persona, personality,
// content) triple always maps to the same row id. Never change this value:
// it would re-derive every id and defeat insert idempotency.
var memoryNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// DeterministicID derives the stable id for a memory from
// persona-id:personality-id:sha256(content). Inserting the same triple twice
// yields the same id, and the conflict-skip insert makes the second write a
// no-op.
func DeterministicID(personaID, personalityID uuid.UUID, content string) uuid.UUID {
	contentHash := sha256.Sum256([]byte(content))
	name := personaID.String() + ":" + personalityID.String() + ":" + hex.EncodeToString(contentHash[:])
	return uuid.NewSHA1(memoryNamespace, []byte(name))
}

// Memory is one long-term-memory row.
type Memory struct {
	ID            uuid.UUID
	PersonaID     uuid.UUID
	PersonalityID uuid.UUID
	Content       string
	Scope         string
	ChannelID     string
	GuildID       string
	Senders       []string
	Score         float64
	CreatedAt     time.Time
}

// SearchParams parameterize a similarity query. PersonaID is required.
type SearchParams struct {
	Embedding     []float32
	PersonaID     uuid.UUID
	PersonalityID *uuid.UUID
	// ChannelIDs restricts results to the given channels when non-empty.
	ChannelIDs []string
	// ScoreThreshold drops results below the given cosine similarity.
	ScoreThreshold float64
	// ExcludeNewerThan drops memories created at or after the given time,
	// keeping the model from echoing its own recent turns.
	ExcludeNewerThan *time.Time
	ExcludeIDs       []uuid.UUID
	Limit            int
}

// Store holds memories in Postgres with a pgvector embedding column. It owns
// its schema separately from the relational migrations because the vector
// extension does not exist on the SQLite test driver.
type Store struct {
	pool *pgxpool.Pool
	dims int
	log  *zap.Logger
}

func NewStore(pool *pgxpool.Pool, dims int, log *zap.Logger) *Store {
	return &Store{pool: pool, dims: dims, log: log}
}

// EnsureSchema creates the vector extension, the memories table and its
// indexes. Idempotent; called at worker startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id UUID PRIMARY KEY,
			persona_id UUID NOT NULL,
			personality_id UUID NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			scope TEXT NOT NULL DEFAULT 'personal',
			channel_id TEXT NOT NULL DEFAULT '',
			guild_id TEXT NOT NULL DEFAULT '',
			senders JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dims),
		`CREATE INDEX IF NOT EXISTS idx_memories_persona ON memories (persona_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_channel ON memories (channel_id) WHERE channel_id <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_memories_embedding ON memories
			USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("memory: ensure schema: %w", err)
		}
	}
	return nil
}

// Insert writes a memory under its deterministic id. A duplicate triple is a
// no-op; Insert reports whether a row was actually written.
func (s *Store) Insert(ctx context.Context, m *Memory, embedding []float32) (bool, error) {
	if m.ID == (uuid.UUID{}) {
		m.ID = DeterministicID(m.PersonaID, m.PersonalityID, m.Content)
	}
	if m.Scope == "" {
		m.Scope = ScopePersonal
	}
	senders := m.Senders
	if senders == nil {
		senders = []string{}
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO memories (id, persona_id, personality_id, content, embedding,
			scope, channel_id, guild_id, senders, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.PersonaID, m.PersonalityID, m.Content,
		pgvector.NewVector(embedding),
		m.Scope, m.ChannelID, m.GuildID, senders, m.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("memory: insert: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Search runs one similarity query. Results are ordered by descending cosine
// similarity.
func (s *Store) Search(ctx context.Context, p SearchParams) ([]Memory, error) {
	if p.PersonaID == (uuid.UUID{}) {
		return nil, fmt.Errorf("memory: search requires a persona id")
	}
	if p.Limit <= 0 {
		return nil, nil
	}

	var sb strings.Builder
	args := []any{pgvector.NewVector(p.Embedding), p.PersonaID}
	sb.WriteString(`
		SELECT id, persona_id, personality_id, content, scope, channel_id,
			guild_id, senders, created_at, 1 - (embedding <=> $1) AS score
		FROM memories
		WHERE persona_id = $2`)

	if p.PersonalityID != nil {
		args = append(args, *p.PersonalityID)
		fmt.Fprintf(&sb, " AND personality_id = $%d", len(args))
	}
	if len(p.ChannelIDs) > 0 {
		args = append(args, p.ChannelIDs)
		fmt.Fprintf(&sb, " AND channel_id = ANY($%d)", len(args))
	}
	if p.ExcludeNewerThan != nil {
		args = append(args, *p.ExcludeNewerThan)
		fmt.Fprintf(&sb, " AND created_at < $%d", len(args))
	}
	if len(p.ExcludeIDs) > 0 {
		args = append(args, p.ExcludeIDs)
		fmt.Fprintf(&sb, " AND NOT (id = ANY($%d))", len(args))
	}
	if p.ScoreThreshold > 0 {
		args = append(args, p.ScoreThreshold)
		fmt.Fprintf(&sb, " AND 1 - (embedding <=> $1) >= $%d", len(args))
	}

	args = append(args, p.Limit)
	fmt.Fprintf(&sb, " ORDER BY embedding <=> $1 LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.PersonaID, &m.PersonalityID, &m.Content,
			&m.Scope, &m.ChannelID, &m.GuildID, &m.Senders, &m.CreatedAt, &m.Score); err != nil {
			return nil, fmt.Errorf("memory: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: search rows: %w", err)
	}
	return out, nil
}

// Delete removes a memory by id. Used by the tombstone cleanup job.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id); err != nil {
		return fmt.Errorf("memory: delete: %w", err)
	}
	return nil
}
