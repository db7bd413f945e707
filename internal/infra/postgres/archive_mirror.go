package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"lime-game-service/internal/domain"
)

// ArchiveMirror keeps a durable JSONB copy of every archived game in
// Postgres, so history survives a wipe of the live store.
type ArchiveMirror struct {
	pool *pgxpool.Pool
}

func NewArchiveMirror(pool *pgxpool.Pool) *ArchiveMirror {
	return &ArchiveMirror{pool: pool}
}

func (m *ArchiveMirror) Save(ctx context.Context, key string, game domain.PastGame) error {
	data, err := json.Marshal(game)
	if err != nil {
		return fmt.Errorf("marshal past game: %w", err)
	}
	_, err = m.pool.Exec(ctx,
		`INSERT INTO past_games (key, data) VALUES ($1, $2::jsonb)
		 ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, archived_at = now()`,
		key, string(data))
	if err != nil {
		return fmt.Errorf("save past game: %w", err)
	}
	return nil
}

func (m *ArchiveMirror) Load(ctx context.Context, key string) (domain.PastGame, error) {
	var raw []byte
	err := m.pool.QueryRow(ctx, `SELECT data FROM past_games WHERE key=$1`, key).Scan(&raw)
	if err != nil {
		return domain.PastGame{}, fmt.Errorf("load past game: %w", err)
	}
	var game domain.PastGame
	if err := json.Unmarshal(raw, &game); err != nil {
		return domain.PastGame{}, fmt.Errorf("unmarshal past game: %w", err)
	}
	return game, nil
}
