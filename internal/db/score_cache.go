package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ScoreCache persists preference scores in the preference_scores table.
// Entries are write-once: the first stored score for a key wins.
type ScoreCache struct {
	pool *pgxpool.Pool
}

func NewScoreCache(pool *pgxpool.Pool) *ScoreCache {
	return &ScoreCache{pool: pool}
}

func (c *ScoreCache) Get(ctx context.Context, key string) (float64, bool, error) {
	var score float64
	err := c.pool.QueryRow(ctx, "SELECT score FROM preference_scores WHERE cache_key = $1", key).Scan(&score)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read cached score: %w", err)
	}
	return score, true, nil
}

func (c *ScoreCache) Set(ctx context.Context, key string, score float64) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO preference_scores (cache_key, score)
		VALUES ($1, $2)
		ON CONFLICT (cache_key) DO NOTHING
	`, key, score)
	if err != nil {
		return fmt.Errorf("write cached score: %w", err)
	}
	return nil
}
