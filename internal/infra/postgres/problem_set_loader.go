package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quizroom-service/internal/domain"
)

// ProblemSetLoader loads problem set JSONB from Postgres.
type ProblemSetLoader struct {
	pool *pgxpool.Pool
}

func NewProblemSetLoader(pool *pgxpool.Pool) *ProblemSetLoader {
	return &ProblemSetLoader{pool: pool}
}

func (l *ProblemSetLoader) LoadProblemSet(ctx context.Context, setID string) (domain.ProblemSet, error) {
	var raw []byte
	err := l.pool.QueryRow(ctx, `SELECT data FROM problem_sets WHERE id=$1`, setID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ProblemSet{}, fmt.Errorf("%w: problem set %q", domain.ErrNotFound, setID)
	}
	if err != nil {
		return domain.ProblemSet{}, fmt.Errorf("load problem set: %w", err)
	}
	var set domain.ProblemSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return domain.ProblemSet{}, fmt.Errorf("unmarshal problem set: %w", err)
	}
	if set.ID == "" {
		set.ID = setID
	}
	return set, nil
}

// SaveProblemSet upserts a problem set so it can be imported into rooms.
func (l *ProblemSetLoader) SaveProblemSet(ctx context.Context, set domain.ProblemSet) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("marshal problem set: %w", err)
	}
	_, err = l.pool.Exec(ctx,
		`INSERT INTO problem_sets (id, data) VALUES ($1, $2::jsonb) ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data`,
		set.ID, string(data))
	if err != nil {
		return fmt.Errorf("save problem set: %w", err)
	}
	return nil
}
