package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

type PostgresRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewPostgresRepository(db *sqlx.DB, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{
		db:     db,
		logger: logger,
	}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS provider_quota (
            provider TEXT PRIMARY KEY,
            calls    BIGINT NOT NULL DEFAULT 0
        )
    `)
	return err
}

func (r *PostgresRepository) Count(ctx context.Context, provider string) (int64, error) {
	var calls int64
	err := r.db.GetContext(ctx, &calls, "SELECT calls FROM provider_quota WHERE provider = $1", provider)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}

		r.logger.Error("failed to read provider quota",
			zap.String("provider", provider),
			zap.Error(err))
		return 0, err
	}

	return calls, nil
}

func (r *PostgresRepository) Increment(ctx context.Context, provider string) error {
	query := `
        INSERT INTO provider_quota (provider, calls)
        VALUES ($1, 1)
        ON CONFLICT (provider)
        DO UPDATE SET calls = provider_quota.calls + 1
    `

	if _, err := r.db.ExecContext(ctx, query, provider); err != nil {
		r.logger.Error("failed to increment provider quota",
			zap.String("provider", provider),
			zap.Error(err))
		return err
	}
	return nil
}
