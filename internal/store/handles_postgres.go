package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docquery/casepipe/internal/domain"
	"github.com/docquery/casepipe/internal/errs"
)

// PostgresHandleStore persists external job handles. Claim relies on
// DELETE ... RETURNING so concurrent duplicate callbacks race on the row and
// exactly one claimer wins.
type PostgresHandleStore struct {
	pool *pgxpool.Pool
}

func NewPostgresHandleStore(pool *pgxpool.Pool) *PostgresHandleStore {
	return &PostgresHandleStore{pool: pool}
}

func (s *PostgresHandleStore) Put(ctx context.Context, handle domain.ExternalJobHandle) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO external_job_handles (external_job_id, case_id, requested_at, expires_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (external_job_id) DO NOTHING
	`, handle.ExternalJobID, handle.CaseID, handle.RequestedAt, handle.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert handle: %w", err)
	}
	return nil
}

func (s *PostgresHandleStore) Claim(ctx context.Context, externalJobID string) (*domain.ExternalJobHandle, error) {
	var handle domain.ExternalJobHandle
	err := s.pool.QueryRow(ctx, `
		DELETE FROM external_job_handles
		WHERE external_job_id = $1
		RETURNING external_job_id, case_id, requested_at, expires_at
	`, externalJobID).Scan(
		&handle.ExternalJobID,
		&handle.CaseID,
		&handle.RequestedAt,
		&handle.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("claim handle: %w", err)
	}
	return &handle, nil
}

func (s *PostgresHandleStore) Expired(ctx context.Context, now time.Time) ([]domain.ExternalJobHandle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT external_job_id, case_id, requested_at, expires_at
		FROM external_job_handles
		WHERE expires_at < $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired handles: %w", err)
	}
	defer rows.Close()

	expired := make([]domain.ExternalJobHandle, 0)
	for rows.Next() {
		var handle domain.ExternalJobHandle
		if err := rows.Scan(
			&handle.ExternalJobID,
			&handle.CaseID,
			&handle.RequestedAt,
			&handle.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("scan handle: %w", err)
		}
		expired = append(expired, handle)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate handles: %w", rows.Err())
	}
	return expired, nil
}
