package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docquery/casepipe/internal/domain"
	"github.com/docquery/casepipe/internal/errs"
)

// PostgresCaseStore persists cases in a single table. The stage
// compare-and-swap is a conditional UPDATE, so concurrent workers never need
// row locks of their own.
type PostgresCaseStore struct {
	pool *pgxpool.Pool
}

func NewPostgresCaseStore(ctx context.Context, databaseURL string) (*PostgresCaseStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresCaseStore{pool: pool}, nil
}

// NewPostgresCaseStoreFromPool shares an existing pool, used when the handle
// store runs on the same database.
func NewPostgresCaseStoreFromPool(pool *pgxpool.Pool) *PostgresCaseStore {
	return &PostgresCaseStore{pool: pool}
}

func (s *PostgresCaseStore) Close() {
	s.pool.Close()
}

func (s *PostgresCaseStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresCaseStore) Create(ctx context.Context, caseID, sourceLocation string) (*domain.Case, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cases (
			case_id,
			stage,
			source_location,
			extracted_text_location,
			answer,
			error_code,
			error_message,
			attempts,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,'','','','',0,$4,$4)
	`, caseID, string(domain.StageCreated), sourceLocation, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, errs.ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert case: %w", err)
	}

	return &domain.Case{
		CaseID:         caseID,
		Stage:          domain.StageCreated,
		SourceLocation: sourceLocation,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *PostgresCaseStore) Transition(
	ctx context.Context,
	caseID string,
	from, to domain.Stage,
	patch CasePatch,
) (*domain.Case, error) {
	now := time.Now().UTC()

	query := `
		UPDATE cases
		SET stage = $3,
			extracted_text_location = COALESCE($4, extracted_text_location),
			answer = COALESCE($5, answer),
			error_code = COALESCE($6, error_code),
			error_message = COALESCE($7, error_message),
			attempts = attempts + $8,
			updated_at = $9
		WHERE case_id = $1 AND stage = $2
	`

	var errorCode, errorMessage *string
	if patch.LastError != nil {
		errorCode = StringPtr(patch.LastError.Code)
		errorMessage = StringPtr(patch.LastError.Message)
	}
	attemptDelta := 0
	if patch.IncrementAttempts {
		attemptDelta = 1
	}

	command, err := s.pool.Exec(ctx, query,
		caseID,
		string(from),
		string(to),
		patch.ExtractedTextLocation,
		patch.Answer,
		errorCode,
		errorMessage,
		attemptDelta,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("transition case: %w", err)
	}
	if command.RowsAffected() == 0 {
		// Distinguish a missing case from a CAS mismatch.
		if _, getErr := s.Get(ctx, caseID); getErr != nil {
			return nil, getErr
		}
		return nil, errs.ErrStageConflict
	}

	return s.Get(ctx, caseID)
}

func (s *PostgresCaseStore) Get(ctx context.Context, caseID string) (*domain.Case, error) {
	var (
		record       domain.Case
		stage        string
		errorCode    string
		errorMessage string
	)

	err := s.pool.QueryRow(ctx, `
		SELECT case_id, stage, source_location, extracted_text_location, answer,
			error_code, error_message, attempts, created_at, updated_at
		FROM cases
		WHERE case_id = $1
	`, caseID).Scan(
		&record.CaseID,
		&stage,
		&record.SourceLocation,
		&record.ExtractedTextLocation,
		&record.Answer,
		&errorCode,
		&errorMessage,
		&record.Attempts,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("query case: %w", err)
	}

	record.Stage = domain.Stage(stage)
	if errorCode != "" || errorMessage != "" {
		record.LastError = &domain.CaseError{Code: errorCode, Message: errorMessage}
	}
	return &record, nil
}
