package store

import (
	"context"
	"sync"
	"time"

	"github.com/docquery/casepipe/internal/domain"
	"github.com/docquery/casepipe/internal/errs"
)

// CasePatch carries the optional field updates applied alongside a stage
// transition. Nil fields are left untouched.
type CasePatch struct {
	ExtractedTextLocation *string
	Answer                *string
	LastError             *domain.CaseError
	IncrementAttempts     bool
}

// CaseStore persists pipeline cases. Transition is a compare-and-swap on
// stage: a duplicate message re-attempting an applied transition gets
// errs.ErrStageConflict and the caller drops it. All writes are atomic per
// case; no cross-case transactions.
type CaseStore interface {
	Create(ctx context.Context, caseID, sourceLocation string) (*domain.Case, error)
	Transition(ctx context.Context, caseID string, from, to domain.Stage, patch CasePatch) (*domain.Case, error)
	Get(ctx context.Context, caseID string) (*domain.Case, error)
}

// MemoryCaseStore keeps cases in memory for local development and tests.
type MemoryCaseStore struct {
	mu    sync.RWMutex
	cases map[string]*domain.Case
}

func NewMemoryCaseStore() *MemoryCaseStore {
	return &MemoryCaseStore{cases: make(map[string]*domain.Case)}
}

func (s *MemoryCaseStore) Create(_ context.Context, caseID, sourceLocation string) (*domain.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cases[caseID]; ok {
		return nil, errs.ErrAlreadyExists
	}

	now := time.Now().UTC()
	record := &domain.Case{
		CaseID:         caseID,
		Stage:          domain.StageCreated,
		SourceLocation: sourceLocation,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.cases[caseID] = record
	return cloneCase(record), nil
}

func (s *MemoryCaseStore) Transition(
	_ context.Context,
	caseID string,
	from, to domain.Stage,
	patch CasePatch,
) (*domain.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.cases[caseID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if record.Stage != from {
		return nil, errs.ErrStageConflict
	}

	record.Stage = to
	applyPatch(record, patch)
	record.UpdatedAt = time.Now().UTC()
	return cloneCase(record), nil
}

func (s *MemoryCaseStore) Get(_ context.Context, caseID string) (*domain.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.cases[caseID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return cloneCase(record), nil
}

func applyPatch(record *domain.Case, patch CasePatch) {
	if patch.ExtractedTextLocation != nil {
		record.ExtractedTextLocation = *patch.ExtractedTextLocation
	}
	if patch.Answer != nil {
		record.Answer = *patch.Answer
	}
	if patch.LastError != nil {
		lastError := *patch.LastError
		record.LastError = &lastError
	}
	if patch.IncrementAttempts {
		record.Attempts++
	}
}

func cloneCase(record *domain.Case) *domain.Case {
	if record == nil {
		return nil
	}
	clone := *record
	if record.LastError != nil {
		lastError := *record.LastError
		clone.LastError = &lastError
	}
	return &clone
}

// StringPtr is a convenience for building patches.
func StringPtr(value string) *string { return &value }
