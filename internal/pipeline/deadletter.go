package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/docquery/casepipe/internal/domain"
	"github.com/docquery/casepipe/internal/errs"
	"github.com/docquery/casepipe/internal/store"
)

// DeadLetterPolicy settles a case when its message exhausts the retry
// ceiling and dead-letters. Without this, a case whose extraction request or
// inference trigger dead-letters would sit in a retryable stage forever.
type DeadLetterPolicy struct {
	cases  store.CaseStore
	logger *log.Logger
}

func NewDeadLetterPolicy(cases store.CaseStore, logger *log.Logger) *DeadLetterPolicy {
	return &DeadLetterPolicy{cases: cases, logger: logger}
}

func (p *DeadLetterPolicy) Handle(ctx context.Context, msg domain.BusMessage, cause error) {
	switch msg.Topic {
	case domain.TopicExtractionRequests:
		var payload domain.ExtractionRequestedPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		// The failing handler reverts to Created before each retry, but the
		// handle-store path can leave the case in flight.
		p.fail(ctx, payload.CaseID,
			[]domain.Stage{domain.StageCreated, domain.StageExtractionInFlight},
			domain.StageExtractionFailed,
			&domain.CaseError{Code: "extraction_retries_exhausted", Message: cause.Error()},
		)
	case domain.TopicExtractionComplete:
		var payload domain.ExtractionCompletePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		p.fail(ctx, payload.CaseID,
			[]domain.Stage{domain.StageExtractionComplete, domain.StageInferenceInFlight},
			domain.StageInferenceFailed,
			&domain.CaseError{Code: "inference_retries_exhausted", Message: cause.Error()},
		)
	default:
		if p.logger != nil {
			p.logger.Printf("dead letter without case policy topic=%s dedup_key=%s", msg.Topic, msg.DedupKey)
		}
	}
}

func (p *DeadLetterPolicy) fail(
	ctx context.Context,
	caseID string,
	fromStages []domain.Stage,
	to domain.Stage,
	caseErr *domain.CaseError,
) {
	for _, from := range fromStages {
		_, err := p.cases.Transition(ctx, caseID, from, to, store.CasePatch{LastError: caseErr})
		if err == nil {
			if p.logger != nil {
				p.logger.Printf("case settled after dead letter case_id=%s stage=%s code=%s", caseID, to, caseErr.Code)
			}
			return
		}
		if errors.Is(err, errs.ErrStageConflict) {
			continue
		}
		if p.logger != nil {
			p.logger.Printf("dead letter settle failed case_id=%s err=%v", caseID, err)
		}
		return
	}
}
