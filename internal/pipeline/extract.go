package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/docquery/casepipe/internal/bus"
	"github.com/docquery/casepipe/internal/domain"
	"github.com/docquery/casepipe/internal/errs"
	"github.com/docquery/casepipe/internal/ocr"
	"github.com/docquery/casepipe/internal/store"
)

// ExtractionOrchestrator consumes extraction requests, submits the document
// to the OCR engine, and records the external job handle the completion
// router will match the callback against. The engine calls back on its own
// channel; the orchestrator never polls.
type ExtractionOrchestrator struct {
	bus            bus.Bus
	cases          store.CaseStore
	handles        store.HandleStore
	engine         ocr.Client
	callbackTarget string
	handleTTL      time.Duration
	logger         *log.Logger
}

func NewExtractionOrchestrator(
	b bus.Bus,
	cases store.CaseStore,
	handles store.HandleStore,
	engine ocr.Client,
	callbackTarget string,
	handleTTL time.Duration,
	logger *log.Logger,
) *ExtractionOrchestrator {
	if handleTTL <= 0 {
		handleTTL = 30 * time.Minute
	}
	return &ExtractionOrchestrator{
		bus:            b,
		cases:          cases,
		handles:        handles,
		engine:         engine,
		callbackTarget: callbackTarget,
		handleTTL:      handleTTL,
		logger:         logger,
	}
}

func (o *ExtractionOrchestrator) Start(ctx context.Context) {
	runConsumeLoop(ctx, o.logger, "extraction orchestrator", func(ctx context.Context) error {
		return o.bus.Consume(ctx, domain.TopicExtractionRequests, GroupExtraction, o.handle)
	})
}

func (o *ExtractionOrchestrator) handle(ctx context.Context, msg domain.BusMessage) error {
	var request domain.ExtractionRequestedPayload
	if err := json.Unmarshal(msg.Payload, &request); err != nil {
		o.logf("dropping malformed extraction request message_id=%s err=%v", msg.MessageID, err)
		return nil
	}

	// The compare-and-swap is the dedup gate: a redelivered request finds
	// the case already in flight and is dropped.
	_, err := o.cases.Transition(
		ctx,
		request.CaseID,
		domain.StageCreated,
		domain.StageExtractionInFlight,
		store.CasePatch{IncrementAttempts: true},
	)
	if err != nil {
		if errors.Is(err, errs.ErrStageConflict) {
			o.logf("dropping duplicate extraction request case_id=%s", request.CaseID)
			return nil
		}
		if errors.Is(err, errs.ErrNotFound) {
			o.logf("dropping extraction request for unknown case case_id=%s", request.CaseID)
			return nil
		}
		return fmt.Errorf("mark extraction in flight %s: %w", request.CaseID, err)
	}

	externalJobID, err := o.engine.Submit(ctx, request.SourceLocation, o.callbackTarget)
	if err != nil {
		if terminal, ok := errs.AsTerminal(err); ok {
			o.failCase(ctx, request.CaseID, terminal.Code, terminal.Message)
			return nil
		}
		// Transient submission failure: hand the case back to Created so
		// the redelivered message passes the compare-and-swap again.
		o.revert(ctx, request.CaseID)
		return fmt.Errorf("submit ocr job %s: %w", request.CaseID, err)
	}

	now := time.Now().UTC()
	handle := domain.ExternalJobHandle{
		ExternalJobID: externalJobID,
		CaseID:        request.CaseID,
		RequestedAt:   now,
		ExpiresAt:     now.Add(o.handleTTL),
	}
	if err := o.handles.Put(ctx, handle); err != nil {
		// The job is already running and cannot be canceled; without a
		// handle its callback can never be matched, so the case fails now.
		o.failCase(ctx, request.CaseID, "handle_store_error", err.Error())
		return nil
	}

	o.logf("ocr job submitted case_id=%s external_job_id=%s", request.CaseID, externalJobID)
	return nil
}

func (o *ExtractionOrchestrator) revert(ctx context.Context, caseID string) {
	if _, err := o.cases.Transition(
		ctx,
		caseID,
		domain.StageExtractionInFlight,
		domain.StageCreated,
		store.CasePatch{},
	); err != nil && !errors.Is(err, errs.ErrStageConflict) {
		o.logf("revert to created failed case_id=%s err=%v", caseID, err)
	}
}

func (o *ExtractionOrchestrator) failCase(ctx context.Context, caseID, code, message string) {
	if _, err := o.cases.Transition(
		ctx,
		caseID,
		domain.StageExtractionInFlight,
		domain.StageExtractionFailed,
		store.CasePatch{LastError: &domain.CaseError{Code: code, Message: message}},
	); err != nil && !errors.Is(err, errs.ErrStageConflict) {
		o.logf("mark extraction failed errored case_id=%s err=%v", caseID, err)
	}
	o.logf("extraction failed case_id=%s code=%s", caseID, code)
}

func (o *ExtractionOrchestrator) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}
