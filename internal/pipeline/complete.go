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
	"github.com/docquery/casepipe/internal/store"
)

// CompletionRouter consumes the OCR engine's terminal notifications,
// deduplicates them through the handle store's atomic claim, and advances
// the case. Duplicate or stale callbacks are logged and dropped.
type CompletionRouter struct {
	bus     bus.Bus
	cases   store.CaseStore
	handles store.HandleStore
	logger  *log.Logger
}

func NewCompletionRouter(b bus.Bus, cases store.CaseStore, handles store.HandleStore, logger *log.Logger) *CompletionRouter {
	return &CompletionRouter{bus: b, cases: cases, handles: handles, logger: logger}
}

func (r *CompletionRouter) Start(ctx context.Context) {
	runConsumeLoop(ctx, r.logger, "completion router", func(ctx context.Context) error {
		return r.bus.Consume(ctx, domain.TopicOCRNotifications, GroupCompletion, r.handle)
	})
}

func (r *CompletionRouter) handle(ctx context.Context, msg domain.BusMessage) error {
	var notification domain.OCRNotificationPayload
	if err := json.Unmarshal(msg.Payload, &notification); err != nil {
		r.logf("dropping malformed ocr notification message_id=%s err=%v", msg.MessageID, err)
		return nil
	}

	handle, err := r.handles.Claim(ctx, notification.ExternalJobID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			// Duplicate callback, or a handle the reaper already removed.
			r.logf("dropping unmatched ocr notification external_job_id=%s", notification.ExternalJobID)
			return nil
		}
		return fmt.Errorf("claim handle %s: %w", notification.ExternalJobID, err)
	}

	if handle.Expired(time.Now().UTC()) {
		// The callback raced the reaper and won the claim; the case is
		// treated as timed out regardless of the reported status.
		r.failCase(ctx, handle.CaseID, "extraction_timeout", "ocr callback arrived after the handle expired")
		return nil
	}

	switch notification.Status {
	case domain.OCRStatusSucceeded:
		return r.complete(ctx, *handle, notification)
	case domain.OCRStatusFailed:
		message := notification.Error
		if message == "" {
			message = "ocr engine reported failure"
		}
		r.failCase(ctx, handle.CaseID, "extraction_error", message)
		return nil
	default:
		r.logf("dropping ocr notification with unknown status external_job_id=%s status=%s",
			notification.ExternalJobID, notification.Status)
		return nil
	}
}

func (r *CompletionRouter) complete(
	ctx context.Context,
	handle domain.ExternalJobHandle,
	notification domain.OCRNotificationPayload,
) error {
	_, err := r.cases.Transition(
		ctx,
		handle.CaseID,
		domain.StageExtractionInFlight,
		domain.StageExtractionComplete,
		store.CasePatch{ExtractedTextLocation: store.StringPtr(notification.ResultLocation)},
	)
	if err != nil {
		if errors.Is(err, errs.ErrStageConflict) || errors.Is(err, errs.ErrNotFound) {
			r.logf("dropping ocr completion for settled case case_id=%s err=%v", handle.CaseID, err)
			return nil
		}
		return fmt.Errorf("mark extraction complete %s: %w", handle.CaseID, err)
	}

	payload := domain.ExtractionCompletePayload{
		CaseID:                handle.CaseID,
		ExtractedTextLocation: notification.ResultLocation,
	}
	if err := r.bus.Publish(ctx, domain.TopicExtractionComplete, payload, handle.CaseID); err != nil {
		// Undo both effects so the redelivered notification can run the
		// whole step again; otherwise the downstream publish is lost.
		_ = r.handles.Put(ctx, handle)
		if _, revertErr := r.cases.Transition(
			ctx,
			handle.CaseID,
			domain.StageExtractionComplete,
			domain.StageExtractionInFlight,
			store.CasePatch{},
		); revertErr != nil && !errors.Is(revertErr, errs.ErrStageConflict) {
			r.logf("revert extraction complete failed case_id=%s err=%v", handle.CaseID, revertErr)
		}
		return fmt.Errorf("publish extraction complete %s: %w", handle.CaseID, err)
	}

	r.logf("extraction complete case_id=%s result=%s", handle.CaseID, notification.ResultLocation)
	return nil
}

func (r *CompletionRouter) failCase(ctx context.Context, caseID, code, message string) {
	if _, err := r.cases.Transition(
		ctx,
		caseID,
		domain.StageExtractionInFlight,
		domain.StageExtractionFailed,
		store.CasePatch{LastError: &domain.CaseError{Code: code, Message: message}},
	); err != nil && !errors.Is(err, errs.ErrStageConflict) && !errors.Is(err, errs.ErrNotFound) {
		r.logf("mark extraction failed errored case_id=%s err=%v", caseID, err)
	}
	r.logf("extraction failed case_id=%s code=%s", caseID, code)
}

func (r *CompletionRouter) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

// Reaper periodically fails cases whose external OCR job never called back,
// bounding how long a stuck job can hold a case in flight.
type Reaper struct {
	cases    store.CaseStore
	handles  store.HandleStore
	interval time.Duration
	logger   *log.Logger
}

func NewReaper(cases store.CaseStore, handles store.HandleStore, interval time.Duration, logger *log.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{cases: cases, handles: handles, interval: interval, logger: logger}
}

func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil && r.logger != nil {
				r.logger.Printf("reaper sweep error: %v", err)
			}
		}
	}
}

// Sweep fails every case whose handle expired without a callback. Exposed
// so tests can drive it without waiting on the ticker.
func (r *Reaper) Sweep(ctx context.Context) error {
	expired, err := r.handles.Expired(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("list expired handles: %w", err)
	}

	for _, handle := range expired {
		// Claim so a concurrent callback for the same job loses the race.
		claimed, err := r.handles.Claim(ctx, handle.ExternalJobID)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				continue
			}
			return fmt.Errorf("claim expired handle %s: %w", handle.ExternalJobID, err)
		}

		if _, err := r.cases.Transition(
			ctx,
			claimed.CaseID,
			domain.StageExtractionInFlight,
			domain.StageExtractionFailed,
			store.CasePatch{LastError: &domain.CaseError{
				Code:    "extraction_timeout",
				Message: "no ocr callback before handle expiry",
			}},
		); err != nil && !errors.Is(err, errs.ErrStageConflict) && !errors.Is(err, errs.ErrNotFound) {
			return fmt.Errorf("mark timed-out case %s: %w", claimed.CaseID, err)
		}

		if r.logger != nil {
			r.logger.Printf("reaped stuck extraction case_id=%s external_job_id=%s", claimed.CaseID, claimed.ExternalJobID)
		}
	}
	return nil
}
