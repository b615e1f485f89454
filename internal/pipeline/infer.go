package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/docquery/casepipe/internal/bus"
	"github.com/docquery/casepipe/internal/domain"
	"github.com/docquery/casepipe/internal/errs"
	"github.com/docquery/casepipe/internal/llm"
	"github.com/docquery/casepipe/internal/storage"
	"github.com/docquery/casepipe/internal/store"
)

const defaultPromptTemplate = "Read the following document text and produce a concise answer " +
	"covering what the document is, the parties involved, and the key facts.\n\nDocument:\n%s"

// InferenceInvoker consumes extraction-complete messages, fetches the
// extracted text, and calls the inference endpoint. Transient endpoint
// errors go back to the bus for backoff; terminal ones settle the case as
// InferenceFailed.
type InferenceInvoker struct {
	bus            bus.Bus
	cases          store.CaseStore
	objects        storage.ObjectStore
	model          llm.Client
	promptTemplate string
	logger         *log.Logger
}

func NewInferenceInvoker(
	b bus.Bus,
	cases store.CaseStore,
	objects storage.ObjectStore,
	model llm.Client,
	promptTemplate string,
	logger *log.Logger,
) *InferenceInvoker {
	if promptTemplate == "" {
		promptTemplate = defaultPromptTemplate
	}
	return &InferenceInvoker{
		bus:            b,
		cases:          cases,
		objects:        objects,
		model:          model,
		promptTemplate: promptTemplate,
		logger:         logger,
	}
}

func (i *InferenceInvoker) Start(ctx context.Context) {
	runConsumeLoop(ctx, i.logger, "inference invoker", func(ctx context.Context) error {
		return i.bus.Consume(ctx, domain.TopicExtractionComplete, GroupInference, i.handle)
	})
}

func (i *InferenceInvoker) handle(ctx context.Context, msg domain.BusMessage) error {
	var payload domain.ExtractionCompletePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		i.logf("dropping malformed extraction complete message message_id=%s err=%v", msg.MessageID, err)
		return nil
	}

	_, err := i.cases.Transition(
		ctx,
		payload.CaseID,
		domain.StageExtractionComplete,
		domain.StageInferenceInFlight,
		store.CasePatch{IncrementAttempts: true},
	)
	if err != nil {
		if errors.Is(err, errs.ErrStageConflict) {
			i.logf("dropping duplicate extraction complete case_id=%s", payload.CaseID)
			return nil
		}
		if errors.Is(err, errs.ErrNotFound) {
			i.logf("dropping extraction complete for unknown case case_id=%s", payload.CaseID)
			return nil
		}
		return fmt.Errorf("mark inference in flight %s: %w", payload.CaseID, err)
	}

	text, err := i.objects.Get(ctx, payload.ExtractedTextLocation)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			i.failCase(ctx, payload.CaseID, "extracted_text_missing", "extracted text object not found")
			return nil
		}
		i.revert(ctx, payload.CaseID)
		return fmt.Errorf("fetch extracted text %s: %w", payload.CaseID, err)
	}

	answer, err := i.model.Invoke(ctx, fmt.Sprintf(i.promptTemplate, string(text)))
	if err != nil {
		if terminal, ok := errs.AsTerminal(err); ok {
			i.failCase(ctx, payload.CaseID, terminal.Code, terminal.Message)
			return nil
		}
		i.revert(ctx, payload.CaseID)
		return fmt.Errorf("invoke llm %s: %w", payload.CaseID, err)
	}

	if _, err := i.cases.Transition(
		ctx,
		payload.CaseID,
		domain.StageInferenceInFlight,
		domain.StageDone,
		store.CasePatch{Answer: store.StringPtr(answer)},
	); err != nil {
		if errors.Is(err, errs.ErrStageConflict) || errors.Is(err, errs.ErrNotFound) {
			i.logf("dropping inference result for settled case case_id=%s err=%v", payload.CaseID, err)
			return nil
		}
		return fmt.Errorf("mark done %s: %w", payload.CaseID, err)
	}

	i.logf("inference complete case_id=%s", payload.CaseID)
	return nil
}

func (i *InferenceInvoker) revert(ctx context.Context, caseID string) {
	if _, err := i.cases.Transition(
		ctx,
		caseID,
		domain.StageInferenceInFlight,
		domain.StageExtractionComplete,
		store.CasePatch{},
	); err != nil && !errors.Is(err, errs.ErrStageConflict) {
		i.logf("revert to extraction complete failed case_id=%s err=%v", caseID, err)
	}
}

func (i *InferenceInvoker) failCase(ctx context.Context, caseID, code, message string) {
	if _, err := i.cases.Transition(
		ctx,
		caseID,
		domain.StageInferenceInFlight,
		domain.StageInferenceFailed,
		store.CasePatch{LastError: &domain.CaseError{Code: code, Message: message}},
	); err != nil && !errors.Is(err, errs.ErrStageConflict) && !errors.Is(err, errs.ErrNotFound) {
		i.logf("mark inference failed errored case_id=%s err=%v", caseID, err)
	}
	i.logf("inference failed case_id=%s code=%s", caseID, code)
}

func (i *InferenceInvoker) logf(format string, args ...any) {
	if i.logger != nil {
		i.logger.Printf(format, args...)
	}
}
