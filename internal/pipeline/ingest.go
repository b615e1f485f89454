package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/docquery/casepipe/internal/bus"
	"github.com/docquery/casepipe/internal/domain"
	"github.com/docquery/casepipe/internal/errs"
	"github.com/docquery/casepipe/internal/store"
)

// IngestionRouter reacts to new-document events, validates them, creates the
// case, and publishes the normalized extraction request. It is idempotent
// against redelivered upload notifications: an existing case is re-published
// only while it is still pre-extraction.
type IngestionRouter struct {
	bus    bus.Bus
	cases  store.CaseStore
	logger *log.Logger

	acceptedSuffixes     []string
	acceptedContentTypes []string
}

func NewIngestionRouter(b bus.Bus, cases store.CaseStore, logger *log.Logger) *IngestionRouter {
	return &IngestionRouter{
		bus:                  b,
		cases:                cases,
		logger:               logger,
		acceptedSuffixes:     []string{".pdf"},
		acceptedContentTypes: []string{"application/pdf"},
	}
}

func (r *IngestionRouter) Start(ctx context.Context) {
	runConsumeLoop(ctx, r.logger, "ingestion router", func(ctx context.Context) error {
		return r.bus.Consume(ctx, domain.TopicDocumentsUploaded, GroupIngestion, r.handle)
	})
}

func (r *IngestionRouter) handle(ctx context.Context, msg domain.BusMessage) error {
	var event domain.UploadEventPayload
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		r.logf("dropping malformed upload event message_id=%s err=%v", msg.MessageID, err)
		return nil
	}

	if err := r.validate(event); err != nil {
		r.logf("rejecting upload object_key=%s content_type=%s err=%v", event.ObjectKey, event.ContentType, err)
		return nil
	}

	caseID := DeriveCaseID(event.ObjectKey)

	_, err := r.cases.Create(ctx, caseID, event.ObjectKey)
	if err != nil {
		if !errors.Is(err, errs.ErrAlreadyExists) {
			return fmt.Errorf("create case %s: %w", caseID, err)
		}

		existing, getErr := r.cases.Get(ctx, caseID)
		if getErr != nil {
			return fmt.Errorf("load existing case %s: %w", caseID, getErr)
		}
		if existing.Stage != domain.StageCreated {
			r.logf("dropping duplicate upload case_id=%s stage=%s", caseID, existing.Stage)
			return nil
		}
		// Pre-extraction duplicate: the original publish may have been
		// lost, so publish again. Downstream compare-and-swap absorbs any
		// resulting duplicate delivery.
	}

	payload := domain.ExtractionRequestedPayload{
		CaseID:         caseID,
		SourceLocation: event.ObjectKey,
	}
	if err := r.bus.Publish(ctx, domain.TopicExtractionRequests, payload, caseID); err != nil {
		return fmt.Errorf("publish extraction request %s: %w", caseID, err)
	}

	r.logf("case created case_id=%s object_key=%s", caseID, event.ObjectKey)
	return nil
}

func (r *IngestionRouter) validate(event domain.UploadEventPayload) error {
	key := strings.TrimSpace(event.ObjectKey)
	if key == "" {
		return fmt.Errorf("%w: object key is required", errs.ErrValidation)
	}
	if event.Size <= 0 {
		return fmt.Errorf("%w: empty object", errs.ErrValidation)
	}

	suffixOK := false
	for _, suffix := range r.acceptedSuffixes {
		if strings.HasSuffix(strings.ToLower(key), suffix) {
			suffixOK = true
			break
		}
	}
	if !suffixOK {
		return fmt.Errorf("%w: unsupported file suffix", errs.ErrValidation)
	}

	contentType := strings.ToLower(strings.TrimSpace(event.ContentType))
	if mediaType, _, found := strings.Cut(contentType, ";"); found {
		contentType = strings.TrimSpace(mediaType)
	}
	for _, accepted := range r.acceptedContentTypes {
		if contentType == accepted {
			return nil
		}
	}
	return fmt.Errorf("%w: unsupported content type %q", errs.ErrValidation, event.ContentType)
}

func (r *IngestionRouter) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

// DeriveCaseID maps an object key to its stable case identifier: the file
// base name without extension.
func DeriveCaseID(objectKey string) string {
	base := path.Base(strings.TrimSpace(objectKey))
	return strings.TrimSuffix(base, path.Ext(base))
}
