package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/docquery/casepipe/internal/domain"
	"github.com/docquery/casepipe/internal/store"
)

func TestDeadLetterPolicySettlesExtractionCase(t *testing.T) {
	tests := []struct {
		name  string
		stage domain.Stage
	}{
		{"case still created", domain.StageCreated},
		{"case left in flight", domain.StageExtractionInFlight},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			cases := store.NewMemoryCaseStore()
			policy := NewDeadLetterPolicy(cases, testLogger())

			seedCase(t, cases, "case-001", "uploads/case-001.pdf", tc.stage)

			msg := mustMessage(t, domain.TopicExtractionRequests, domain.ExtractionRequestedPayload{
				CaseID:         "case-001",
				SourceLocation: "uploads/case-001.pdf",
			}, "case-001")
			policy.Handle(ctx, msg, errors.New("engine unavailable"))

			record := getCase(t, cases, "case-001")
			if record.Stage != domain.StageExtractionFailed {
				t.Errorf("stage = %s, want %s", record.Stage, domain.StageExtractionFailed)
			}
			if record.LastError == nil || record.LastError.Code != "extraction_retries_exhausted" {
				t.Errorf("last error = %+v, want code extraction_retries_exhausted", record.LastError)
			}
		})
	}
}

func TestDeadLetterPolicySettlesInferenceCase(t *testing.T) {
	ctx := context.Background()
	cases := store.NewMemoryCaseStore()
	policy := NewDeadLetterPolicy(cases, testLogger())

	seedCase(t, cases, "case-001", "uploads/case-001.pdf", domain.StageExtractionComplete)

	msg := mustMessage(t, domain.TopicExtractionComplete, domain.ExtractionCompletePayload{
		CaseID:                "case-001",
		ExtractedTextLocation: "extracted/case-001.txt",
	}, "case-001")
	policy.Handle(ctx, msg, errors.New("endpoint throttled"))

	record := getCase(t, cases, "case-001")
	if record.Stage != domain.StageInferenceFailed {
		t.Errorf("stage = %s, want %s", record.Stage, domain.StageInferenceFailed)
	}
	if record.LastError == nil || record.LastError.Code != "inference_retries_exhausted" {
		t.Errorf("last error = %+v, want code inference_retries_exhausted", record.LastError)
	}
}

func TestDeadLetterPolicyLeavesSettledCaseAlone(t *testing.T) {
	ctx := context.Background()
	cases := store.NewMemoryCaseStore()
	policy := NewDeadLetterPolicy(cases, testLogger())

	seedCase(t, cases, "case-001", "uploads/case-001.pdf", domain.StageDone)

	msg := mustMessage(t, domain.TopicExtractionComplete, domain.ExtractionCompletePayload{
		CaseID:                "case-001",
		ExtractedTextLocation: "extracted/case-001.txt",
	}, "case-001")
	policy.Handle(ctx, msg, errors.New("stale dead letter"))

	record := getCase(t, cases, "case-001")
	if record.Stage != domain.StageDone {
		t.Errorf("stage = %s, a settled case must not be reopened", record.Stage)
	}
	if record.LastError != nil {
		t.Errorf("last error = %+v, want nil", record.LastError)
	}
}

func TestDeadLetterPolicyIgnoresForeignTopics(t *testing.T) {
	cases := store.NewMemoryCaseStore()
	policy := NewDeadLetterPolicy(cases, testLogger())

	msg := mustMessage(t, domain.TopicDocumentsUploaded, domain.UploadEventPayload{
		ObjectKey: "case-001.pdf",
	}, "case-001.pdf")
	policy.Handle(context.Background(), msg, errors.New("no policy"))
}
