package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/docquery/casepipe/internal/domain"
	"github.com/docquery/casepipe/internal/store"
)

func TestDeriveCaseID(t *testing.T) {
	tests := []struct {
		objectKey string
		want      string
	}{
		{"case-001.pdf", "case-001"},
		{"uploads/case-002.pdf", "case-002"},
		{"uploads/nested/CASE-003.PDF", "CASE-003"},
		{"  case-004.pdf  ", "case-004"},
		{"no-extension", "no-extension"},
	}
	for _, tc := range tests {
		if got := DeriveCaseID(tc.objectKey); got != tc.want {
			t.Errorf("DeriveCaseID(%q) = %q, want %q", tc.objectKey, got, tc.want)
		}
	}
}

func TestIngestionRouterCreatesCaseAndPublishes(t *testing.T) {
	ctx := context.Background()
	b := newRecordingBus()
	cases := store.NewMemoryCaseStore()
	router := NewIngestionRouter(b, cases, testLogger())

	event := domain.UploadEventPayload{
		ObjectKey:   "uploads/case-001.pdf",
		ContentType: "application/pdf",
		Size:        2048,
	}
	if err := router.handle(ctx, mustMessage(t, domain.TopicDocumentsUploaded, event, event.ObjectKey)); err != nil {
		t.Fatalf("handle returned error: %v", err)
	}

	record := getCase(t, cases, "case-001")
	if record.Stage != domain.StageCreated {
		t.Errorf("stage = %s, want %s", record.Stage, domain.StageCreated)
	}
	if record.SourceLocation != "uploads/case-001.pdf" {
		t.Errorf("source location = %q, want uploads/case-001.pdf", record.SourceLocation)
	}

	published := b.publishedTo(domain.TopicExtractionRequests)
	if len(published) != 1 {
		t.Fatalf("extraction requests published = %d, want 1", len(published))
	}
	if published[0].DedupKey != "case-001" {
		t.Errorf("dedup key = %q, want case-001", published[0].DedupKey)
	}
	var request domain.ExtractionRequestedPayload
	if err := json.Unmarshal(published[0].Payload, &request); err != nil {
		t.Fatalf("failed to decode request payload: %v", err)
	}
	if request.CaseID != "case-001" || request.SourceLocation != "uploads/case-001.pdf" {
		t.Errorf("unexpected request payload: %+v", request)
	}
}

func TestIngestionRouterRejectsInvalidUploads(t *testing.T) {
	tests := []struct {
		name  string
		event domain.UploadEventPayload
	}{
		{"wrong suffix", domain.UploadEventPayload{ObjectKey: "notes.txt", ContentType: "application/pdf", Size: 10}},
		{"wrong content type", domain.UploadEventPayload{ObjectKey: "case-001.pdf", ContentType: "image/png", Size: 10}},
		{"empty object", domain.UploadEventPayload{ObjectKey: "case-001.pdf", ContentType: "application/pdf", Size: 0}},
		{"missing key", domain.UploadEventPayload{ContentType: "application/pdf", Size: 10}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := newRecordingBus()
			cases := store.NewMemoryCaseStore()
			router := NewIngestionRouter(b, cases, testLogger())

			err := router.handle(context.Background(), mustMessage(t, domain.TopicDocumentsUploaded, tc.event, tc.event.ObjectKey))
			if err != nil {
				t.Fatalf("invalid uploads must be dropped, got error: %v", err)
			}
			if len(b.publishedTo(domain.TopicExtractionRequests)) != 0 {
				t.Error("no extraction request expected for rejected upload")
			}
		})
	}
}

func TestIngestionRouterAcceptsContentTypeWithParameters(t *testing.T) {
	b := newRecordingBus()
	cases := store.NewMemoryCaseStore()
	router := NewIngestionRouter(b, cases, testLogger())

	event := domain.UploadEventPayload{
		ObjectKey:   "case-005.pdf",
		ContentType: "application/pdf; charset=binary",
		Size:        512,
	}
	if err := router.handle(context.Background(), mustMessage(t, domain.TopicDocumentsUploaded, event, event.ObjectKey)); err != nil {
		t.Fatalf("handle returned error: %v", err)
	}
	if len(b.publishedTo(domain.TopicExtractionRequests)) != 1 {
		t.Error("expected the parameterized pdf content type to be accepted")
	}
}

func TestIngestionRouterRedeliveredUpload(t *testing.T) {
	ctx := context.Background()
	b := newRecordingBus()
	cases := store.NewMemoryCaseStore()
	router := NewIngestionRouter(b, cases, testLogger())

	event := domain.UploadEventPayload{ObjectKey: "case-001.pdf", ContentType: "application/pdf", Size: 100}
	msg := mustMessage(t, domain.TopicDocumentsUploaded, event, event.ObjectKey)

	// While the case has not advanced, a redelivered upload republishes the
	// request in case the first publish was lost.
	if err := router.handle(ctx, msg); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := router.handle(ctx, msg); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if got := len(b.publishedTo(domain.TopicExtractionRequests)); got != 2 {
		t.Fatalf("extraction requests published = %d, want 2", got)
	}

	// Once the case moves past Created, redeliveries are dropped.
	if _, err := cases.Transition(ctx, "case-001", domain.StageCreated, domain.StageExtractionInFlight, store.CasePatch{}); err != nil {
		t.Fatalf("failed to advance case: %v", err)
	}
	if err := router.handle(ctx, msg); err != nil {
		t.Fatalf("post-advance redelivery failed: %v", err)
	}
	if got := len(b.publishedTo(domain.TopicExtractionRequests)); got != 2 {
		t.Fatalf("extraction requests published = %d after advance, want 2", got)
	}
}

func TestIngestionRouterDropsMalformedPayload(t *testing.T) {
	b := newRecordingBus()
	cases := store.NewMemoryCaseStore()
	router := NewIngestionRouter(b, cases, testLogger())

	msg := mustMessage(t, domain.TopicDocumentsUploaded, "not an object", "junk")
	if err := router.handle(context.Background(), msg); err != nil {
		t.Fatalf("malformed payloads must be dropped, got error: %v", err)
	}
}
