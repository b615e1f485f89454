package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/docquery/casepipe/internal/domain"
	"github.com/docquery/casepipe/internal/store"
)

type recordedPublish struct {
	Topic    string
	DedupKey string
	Payload  any
}

type fakePublisher struct {
	mu        sync.Mutex
	published []recordedPublish
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any, dedupKey string) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, recordedPublish{Topic: topic, DedupKey: dedupKey, Payload: payload})
	return nil
}

func newTestAPI(t *testing.T) (*API, *store.MemoryCaseStore, *fakePublisher) {
	t.Helper()
	cases := store.NewMemoryCaseStore()
	publisher := &fakePublisher{}
	api := NewAPI(cases, publisher, log.New(io.Discard, "", 0))
	return api, cases, publisher
}

func TestHealth(t *testing.T) {
	api, _, _ := newTestAPI(t)

	recorder := httptest.NewRecorder()
	api.Health(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
}

func TestCaseStatusReturnsCase(t *testing.T) {
	api, cases, _ := newTestAPI(t)
	if _, err := cases.Create(context.Background(), "case-001", "uploads/case-001.pdf"); err != nil {
		t.Fatalf("failed to seed case: %v", err)
	}

	recorder := httptest.NewRecorder()
	api.CaseStatus(recorder, httptest.NewRequest(http.MethodGet, "/cases/case-001", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", recorder.Code, recorder.Body.String())
	}
	var record domain.Case
	if err := json.NewDecoder(recorder.Body).Decode(&record); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if record.CaseID != "case-001" || record.Stage != domain.StageCreated {
		t.Errorf("unexpected case in response: %+v", record)
	}
}

func TestCaseStatusRejectsBadRequests(t *testing.T) {
	api, _, _ := newTestAPI(t)

	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"unknown case", http.MethodGet, "/cases/ghost", http.StatusNotFound},
		{"missing id", http.MethodGet, "/cases/", http.StatusBadRequest},
		{"nested path", http.MethodGet, "/cases/a/b", http.StatusBadRequest},
		{"wrong method", http.MethodPost, "/cases/case-001", http.StatusMethodNotAllowed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			api.CaseStatus(recorder, httptest.NewRequest(tc.method, tc.target, nil))
			if recorder.Code != tc.want {
				t.Errorf("status = %d, want %d", recorder.Code, tc.want)
			}
		})
	}
}

func TestOCRCallbackPublishesNotification(t *testing.T) {
	api, _, publisher := newTestAPI(t)

	body := `{"external_job_id":"job-42","status":"succeeded","result_location":"extracted/case-001.txt"}`
	recorder := httptest.NewRecorder()
	api.OCRCallback(recorder, httptest.NewRequest(http.MethodPost, "/callbacks/ocr", strings.NewReader(body)))

	if recorder.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", recorder.Code, recorder.Body.String())
	}
	if len(publisher.published) != 1 {
		t.Fatalf("published = %d, want 1", len(publisher.published))
	}
	record := publisher.published[0]
	if record.Topic != domain.TopicOCRNotifications {
		t.Errorf("topic = %q, want %q", record.Topic, domain.TopicOCRNotifications)
	}
	if record.DedupKey != "job-42" {
		t.Errorf("dedup key = %q, want job-42", record.DedupKey)
	}
	notification, ok := record.Payload.(domain.OCRNotificationPayload)
	if !ok {
		t.Fatalf("payload type = %T", record.Payload)
	}
	if notification.Status != domain.OCRStatusSucceeded || notification.ResultLocation != "extracted/case-001.txt" {
		t.Errorf("unexpected notification: %+v", notification)
	}
}

func TestOCRCallbackValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"external_job_id":`},
		{"missing job id", `{"status":"succeeded"}`},
		{"unknown status", `{"external_job_id":"job-42","status":"maybe"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			api, _, publisher := newTestAPI(t)
			recorder := httptest.NewRecorder()
			api.OCRCallback(recorder, httptest.NewRequest(http.MethodPost, "/callbacks/ocr", strings.NewReader(tc.body)))

			if recorder.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", recorder.Code)
			}
			if len(publisher.published) != 0 {
				t.Error("invalid notifications must not reach the bus")
			}
		})
	}
}

func TestOCRCallbackBusUnavailable(t *testing.T) {
	api, _, publisher := newTestAPI(t)
	publisher.err = errors.New("bus unavailable")

	body := `{"external_job_id":"job-42","status":"failed","error":"page decode error"}`
	recorder := httptest.NewRecorder()
	api.OCRCallback(recorder, httptest.NewRequest(http.MethodPost, "/callbacks/ocr", strings.NewReader(body)))

	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", recorder.Code)
	}
}
