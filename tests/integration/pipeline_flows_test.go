package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docquery/casepipe/internal/bus"
	"github.com/docquery/casepipe/internal/domain"
	"github.com/docquery/casepipe/internal/errs"
	httpserver "github.com/docquery/casepipe/internal/http"
	"github.com/docquery/casepipe/internal/http/handlers"
	"github.com/docquery/casepipe/internal/pipeline"
	"github.com/docquery/casepipe/internal/storage"
	"github.com/docquery/casepipe/internal/store"
)

// engine modes for the scripted OCR collaborator.
const (
	engineSucceeds = "succeeds"
	engineFails    = "fails"
	engineSilent   = "silent"
)

// scriptedEngine plays the external OCR engine: Submit returns a correlation
// id immediately, and a goroutine later delivers the terminal notification
// over the real HTTP callback endpoint.
type scriptedEngine struct {
	mode    string
	objects *storage.MemoryStore
	client  *http.Client
	counter atomic.Int64
}

func (e *scriptedEngine) Submit(_ context.Context, sourceLocation, callbackTarget string) (string, error) {
	jobID := fmt.Sprintf("job-%d", e.counter.Add(1))
	if e.mode == engineSilent {
		return jobID, nil
	}

	go func() {
		notification := domain.OCRNotificationPayload{ExternalJobID: jobID}
		switch e.mode {
		case engineSucceeds:
			caseID := pipeline.DeriveCaseID(sourceLocation)
			location := "extracted/" + caseID + ".txt"
			text := "Extracted text of " + sourceLocation
			if err := e.objects.Put(context.Background(), location, "text/plain", []byte(text)); err != nil {
				return
			}
			notification.Status = domain.OCRStatusSucceeded
			notification.ResultLocation = location
		case engineFails:
			notification.Status = domain.OCRStatusFailed
			notification.Error = "page decode error"
		}

		encoded, err := json.Marshal(notification)
		if err != nil {
			return
		}
		response, err := e.client.Post(callbackTarget, "application/json", bytes.NewReader(encoded))
		if err != nil {
			return
		}
		_ = response.Body.Close()
	}()
	return jobID, nil
}

// scriptedModel fails with a throttle error a configured number of times
// before answering.
type scriptedModel struct {
	failuresLeft atomic.Int32
}

func (m *scriptedModel) Invoke(_ context.Context, _ string) (string, error) {
	if m.failuresLeft.Add(-1) >= 0 {
		return "", errs.Transient("invoke model", errors.New("endpoint throttled"))
	}
	return "the document is a signed agreement between two parties", nil
}

type runtimeConfig struct {
	engineMode  string
	llmFailures int32
	maxAttempts int
	handleTTL   time.Duration
}

type pipelineRuntime struct {
	server  *httptest.Server
	objects *storage.MemoryStore
	cancel  context.CancelFunc
}

func startPipelineRuntime(t *testing.T, cfg runtimeConfig) pipelineRuntime {
	t.Helper()

	if cfg.maxAttempts == 0 {
		cfg.maxAttempts = 5
	}
	if cfg.handleTTL == 0 {
		cfg.handleTTL = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := log.New(io.Discard, "", 0)

	cases := store.NewMemoryCaseStore()
	handles := store.NewMemoryHandleStore()
	objects := storage.NewMemoryStore()
	localBus := bus.NewLocalBus(2048, bus.RetryPolicy{
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    25 * time.Millisecond,
		MaxAttempts: cfg.maxAttempts,
	}, logger)
	localBus.SetDeadLetterFunc(pipeline.NewDeadLetterPolicy(cases, logger).Handle)

	api := handlers.NewAPI(cases, localBus, logger)
	router := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      "",
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})
	server := httptest.NewServer(router)

	engine := &scriptedEngine{
		mode:    cfg.engineMode,
		objects: objects,
		client:  server.Client(),
	}
	model := &scriptedModel{}
	model.failuresLeft.Store(cfg.llmFailures)

	localBus.EnsureGroup(domain.TopicDocumentsUploaded, pipeline.GroupIngestion)
	localBus.EnsureGroup(domain.TopicExtractionRequests, pipeline.GroupExtraction)
	localBus.EnsureGroup(domain.TopicOCRNotifications, pipeline.GroupCompletion)
	localBus.EnsureGroup(domain.TopicExtractionComplete, pipeline.GroupInference)

	callbackTarget := server.URL + "/callbacks/ocr"
	go pipeline.NewIngestionRouter(localBus, cases, logger).Start(ctx)
	go pipeline.NewExtractionOrchestrator(localBus, cases, handles, engine, callbackTarget, cfg.handleTTL, logger).Start(ctx)
	go pipeline.NewCompletionRouter(localBus, cases, handles, logger).Start(ctx)
	go pipeline.NewInferenceInvoker(localBus, cases, objects, model, "", logger).Start(ctx)
	go pipeline.NewReaper(cases, handles, 20*time.Millisecond, logger).Start(ctx)
	go storage.PumpEvents(ctx, objects, localBus, logger)

	return pipelineRuntime{
		server:  server,
		objects: objects,
		cancel: func() {
			cancel()
			server.Close()
		},
	}
}

func (r pipelineRuntime) upload(t *testing.T, objectKey string) {
	t.Helper()
	data := []byte("%PDF-1.7 scanned pages for " + objectKey)
	if err := r.objects.Put(context.Background(), objectKey, "application/pdf", data); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
}

func getCaseBody(t *testing.T, client *http.Client, url string) (int, map[string]any) {
	t.Helper()
	response, err := client.Get(url)
	if err != nil {
		t.Fatalf("execute get request: %v", err)
	}
	defer response.Body.Close()

	raw, _ := io.ReadAll(response.Body)
	var decoded map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode response body (%d): %s", response.StatusCode, string(raw))
		}
	}
	return response.StatusCode, decoded
}

func waitForStage(t *testing.T, runtime pipelineRuntime, caseID string, want domain.Stage, timeout time.Duration) map[string]any {
	t.Helper()

	client := runtime.server.Client()
	url := fmt.Sprintf("%s/cases/%s", runtime.server.URL, caseID)
	deadline := time.Now().Add(timeout)
	lastStage := ""

	for time.Now().Before(deadline) {
		status, body := getCaseBody(t, client, url)
		if status == http.StatusOK {
			stage, _ := body["stage"].(string)
			lastStage = stage
			if stage == string(want) {
				return body
			}
			if domain.Stage(stage).Terminal() {
				t.Fatalf("case %s settled in %s while waiting for %s: %+v", caseID, stage, want, body)
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timeout waiting for case %s to reach %s (last stage %q)", caseID, want, lastStage)
	return nil
}

func lastErrorCode(body map[string]any) string {
	lastError, _ := body["last_error"].(map[string]any)
	code, _ := lastError["code"].(string)
	return code
}

func TestUploadedDocumentFlowsToAnswer(t *testing.T) {
	runtime := startPipelineRuntime(t, runtimeConfig{engineMode: engineSucceeds})
	defer runtime.cancel()

	runtime.upload(t, "case-100.pdf")

	body := waitForStage(t, runtime, "case-100", domain.StageDone, 10*time.Second)
	if answer, _ := body["answer"].(string); answer == "" {
		t.Error("settled case must carry the inference answer")
	}
	if location, _ := body["extracted_text_location"].(string); location != "extracted/case-100.txt" {
		t.Errorf("extracted text location = %q", location)
	}
}

func TestNonDocumentUploadsAreIgnored(t *testing.T) {
	runtime := startPipelineRuntime(t, runtimeConfig{engineMode: engineSucceeds})
	defer runtime.cancel()

	if err := runtime.objects.Put(context.Background(), "notes.txt", "text/plain", []byte("plain notes")); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	// A case is never created for the rejected object.
	time.Sleep(200 * time.Millisecond)
	status, _ := getCaseBody(t, runtime.server.Client(), runtime.server.URL+"/cases/notes")
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for ignored upload", status)
	}
}

func TestEngineFailureSettlesCase(t *testing.T) {
	runtime := startPipelineRuntime(t, runtimeConfig{engineMode: engineFails})
	defer runtime.cancel()

	runtime.upload(t, "case-200.pdf")

	body := waitForStage(t, runtime, "case-200", domain.StageExtractionFailed, 10*time.Second)
	if code := lastErrorCode(body); code != "extraction_error" {
		t.Errorf("last error code = %q, want extraction_error", code)
	}
	if answer, _ := body["answer"].(string); answer != "" {
		t.Error("failed extraction must not produce an answer")
	}
}

func TestThrottledInferenceRecovers(t *testing.T) {
	runtime := startPipelineRuntime(t, runtimeConfig{
		engineMode:  engineSucceeds,
		llmFailures: 2,
		maxAttempts: 5,
	})
	defer runtime.cancel()

	runtime.upload(t, "case-300.pdf")

	body := waitForStage(t, runtime, "case-300", domain.StageDone, 10*time.Second)
	if answer, _ := body["answer"].(string); answer == "" {
		t.Error("recovered case must carry the inference answer")
	}
}

func TestExhaustedInferenceRetriesSettleCase(t *testing.T) {
	runtime := startPipelineRuntime(t, runtimeConfig{
		engineMode:  engineSucceeds,
		llmFailures: 100,
		maxAttempts: 3,
	})
	defer runtime.cancel()

	runtime.upload(t, "case-400.pdf")

	body := waitForStage(t, runtime, "case-400", domain.StageInferenceFailed, 10*time.Second)
	if code := lastErrorCode(body); code != "inference_retries_exhausted" {
		t.Errorf("last error code = %q, want inference_retries_exhausted", code)
	}
}

func TestSilentEngineTimesOut(t *testing.T) {
	runtime := startPipelineRuntime(t, runtimeConfig{
		engineMode: engineSilent,
		handleTTL:  50 * time.Millisecond,
	})
	defer runtime.cancel()

	runtime.upload(t, "case-500.pdf")

	body := waitForStage(t, runtime, "case-500", domain.StageExtractionFailed, 10*time.Second)
	if code := lastErrorCode(body); code != "extraction_timeout" {
		t.Errorf("last error code = %q, want extraction_timeout", code)
	}
}
