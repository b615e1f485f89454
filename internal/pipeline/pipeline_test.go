package pipeline

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/docquery/casepipe/internal/bus"
	"github.com/docquery/casepipe/internal/domain"
	"github.com/docquery/casepipe/internal/store"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type publishedMessage struct {
	Topic    string
	DedupKey string
	Payload  []byte
}

// recordingBus captures publishes so handler tests can assert on downstream
// traffic. Consume is never exercised here; handlers are called directly.
type recordingBus struct {
	mu         sync.Mutex
	published  []publishedMessage
	failTopics map[string]error
}

func newRecordingBus() *recordingBus {
	return &recordingBus{failTopics: make(map[string]error)}
}

func (b *recordingBus) Publish(_ context.Context, topic string, payload any, dedupKey string) error {
	if err := b.failTopics[topic]; err != nil {
		return err
	}
	message, err := bus.NewMessage(topic, payload, dedupKey)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedMessage{Topic: topic, DedupKey: dedupKey, Payload: message.Payload})
	return nil
}

func (b *recordingBus) Consume(ctx context.Context, _, _ string, _ bus.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *recordingBus) publishedTo(topic string) []publishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishedMessage
	for _, msg := range b.published {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

type fakeOCR struct {
	mu         sync.Mutex
	submitFunc func(sourceLocation, callbackTarget string) (string, error)

	sourceLocations []string
	callbackTargets []string
}

func (f *fakeOCR) Submit(_ context.Context, sourceLocation, callbackTarget string) (string, error) {
	f.mu.Lock()
	f.sourceLocations = append(f.sourceLocations, sourceLocation)
	f.callbackTargets = append(f.callbackTargets, callbackTarget)
	f.mu.Unlock()
	return f.submitFunc(sourceLocation, callbackTarget)
}

func (f *fakeOCR) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sourceLocations)
}

type fakeLLM struct {
	mu         sync.Mutex
	invokeFunc func(prompt string) (string, error)
	prompts    []string
}

func (f *fakeLLM) Invoke(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	return f.invokeFunc(prompt)
}

func (f *fakeLLM) invocations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func mustMessage(t *testing.T, topic string, payload any, dedupKey string) domain.BusMessage {
	t.Helper()
	message, err := bus.NewMessage(topic, payload, dedupKey)
	if err != nil {
		t.Fatalf("failed to build message: %v", err)
	}
	return message
}

// seedCase walks a fresh case to the given stage through the store's own
// transitions, so the precondition is a reachable pipeline state.
func seedCase(t *testing.T, cases store.CaseStore, caseID, sourceLocation string, stage domain.Stage) {
	t.Helper()
	ctx := context.Background()

	if _, err := cases.Create(ctx, caseID, sourceLocation); err != nil {
		t.Fatalf("failed to create case: %v", err)
	}
	if stage == domain.StageCreated {
		return
	}

	path := []domain.Stage{
		domain.StageCreated,
		domain.StageExtractionInFlight,
		domain.StageExtractionComplete,
		domain.StageInferenceInFlight,
		domain.StageDone,
	}
	if stage == domain.StageExtractionFailed {
		path = []domain.Stage{domain.StageCreated, domain.StageExtractionInFlight, domain.StageExtractionFailed}
	}
	if stage == domain.StageInferenceFailed {
		path = []domain.Stage{
			domain.StageCreated,
			domain.StageExtractionInFlight,
			domain.StageExtractionComplete,
			domain.StageInferenceInFlight,
			domain.StageInferenceFailed,
		}
	}

	for i := 1; i < len(path); i++ {
		if _, err := cases.Transition(ctx, caseID, path[i-1], path[i], store.CasePatch{}); err != nil {
			t.Fatalf("failed to seed stage %s: %v", path[i], err)
		}
		if path[i] == stage {
			return
		}
	}
	t.Fatalf("unreachable seed stage %s", stage)
}

func getCase(t *testing.T, cases store.CaseStore, caseID string) *domain.Case {
	t.Helper()
	record, err := cases.Get(context.Background(), caseID)
	if err != nil {
		t.Fatalf("failed to load case %s: %v", caseID, err)
	}
	return record
}
