// Package pipeline contains the orchestration core: the ingestion router,
// extraction orchestrator, completion router (with its timeout reaper), and
// inference invoker. Components are stateless worker loops coordinated only
// through the case store's compare-and-swap and the bus's per-message lease.
package pipeline

import (
	"context"
	"log"
	"time"
)

// Consumer group names. Separate groups on the same topic fan out; worker
// instances within a group compete.
const (
	GroupIngestion  = "ingestion-router"
	GroupExtraction = "extraction-orchestrator"
	GroupCompletion = "completion-router"
	GroupInference  = "inference-invoker"
)

// runConsumeLoop keeps a component's consume loop alive across backend
// errors until the context is canceled.
func runConsumeLoop(ctx context.Context, logger *log.Logger, name string, consume func(context.Context) error) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := consume(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		if logger != nil {
			logger.Printf("%s consume loop error: %v", name, err)
		}

		timer := time.NewTimer(2 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
