// Package worker runs the claim loops that execute sync and transform
// jobs. Workers are intentionally crash-tolerant rather than careful:
// every side effect they perform is idempotent or constraint-guarded,
// so a re-executed job converges instead of duplicating.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/datawell/conduit/internal/models"
)

const defaultPollInterval = 2 * time.Second

// streamStages is the pipeline definition carried in a stream's opaque
// config bag. Stage order is chain order: the sync job spawns the first
// stage, each stage spawns the next.
type streamStages struct {
	Stages []string `json:"stages"`
}

func stagesFor(stream models.StreamConnection) []string {
	if len(stream.Config) == 0 {
		return nil
	}
	var cfg streamStages
	if err := json.Unmarshal(stream.Config, &cfg); err != nil {
		return nil
	}
	return cfg.Stages
}

// nextStage returns the stage following current, or "" at the end of
// the chain.
func nextStage(stages []string, current string) string {
	for i, s := range stages {
		if s == current && i+1 < len(stages) {
			return stages[i+1]
		}
	}
	return ""
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
