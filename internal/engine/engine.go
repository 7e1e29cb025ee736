// Package engine implements the post-ingest processing chain: conflict
// detection, alignment analysis, feature progress, and health scoring.
// Engines run asynchronously after the webhook ACK; each engine is a
// single storage transaction, and broadcasts fire only after commit.
package engine

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/repopulse/repopulse/internal/storage"
	"github.com/repopulse/repopulse/internal/telemetry"
)

// Job is one unit of post-ACK work, carrying just enough of the push to
// drive the engines. Engines recompute from database state, so a dropped
// job is subsumed by the next one for the same workspace.
type Job struct {
	WorkspaceID   string
	TriggerBranch string
	CommitHash    string
	ModifiedFiles []string
}

// Aligner judges whether a pushed file set drifts from the workspace's
// declared feature work. Implemented by align.Analyzer; nil disables it.
type Aligner interface {
	Analyze(ctx context.Context, job Job) error
}

// Broadcaster is the event fan-out surface the engines need from the bus.
type Broadcaster interface {
	Broadcast(workspaceID string, event any)
}

// Engines runs the processing chain for one job. All engines tolerate
// failure: an error is logged and the chain continues, because each stage
// reads its own inputs from storage rather than from the previous stage.
type Engines struct {
	store storage.Storage
	hub   Broadcaster
	align Aligner

	runDuration metric.Float64Histogram
}

// New wires the engine chain. align may be nil.
func New(store storage.Storage, hub Broadcaster, align Aligner) *Engines {
	hist, err := telemetry.Meter("").Float64Histogram("repopulse.engine.run_seconds")
	if err != nil {
		log.Printf("engine: histogram init: %v", err)
	}
	return &Engines{store: store, hub: hub, align: align, runDuration: hist}
}

// Process runs the full chain for one job: conflicts, alignment, features,
// health. Alignment runs before the health recompute so its blockers are
// counted in the same pass. Jobs carrying no file changes (branch deletes)
// skip the alignment and feature legs: there are no commits to judge or to
// advance completion for, but conflicts and health still recompute so
// blockers over the vanished activity resolve promptly.
func (e *Engines) Process(ctx context.Context, job Job) {
	start := time.Now()

	if err := e.RunConflicts(ctx, job.WorkspaceID); err != nil {
		log.Printf("engine: conflict run for workspace %s: %v", job.WorkspaceID, err)
	}
	if len(job.ModifiedFiles) > 0 {
		if e.align != nil {
			if err := e.align.Analyze(ctx, job); err != nil {
				log.Printf("engine: alignment run for workspace %s: %v", job.WorkspaceID, err)
			}
		}
		if err := e.RunFeatures(ctx, job.WorkspaceID); err != nil {
			log.Printf("engine: feature run for workspace %s: %v", job.WorkspaceID, err)
		}
	}
	if err := e.RunHealth(ctx, job.WorkspaceID); err != nil {
		log.Printf("engine: health run for workspace %s: %v", job.WorkspaceID, err)
	}

	if e.runDuration != nil {
		e.runDuration.Record(ctx, time.Since(start).Seconds())
	}
}
