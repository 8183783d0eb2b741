package etl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/BartekS5/moviesync/pkg/logger"
)

// Phase is the orchestrator's position in a run.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseExtracting
	PhaseTransforming
	PhaseLoading
	PhaseCommitting
)

func (p Phase) String() string {
	switch p {
	case PhaseExtracting:
		return "extracting"
	case PhaseTransforming:
		return "transforming"
	case PhaseLoading:
		return "loading"
	case PhaseCommitting:
		return "committing"
	default:
		return "idle"
	}
}

// RunStats summarizes one run.
type RunStats struct {
	RunID     string
	RunStart  time.Time
	Chunks    int
	Extracted int
	Loaded    int
	Elapsed   time.Duration
	Committed bool
}

// Pipeline owns one synchronization run and is the only writer of the
// checkpoint timestamp.
type Pipeline struct {
	Extractor   Extractor
	Transformer *Transformer
	Loader      Loader
	Checkpoint  Checkpoint
	DryRun      bool

	// Now captures the run start. Defaults to time.Now.
	Now func() time.Time

	phase Phase
}

// NewEnhancedPipeline creates a pipeline with dry-run support. A dry run
// extracts and transforms but leaves the sink and the checkpoint untouched.
func NewEnhancedPipeline(ext Extractor, transformer *Transformer, loader Loader, checkpoint Checkpoint, dryRun bool) *Pipeline {
	return &Pipeline{
		Extractor:   ext,
		Transformer: transformer,
		Loader:      loader,
		Checkpoint:  checkpoint,
		DryRun:      dryRun,
		Now:         time.Now,
	}
}

func NewPipeline(ext Extractor, transformer *Transformer, loader Loader, checkpoint Checkpoint) *Pipeline {
	return NewEnhancedPipeline(ext, transformer, loader, checkpoint, false)
}

// Phase reports where the current run is.
func (p *Pipeline) Phase() Phase {
	return p.phase
}

func (p *Pipeline) setPhase(runID string, next Phase) {
	if p.phase != next {
		logger.Infof("[run %s] %s -> %s", runID, p.phase, next)
	}
	p.phase = next
}

// Run performs one full synchronization. The checkpoint timestamp advances
// only when every chunk has been loaded; on error it is left as it was.
func (p *Pipeline) Run(ctx context.Context) (*RunStats, error) {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	stats := &RunStats{RunID: uuid.NewString(), RunStart: now()}
	runID := stats.RunID
	defer p.setPhase(runID, PhaseIdle)

	params := ExtractParams{
		Since:    p.Checkpoint.LastSyncTimestamp(ctx),
		RunStart: stats.RunStart,
		Exclude:  p.Checkpoint.SeenIDs(ctx),
		Recorder: p.Checkpoint,
	}
	if p.DryRun {
		params.Recorder = nil
	}
	logger.Infof("[run %s] Starting sync. Since: %v, Resuming with %d seen ids, DryRun: %v",
		runID, params.Since, len(params.Exclude), p.DryRun)

	p.setPhase(runID, PhaseExtracting)
	stream, err := p.Extractor.Extract(ctx, params)
	if err != nil {
		logger.Errorf("[run %s] Extraction failed to start: %v", runID, err)
		return stats, fmt.Errorf("extract: %w", err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			logger.Infof("[run %s] No more data to process.", runID)
			break
		}
		if err != nil {
			logger.Errorf("[run %s] Extraction failed after %d records: %v", runID, stats.Extracted, err)
			return stats, fmt.Errorf("extract: %w", err)
		}
		stats.Chunks++
		stats.Extracted += len(chunk)

		p.setPhase(runID, PhaseTransforming)
		docs, err := p.Transformer.Transform(chunk)
		if err != nil {
			logger.Errorf("[run %s] Transform failed in chunk %d: %v", runID, stats.Chunks, err)
			return stats, fmt.Errorf("transform: %w", err)
		}

		p.setPhase(runID, PhaseLoading)
		if !p.DryRun {
			if err := p.Loader.Load(ctx, docs); err != nil {
				logger.Errorf("[run %s] Loading failed in chunk %d: %v", runID, stats.Chunks, err)
				return stats, fmt.Errorf("load: %w", err)
			}
			stats.Loaded += len(docs)
		} else {
			logger.Infof("[run %s] [DRY RUN] Would load %d records", runID, len(docs))
		}

		stats.Elapsed = time.Since(stats.RunStart)
		rate := 0.0
		if stats.Elapsed.Seconds() > 0 {
			rate = float64(stats.Extracted) / stats.Elapsed.Seconds()
		}
		logger.Infof("[run %s] Chunk %d done. Total: %d. Rate: %.2f docs/sec.", runID, stats.Chunks, stats.Extracted, rate)
		p.setPhase(runID, PhaseExtracting)
	}

	stats.Elapsed = time.Since(stats.RunStart)
	if p.DryRun {
		logger.Infof("[run %s] [DRY RUN] Checkpoint left unchanged.", runID)
		return stats, nil
	}

	p.setPhase(runID, PhaseCommitting)
	if err := p.Checkpoint.Commit(ctx, stats.RunStart); err != nil {
		logger.Errorf("[run %s] Commit failed: %v", runID, err)
		return stats, fmt.Errorf("commit checkpoint: %w", err)
	}
	stats.Committed = true
	logger.Infof("[run %s] Sync finished successfully. Loaded %d documents, checkpoint advanced to %v.",
		runID, stats.Loaded, stats.RunStart)
	return stats, nil
}
