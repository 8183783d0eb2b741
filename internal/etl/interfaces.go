package etl

import (
	"context"
	"time"

	"github.com/BartekS5/moviesync/pkg/models"
)

// ExtractParams bounds one extraction.
type ExtractParams struct {
	// Since is the cutoff of the last completed run; only aggregates
	// modified strictly after it are read.
	Since time.Time
	// RunStart is captured once per run. An excluded id is still read when
	// its watermark is after RunStart.
	RunStart time.Time
	// Exclude holds ids already emitted by an interrupted attempt of the
	// same run window.
	Exclude []string
	// Recorder durably receives every fetched id.
	Recorder SeenRecorder
}

// Extractor starts an incremental read of the source.
type Extractor interface {
	Extract(ctx context.Context, params ExtractParams) (ChunkStream, error)
}

// ChunkStream yields chunks until it returns io.EOF. It cannot be
// restarted. Close releases the underlying cursor and is safe to call
// more than once.
type ChunkStream interface {
	Next(ctx context.Context) ([]models.SourceRecord, error)
	Close() error
}

// SeenRecorder persists ids as they are fetched.
type SeenRecorder interface {
	MarkSeen(ctx context.Context, id string) error
}

// Loader writes transformed documents to the sink.
type Loader interface {
	Load(ctx context.Context, docs []models.Movie) error
}

// Sink upserts one document by id and returns the sink's acknowledgement.
type Sink interface {
	Upsert(ctx context.Context, doc *models.Movie) (string, error)
}

// Checkpoint is the cursor the Pipeline reads at the start of a run and
// commits at the end.
type Checkpoint interface {
	SeenRecorder
	LastSyncTimestamp(ctx context.Context) time.Time
	SeenIDs(ctx context.Context) []string
	Commit(ctx context.Context, ts time.Time) error
}
