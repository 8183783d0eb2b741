package etl

import (
	"context"
	"time"

	"github.com/BartekS5/moviesync/pkg/logger"
	"github.com/BartekS5/moviesync/pkg/models"
	"github.com/BartekS5/moviesync/pkg/retry"
)

const DefaultWriteTimeout = 45 * time.Second

// DocumentLoader upserts documents one at a time. Each write is retried on
// its own: a transient failure on one document re-sends only that document,
// and a fatal failure stops the rest of the list.
type DocumentLoader struct {
	Sink         Sink
	Retry        retry.Policy
	WriteTimeout time.Duration
}

func NewDocumentLoader(sink Sink, policy retry.Policy, writeTimeout time.Duration) *DocumentLoader {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &DocumentLoader{Sink: sink, Retry: policy, WriteTimeout: writeTimeout}
}

func (l *DocumentLoader) Load(ctx context.Context, docs []models.Movie) error {
	for i := range docs {
		doc := &docs[i]
		err := l.Retry.Do(ctx, "load "+doc.ID, func(ctx context.Context) error {
			writeCtx, cancel := context.WithTimeout(ctx, l.WriteTimeout)
			defer cancel()

			ack, err := l.Sink.Upsert(writeCtx, doc)
			if err != nil {
				return err
			}
			logger.Infof("Upserted %s: %s", doc.ID, ack)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
