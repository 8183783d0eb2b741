package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/BartekS5/moviesync/internal/config"
	"github.com/BartekS5/moviesync/internal/etl"
	"github.com/BartekS5/moviesync/internal/state"
	"github.com/BartekS5/moviesync/pkg/database"
	"github.com/BartekS5/moviesync/pkg/logger"
	"github.com/BartekS5/moviesync/pkg/utils"
)

// cleanup collects the release functions of opened connections.
type cleanup []func()

func (c *cleanup) add(fn func()) { *c = append(*c, fn) }

func (c cleanup) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func loadConfig(opts *RootOptions, validate func(*config.Config) error) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	if err := logger.InitLogger(cfg.LoggerOptions()); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openCheckpoint(ctx context.Context, cfg *config.Config, done *cleanup) (*state.State, error) {
	cp := cfg.Checkpoint

	var storage state.Storage
	switch cp.Backend {
	case config.CheckpointFile:
		storage = state.NewFileStorage(cp.Path)
	case config.CheckpointSQL:
		db, err := database.ConnectSQL(cp.Driver, cp.DSN)
		if err != nil {
			return nil, err
		}
		done.add(func() { db.Close() })
		sqlStorage, err := state.NewSQLStorage(db, cp.Driver, cp.Table, cp.Key)
		if err != nil {
			return nil, err
		}
		storage = sqlStorage
	case config.CheckpointMongo:
		client, err := database.ConnectMongo(cp.MongoURI)
		if err != nil {
			return nil, err
		}
		done.add(func() { database.DisconnectMongo(client) })
		storage = state.NewMongoStorage(client, cp.MongoDatabase, cp.Collection, cp.Key)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cp.Backend)
	}

	logger.Infof("Using %s checkpoint storage.", cp.Backend)
	return state.New(ctx, storage)
}

// openSink returns the configured sink. The Elasticsearch sink is also
// returned on its own for index management; it is nil for other backends.
func openSink(cfg *config.Config, done *cleanup) (etl.Sink, *etl.ElasticsearchSink, error) {
	s := cfg.Sink
	switch s.Backend {
	case config.SinkElasticsearch:
		client, err := database.ConnectElasticsearch(database.ElasticsearchOptions{
			Addresses: s.Addresses,
			Username:  s.Username,
			Password:  s.Password,
		})
		if err != nil {
			return nil, nil, err
		}
		es := etl.NewElasticsearchSink(client, s.Index)
		return es, es, nil
	case config.SinkMongo:
		client, err := database.ConnectMongo(s.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		done.add(func() { database.DisconnectMongo(client) })
		return etl.NewMongoSink(client, s.MongoDatabase, s.Index), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown sink backend %q", s.Backend)
	}
}

func runSync(ctx context.Context, opts *SyncOptions) error {
	cfg, err := loadConfig(opts.RootOptions, (*config.Config).Validate)
	if err != nil {
		return err
	}
	defer logger.Close()
	if opts.ChunkSize > 0 {
		cfg.Source.ChunkSize = opts.ChunkSize
	}

	var done cleanup
	defer done.run()

	sourceDB, err := database.ConnectPostgres(cfg.Source.DSN)
	if err != nil {
		return err
	}
	done.add(func() { sourceDB.Close() })

	checkpoint, err := openCheckpoint(ctx, cfg, &done)
	if err != nil {
		return err
	}

	sink, es, err := openSink(cfg, &done)
	if err != nil {
		return err
	}
	if err := prepareIndex(ctx, es, opts.DryRun); err != nil {
		return err
	}

	policy := cfg.RetryPolicy()
	extractor, err := etl.NewPostgresExtractor(sourceDB, cfg.Source.ChunkSize, cfg.Source.Schema, policy)
	if err != nil {
		return err
	}
	loader := etl.NewDocumentLoader(sink, policy, cfg.Sink.WriteTimeout)
	pipeline := etl.NewEnhancedPipeline(extractor, etl.NewTransformer(), loader, checkpoint, opts.DryRun)

	fmt.Printf("Starting sync into %s %q...\n", cfg.Sink.Backend, cfg.Sink.Index)
	stats, err := pipeline.Run(ctx)
	if err != nil {
		return err
	}

	if opts.DryRun {
		fmt.Printf("Dry run finished: %d records in %d chunks would be loaded.\n", stats.Extracted, stats.Chunks)
		return nil
	}
	fmt.Printf("Sync finished successfully: %d documents loaded in %v.\n", stats.Loaded, stats.Elapsed)
	return nil
}

// prepareIndex creates the search index with the bundled mapping before the
// first write. A dry run writes nothing, the index included.
func prepareIndex(ctx context.Context, es *etl.ElasticsearchSink, dryRun bool) error {
	if es == nil || dryRun {
		return nil
	}
	if _, err := es.EnsureIndex(ctx); err != nil {
		return fmt.Errorf("prepare index: %w", err)
	}
	return nil
}

func runIndexCreate(ctx context.Context, opts *RootOptions) error {
	cfg, err := loadConfig(opts, (*config.Config).ValidateSink)
	if err != nil {
		return err
	}
	defer logger.Close()

	var done cleanup
	defer done.run()

	_, es, err := openSink(cfg, &done)
	if err != nil {
		return err
	}
	if es == nil {
		fmt.Printf("Sink backend %s needs no index setup.\n", cfg.Sink.Backend)
		return nil
	}

	created, err := es.EnsureIndex(ctx)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Index %q created.\n", cfg.Sink.Index)
	} else {
		fmt.Printf("Index %q already exists.\n", cfg.Sink.Index)
	}
	return nil
}

func runCheckpointShow(ctx context.Context, opts *RootOptions, out io.Writer) error {
	cfg, err := loadConfig(opts, (*config.Config).ValidateCheckpoint)
	if err != nil {
		return err
	}
	defer logger.Close()

	var done cleanup
	defer done.run()

	checkpoint, err := openCheckpoint(ctx, cfg, &done)
	if err != nil {
		return err
	}
	printCheckpoint(ctx, out, checkpoint)
	return nil
}

func printCheckpoint(ctx context.Context, out io.Writer, checkpoint *state.State) {
	ts := checkpoint.LastSyncTimestamp(ctx)
	seen := checkpoint.SeenIDs(ctx)

	if ts.Equal(utils.EpochZero) {
		fmt.Fprintln(out, "Last sync:  never")
	} else {
		fmt.Fprintf(out, "Last sync:  %s\n", utils.FormatTimestamp(ts))
	}
	if len(seen) == 0 {
		fmt.Fprintln(out, "Unfinished run: none")
		return
	}
	fmt.Fprintf(out, "Unfinished run: %d ids already fetched\n", len(seen))
	for _, id := range seen {
		fmt.Fprintf(out, "  %s\n", id)
	}
}

func runCheckpointReset(ctx context.Context, opts *RootOptions, yes bool, out io.Writer) error {
	if !yes {
		return errors.New("refusing to reset the checkpoint without --yes")
	}
	cfg, err := loadConfig(opts, (*config.Config).ValidateCheckpoint)
	if err != nil {
		return err
	}
	defer logger.Close()

	var done cleanup
	defer done.run()

	checkpoint, err := openCheckpoint(ctx, cfg, &done)
	if err != nil {
		return err
	}
	if err := checkpoint.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset checkpoint: %w", err)
	}
	logger.Info("Checkpoint reset; the next sync re-reads every film work.")
	printCheckpoint(ctx, out, checkpoint)
	return nil
}
