package etl

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"

	"github.com/lib/pq"

	"github.com/BartekS5/moviesync/pkg/logger"
	"github.com/BartekS5/moviesync/pkg/models"
	"github.com/BartekS5/moviesync/pkg/retry"
)

const DefaultChunkSize = 50

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// watermark is the latest modification across a film and its joined rows.
// GREATEST skips NULLs, so films without genres or people still qualify.
const watermark = `GREATEST(MAX(fw.modified), MAX(g.modified), MAX(p.modified))`

const aggregateQuery = `
SELECT fw.id::text AS id,
	fw.rating AS imdb_rating,
	array_remove(array_agg(DISTINCT g.name), NULL) AS genre,
	fw.title,
	fw.description,
	string_agg(DISTINCT p.full_name, ',') FILTER (WHERE pfw.role = 'director') AS director,
	array_remove(COALESCE(array_agg(DISTINCT CASE WHEN pfw.role = 'actor' THEN p.full_name END) FILTER (WHERE p.full_name IS NOT NULL)), NULL) AS actors_names,
	array_remove(COALESCE(array_agg(DISTINCT CASE WHEN pfw.role = 'writer' THEN p.full_name END) FILTER (WHERE p.full_name IS NOT NULL)), NULL) AS writers_names,
	concat('[', string_agg(DISTINCT CASE WHEN pfw.role = 'actor' THEN json_build_object('id', p.id, 'name', p.full_name) #>> '{}' END, ','), ']') AS actors,
	concat('[', string_agg(DISTINCT CASE WHEN pfw.role = 'writer' THEN json_build_object('id', p.id, 'name', p.full_name) #>> '{}' END, ','), ']') AS writers,
	` + watermark + ` AS last_modified
FROM %[1]s.film_work AS fw
LEFT JOIN %[1]s.genre_film_work gfw ON fw.id = gfw.film_work_id
LEFT JOIN %[1]s.genre g ON gfw.genre_id = g.id
LEFT JOIN %[1]s.person_film_work pfw ON fw.id = pfw.film_work_id
LEFT JOIN %[1]s.person p ON pfw.person_id = p.id
GROUP BY fw.id
HAVING ` + watermark + ` > $1`

// buildExtractQuery returns the aggregate query and its arguments. The
// exclusion clause is only added when there is something to exclude.
func buildExtractQuery(schema string, params ExtractParams, exclude []string) (string, []interface{}) {
	query := fmt.Sprintf(aggregateQuery, schema)
	args := []interface{}{params.Since}
	if len(exclude) > 0 {
		query += `
	AND (fw.id::text <> ALL($2::text[]) OR ` + watermark + ` > $3)`
		args = append(args, pq.Array(exclude), params.RunStart)
	}
	query += `
ORDER BY last_modified DESC`
	return query, args
}

// rowSource is the part of *sql.Rows the stream reads.
type rowSource interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
	Close() error
}

type queryFunc func(ctx context.Context, query string, args ...interface{}) (rowSource, error)

// PostgresExtractor reads film work aggregates newest first.
type PostgresExtractor struct {
	ChunkSize int
	Schema    string
	Retry     retry.Policy

	query queryFunc
}

func NewPostgresExtractor(db *sql.DB, chunkSize int, schema string, policy retry.Policy) (*PostgresExtractor, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if !identPattern.MatchString(schema) {
		return nil, fmt.Errorf("invalid source schema name %q", schema)
	}
	return &PostgresExtractor{
		ChunkSize: chunkSize,
		Schema:    schema,
		Retry:     policy,
		query: func(ctx context.Context, query string, args ...interface{}) (rowSource, error) {
			rows, err := db.QueryContext(ctx, query, args...)
			if err != nil {
				return nil, err
			}
			return rows, nil
		},
	}, nil
}

// Extract opens nothing yet: the cursor is opened by the first Next.
func (e *PostgresExtractor) Extract(_ context.Context, params ExtractParams) (ChunkStream, error) {
	logger.Infof("Extracting aggregates modified after %v (run start %v, %d excluded ids)",
		params.Since, params.RunStart, len(params.Exclude))
	return &postgresStream{ex: e, params: params}, nil
}

type postgresStream struct {
	ex     *PostgresExtractor
	params ExtractParams

	// fetched holds every id this stream has read. A reopened cursor
	// excludes them, but the exclusion yields to the run-start override, so
	// rows modified after RunStart come back and are skipped by fetchedSet.
	fetched    []string
	fetchedSet map[string]struct{}
	rows       rowSource
	done       bool
}

func (s *postgresStream) Next(ctx context.Context) ([]models.SourceRecord, error) {
	if s.done {
		return nil, io.EOF
	}

	chunk := make([]models.SourceRecord, 0, s.ex.ChunkSize)
	err := s.ex.Retry.Do(ctx, "extract chunk", func(ctx context.Context) error {
		if s.rows == nil {
			if err := s.open(ctx); err != nil {
				return err
			}
		}
		for len(chunk) < s.ex.ChunkSize {
			if !s.rows.Next() {
				err := s.rows.Err()
				s.closeRows()
				if err != nil {
					return classifyPostgres("fetch rows", err)
				}
				s.done = true
				return nil
			}

			rec, err := scanSourceRecord(s.rows)
			if err != nil {
				s.closeRows()
				return classifyPostgres("scan row", err)
			}
			if _, dup := s.fetchedSet[rec.ID]; dup {
				continue
			}
			if s.fetchedSet == nil {
				s.fetchedSet = make(map[string]struct{})
			}
			s.fetchedSet[rec.ID] = struct{}{}
			chunk = append(chunk, rec)
			s.fetched = append(s.fetched, rec.ID)

			if s.params.Recorder != nil {
				if err := s.params.Recorder.MarkSeen(ctx, rec.ID); err != nil {
					return retry.Fatal("record seen id", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	if len(chunk) == 0 {
		return nil, io.EOF
	}
	return chunk, nil
}

func (s *postgresStream) open(ctx context.Context) error {
	exclude := mergeIDs(s.params.Exclude, s.fetched)
	query, args := buildExtractQuery(s.ex.Schema, s.params, exclude)
	rows, err := s.ex.query(ctx, query, args...)
	if err != nil {
		return classifyPostgres("query aggregates", err)
	}
	s.rows = rows
	return nil
}

func (s *postgresStream) closeRows() {
	if s.rows != nil {
		if err := s.rows.Close(); err != nil {
			logger.Warnf("Closing source cursor: %v", err)
		}
		s.rows = nil
	}
}

func (s *postgresStream) Close() error {
	s.closeRows()
	s.done = true
	return nil
}

func scanSourceRecord(rows rowSource) (models.SourceRecord, error) {
	var rec models.SourceRecord
	err := rows.Scan(
		&rec.ID,
		&rec.ImdbRating,
		&rec.Genre,
		&rec.Title,
		&rec.Description,
		&rec.Director,
		&rec.ActorsNames,
		&rec.WritersNames,
		&rec.Actors,
		&rec.Writers,
		&rec.LastModified,
	)
	return rec, err
}

func mergeIDs(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// transientPostgresCodes are SQLSTATEs outside class 08 that still mean the
// connection or transaction was lost.
var transientPostgresCodes = map[pq.ErrorCode]bool{
	"25000": true, // invalid_transaction_state
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

func classifyPostgres(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Class() == "08" || transientPostgresCodes[pqErr.Code] {
			return retry.Transient(op, err)
		}
		return retry.Fatal(op, err)
	}
	if isConnectionError(err) {
		return retry.Transient(op, err)
	}
	return retry.Fatal(op, err)
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
