package etl

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/BartekS5/moviesync/pkg/models"
	"github.com/BartekS5/moviesync/pkg/retry"
)

// fakeSource plays the part of Postgres: it evaluates the selection rule
// against the arguments the extractor binds, so tests observe exactly what
// the real query would select.
type fakeSource struct {
	records []models.SourceRecord

	// failAfter makes the first cursor fail with failErr after that many
	// rows. Negative disables it.
	failAfter int
	failErr   error
	queryErr  error

	opens   int
	queries []string
	args    [][]interface{}
	cursors []*fakeRows
}

func newFakeSource(records ...models.SourceRecord) *fakeSource {
	return &fakeSource{records: records, failAfter: -1}
}

func (f *fakeSource) query(_ context.Context, query string, args ...interface{}) (rowSource, error) {
	f.opens++
	f.queries = append(f.queries, query)
	f.args = append(f.args, args)
	if f.queryErr != nil {
		err := f.queryErr
		f.queryErr = nil
		return nil, err
	}

	since := args[0].(time.Time)
	var exclude map[string]bool
	var runStart time.Time
	if len(args) == 3 {
		exclude = map[string]bool{}
		for _, id := range *(args[1].(*pq.StringArray)) {
			exclude[id] = true
		}
		runStart = args[2].(time.Time)
	}

	var selected []models.SourceRecord
	for _, rec := range f.records {
		if !rec.LastModified.After(since) {
			continue
		}
		if exclude != nil && exclude[rec.ID] && !rec.LastModified.After(runStart) {
			continue
		}
		selected = append(selected, rec)
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].LastModified.After(selected[j].LastModified)
	})

	rows := &fakeRows{records: selected, pos: -1, failAfter: -1}
	if f.failAfter >= 0 {
		rows.failAfter = f.failAfter
		rows.failErr = f.failErr
		f.failAfter = -1
	}
	f.cursors = append(f.cursors, rows)
	return rows, nil
}

func (f *fakeSource) extractor(chunkSize int) *PostgresExtractor {
	policy := retry.Default()
	policy.Sleep = func(context.Context, time.Duration) error { return nil }
	return &PostgresExtractor{
		ChunkSize: chunkSize,
		Schema:    "content",
		Retry:     policy,
		query:     f.query,
	}
}

func (f *fakeSource) usedExclusion(i int) bool {
	return strings.Contains(f.queries[i], "ALL($2::text[])")
}

type fakeRows struct {
	records   []models.SourceRecord
	pos       int
	failAfter int
	failErr   error
	err       error
	closed    bool
}

func (r *fakeRows) Next() bool {
	if r.closed {
		return false
	}
	if r.failAfter >= 0 && r.pos+1 == r.failAfter {
		r.err = r.failErr
		return false
	}
	r.pos++
	return r.pos < len(r.records)
}

func (r *fakeRows) Scan(dest ...interface{}) error {
	if len(dest) != 11 {
		return errors.New("unexpected column count")
	}
	rec := r.records[r.pos]
	*dest[0].(*string) = rec.ID
	*dest[1].(*sql.NullFloat64) = rec.ImdbRating
	*dest[2].(*pq.StringArray) = rec.Genre
	*dest[3].(*string) = rec.Title
	*dest[4].(*sql.NullString) = rec.Description
	*dest[5].(*sql.NullString) = rec.Director
	*dest[6].(*pq.StringArray) = rec.ActorsNames
	*dest[7].(*pq.StringArray) = rec.WritersNames
	*dest[8].(*sql.NullString) = rec.Actors
	*dest[9].(*sql.NullString) = rec.Writers
	*dest[10].(*time.Time) = rec.LastModified
	return nil
}

func (r *fakeRows) Err() error { return r.err }

func (r *fakeRows) Close() error {
	r.closed = true
	return nil
}

// memorySink is an index keyed by document id.
type memorySink struct {
	docs   map[string]models.Movie
	writes int
	failOn map[string]error
}

func newMemorySink() *memorySink {
	return &memorySink{docs: map[string]models.Movie{}, failOn: map[string]error{}}
}

func (m *memorySink) Upsert(_ context.Context, doc *models.Movie) (string, error) {
	m.writes++
	if err, ok := m.failOn[doc.ID]; ok {
		return "", err
	}
	_, existed := m.docs[doc.ID]
	m.docs[doc.ID] = *doc
	if existed {
		return "updated", nil
	}
	return "created", nil
}

type seenLog struct {
	ids []string
	err error
}

func (s *seenLog) MarkSeen(_ context.Context, id string) error {
	if s.err != nil {
		return s.err
	}
	s.ids = append(s.ids, id)
	return nil
}

func film(id string, modified time.Time) models.SourceRecord {
	return models.SourceRecord{
		ID:           id,
		ImdbRating:   sql.NullFloat64{Float64: 7.5, Valid: true},
		Genre:        pq.StringArray{"Drama"},
		Title:        "Film " + id,
		Description:  sql.NullString{String: "About " + id, Valid: true},
		Director:     sql.NullString{String: "Director " + id, Valid: true},
		ActorsNames:  pq.StringArray{"Actor " + id},
		WritersNames: pq.StringArray{"Writer " + id},
		Actors:       sql.NullString{String: `[{"id":"a-` + id + `","name":"Actor ` + id + `"}]`, Valid: true},
		Writers:      sql.NullString{String: `[{"id":"w-` + id + `","name":"Writer ` + id + `"}]`, Valid: true},
		LastModified: modified,
	}
}
