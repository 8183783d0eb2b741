package etl

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BartekS5/moviesync/pkg/models"
	"github.com/BartekS5/moviesync/pkg/retry"
)

var (
	t0       = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	runStart = t0.Add(10 * time.Hour)
)

func drain(t *testing.T, stream ChunkStream) [][]models.SourceRecord {
	t.Helper()
	var chunks [][]models.SourceRecord
	for {
		chunk, err := stream.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
}

func ids(chunks ...[]models.SourceRecord) []string {
	var out []string
	for _, c := range chunks {
		for _, r := range c {
			out = append(out, r.ID)
		}
	}
	return out
}

func TestBuildExtractQuery(t *testing.T) {
	params := ExtractParams{Since: t0, RunStart: runStart}

	q, args := buildExtractQuery("content", params, nil)
	assert.Len(t, args, 1)
	assert.NotContains(t, q, "$2")
	assert.Contains(t, q, "FROM content.film_work AS fw")
	assert.Contains(t, q, "> $1")
	assert.True(t, strings.HasSuffix(q, "ORDER BY last_modified DESC"))

	q, args = buildExtractQuery("content", params, []string{"a", "b"})
	require.Len(t, args, 3)
	assert.Contains(t, q, "fw.id::text <> ALL($2::text[])")
	assert.Contains(t, q, "> $3)")
	assert.Equal(t, pq.StringArray{"a", "b"}, *(args[1].(*pq.StringArray)))
	assert.Equal(t, runStart, args[2])
}

func TestExtract_SelectionRule(t *testing.T) {
	src := newFakeSource(
		// not after the cursor
		film("old", t0),
		film("fresh", t0.Add(time.Hour)),
		// already emitted and unchanged since the run started
		film("seen", t0.Add(2*time.Hour)),
		// already emitted but modified again after the run started
		film("seen-again", runStart.Add(time.Minute)),
	)
	stream, err := src.extractor(50).Extract(context.Background(), ExtractParams{
		Since:    t0,
		RunStart: runStart,
		Exclude:  []string{"seen", "seen-again"},
	})
	require.NoError(t, err)

	got := ids(drain(t, stream)...)
	assert.Equal(t, []string{"seen-again", "fresh"}, got)
	assert.True(t, src.usedExclusion(0))
}

func TestExtract_EmptyExcludeSkipsExclusionClause(t *testing.T) {
	src := newFakeSource(
		film("a", t0.Add(time.Hour)),
		film("b", t0.Add(2*time.Hour)),
		film("c", t0),
	)
	stream, err := src.extractor(50).Extract(context.Background(), ExtractParams{Since: t0, RunStart: runStart})
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "a"}, ids(drain(t, stream)...))
	assert.False(t, src.usedExclusion(0))
	assert.Len(t, src.args[0], 1)
}

func TestExtract_ChunksNewestFirstAndRecordsSeen(t *testing.T) {
	var recs []models.SourceRecord
	for i, id := range []string{"e", "d", "c", "b", "a"} {
		recs = append(recs, film(id, t0.Add(time.Duration(5-i)*time.Minute)))
	}
	src := newFakeSource(recs...)
	seen := &seenLog{}

	stream, err := src.extractor(2).Extract(context.Background(), ExtractParams{
		Since: t0.Add(-time.Hour), RunStart: runStart, Recorder: seen,
	})
	require.NoError(t, err)

	chunks := drain(t, stream)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 2)
	assert.Len(t, chunks[1], 2)
	assert.Len(t, chunks[2], 1)
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, ids(chunks...))
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, seen.ids)
	assert.Equal(t, 1, src.opens)
	assert.True(t, src.cursors[0].closed)
}

func TestExtract_ExactMultipleEndsWithEOF(t *testing.T) {
	src := newFakeSource(film("a", t0.Add(2*time.Minute)), film("b", t0.Add(time.Minute)))
	stream, err := src.extractor(2).Extract(context.Background(), ExtractParams{Since: t0, RunStart: runStart})
	require.NoError(t, err)

	chunk, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, chunk, 2)

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestExtract_NothingToDo(t *testing.T) {
	src := newFakeSource(film("a", t0))
	stream, err := src.extractor(2).Extract(context.Background(), ExtractParams{Since: t0, RunStart: runStart})
	require.NoError(t, err)

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestExtract_ReconnectsAfterConnectionLoss(t *testing.T) {
	var recs []models.SourceRecord
	for i, id := range []string{"f", "e", "d", "c", "b", "a"} {
		recs = append(recs, film(id, t0.Add(time.Duration(6-i)*time.Minute)))
	}
	src := newFakeSource(recs...)
	src.failAfter = 3
	src.failErr = &pq.Error{Code: "08006", Message: "connection failure"}
	seen := &seenLog{}

	stream, err := src.extractor(4).Extract(context.Background(), ExtractParams{
		Since: t0, RunStart: runStart, Recorder: seen,
	})
	require.NoError(t, err)

	chunks := drain(t, stream)
	assert.Equal(t, []string{"f", "e", "d", "c", "b", "a"}, ids(chunks...))
	assert.Len(t, chunks[0], 4)
	assert.Equal(t, 2, src.opens)
	assert.True(t, src.usedExclusion(1))
	assert.Equal(t, pq.StringArray{"f", "e", "d"}, *(src.args[1][1].(*pq.StringArray)))
	assert.Equal(t, []string{"f", "e", "d", "c", "b", "a"}, seen.ids)
}

func TestExtract_ReconnectDoesNotRepeatRowsModifiedAfterRunStart(t *testing.T) {
	var recs []models.SourceRecord
	for i, id := range []string{"f", "e", "d", "c", "b", "a"} {
		recs = append(recs, film(id, runStart.Add(time.Duration(6-i)*time.Minute)))
	}
	src := newFakeSource(recs...)
	src.failAfter = 3
	src.failErr = &pq.Error{Code: "08006", Message: "connection failure"}
	seen := &seenLog{}

	stream, err := src.extractor(10).Extract(context.Background(), ExtractParams{
		Since: t0, RunStart: runStart, Recorder: seen,
	})
	require.NoError(t, err)

	chunks := drain(t, stream)
	require.Len(t, chunks, 1)
	assert.Equal(t, []string{"f", "e", "d", "c", "b", "a"}, ids(chunks...))
	assert.Equal(t, []string{"f", "e", "d", "c", "b", "a"}, seen.ids)
	assert.Equal(t, 2, src.opens)
}

func TestExtract_RetriesFailedOpen(t *testing.T) {
	src := newFakeSource(film("a", t0.Add(time.Minute)))
	src.queryErr = &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}

	stream, err := src.extractor(10).Extract(context.Background(), ExtractParams{Since: t0, RunStart: runStart})
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, ids(drain(t, stream)...))
	assert.Equal(t, 2, src.opens)
}

func TestExtract_FatalErrorClosesCursor(t *testing.T) {
	src := newFakeSource(film("a", t0.Add(2*time.Minute)), film("b", t0.Add(time.Minute)))
	src.failAfter = 1
	src.failErr = &pq.Error{Code: "42P01", Message: "relation does not exist"}

	stream, err := src.extractor(10).Extract(context.Background(), ExtractParams{Since: t0, RunStart: runStart})
	require.NoError(t, err)

	_, err = stream.Next(context.Background())
	require.Error(t, err)
	assert.Equal(t, retry.KindFatal, retry.KindOf(err))
	assert.Equal(t, 1, src.opens)
	assert.True(t, src.cursors[0].closed)

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestExtract_RecorderFailureIsFatal(t *testing.T) {
	src := newFakeSource(film("a", t0.Add(time.Minute)))
	seen := &seenLog{err: errors.New("disk full")}

	stream, err := src.extractor(10).Extract(context.Background(), ExtractParams{
		Since: t0, RunStart: runStart, Recorder: seen,
	})
	require.NoError(t, err)

	_, err = stream.Next(context.Background())
	require.Error(t, err)
	assert.False(t, retry.IsTransient(err))
	assert.True(t, src.cursors[0].closed)
}

func TestClassifyPostgres(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want retry.Kind
	}{
		{"connection exception", &pq.Error{Code: "08000"}, retry.KindTransient},
		{"unable to connect", &pq.Error{Code: "08001"}, retry.KindTransient},
		{"transaction resolution unknown", &pq.Error{Code: "08007"}, retry.KindTransient},
		{"invalid transaction state", &pq.Error{Code: "25000"}, retry.KindTransient},
		{"admin shutdown", &pq.Error{Code: "57P01"}, retry.KindTransient},
		{"syntax error", &pq.Error{Code: "42601"}, retry.KindFatal},
		{"unexpected eof", io.ErrUnexpectedEOF, retry.KindTransient},
		{"network", &net.OpError{Op: "read", Err: errors.New("reset")}, retry.KindTransient},
		{"deadline", context.DeadlineExceeded, retry.KindTransient},
		{"other", errors.New("converting NULL to string"), retry.KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retry.KindOf(classifyPostgres("op", tt.err)))
		})
	}
	assert.Nil(t, classifyPostgres("op", nil))
}

func TestNewPostgresExtractor_Validation(t *testing.T) {
	_, err := NewPostgresExtractor(nil, 10, "content; drop", retry.Default())
	assert.Error(t, err)

	ex, err := NewPostgresExtractor(nil, 0, "content", retry.Default())
	require.NoError(t, err)
	assert.Equal(t, DefaultChunkSize, ex.ChunkSize)
}
