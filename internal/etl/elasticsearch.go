package etl

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/BartekS5/moviesync/pkg/logger"
	"github.com/BartekS5/moviesync/pkg/models"
	"github.com/BartekS5/moviesync/pkg/retry"
)

//go:embed mapping/movies.json
var moviesIndexMapping []byte

// ElasticsearchSink indexes documents by id, replacing any previous version.
type ElasticsearchSink struct {
	Client *elasticsearch.Client
	Index  string
}

func NewElasticsearchSink(client *elasticsearch.Client, index string) *ElasticsearchSink {
	return &ElasticsearchSink{Client: client, Index: index}
}

type indexAck struct {
	ID      string `json:"_id"`
	Result  string `json:"result"`
	Version int64  `json:"_version"`
}

func (s *ElasticsearchSink) Upsert(ctx context.Context, doc *models.Movie) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", retry.Fatal("encode document", err)
	}

	opts := []func(*esapi.IndexRequest){
		s.Client.Index.WithDocumentID(doc.ID),
		s.Client.Index.WithContext(ctx),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, s.Client.Index.WithTimeout(time.Until(deadline)))
	}

	res, err := s.Client.Index(s.Index, bytes.NewReader(body), opts...)
	if err != nil {
		return "", classifyTransport(ctx, "index "+doc.ID, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return "", classifyStatus("index "+doc.ID, res)
	}

	var ack indexAck
	if err := json.NewDecoder(res.Body).Decode(&ack); err != nil {
		return res.Status(), nil
	}
	return fmt.Sprintf("result=%s version=%d", ack.Result, ack.Version), nil
}

// EnsureIndex creates the index with the bundled mapping unless it exists.
// It reports whether the index was created.
func (s *ElasticsearchSink) EnsureIndex(ctx context.Context) (bool, error) {
	res, err := s.Client.Indices.Exists([]string{s.Index}, s.Client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, classifyTransport(ctx, "check index", err)
	}
	res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		logger.Infof("Index %s already exists.", s.Index)
		return false, nil
	case http.StatusNotFound:
	default:
		return false, classifyStatus("check index", res)
	}

	logger.Infof("Creating index %s with mapping:\n%s", s.Index, moviesIndexMapping)
	res, err = s.Client.Indices.Create(s.Index,
		s.Client.Indices.Create.WithBody(bytes.NewReader(moviesIndexMapping)),
		s.Client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return false, classifyTransport(ctx, "create index", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return false, classifyStatus("create index", res)
	}
	return true, nil
}

// classifyTransport treats every failure to get a response as transient
// unless the caller itself gave up.
func classifyTransport(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return retry.Fatal(op, err)
	}
	return retry.Transient(op, err)
}

func classifyStatus(op string, res *esapi.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err := fmt.Errorf("elasticsearch returned %s: %s", res.Status(), bytes.TrimSpace(msg))
	switch res.StatusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return retry.Transient(op, err)
	default:
		return retry.Fatal(op, err)
	}
}
