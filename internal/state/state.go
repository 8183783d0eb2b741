// Package state persists the synchronization checkpoint between runs.
//
// The checkpoint is a small JSON object stored as a single blob. Every
// write reads the whole blob, updates it, and writes it back, so a State
// must have exactly one writer at a time.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BartekS5/moviesync/pkg/logger"
	"github.com/BartekS5/moviesync/pkg/utils"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	KeyLastSyncTimestamp = "last_sync_timestamp"
	KeySeenIDs           = "filmwork_ids"
)

// ErrNoState is returned by a Storage that has never been written.
var ErrNoState = errors.New("state: nothing persisted yet")

// Storage reads and writes the raw checkpoint blob.
type Storage interface {
	Retrieve(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, blob []byte) error
}

const checkpointSchema = `{
  "type": "object",
  "properties": {
    "last_sync_timestamp": {"type": "string"},
    "filmwork_ids": {"type": "array", "items": {"type": "string"}}
  }
}`

// State is the key-value view over a Storage.
type State struct {
	storage Storage
	schema  *jsonschema.Schema
}

// New wraps storage and writes the initial checkpoint when nothing has been
// persisted yet.
func New(ctx context.Context, storage Storage) (*State, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	s := &State{storage: storage, schema: schema}

	if _, err := storage.Retrieve(ctx); errors.Is(err, ErrNoState) {
		if err := s.Reset(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize checkpoint: %w", err)
		}
	}
	return s, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(checkpointSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("checkpoint.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("checkpoint.json")
}

// Get decodes the value stored under key into dst. It reports false when the
// key is absent or its value does not decode into dst.
func (s *State) Get(ctx context.Context, key string, dst any) bool {
	raw, ok := s.retrieve(ctx)[key]
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		logger.Warnf("Checkpoint key %q is unreadable, treating as absent: %v", key, err)
		return false
	}
	return true
}

// Set stores value under key.
func (s *State) Set(ctx context.Context, key string, value any) error {
	return s.SetMany(ctx, map[string]any{key: value})
}

// SetMany stores all values in one write.
func (s *State) SetMany(ctx context.Context, values map[string]any) error {
	current, err := s.load(ctx)
	if err != nil {
		return fmt.Errorf("refusing to overwrite checkpoint that could not be read: %w", err)
	}
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode checkpoint key %q: %w", k, err)
		}
		current[k] = raw
	}
	blob, err := json.Marshal(current)
	if err != nil {
		return err
	}
	return s.storage.Save(ctx, blob)
}

// retrieve never fails: a missing, unreadable or invalid blob is an empty
// mapping.
func (s *State) retrieve(ctx context.Context) map[string]json.RawMessage {
	out, err := s.load(ctx)
	if err != nil {
		logger.Warnf("Failed to read checkpoint, starting from an empty one: %v", err)
		return map[string]json.RawMessage{}
	}
	return out
}

// load returns the persisted mapping. Only a failed storage read is an
// error; a missing or corrupt blob is an empty mapping, which the next
// write replaces.
func (s *State) load(ctx context.Context) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	blob, err := s.storage.Retrieve(ctx)
	if errors.Is(err, ErrNoState) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(blob))
	if err == nil {
		err = s.schema.Validate(inst)
	}
	if err == nil {
		err = json.Unmarshal(blob, &out)
	}
	if err != nil {
		logger.Warnf("Checkpoint is corrupt, starting from an empty one: %v", err)
		return map[string]json.RawMessage{}, nil
	}
	return out, nil
}

// LastSyncTimestamp is the cutoff of the last completed run, EpochZero when
// unknown.
func (s *State) LastSyncTimestamp(ctx context.Context) time.Time {
	var raw string
	if !s.Get(ctx, KeyLastSyncTimestamp, &raw) {
		return utils.EpochZero
	}
	ts, err := utils.ParseTimestamp(raw)
	if err != nil {
		logger.Warnf("Checkpoint timestamp %q is unreadable, re-syncing everything: %v", raw, err)
		return utils.EpochZero
	}
	return ts
}

// SeenIDs returns the ids already emitted by the current, unfinished run.
func (s *State) SeenIDs(ctx context.Context) []string {
	var ids []string
	if !s.Get(ctx, KeySeenIDs, &ids) {
		return nil
	}
	return ids
}

// MarkSeen durably adds id to the seen set.
func (s *State) MarkSeen(ctx context.Context, id string) error {
	ids := s.SeenIDs(ctx)
	for _, seen := range ids {
		if seen == id {
			return nil
		}
	}
	return s.Set(ctx, KeySeenIDs, append(ids, id))
}

// Commit clears the seen set and advances the cursor to ts in one write.
func (s *State) Commit(ctx context.Context, ts time.Time) error {
	return s.SetMany(ctx, map[string]any{
		KeySeenIDs:           []string{},
		KeyLastSyncTimestamp: utils.FormatTimestamp(ts),
	})
}

// Reset rewrites the checkpoint to its initial state, discarding other keys.
func (s *State) Reset(ctx context.Context) error {
	blob, err := json.Marshal(map[string]any{
		KeyLastSyncTimestamp: utils.FormatTimestamp(utils.EpochZero),
		KeySeenIDs:           []string{},
	})
	if err != nil {
		return err
	}
	return s.storage.Save(ctx, blob)
}
