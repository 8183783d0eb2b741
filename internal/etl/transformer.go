package etl

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BartekS5/moviesync/pkg/models"
	"github.com/BartekS5/moviesync/pkg/retry"
)

// Transformer maps source aggregates to sink documents. It performs no I/O.
type Transformer struct {
	Validator *Validator
}

func NewTransformer() *Transformer {
	return &Transformer{Validator: NewValidator()}
}

// Transform converts a whole chunk. Any malformed record fails the chunk:
// nothing from it should reach the sink.
func (t *Transformer) Transform(chunk []models.SourceRecord) ([]models.Movie, error) {
	out := make([]models.Movie, 0, len(chunk))
	for i := range chunk {
		doc, err := t.TransformRecord(&chunk[i])
		if err != nil {
			return nil, retry.Fatal("transform", err)
		}
		out = append(out, doc)
	}
	return out, nil
}

func (t *Transformer) TransformRecord(rec *models.SourceRecord) (models.Movie, error) {
	actors, err := parsePersons(rec.Actors)
	if err != nil {
		return models.Movie{}, fmt.Errorf("record %s: actors: %w", rec.ID, err)
	}
	writers, err := parsePersons(rec.Writers)
	if err != nil {
		return models.Movie{}, fmt.Errorf("record %s: writers: %w", rec.ID, err)
	}

	doc := models.Movie{
		ID:           rec.ID,
		ImdbRating:   nullFloat(rec.ImdbRating.Float64, rec.ImdbRating.Valid),
		Genre:        nonNil([]string(rec.Genre)),
		Title:        rec.Title,
		Description:  nullString(rec.Description.String, rec.Description.Valid),
		Director:     nullString(rec.Director.String, rec.Director.Valid),
		ActorsNames:  models.FlatNames(rec.ActorsNames),
		WritersNames: models.FlatNames(rec.WritersNames),
		Actors:       actors,
		Writers:      writers,
	}

	if t.Validator != nil {
		if err := t.Validator.ValidateDocument(&doc); err != nil {
			return models.Movie{}, fmt.Errorf("record %q: %w", rec.ID, err)
		}
	}
	return doc, nil
}

// parsePersons decodes a serialized [{"id":..,"name":..}] list. NULL is an
// empty list.
func parsePersons(raw sql.NullString) ([]models.Person, error) {
	if !raw.Valid || raw.String == "" {
		return []models.Person{}, nil
	}
	var persons []models.Person
	if err := json.Unmarshal([]byte(raw.String), &persons); err != nil {
		return nil, fmt.Errorf("malformed person list: %w", err)
	}
	if persons == nil {
		persons = []models.Person{}
	}
	return persons, nil
}

func nullString(s string, valid bool) *string {
	if !valid {
		return nil
	}
	return &s
}

func nullFloat(f float64, valid bool) *float64 {
	if !valid {
		return nil
	}
	return &f
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
