package models

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// SourceRecord is one film work aggregate as read from Postgres: the film
// joined with its genres and people. LastModified is the watermark, the
// latest modification across the film and every joined row.
type SourceRecord struct {
	ID           string
	ImdbRating   sql.NullFloat64
	Genre        pq.StringArray
	Title        string
	Description  sql.NullString
	Director     sql.NullString
	ActorsNames  pq.StringArray // nil when the column is NULL
	WritersNames pq.StringArray
	Actors       sql.NullString // serialized [{"id":..,"name":..}]
	Writers      sql.NullString
	LastModified time.Time
}

// Person is a structured entry of a nested people list.
type Person struct {
	ID   string `json:"id" bson:"id"`
	Name string `json:"name" bson:"name"`
}

// Movie is the document written to the sink, keyed by ID.
type Movie struct {
	ID           string    `json:"id" bson:"_id"`
	ImdbRating   *float64  `json:"imdb_rating" bson:"imdb_rating"`
	Genre        []string  `json:"genre" bson:"genre"`
	Title        string    `json:"title" bson:"title"`
	Description  *string   `json:"description" bson:"description"`
	Director     *string   `json:"director" bson:"director"`
	ActorsNames  FlatNames `json:"actors_names" bson:"actors_names"`
	WritersNames FlatNames `json:"writers_names" bson:"writers_names"`
	Actors       []Person  `json:"actors" bson:"actors"`
	Writers      []Person  `json:"writers" bson:"writers"`
}

// FlatNames is a flattened list of person names. A nil list encodes as an
// empty string, which the search index treats as an empty text field.
type FlatNames []string

func (n FlatNames) MarshalJSON() ([]byte, error) {
	if n == nil {
		return []byte(`""`), nil
	}
	return json.Marshal([]string(n))
}

func (n *FlatNames) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*n = nil
		} else {
			*n = FlatNames{s}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*n = list
	return nil
}

func (n FlatNames) MarshalBSONValue() (bsontype.Type, []byte, error) {
	if n == nil {
		return bson.MarshalValue("")
	}
	return bson.MarshalValue([]string(n))
}
