package etl

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/BartekS5/moviesync/pkg/models"
	"github.com/BartekS5/moviesync/pkg/retry"
)

// MongoSink stores documents in a collection keyed by _id. ReplaceOne with
// upsert gives the same index-or-replace semantics as the search index.
type MongoSink struct {
	Client     *mongo.Client
	Database   string
	Collection string
}

func NewMongoSink(client *mongo.Client, database, collection string) *MongoSink {
	return &MongoSink{Client: client, Database: database, Collection: collection}
}

func (m *MongoSink) Upsert(ctx context.Context, doc *models.Movie) (string, error) {
	coll := m.Client.Database(m.Database).Collection(m.Collection)

	res, err := coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return "", classifyMongo("replace "+doc.ID, err)
	}
	return fmt.Sprintf("matched=%d modified=%d upserted=%d", res.MatchedCount, res.ModifiedCount, res.UpsertedCount), nil
}

func classifyMongo(op string, err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Transient(op, err)
	}
	return retry.Fatal(op, err)
}
