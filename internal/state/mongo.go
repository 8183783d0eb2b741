package state

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoOperationTimeout = 10 * time.Second

type mongoStateDoc struct {
	Key       string    `bson:"_id"`
	Snapshot  string    `bson:"snapshot"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoStorage keeps the checkpoint blob in one document of a collection.
type MongoStorage struct {
	coll *mongo.Collection
	key  string
}

func NewMongoStorage(client *mongo.Client, database, collection, key string) *MongoStorage {
	return &MongoStorage{
		coll: client.Database(database).Collection(collection),
		key:  key,
	}
}

func (m *MongoStorage) Retrieve(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	var doc mongoStateDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": m.key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, err
	}
	return []byte(doc.Snapshot), nil
}

func (m *MongoStorage) Save(ctx context.Context, blob []byte) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	doc := mongoStateDoc{Key: m.key, Snapshot: string(blob), UpdatedAt: time.Now().UTC()}
	_, err := m.coll.ReplaceOne(ctx, bson.M{"_id": m.key}, doc, options.Replace().SetUpsert(true))
	return err
}
