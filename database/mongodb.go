package database

import (
	"context"
	"errors"
	"fmt"

	"vertexcentric/util"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const DEFAULT_COLLECTION = "results"

// MongoCollection is the subset of *mongo.Collection the result store uses.
type MongoCollection interface {
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
}

type MongoStore struct {
	client     *mongo.Client
	collection MongoCollection
}

func NewMongoStore(ctx context.Context, storeConfig util.ResultStoreConfig) (*MongoStore, error) {
	if storeConfig.MongoURI == "" {
		return nil, errors.New("database: mongodb result store needs a URI")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(storeConfig.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	dbName := storeConfig.Database
	if dbName == "" {
		dbName = DEFAULT_DATABASE
	}
	collection := storeConfig.Collection
	if collection == "" {
		collection = DEFAULT_COLLECTION
	}
	store := NewMongoCollectionStore(client.Database(dbName).Collection(collection))
	store.client = client
	return store, nil
}

// NewMongoCollectionStore keeps results in collection. Close does not
// disconnect anything for stores built this way.
func NewMongoCollectionStore(collection MongoCollection) *MongoStore {
	return &MongoStore{collection: collection}
}

func jobFilter(jobId string) bson.M {
	return bson.M{"jobId": jobId}
}

// SaveResult upserts the record by job id.
func (s *MongoStore) SaveResult(ctx context.Context, record JobRecord) error {
	_, err := s.collection.ReplaceOne(
		ctx, jobFilter(record.JobId), record, options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) GetResult(ctx context.Context, jobId string) (JobRecord, error) {
	var record JobRecord
	err := s.collection.FindOne(ctx, jobFilter(jobId)).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return JobRecord{}, fmt.Errorf("%w: %s", ErrResultNotFound, jobId)
	}
	if err != nil {
		return JobRecord{}, err
	}
	return record, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
