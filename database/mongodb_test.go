package database

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// fakeCollection keeps BSON documents in memory, keyed by jobId.
type fakeCollection struct {
	docs map[string]bson.Raw
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]bson.Raw)}
}

func filterJobId(filter interface{}) string {
	m, _ := filter.(bson.M)
	id, _ := m["jobId"].(string)
	return id
}

func (f *fakeCollection) ReplaceOne(_ context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
	id := filterJobId(filter)
	upsert := len(opts) > 0 && opts[0].Upsert != nil && *opts[0].Upsert
	if _, ok := f.docs[id]; !ok && !upsert {
		return &mongo.UpdateResult{}, nil
	}
	doc, err := bson.Marshal(replacement)
	if err != nil {
		return nil, err
	}
	_, existed := f.docs[id]
	f.docs[id] = doc
	if existed {
		return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
	}
	return &mongo.UpdateResult{UpsertedCount: 1, UpsertedID: id}, nil
}

func (f *fakeCollection) FindOne(_ context.Context, filter interface{}, _ ...*options.FindOneOptions) *mongo.SingleResult {
	doc, ok := f.docs[filterJobId(filter)]
	if !ok {
		return mongo.NewSingleResultFromDocument(bson.D{}, mongo.ErrNoDocuments, nil)
	}
	return mongo.NewSingleResultFromDocument(doc, nil, nil)
}

type brokenCollection struct {
	fakeCollection
}

func (brokenCollection) FindOne(context.Context, interface{}, ...*options.FindOneOptions) *mongo.SingleResult {
	return mongo.NewSingleResultFromDocument(bson.D{}, errors.New("server selection timeout"), nil)
}

func TestMongoStoreRoundTrips(t *testing.T) {
	ctx := context.Background()
	coll := newFakeCollection()
	store := NewMongoCollectionStore(coll)

	record := testRecord()
	require.NoError(t, store.SaveResult(ctx, record))
	require.Contains(t, coll.docs, "job-1")
	assert.Equal(t, "client1", coll.docs["job-1"].Lookup("clientId").StringValue())

	got, err := store.GetResult(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, record.JobId, got.JobId)
	assert.Equal(t, record.Runs, got.Runs)
	assert.Equal(t, record.Updaters, got.Updaters)
	assert.True(t, record.CompletedAt.Equal(got.CompletedAt))

	// saving the same job again replaces it
	record.Runs = 3
	require.NoError(t, store.SaveResult(ctx, record))
	assert.Len(t, coll.docs, 1)
	got, err = store.GetResult(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Runs)

	assert.NoError(t, store.Close(ctx))
}

func TestMongoStoreKeepsOverflowedValues(t *testing.T) {
	ctx := context.Background()
	coll := newFakeCollection()
	store := NewMongoCollectionStore(coll)

	record := testRecord()
	record.Updaters[0].Vertex = Float(math.Inf(1))
	record.Updaters[0].Context = Float(math.NaN())
	require.NoError(t, store.SaveResult(ctx, record))

	vertex, ok := coll.docs["job-1"].Lookup("updaters", "0", "vertex").DoubleOK()
	require.True(t, ok)
	assert.True(t, math.IsInf(vertex, 1))

	got, err := store.GetResult(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, math.IsInf(float64(got.Updaters[0].Vertex), 1))
	assert.True(t, math.IsNaN(float64(got.Updaters[0].Context)))
}

func TestMongoStoreMissingResult(t *testing.T) {
	ctx := context.Background()
	store := NewMongoCollectionStore(newFakeCollection())

	_, err := store.GetResult(ctx, "nope")
	assert.ErrorIs(t, err, ErrResultNotFound)

	_, err = NewMongoCollectionStore(&brokenCollection{}).GetResult(ctx, "job-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrResultNotFound)
}
