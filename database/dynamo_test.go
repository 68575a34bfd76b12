package database

import (
	"context"
	"math"
	"testing"
	"time"

	"vertexcentric/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo keeps items in memory, keyed by table and JobId.
type fakeDynamo struct {
	tables map[string]map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{tables: make(map[string]map[string]map[string]types.AttributeValue)}
}

func jobIdOf(item map[string]types.AttributeValue) string {
	if s, ok := item["JobId"].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	table := f.tables[aws.ToString(in.TableName)]
	if table == nil {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no table")}
	}
	table[jobIdOf(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	table := f.tables[aws.ToString(in.TableName)]
	if table == nil {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no table")}
	}
	return &dynamodb.GetItemOutput{Item: table[jobIdOf(in.Key)]}, nil
}

func (f *fakeDynamo) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if _, ok := f.tables[aws.ToString(in.TableName)]; !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no table")}
	}
	return &dynamodb.DescribeTableOutput{
		Table: &types.TableDescription{
			TableName:   in.TableName,
			TableStatus: types.TableStatusActive,
		},
	}, nil
}

func (f *fakeDynamo) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.tables[aws.ToString(in.TableName)] = make(map[string]map[string]types.AttributeValue)
	return &dynamodb.CreateTableOutput{}, nil
}

func testRecord() JobRecord {
	return JobRecord{
		JobId:       "job-1",
		ClientId:    "client1",
		Runs:        2,
		StepsPerRun: 10,
		Updaters: []UpdaterRecord{
			{Name: "fib", Program: "fibonacci", InitVertex: 0, InitContext: 1, Vertex: 6765, Context: 10946, SuperStep: 2, Steps: 20},
		},
		CompletedAt: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC),
	}
}

func TestDynamoStoreCreatesTableAndRoundTrips(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	store := NewDynamoStore(fake, "")

	require.NoError(t, store.EnsureTable(ctx))
	require.Contains(t, fake.tables, DEFAULT_TABLE_NAME)

	record := testRecord()
	require.NoError(t, store.SaveResult(ctx, record))

	item := fake.tables[DEFAULT_TABLE_NAME]["job-1"]
	require.NotNil(t, item)
	assert.IsType(t, &types.AttributeValueMemberL{}, item["Updaters"])

	got, err := store.GetResult(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, record.JobId, got.JobId)
	assert.Equal(t, record.Updaters, got.Updaters)
	assert.True(t, record.CompletedAt.Equal(got.CompletedAt))
}

func TestDynamoStoreKeepsOverflowedValues(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	store := NewDynamoStore(fake, "")
	require.NoError(t, store.EnsureTable(ctx))

	record := testRecord()
	record.Updaters = append(record.Updaters, UpdaterRecord{
		Name: "pow", Program: "power", InitVertex: 1, InitContext: 2,
		Vertex: Float(math.Inf(1)), Context: Float(math.NaN()), SuperStep: 2, Steps: 20,
	})
	require.NoError(t, store.SaveResult(ctx, record))

	updaters := fake.tables[DEFAULT_TABLE_NAME]["job-1"]["Updaters"].(*types.AttributeValueMemberL).Value
	pow := updaters[1].(*types.AttributeValueMemberM).Value
	assert.Equal(t, &types.AttributeValueMemberS{Value: "+Inf"}, pow["Vertex"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "NaN"}, pow["Context"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "2"}, pow["InitContext"])

	got, err := store.GetResult(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, got.Updaters, 2)
	assert.Equal(t, record.Updaters[0], got.Updaters[0])
	assert.True(t, math.IsInf(float64(got.Updaters[1].Vertex), 1))
	assert.True(t, math.IsNaN(float64(got.Updaters[1].Context)))
}

func TestFloatDecodeRejectsOtherStrings(t *testing.T) {
	var f Float
	assert.Error(t, f.UnmarshalDynamoDBAttributeValue(&types.AttributeValueMemberS{Value: "12"}))
	assert.Error(t, f.UnmarshalJSON([]byte(`"abc"`)))
	assert.Error(t, f.UnmarshalDynamoDBAttributeValue(&types.AttributeValueMemberBOOL{Value: true}))

	require.NoError(t, f.UnmarshalJSON([]byte(`"-Inf"`)))
	assert.True(t, math.IsInf(float64(f), -1))
	require.NoError(t, f.UnmarshalJSON([]byte(`6765`)))
	assert.Equal(t, Float(6765), f)
}

func TestDynamoStoreEnsureTableKeepsExisting(t *testing.T) {
	fake := newFakeDynamo()
	fake.tables["results"] = map[string]map[string]types.AttributeValue{"x": {}}
	store := NewDynamoStore(fake, "results")

	require.NoError(t, store.EnsureTable(context.Background()))
	assert.Len(t, fake.tables["results"], 1)
}

func TestDynamoStoreMissingResult(t *testing.T) {
	ctx := context.Background()
	store := NewDynamoStore(newFakeDynamo(), "")
	require.NoError(t, store.EnsureTable(ctx))

	_, err := store.GetResult(ctx, "nope")
	assert.ErrorIs(t, err, ErrResultNotFound)
}

func TestNewResultStoreKinds(t *testing.T) {
	ctx := context.Background()

	store, err := NewResultStore(ctx, util.ResultStoreConfig{})
	require.NoError(t, err)
	assert.Nil(t, store)

	_, err = NewResultStore(ctx, util.ResultStoreConfig{Kind: "cassandra"})
	assert.Error(t, err)

	_, err = NewResultStore(ctx, util.ResultStoreConfig{Kind: MONGODB})
	assert.Error(t, err)
}
