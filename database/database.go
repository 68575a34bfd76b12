package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vertexcentric/util"
)

const (
	DYNAMODB = "dynamodb"
	MONGODB  = "mongodb"

	DEFAULT_TABLE_NAME = "vertexcentric-results"
	DEFAULT_REGION     = "us-east-2"
	DEFAULT_DATABASE   = "vertexcentric"
)

var ErrResultNotFound = errors.New("database: job result not found")

// UpdaterRecord is one updater of a finished job: its program, initial values and final state.
type UpdaterRecord struct {
	Name        string `dynamodbav:"Name" bson:"name"`
	Program     string `dynamodbav:"Program" bson:"program"`
	InitVertex  Float  `dynamodbav:"InitVertex" bson:"initVertex"`
	InitContext Float  `dynamodbav:"InitContext" bson:"initContext"`
	Vertex      Float  `dynamodbav:"Vertex" bson:"vertex"`
	Context     Float  `dynamodbav:"Context" bson:"context"`
	SuperStep   uint64 `dynamodbav:"SuperStep" bson:"superStep"`
	Steps       uint64 `dynamodbav:"Steps" bson:"steps"`
}

type JobRecord struct {
	JobId       string          `dynamodbav:"JobId" bson:"jobId"`
	ClientId    string          `dynamodbav:"ClientId,omitempty" bson:"clientId,omitempty"`
	Runs        uint64          `dynamodbav:"Runs" bson:"runs"`
	StepsPerRun int             `dynamodbav:"StepsPerRun" bson:"stepsPerRun"`
	Updaters    []UpdaterRecord `dynamodbav:"Updaters" bson:"updaters"`
	CompletedAt time.Time       `dynamodbav:"CompletedAt" bson:"completedAt"`
}

type ResultStore interface {
	SaveResult(ctx context.Context, record JobRecord) error
	GetResult(ctx context.Context, jobId string) (JobRecord, error)
	Close(ctx context.Context) error
}

// NewResultStore opens the store named by config.Kind. An empty Kind
// returns a nil store and no error.
func NewResultStore(ctx context.Context, config util.ResultStoreConfig) (ResultStore, error) {
	switch config.Kind {
	case "":
		return nil, nil
	case DYNAMODB:
		svc, err := GetDynamoClient(ctx, config)
		if err != nil {
			return nil, err
		}
		store := NewDynamoStore(svc, config.TableName)
		if err := store.EnsureTable(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case MONGODB:
		store, err := NewMongoStore(ctx, config)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("database: unknown result store %q", config.Kind)
	}
}
