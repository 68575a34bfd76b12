package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vertexcentric/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const tableWaitTimeout = 2 * time.Minute

// DynamoAPI is the subset of *dynamodb.Client the result store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

func GetDynamoClient(ctx context.Context, storeConfig util.ResultStoreConfig) (*dynamodb.Client, error) {
	region := storeConfig.Region
	if region == "" {
		region = DEFAULT_REGION
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if storeConfig.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				storeConfig.AccessKeyID, storeConfig.SecretAccessKey, "",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	return dynamodb.NewFromConfig(awsConfig, func(o *dynamodb.Options) {
		if storeConfig.Endpoint != "" {
			o.EndpointResolver = dynamodb.EndpointResolverFromURL(storeConfig.Endpoint)
		}
	}), nil
}

type DynamoStore struct {
	svc       DynamoAPI
	tableName string
}

func NewDynamoStore(svc DynamoAPI, tableName string) *DynamoStore {
	if tableName == "" {
		tableName = DEFAULT_TABLE_NAME
	}
	return &DynamoStore{svc: svc, tableName: tableName}
}

// EnsureTable creates the results table, keyed by JobId, if it is missing.
func (s *DynamoStore) EnsureTable(ctx context.Context) error {
	_, err := s.svc.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describe table %s: %w", s.tableName, err)
	}

	_, err = s.svc.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []types.AttributeDefinition{{
			AttributeName: aws.String("JobId"),
			AttributeType: types.ScalarAttributeTypeS,
		}},
		KeySchema: []types.KeySchemaElement{{
			AttributeName: aws.String("JobId"),
			KeyType:       types.KeyTypeHash,
		}},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("create table %s: %w", s.tableName, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.svc)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	}, tableWaitTimeout)
}

func (s *DynamoStore) SaveResult(ctx context.Context, record JobRecord) error {
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", record.JobId, err)
	}
	_, err = s.svc.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	return err
}

func (s *DynamoStore) GetResult(ctx context.Context, jobId string) (JobRecord, error) {
	res, err := s.svc.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"JobId": &types.AttributeValueMemberS{Value: jobId},
		},
	})
	if err != nil {
		return JobRecord{}, err
	}
	if len(res.Item) == 0 {
		return JobRecord{}, fmt.Errorf("%w: %s", ErrResultNotFound, jobId)
	}

	var record JobRecord
	if err := attributevalue.UnmarshalMap(res.Item, &record); err != nil {
		return JobRecord{}, fmt.Errorf("unmarshal job %s: %w", jobId, err)
	}
	return record, nil
}

func (s *DynamoStore) Close(context.Context) error {
	return nil
}
