package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	pkPrefixDoc = "DOC#"
	skPrefixKey = "KEY#"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoBackend.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoBackend stores every document entry as its own item: PK is the
// collection, SK the entry key, and "data" the JSON value. Saves only touch
// the changed entries, so a whole-document replace never races across
// processes sharing the table.
type DynamoBackend struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewDynamoBackend creates a DynamoDB backed store backend.
func NewDynamoBackend(api dynamodbAPI, tableName string) (*DynamoBackend, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoBackend{api: api, tableName: tableName, now: time.Now}, nil
}

// docPK returns the partition key for a collection.
func docPK(c Collection) string {
	return pkPrefixDoc + string(c)
}

// keySK returns the sort key for an entry.
func keySK(key string) string {
	return skPrefixKey + key
}

// Load queries every entry of a collection, following pagination. Items that
// cannot be read are left out and reported through a *SkippedError.
func (b *DynamoBackend) Load(ctx context.Context, c Collection) (Document, error) {
	doc := Document{}
	skipped := &SkippedError{Collection: c}
	var startKey map[string]types.AttributeValue
	for {
		out, err := b.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(b.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: docPK(c)},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixKey},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: Load %s query: %w", c, err)
		}
		for _, item := range out.Items {
			key, data, err := itemToEntry(item)
			if err != nil {
				skipped.add(key, err)
				continue
			}
			doc[key] = data
		}
		if len(out.LastEvaluatedKey) == 0 {
			if len(skipped.Keys) > 0 {
				return doc, skipped
			}
			return doc, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// Save writes the changed entries. With no changed keys every entry in doc
// is written (used for full snapshots); nothing is deleted in that case.
func (b *DynamoBackend) Save(ctx context.Context, c Collection, doc Document, changed ...string) error {
	keys := changed
	if len(keys) == 0 {
		keys = make([]string, 0, len(doc))
		for k := range doc {
			keys = append(keys, k)
		}
	}
	for _, key := range keys {
		data, ok := doc[key]
		if !ok {
			if err := b.deleteEntry(ctx, c, key); err != nil {
				return err
			}
			continue
		}
		if err := b.putEntry(ctx, c, key, data); err != nil {
			return err
		}
	}
	return nil
}

// Get reads a single entry.
func (b *DynamoBackend) Get(ctx context.Context, c Collection, key string) (json.RawMessage, bool, error) {
	out, err := b.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(b.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: docPK(c)},
			"SK": &types.AttributeValueMemberS{Value: keySK(key)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("repository: Get %s/%s: %w", c, key, err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, false, nil
	}
	_, data, err := itemToEntry(out.Item)
	if err != nil {
		return nil, false, fmt.Errorf("repository: Get %s/%s decode: %w", c, key, err)
	}
	return data, true, nil
}

func (b *DynamoBackend) putEntry(ctx context.Context, c Collection, key string, data json.RawMessage) error {
	_, err := b.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.tableName),
		Item:      entryItem(c, key, data, b.now()),
	})
	if err != nil {
		return fmt.Errorf("repository: Save %s/%s: %w", c, key, err)
	}
	return nil
}

func (b *DynamoBackend) deleteEntry(ctx context.Context, c Collection, key string) error {
	_, err := b.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: docPK(c)},
			"SK": &types.AttributeValueMemberS{Value: keySK(key)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Delete %s/%s: %w", c, key, err)
	}
	return nil
}

func entryItem(c Collection, key string, data json.RawMessage, now time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: docPK(c)},
		"SK":        &types.AttributeValueMemberS{Value: keySK(key)},
		"data":      &types.AttributeValueMemberS{Value: string(data)},
		"updatedAt": &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)},
	}
}

// itemToEntry converts a DynamoDB attribute map to a document entry.
func itemToEntry(item map[string]types.AttributeValue) (string, json.RawMessage, error) {
	sk, err := strAttr(item, "SK")
	if err != nil {
		return "", nil, err
	}
	if !strings.HasPrefix(sk, skPrefixKey) {
		return "", nil, fmt.Errorf("repository: unexpected sort key %q", sk)
	}
	key := strings.TrimPrefix(sk, skPrefixKey)
	data, err := strAttr(item, "data")
	if err != nil {
		return key, nil, err
	}
	if !json.Valid([]byte(data)) {
		return key, nil, fmt.Errorf("repository: attribute %q of %q is not valid JSON", "data", key)
	}
	return key, json.RawMessage(data), nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
