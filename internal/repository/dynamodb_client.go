package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"cale-agent/internal/domain"
)

const (
	skPrefixMsg        = "MSG#"
	defaultTTL         = 90 * 24 * time.Hour
	batchDeleteSize    = 25
	maxBatchRetries    = 5
	maxAppendCollision = 3
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoStore keeps chat history in a single DynamoDB table. Messages for a
// user share a partition; the sort key embeds the message ID, which doubles
// as the creation time in unix nanoseconds so key order is chronological.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time

	idMu   sync.Mutex
	lastID int64
}

type DynamoOption func(*DynamoStore)

// WithTTL sets how long items live before DynamoDB expires them.
func WithTTL(d time.Duration) DynamoOption {
	return func(s *DynamoStore) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// NewDynamo creates a DynamoDB-backed history store.
func NewDynamo(api dynamodbAPI, tableName string, opts ...DynamoOption) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	s := &DynamoStore{api: api, tableName: tableName, ttl: defaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// userPK returns the partition key for a user's messages.
func userPK(userID int64) string {
	return "USER#" + strconv.FormatInt(userID, 10)
}

// msgSK zero-pads the ID so lexical order matches numeric order.
func msgSK(id int64) string {
	return fmt.Sprintf("%s%020d", skPrefixMsg, id)
}

// nextID returns a strictly increasing ID derived from the wall clock.
func (s *DynamoStore) nextID() int64 {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	id := s.now().UnixNano()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return id
}

func (s *DynamoStore) Append(ctx context.Context, userID int64, role domain.Role, text string) (domain.ChatMessage, error) {
	if !role.Valid() {
		return domain.ChatMessage{}, domain.NewError(domain.ErrorInvalidInput, "invalid_role", fmt.Errorf("repository: role %q", role))
	}

	for attempt := 0; ; attempt++ {
		msg := domain.ChatMessage{UserID: userID, Role: role, Text: text}
		msg.ID = s.nextID()
		msg.CreatedAt = time.Unix(0, msg.ID).UTC()

		_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.tableName),
			Item:                messageItem(msg, msg.CreatedAt.Add(s.ttl).Unix()),
			ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
		})
		if err == nil {
			return msg, nil
		}
		// Another writer took this sort key; move past it.
		var collision *types.ConditionalCheckFailedException
		if errors.As(err, &collision) && attempt+1 < maxAppendCollision {
			continue
		}
		return domain.ChatMessage{}, domain.NewError(domain.ErrorStorage, "dynamodb_append", err)
	}
}

// Recent queries the newest messages and returns them oldest first.
func (s *DynamoStore) Recent(ctx context.Context, userID int64, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		return []domain.ChatMessage{}, nil
	}
	out, err := s.api.Query(ctx, s.newestFirst(userID, int32(limit), false))
	if err != nil {
		return nil, domain.NewError(domain.ErrorStorage, "dynamodb_recent", err)
	}

	msgs := make([]domain.ChatMessage, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, domain.NewError(domain.ErrorStorage, "dynamodb_recent_decode", err)
		}
		msgs = append(msgs, msg)
	}
	reverse(msgs)
	return msgs, nil
}

func (s *DynamoStore) Prune(ctx context.Context, userID int64, keepLast int) (int, error) {
	if keepLast < 0 {
		return 0, domain.NewError(domain.ErrorInvalidInput, "negative_keep_last", nil)
	}
	keys, err := s.keysAfter(ctx, userID, keepLast)
	if err != nil {
		return 0, domain.NewError(domain.ErrorStorage, "dynamodb_prune_query", err)
	}
	if err := s.batchDelete(ctx, keys); err != nil {
		return 0, domain.NewError(domain.ErrorStorage, "dynamodb_prune_delete", err)
	}
	return len(keys), nil
}

func (s *DynamoStore) Wipe(ctx context.Context, userID int64) (int, error) {
	keys, err := s.keysAfter(ctx, userID, 0)
	if err != nil {
		return 0, domain.NewError(domain.ErrorStorage, "dynamodb_wipe_query", err)
	}
	if err := s.batchDelete(ctx, keys); err != nil {
		return 0, domain.NewError(domain.ErrorStorage, "dynamodb_wipe_delete", err)
	}
	return len(keys), nil
}

func (s *DynamoStore) newestFirst(userID int64, limit int32, keysOnly bool) *dynamodb.QueryInput {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		ConsistentRead:   aws.Bool(true),
	}
	if limit > 0 {
		in.Limit = aws.Int32(limit)
	}
	if keysOnly {
		in.ProjectionExpression = aws.String("PK, SK")
	}
	return in
}

// keysAfter pages newest-first through a user's messages and returns the
// keys of everything past the first skip items.
func (s *DynamoStore) keysAfter(ctx context.Context, userID int64, skip int) ([]map[string]types.AttributeValue, error) {
	in := s.newestFirst(userID, 0, true)
	var (
		keys []map[string]types.AttributeValue
		seen int
	)
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		for _, item := range out.Items {
			seen++
			if seen <= skip {
				continue
			}
			keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
		}
		if len(out.LastEvaluatedKey) == 0 {
			return keys, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *DynamoStore) batchDelete(ctx context.Context, keys []map[string]types.AttributeValue) error {
	for start := 0; start < len(keys); start += batchDeleteSize {
		end := min(start+batchDeleteSize, len(keys))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, key := range keys[start:end] {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}})
		}

		pending := map[string][]types.WriteRequest{s.tableName: reqs}
		for attempt := 0; len(pending[s.tableName]) > 0; attempt++ {
			if attempt >= maxBatchRetries {
				return fmt.Errorf("repository: %d deletes left unprocessed", len(pending[s.tableName]))
			}
			out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return err
			}
			if out == nil {
				break
			}
			pending = out.UnprocessedItems
		}
	}
	return nil
}

func messageItem(msg domain.ChatMessage, ttl int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: userPK(msg.UserID)},
		"SK":        &types.AttributeValueMemberS{Value: msgSK(msg.ID)},
		"userId":    &types.AttributeValueMemberN{Value: strconv.FormatInt(msg.UserID, 10)},
		"messageId": &types.AttributeValueMemberN{Value: strconv.FormatInt(msg.ID, 10)},
		"role":      &types.AttributeValueMemberS{Value: string(msg.Role)},
		"text":      &types.AttributeValueMemberS{Value: msg.Text},
		"createdAt": &types.AttributeValueMemberS{Value: msg.CreatedAt.Format(time.RFC3339Nano)},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}
}

// itemToMessage converts a DynamoDB attribute map to a ChatMessage.
func itemToMessage(item map[string]types.AttributeValue) (domain.ChatMessage, error) {
	userID, err := intAttr(item, "userId")
	if err != nil {
		return domain.ChatMessage{}, err
	}
	id, err := intAttr(item, "messageId")
	if err != nil {
		return domain.ChatMessage{}, err
	}
	roleStr, err := strAttr(item, "role")
	if err != nil {
		return domain.ChatMessage{}, err
	}
	role, err := domain.ParseRole(roleStr)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	text, _ := strAttr(item, "text") // allow empty

	return domain.ChatMessage{
		ID:        id,
		UserID:    userID,
		Role:      role,
		Text:      text,
		CreatedAt: time.Unix(0, id).UTC(),
	}, nil
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

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
