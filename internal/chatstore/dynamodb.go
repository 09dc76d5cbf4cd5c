package chatstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/raphaelgruber/policychat/internal/models"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Table attribute names. user_id is the partition key, session_id the sort key.
const (
	attrUserID       = "user_id"
	attrSessionID    = "session_id"
	attrMessages     = "messages"
	attrMessageCount = "message_count"
	attrCreatedAt    = "created_at"
	attrUpdatedAt    = "updated_at"
)

// appendExpression appends one message and creates the item if it is
// missing, in a single update.
const appendExpression = "SET #messages = list_append(if_not_exists(#messages, :empty), :msg), " +
	"#updated = :now, #created = if_not_exists(#created, :now) ADD #count :one"

type dynamoMessage struct {
	Role      string    `dynamodbav:"role"`
	Content   string    `dynamodbav:"content"`
	Timestamp time.Time `dynamodbav:"timestamp"`
}

// dynamoRawMessage tolerates legacy items whose content is a span list.
type dynamoRawMessage struct {
	Role      string `dynamodbav:"role"`
	Content   any    `dynamodbav:"content"`
	Timestamp string `dynamodbav:"timestamp"`
}

type dynamoSession struct {
	UserID       string             `dynamodbav:"user_id"`
	SessionID    string             `dynamodbav:"session_id"`
	CreatedAt    string             `dynamodbav:"created_at"`
	UpdatedAt    string             `dynamodbav:"updated_at"`
	MessageCount int                `dynamodbav:"message_count"`
	Messages     []dynamoRawMessage `dynamodbav:"messages"`
}

// DynamoStore keeps one item per (user, session) in a DynamoDB table.
type DynamoStore struct {
	api    DynamoDBAPI
	table  string
	logger *slog.Logger
	now    func() time.Time
}

// NewDynamoStore creates a store over an existing table.
func NewDynamoStore(api DynamoDBAPI, table string, logger *slog.Logger) *DynamoStore {
	return &DynamoStore{
		api:    api,
		table:  table,
		logger: orDefault(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NewDynamoStoreFromConfig builds the DynamoDB client from an AWS config.
// endpoint overrides the service URL (DynamoDB Local).
func NewDynamoStoreFromConfig(cfg aws.Config, table, endpoint string, logger *slog.Logger) *DynamoStore {
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewDynamoStore(client, table, logger)
}

func (s *DynamoStore) key(userID, sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrUserID:    &types.AttributeValueMemberS{Value: userID},
		attrSessionID: &types.AttributeValueMemberS{Value: sessionID},
	}
}

func (s *DynamoStore) CreateSession(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidMessage)
	}

	id := NewSessionID()
	now := s.now().Format(time.RFC3339Nano)

	cond, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name(attrSessionID))).
		Build()
	if err != nil {
		return "", fmt.Errorf("build condition: %w", err)
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			attrUserID:       &types.AttributeValueMemberS{Value: userID},
			attrSessionID:    &types.AttributeValueMemberS{Value: id},
			attrCreatedAt:    &types.AttributeValueMemberS{Value: now},
			attrUpdatedAt:    &types.AttributeValueMemberS{Value: now},
			attrMessageCount: &types.AttributeValueMemberN{Value: "0"},
			attrMessages:     &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		},
		ConditionExpression:       cond.Condition(),
		ExpressionAttributeNames:  cond.Names(),
		ExpressionAttributeValues: cond.Values(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return "", ErrSessionExists
		}
		return "", storageErr("create session", err)
	}

	s.logger.Debug("session created", "user_id", userID, "session_id", id)
	return id, nil
}

func (s *DynamoStore) ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key(attrUserID).Equal(expression.Value(userID))).
		WithProjection(expression.NamesList(
			expression.Name(attrUserID),
			expression.Name(attrSessionID),
			expression.Name(attrCreatedAt),
			expression.Name(attrUpdatedAt),
			expression.Name(attrMessageCount),
		)).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	paginator := dynamodb.NewQueryPaginator(s.api, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
	})

	var out []models.SessionSummary
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, storageErr("list sessions", err)
		}
		var items []dynamoSession
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, storageErr("decode sessions", err)
		}
		for _, it := range items {
			out = append(out, models.SessionSummary{
				UserID:       it.UserID,
				SessionID:    it.SessionID,
				CreatedAt:    parseTime(it.CreatedAt),
				UpdatedAt:    parseTime(it.UpdatedAt),
				MessageCount: it.MessageCount,
			})
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *DynamoStore) GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(userID, sessionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, storageErr("get session", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return s.decodeSession(out.Item)
}

func (s *DynamoStore) AppendMessage(ctx context.Context, userID, sessionID string, msg models.Message) (models.Message, error) {
	msg, err := prepare(userID, sessionID, msg)
	if err != nil {
		return models.Message{}, err
	}

	item, err := attributevalue.MarshalMap(dynamoMessage{
		Role:      string(msg.Role),
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("encode message: %w", err)
	}

	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              s.key(userID, sessionID),
		UpdateExpression: aws.String(appendExpression),
		ExpressionAttributeNames: map[string]string{
			"#messages": attrMessages,
			"#updated":  attrUpdatedAt,
			"#created":  attrCreatedAt,
			"#count":    attrMessageCount,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":msg":   &types.AttributeValueMemberL{Value: []types.AttributeValue{&types.AttributeValueMemberM{Value: item}}},
			":now":   &types.AttributeValueMemberS{Value: s.now().Format(time.RFC3339Nano)},
			":one":   &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return models.Message{}, storageErr("append message", err)
	}

	if sess, err := s.decodeSession(out.Attributes); err == nil {
		advise(s.logger, userID, sessionID, sess.Messages)
	}
	return msg, nil
}

func (s *DynamoStore) decodeSession(item map[string]types.AttributeValue) (*models.Session, error) {
	var rec dynamoSession
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, storageErr("decode session", err)
	}

	raw := make([]models.RawMessage, len(rec.Messages))
	for i, m := range rec.Messages {
		raw[i] = models.RawMessage{Role: m.Role, Content: m.Content, Timestamp: parseTime(m.Timestamp)}
	}

	return &models.Session{
		UserID:    rec.UserID,
		SessionID: rec.SessionID,
		CreatedAt: parseTime(rec.CreatedAt),
		UpdatedAt: parseTime(rec.UpdatedAt),
		Messages:  decodeMessages(s.logger, raw),
	}, nil
}

// CreateTable creates the chat history table with on-demand billing and
// waits until it is active. Existing tables are left alone.
func (s *DynamoStore) CreateTable(ctx context.Context) error {
	_, err := s.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrUserID), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrSessionID), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrUserID), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrSessionID), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil
		}
		return storageErr("create table", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.api)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, 2*time.Minute); err != nil {
		return storageErr("wait for table", err)
	}
	s.logger.Info("chat history table ready", "table", s.table)
	return nil
}

// parseTime accepts RFC 3339 timestamps and the naive ISO form older items
// were written with. Unparseable values become the zero time.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
