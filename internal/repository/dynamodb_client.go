package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"pcbtool/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META"
	ownerPrefix = "OWNER#"

	// BatchWriteItem accepts at most 25 requests.
	batchSize        = 25
	maxBatchAttempts = 5
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("repository: not found")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Client wraps a DynamoDB table holding conversations and their messages.
type Client struct {
	api        dynamodbAPI
	tableName  string
	ownerIndex string
}

// backoff waits before retrying unprocessed batch items.
var backoff = func(attempt int) time.Duration {
	return time.Duration(attempt) * 100 * time.Millisecond
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName, ownerIndex string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if strings.TrimSpace(ownerIndex) == "" {
		return nil, errors.New("repository: owner index must not be empty")
	}
	return &Client{api: api, tableName: tableName, ownerIndex: ownerIndex}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// msgSK returns the sort key for a message. Message ids are time-ordered, so
// sort key order is creation order.
func msgSK(messageID string) string {
	return skPrefixMsg + messageID
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// CreateConversation writes a new conversation and its first message in one
// transaction.
func (c *Client) CreateConversation(ctx context.Context, conv domain.Conversation, first domain.Message) error {
	if conv.ID == "" || first.ID == "" {
		return errors.New("repository: CreateConversation: conversation and message ids are required")
	}
	if first.ConversationID != conv.ID {
		return errors.New("repository: CreateConversation: message belongs to another conversation")
	}
	msg, err := messageItem(first)
	if err != nil {
		return fmt.Errorf("repository: CreateConversation: %w", err)
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                metaItem(conv),
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                msg,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return nil
}

// AppendMessage adds msg to an existing conversation. It fails with
// ErrNotFound when the conversation was deleted.
func (c *Client) AppendMessage(ctx context.Context, msg domain.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return errors.New("repository: AppendMessage: message and conversation ids are required")
	}
	item, err := messageItem(msg)
	if err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:           aws.String(c.tableName),
					Key:                 key(convPK(msg.ConversationID), skMeta),
					ConditionExpression: aws.String("attribute_exists(PK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
		},
	})
	if conditionFailed(err, 0) {
		return fmt.Errorf("repository: AppendMessage: conversation %s: %w", msg.ConversationID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return nil
}

// conditionFailed reports whether err cancelled a transaction because the
// condition of the item at index failed.
func conditionFailed(err error, index int) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) || index >= len(tce.CancellationReasons) {
		return false
	}
	return aws.ToString(tce.CancellationReasons[index].Code) == "ConditionalCheckFailed"
}

// GetOwner returns the owner of a conversation.
func (c *Client) GetOwner(ctx context.Context, conversationID string) (string, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(c.tableName),
		Key:                  key(convPK(conversationID), skMeta),
		ProjectionExpression: aws.String("#o"),
		ExpressionAttributeNames: map[string]string{
			"#o": "owner",
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("repository: GetOwner get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", fmt.Errorf("repository: GetOwner %s: %w", conversationID, ErrNotFound)
	}
	owner, err := strAttr(out.Item, "owner")
	if err != nil {
		return "", fmt.Errorf("repository: GetOwner: %w", err)
	}
	return owner, nil
}

// GetMessage loads one message of a conversation.
func (c *Client) GetMessage(ctx context.Context, conversationID, messageID string) (domain.Message, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(convPK(conversationID), msgSK(messageID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: GetMessage get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Message{}, fmt.Errorf("repository: GetMessage %s: %w", messageID, ErrNotFound)
	}
	msg, err := itemToMessage(out.Item)
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: GetMessage unmarshal: %w", err)
	}
	return msg, nil
}

// GetConversation loads a conversation with all of its messages in creation
// order.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	var (
		conv    domain.Conversation
		found   bool
		lastKey map[string]types.AttributeValue
	)
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			},
			ScanIndexForward:  aws.Bool(true),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("repository: GetConversation query: %w", err)
		}
		for _, item := range out.Items {
			sk, err := strAttr(item, "SK")
			if err != nil {
				return domain.Conversation{}, fmt.Errorf("repository: GetConversation: %w", err)
			}
			switch {
			case sk == skMeta:
				meta, err := itemToConversation(item)
				if err != nil {
					return domain.Conversation{}, fmt.Errorf("repository: GetConversation unmarshal: %w", err)
				}
				meta.Messages = conv.Messages
				conv = meta
				found = true
			case strings.HasPrefix(sk, skPrefixMsg):
				msg, err := itemToMessage(item)
				if err != nil {
					return domain.Conversation{}, fmt.Errorf("repository: GetConversation unmarshal: %w", err)
				}
				conv.Messages = append(conv.Messages, msg)
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		lastKey = out.LastEvaluatedKey
	}
	if !found {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation %s: %w", conversationID, ErrNotFound)
	}
	return conv, nil
}

// ListConversations returns the owner's conversations, newest first, without
// their messages.
func (c *Client) ListConversations(ctx context.Context, owner string) ([]domain.Conversation, error) {
	convs := []domain.Conversation{}
	var lastKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			IndexName:              aws.String(c.ownerIndex),
			KeyConditionExpression: aws.String("GSI1PK = :owner"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":owner": &types.AttributeValueMemberS{Value: ownerPrefix + owner},
			},
			ScanIndexForward:  aws.Bool(false),
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: ListConversations query: %w", err)
		}
		for _, item := range out.Items {
			conv, err := itemToConversation(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListConversations unmarshal: %w", err)
			}
			convs = append(convs, conv)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return convs, nil
		}
		lastKey = out.LastEvaluatedKey
	}
}

// DeleteConversation removes the conversation and every message under it.
// The META item goes first: AppendMessage is conditioned on it, so no message
// can land after the sweep below has listed the partition.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	meta, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(c.tableName),
		Key:          key(convPK(conversationID), skMeta),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteConversation meta: %w", err)
	}

	var (
		keys    []map[string]types.AttributeValue
		lastKey map[string]types.AttributeValue
	)
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			},
			ProjectionExpression: aws.String("PK, SK"),
			ExclusiveStartKey:    lastKey,
		})
		if err != nil {
			return fmt.Errorf("repository: DeleteConversation query: %w", err)
		}
		for _, item := range out.Items {
			keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		lastKey = out.LastEvaluatedKey
	}
	// Messages without META are leftovers of an interrupted delete and are
	// still swept.
	if len(meta.Attributes) == 0 && len(keys) == 0 {
		return fmt.Errorf("repository: DeleteConversation %s: %w", conversationID, ErrNotFound)
	}

	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
		}
		if err := c.batchWrite(ctx, reqs); err != nil {
			return fmt.Errorf("repository: DeleteConversation: %w", err)
		}
	}
	return nil
}

func (c *Client) batchWrite(ctx context.Context, reqs []types.WriteRequest) error {
	for attempt := 1; ; attempt++ {
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{c.tableName: reqs},
		})
		if err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
		reqs = nil
		if out != nil {
			reqs = out.UnprocessedItems[c.tableName]
		}
		if len(reqs) == 0 {
			return nil
		}
		if attempt == maxBatchAttempts {
			return fmt.Errorf("batch write: %d items still unprocessed after %d attempts", len(reqs), attempt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
}

func metaItem(conv domain.Conversation) map[string]types.AttributeValue {
	created := conv.CreatedAt.UTC().Format(time.RFC3339Nano)
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: convPK(conv.ID)},
		"SK":        &types.AttributeValueMemberS{Value: skMeta},
		"id":        &types.AttributeValueMemberS{Value: conv.ID},
		"owner":     &types.AttributeValueMemberS{Value: conv.Owner},
		"title":     &types.AttributeValueMemberS{Value: conv.Title},
		"createdAt": &types.AttributeValueMemberS{Value: created},
		"GSI1PK":    &types.AttributeValueMemberS{Value: ownerPrefix + conv.Owner},
		"GSI1SK":    &types.AttributeValueMemberS{Value: created},
	}
}

func messageItem(msg domain.Message) (map[string]types.AttributeValue, error) {
	content, err := domain.EncodeStageResult(msg.Result)
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(msg.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(msg.ID)},
		"id":             &types.AttributeValueMemberS{Value: msg.ID},
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"role":           &types.AttributeValueMemberS{Value: string(msg.Role)},
		"content":        &types.AttributeValueMemberS{Value: string(content)},
		"createdAt":      &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}, nil
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Conversation{}, err
	}
	owner, err := strAttr(item, "owner")
	if err != nil {
		return domain.Conversation{}, err
	}
	title, _ := strAttr(item, "title") // allow empty
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	return domain.Conversation{ID: id, Owner: owner, Title: title, CreatedAt: created}, nil
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Message{}, err
	}
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	result, err := domain.DecodeStageResult([]byte(content))
	if err != nil {
		return domain.Message{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:             id,
		ConversationID: convID,
		Role:           domain.Role(role),
		Result:         result,
		CreatedAt:      created,
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

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
