package store

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/jacentio/fieldops/fault"
	"github.com/jacentio/fieldops/keys"
)

// DynamoClient is the subset of the DynamoDB API the Store uses. It is
// satisfied by *dynamodb.Client and by test doubles.
type DynamoClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store implements Repository on DynamoDB.
type Store struct {
	client DynamoClient
	config Config
}

var _ Repository = (*Store)(nil)

// New creates a new Store instance.
func New(client DynamoClient, config Config) *Store {
	config.Validate()
	return &Store{
		client: client,
		config: config,
	}
}

// Config returns the validated configuration.
func (s *Store) Config() Config {
	return s.config
}

// GetItem retrieves a record by key, returning ErrNotFound if missing.
func (s *Store) GetItem(ctx context.Context, table string, key keys.Key) (Record, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            KeyAttrs(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, mapError("get item", err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}
	return Record(result.Item), nil
}

// Query returns one page of a partition, optionally restricted to a sort-key prefix.
func (s *Store) Query(ctx context.Context, input QueryInput) (*Page, error) {
	b := newExprBuilder()
	keyCond := fmt.Sprintf("%s = %s", b.name(AttrPK), b.value(S(input.PK)))
	if input.SKPrefix != "" {
		keyCond += fmt.Sprintf(" AND begins_with(%s, %s)", b.name(AttrSK), b.value(S(input.SKPrefix)))
	}

	startKey, err := DecodeCursor(input.Cursor)
	if err != nil {
		return nil, err
	}

	queryInput := &dynamodb.QueryInput{
		TableName:                 aws.String(input.Table),
		KeyConditionExpression:    aws.String(keyCond),
		ExpressionAttributeNames:  b.exprNames(),
		ExpressionAttributeValues: b.exprValues(),
		ExclusiveStartKey:         startKey,
		ScanIndexForward:          aws.Bool(!input.Descending),
		ConsistentRead:            aws.Bool(true),
	}
	if input.Limit > 0 {
		queryInput.Limit = aws.Int32(input.Limit)
	}

	result, err := s.client.Query(ctx, queryInput)
	if err != nil {
		return nil, mapError("query", err)
	}

	page := &Page{Items: make([]Record, 0, len(result.Items))}
	for _, raw := range result.Items {
		page.Items = append(page.Items, Record(raw))
	}
	if page.Cursor, err = EncodeCursor(result.LastEvaluatedKey); err != nil {
		return nil, err
	}
	return page, nil
}

// PutItem writes a whole record, subject to cond.
func (s *Store) PutItem(ctx context.Context, table string, item Record, cond Condition) error {
	input := &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      item,
	}
	if !cond.IsZero() {
		b := newExprBuilder()
		input.ConditionExpression = aws.String(cond.build(b))
		input.ExpressionAttributeNames = b.exprNames()
		input.ExpressionAttributeValues = b.exprValues()
	}

	_, err := s.client.PutItem(ctx, input)
	return mapError("put item", err)
}

// UpdateItem applies update to the record at key, subject to cond, and
// returns the record as stored afterwards.
func (s *Store) UpdateItem(ctx context.Context, table string, key keys.Key, update Update, cond Condition) (Record, error) {
	if err := update.validate(); err != nil {
		return nil, err
	}
	if update.IsZero() {
		return s.GetItem(ctx, table, key)
	}

	b := newExprBuilder()
	input := &dynamodb.UpdateItemInput{
		TableName:        aws.String(table),
		Key:              KeyAttrs(key),
		UpdateExpression: aws.String(update.build(b)),
		ReturnValues:     types.ReturnValueAllNew,
	}
	if !cond.IsZero() {
		input.ConditionExpression = aws.String(cond.build(b))
	}
	input.ExpressionAttributeNames = b.exprNames()
	input.ExpressionAttributeValues = b.exprValues()

	result, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		return nil, mapError("update item", err)
	}
	return Record(result.Attributes), nil
}

// DeleteItem removes the record at key, subject to cond.
func (s *Store) DeleteItem(ctx context.Context, table string, key keys.Key, cond Condition) error {
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(table),
		Key:       KeyAttrs(key),
	}
	if !cond.IsZero() {
		b := newExprBuilder()
		input.ConditionExpression = aws.String(cond.build(b))
		input.ExpressionAttributeNames = b.exprNames()
		input.ExpressionAttributeValues = b.exprValues()
	}

	_, err := s.client.DeleteItem(ctx, input)
	return mapError("delete item", err)
}

// TransactWrite applies ops atomically.
func (s *Store) TransactWrite(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > s.config.MaxTransactItems {
		return fmt.Errorf("%w: %d > %d", ErrTooManyItems, len(ops), s.config.MaxTransactItems)
	}

	items := make([]types.TransactWriteItem, 0, len(ops))
	for _, op := range ops {
		item, err := transactItem(op)
		if err != nil {
			return err
		}
		items = append(items, item)
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return mapError("transact write", err)
}

// transactItem converts an Op to its DynamoDB form. Each op gets its own
// placeholder namespace.
func transactItem(op Op) (types.TransactWriteItem, error) {
	b := newExprBuilder()
	var condExpr *string
	if !op.Cond.IsZero() {
		condExpr = aws.String(op.Cond.build(b))
	}

	switch op.Kind {
	case OpPut:
		return types.TransactWriteItem{Put: &types.Put{
			TableName:                 aws.String(op.Table),
			Item:                      op.Item,
			ConditionExpression:       condExpr,
			ExpressionAttributeNames:  b.exprNames(),
			ExpressionAttributeValues: b.exprValues(),
		}}, nil

	case OpUpdate:
		if err := op.Update.validate(); err != nil {
			return types.TransactWriteItem{}, err
		}
		if op.Update.IsZero() {
			return types.TransactWriteItem{}, fmt.Errorf("store: empty update for %s", op.Key)
		}
		updateExpr := op.Update.build(b)
		return types.TransactWriteItem{Update: &types.Update{
			TableName:                 aws.String(op.Table),
			Key:                       KeyAttrs(op.Key),
			UpdateExpression:          aws.String(updateExpr),
			ConditionExpression:       condExpr,
			ExpressionAttributeNames:  b.exprNames(),
			ExpressionAttributeValues: b.exprValues(),
		}}, nil

	case OpDelete:
		return types.TransactWriteItem{Delete: &types.Delete{
			TableName:                 aws.String(op.Table),
			Key:                       KeyAttrs(op.Key),
			ConditionExpression:       condExpr,
			ExpressionAttributeNames:  b.exprNames(),
			ExpressionAttributeValues: b.exprValues(),
		}}, nil

	case OpCheck:
		if condExpr == nil {
			return types.TransactWriteItem{}, fmt.Errorf("store: condition check without condition for %s", op.Key)
		}
		return types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
			TableName:                 aws.String(op.Table),
			Key:                       KeyAttrs(op.Key),
			ConditionExpression:       condExpr,
			ExpressionAttributeNames:  b.exprNames(),
			ExpressionAttributeValues: b.exprValues(),
		}}, nil
	}

	return types.TransactWriteItem{}, fmt.Errorf("store: unknown op kind %d", op.Kind)
}

// mapError converts DynamoDB errors into store and fault errors.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return ErrConditionFailed
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		reasons := make([]string, len(txErr.CancellationReasons))
		for i, r := range txErr.CancellationReasons {
			reasons[i] = aws.ToString(r.Code)
			if reasons[i] == "" {
				reasons[i] = ReasonNone
			}
		}
		return &TxCanceledError{Reasons: reasons}
	}

	var conflictErr *types.TransactionConflictException
	var throughputErr *types.ProvisionedThroughputExceededException
	var limitErr *types.RequestLimitExceeded
	var inProgressErr *types.TransactionInProgressException
	switch {
	case errors.As(err, &conflictErr), errors.As(err, &throughputErr),
		errors.As(err, &limitErr), errors.As(err, &inProgressErr):
		return fmt.Errorf("%s: %w: %w", op, fault.ErrTransactionAborted, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}

	// Requests that never got a response are transient.
	var sendErr *smithyhttp.RequestSendError
	var netErr net.Error
	if errors.As(err, &sendErr) || errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %w", op, fault.ErrTransactionAborted, err)
	}

	return fault.Internal(op, err)
}
