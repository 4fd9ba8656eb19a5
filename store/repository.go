package store

import (
	"context"
	"fmt"

	"github.com/jacentio/fieldops/keys"
)

// Repository is the storage interface every component is written against.
// Store implements it on DynamoDB; memstore implements it in memory.
type Repository interface {
	// GetItem returns the record at key, or an error matching ErrNotFound.
	GetItem(ctx context.Context, table string, key keys.Key) (Record, error)

	// Query returns one page of records in a partition whose sort key starts
	// with the given prefix, in sort-key order.
	Query(ctx context.Context, input QueryInput) (*Page, error)

	// PutItem writes a whole record. A failed condition yields ErrConditionFailed.
	PutItem(ctx context.Context, table string, item Record, cond Condition) error

	// UpdateItem applies attribute deltas and returns the updated record.
	UpdateItem(ctx context.Context, table string, key keys.Key, update Update, cond Condition) (Record, error)

	// DeleteItem removes the record at key.
	DeleteItem(ctx context.Context, table string, key keys.Key, cond Condition) error

	// TransactWrite applies all operations or none. A cancelled transaction
	// yields a *TxCanceledError describing each operation's outcome.
	TransactWrite(ctx context.Context, ops []Op) error
}

// QueryInput defines a partition range query.
type QueryInput struct {
	Table string
	PK    string

	// SKPrefix restricts results to sort keys beginning with it.
	SKPrefix string

	// Limit is the maximum number of items per page (0 = store default).
	Limit int32

	// Cursor continues a previous query; it is the Page.Cursor it returned.
	Cursor string

	// Descending reverses sort-key order.
	Descending bool
}

// Page is one page of query results.
type Page struct {
	Items []Record

	// Cursor is empty on the last page.
	Cursor string
}

// QueryAll follows cursors until the query is exhausted.
func QueryAll(ctx context.Context, r Repository, input QueryInput) ([]Record, error) {
	var out []Record
	for {
		page, err := r.Query(ctx, input)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if page.Cursor == "" {
			return out, nil
		}
		input.Cursor = page.Cursor
	}
}

// OpKind identifies a transaction operation.
type OpKind int

// Transaction operation kinds.
const (
	OpPut OpKind = iota + 1
	OpUpdate
	OpDelete
	OpCheck
)

func (k OpKind) String() string {
	switch k {
	case OpPut:
		return "put"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpCheck:
		return "check"
	}
	return "unknown"
}

// Op is one operation inside a TransactWrite.
type Op struct {
	Kind   OpKind
	Table  string
	Key    keys.Key
	Item   Record
	Update Update
	Cond   Condition
}

// PutOp writes item at its own key.
func PutOp(table string, item Record, cond Condition) Op {
	return Op{Kind: OpPut, Table: table, Key: item.Key(), Item: item, Cond: cond}
}

// UpdateOp applies update to the record at key.
func UpdateOp(table string, key keys.Key, update Update, cond Condition) Op {
	return Op{Kind: OpUpdate, Table: table, Key: key, Update: update, Cond: cond}
}

// DeleteOp removes the record at key.
func DeleteOp(table string, key keys.Key, cond Condition) Op {
	return Op{Kind: OpDelete, Table: table, Key: key, Cond: cond}
}

// CheckOp asserts cond on the record at key without writing it.
func CheckOp(table string, key keys.Key, cond Condition) Op {
	return Op{Kind: OpCheck, Table: table, Key: key, Cond: cond}
}

func (o Op) String() string {
	return fmt.Sprintf("%s %s/%s", o.Kind, o.Table, o.Key)
}
