// Package memstore provides an in-memory store.Repository.
//
// It applies the same condition, update and all-or-nothing transaction
// semantics as the DynamoDB store, and lets tests inject transaction
// failures to observe atomicity.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/fieldops/keys"
	"github.com/jacentio/fieldops/store"
)

// TransactHook inspects a transaction before it is applied. Returning a
// non-nil error rejects the whole transaction with that error.
type TransactHook func(ops []store.Op) error

// Store is an in-memory store.Repository. It is safe for concurrent use;
// every operation is linearized by a single mutex.
type Store struct {
	mu     sync.Mutex
	tables map[string]map[keys.Key]store.Record
	hook   TransactHook

	transactions int
}

var _ store.Repository = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{tables: make(map[string]map[keys.Key]store.Record)}
}

// OnTransact installs a hook run before every TransactWrite. Pass nil to
// remove it.
func (m *Store) OnTransact(hook TransactHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// FailNextTransaction makes the next TransactWrite cancel with reason at
// index, as if that operation's condition (or a concurrent write) failed.
func (m *Store) FailNextTransaction(index int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.hook
	fired := false
	m.hook = func(ops []store.Op) error {
		if fired {
			if prev != nil {
				return prev(ops)
			}
			return nil
		}
		fired = true
		reasons := make([]string, len(ops))
		for i := range reasons {
			reasons[i] = store.ReasonNone
		}
		if index >= 0 && index < len(ops) {
			reasons[index] = reason
		}
		return &store.TxCanceledError{Reasons: reasons}
	}
}

// Transactions returns the number of committed transactions.
func (m *Store) Transactions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transactions
}

// Len returns the number of records in table.
func (m *Store) Len(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

// Snapshot returns a copy of every record in table, ordered by key.
func (m *Store) Snapshot(table string) []store.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Record
	for _, k := range m.sortedKeys(table) {
		out = append(out, m.tables[table][k].Clone())
	}
	return out
}

// GetItem implements store.Repository.
func (m *Store) GetItem(ctx context.Context, table string, key keys.Key) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.tables[table][key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return item.Clone(), nil
}

// Query implements store.Repository.
func (m *Store) Query(ctx context.Context, input store.QueryInput) (*store.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start, err := store.DecodeCursor(input.Cursor)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []keys.Key
	for k := range m.tables[input.Table] {
		if k.PK == input.PK && strings.HasPrefix(k.SK, input.SKPrefix) {
			matched = append(matched, k)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if input.Descending {
			return matched[i].SK > matched[j].SK
		}
		return matched[i].SK < matched[j].SK
	})

	if start != nil {
		after := keys.Key{PK: stringAttr(start[store.AttrPK]), SK: stringAttr(start[store.AttrSK])}
		idx := sort.Search(len(matched), func(i int) bool {
			if input.Descending {
				return matched[i].SK < after.SK
			}
			return matched[i].SK > after.SK
		})
		matched = matched[idx:]
	}

	page := &store.Page{}
	limit := int(input.Limit)
	if limit <= 0 || limit > len(matched) {
		limit = len(matched)
	}
	for _, k := range matched[:limit] {
		page.Items = append(page.Items, m.tables[input.Table][k].Clone())
	}
	if limit < len(matched) {
		last := matched[limit-1]
		if page.Cursor, err = store.EncodeCursor(store.KeyAttrs(last)); err != nil {
			return nil, err
		}
	}
	return page, nil
}

// PutItem implements store.Repository.
func (m *Store) PutItem(ctx context.Context, table string, item store.Record, cond store.Condition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := item.Key()
	if !cond.Matches(m.current(table, key)) {
		return store.ErrConditionFailed
	}
	m.put(table, item)
	return nil
}

// UpdateItem implements store.Repository.
func (m *Store) UpdateItem(ctx context.Context, table string, key keys.Key, update store.Update, cond store.Condition) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current(table, key)
	if !cond.Matches(cur) {
		return nil, store.ErrConditionFailed
	}
	next := m.apply(key, cur, update)
	m.put(table, next)
	return next.Clone(), nil
}

// DeleteItem implements store.Repository.
func (m *Store) DeleteItem(ctx context.Context, table string, key keys.Key, cond store.Condition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !cond.Matches(m.current(table, key)) {
		return store.ErrConditionFailed
	}
	delete(m.tables[table], key)
	return nil
}

// TransactWrite implements store.Repository. Conditions are evaluated
// against the state before the transaction; writes are applied only if all
// of them hold.
func (m *Store) TransactWrite(ctx context.Context, ops []store.Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		id := op.Table + "/" + op.Key.String()
		if seen[id] {
			return fmt.Errorf("memstore: transaction touches %s more than once", id)
		}
		seen[id] = true
	}

	if m.hook != nil {
		if err := m.hook(ops); err != nil {
			return err
		}
	}

	reasons := make([]string, len(ops))
	failed := false
	for i, op := range ops {
		reasons[i] = store.ReasonNone
		if !op.Cond.Matches(m.current(op.Table, op.Key)) {
			reasons[i] = store.ReasonConditionFailed
			failed = true
		}
	}
	if failed {
		return &store.TxCanceledError{Reasons: reasons}
	}

	for _, op := range ops {
		switch op.Kind {
		case store.OpPut:
			m.put(op.Table, op.Item)
		case store.OpUpdate:
			m.put(op.Table, m.apply(op.Key, m.current(op.Table, op.Key), op.Update))
		case store.OpDelete:
			delete(m.tables[op.Table], op.Key)
		}
	}
	m.transactions++
	return nil
}

func (m *Store) current(table string, key keys.Key) store.Record {
	return m.tables[table][key]
}

func (m *Store) put(table string, item store.Record) {
	t, ok := m.tables[table]
	if !ok {
		t = make(map[keys.Key]store.Record)
		m.tables[table] = t
	}
	t[item.Key()] = item.Clone()
}

func (m *Store) apply(key keys.Key, cur store.Record, update store.Update) store.Record {
	next := update.Apply(cur)
	next[store.AttrPK] = store.S(key.PK)
	next[store.AttrSK] = store.S(key.SK)
	return next
}

func (m *Store) sortedKeys(table string) []keys.Key {
	out := make([]keys.Key, 0, len(m.tables[table]))
	for k := range m.tables[table] {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func stringAttr(v types.AttributeValue) string {
	if s, ok := v.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}
