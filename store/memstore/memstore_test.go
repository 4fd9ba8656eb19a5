package memstore_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/fieldops/keys"
	"github.com/jacentio/fieldops/store"
	"github.com/jacentio/fieldops/store/memstore"
)

const table = "fieldops"

func record(pk, sk string, attrs ...string) store.Record {
	r := store.Record{store.AttrPK: store.S(pk), store.AttrSK: store.S(sk)}
	for i := 0; i+1 < len(attrs); i += 2 {
		r[attrs[i]] = store.S(attrs[i+1])
	}
	return r
}

func TestPutGet_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := memstore.New()
	k := keys.Key{PK: "DEVICE#1", SK: "META"}

	if err := m.PutItem(ctx, table, record(k.PK, k.SK, "model", "X1"), store.ItemNotExists()); err != nil {
		t.Fatalf("PutItem: %v", err)
	}
	got, err := m.GetItem(ctx, table, k)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	got["model"] = store.S("mutated")

	again, _ := m.GetItem(ctx, table, k)
	if again.String("model") != "X1" {
		t.Errorf("stored record was mutated through a returned copy: %q", again.String("model"))
	}
}

func TestGetItem_Missing(t *testing.T) {
	_, err := memstore.New().GetItem(context.Background(), table, keys.Key{PK: "X", SK: "Y"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPutItem_ConditionFailed(t *testing.T) {
	ctx := context.Background()
	m := memstore.New()
	item := record("SIM#1", "META")

	if err := m.PutItem(ctx, table, item, store.ItemNotExists()); err != nil {
		t.Fatal(err)
	}
	if err := m.PutItem(ctx, table, item, store.ItemNotExists()); !errors.Is(err, store.ErrConditionFailed) {
		t.Errorf("second put err = %v, want ErrConditionFailed", err)
	}
}

func TestUpdateItem_AppliesDelta(t *testing.T) {
	ctx := context.Background()
	m := memstore.New()
	k := keys.Key{PK: "INSTALL#1", SK: "META"}
	if err := m.PutItem(ctx, table, record(k.PK, k.SK, "status", "active", "note", "x"), store.Condition{}); err != nil {
		t.Fatal(err)
	}

	got, err := m.UpdateItem(ctx, table, k, store.Update{
		Set:    map[string]types.AttributeValue{"status": store.S("inactive")},
		Remove: []string{"note"},
		Append: map[string][]types.AttributeValue{"history": {store.S("e1")}},
		Add:    map[string]int64{"version": 1},
	}, store.AttrEquals("status", store.S("active")))
	if err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	if got.String("status") != "inactive" || got.Has("note") || got.Int("version") != 1 {
		t.Errorf("unexpected record after update: %v", got)
	}
	if got.Key() != k {
		t.Errorf("key = %v, want %v", got.Key(), k)
	}

	_, err = m.UpdateItem(ctx, table, k, store.Update{Add: map[string]int64{"version": 1}}, store.AttrEquals("status", store.S("active")))
	if !errors.Is(err, store.ErrConditionFailed) {
		t.Errorf("err = %v, want ErrConditionFailed", err)
	}
}

func TestDeleteItem(t *testing.T) {
	ctx := context.Background()
	m := memstore.New()
	k := keys.Key{PK: "CONTACT#1", SK: "META"}

	if err := m.DeleteItem(ctx, table, k, store.ItemExists()); !errors.Is(err, store.ErrConditionFailed) {
		t.Errorf("delete of missing record err = %v, want ErrConditionFailed", err)
	}
	_ = m.PutItem(ctx, table, record(k.PK, k.SK), store.Condition{})
	if err := m.DeleteItem(ctx, table, k, store.ItemExists()); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if m.Len(table) != 0 {
		t.Errorf("Len = %d, want 0", m.Len(table))
	}
}

func TestQuery_PrefixOrderAndPaging(t *testing.T) {
	ctx := context.Background()
	m := memstore.New()
	for i := 5; i >= 1; i-- {
		_ = m.PutItem(ctx, table, record("DEVICE#1", fmt.Sprintf("REPAIR#%d", i)), store.Condition{})
	}
	_ = m.PutItem(ctx, table, record("DEVICE#1", "META"), store.Condition{})
	_ = m.PutItem(ctx, table, record("DEVICE#2", "REPAIR#9"), store.Condition{})

	var sks []string
	cursor := ""
	pages := 0
	for {
		page, err := m.Query(ctx, store.QueryInput{Table: table, PK: "DEVICE#1", SKPrefix: "REPAIR#", Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		pages++
		for _, item := range page.Items {
			sks = append(sks, item.String(store.AttrSK))
		}
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	want := []string{"REPAIR#1", "REPAIR#2", "REPAIR#3", "REPAIR#4", "REPAIR#5"}
	if fmt.Sprint(sks) != fmt.Sprint(want) {
		t.Errorf("sort keys = %v, want %v", sks, want)
	}
	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
}

func TestQuery_Descending(t *testing.T) {
	ctx := context.Background()
	m := memstore.New()
	for _, sk := range []string{"CONFIG#a", "CONFIG#c", "CONFIG#b"} {
		_ = m.PutItem(ctx, table, record("DEVICE#1", sk), store.Condition{})
	}
	page, err := m.Query(ctx, store.QueryInput{Table: table, PK: "DEVICE#1", SKPrefix: "CONFIG#", Descending: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 3 || page.Items[0].String(store.AttrSK) != "CONFIG#c" {
		t.Errorf("unexpected order: %v", page.Items)
	}
}

func TestQuery_BadCursor(t *testing.T) {
	_, err := memstore.New().Query(context.Background(), store.QueryInput{Table: table, PK: "X", Cursor: "!!not-a-cursor"})
	if err == nil {
		t.Error("expected an error for a malformed cursor")
	}
}

func TestTransactWrite_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	m := memstore.New()
	existing := record("SIM#1", "META")
	_ = m.PutItem(ctx, table, existing, store.Condition{})

	err := m.TransactWrite(ctx, []store.Op{
		store.PutOp(table, record("DEVICE#1", "SIM_ASSOC#1"), store.ItemNotExists()),
		store.PutOp(table, existing, store.ItemNotExists()),
	})
	var tx *store.TxCanceledError
	if !errors.As(err, &tx) {
		t.Fatalf("err = %v, want *TxCanceledError", err)
	}
	if tx.FailedAt() != 1 {
		t.Errorf("FailedAt = %d, want 1", tx.FailedAt())
	}
	if !errors.Is(err, store.ErrConditionFailed) {
		t.Error("a failed condition should match ErrConditionFailed")
	}
	if m.Len(table) != 1 {
		t.Errorf("Len = %d, want 1: the first put must not be applied", m.Len(table))
	}
	if m.Transactions() != 0 {
		t.Errorf("Transactions = %d, want 0", m.Transactions())
	}
}

func TestTransactWrite_ConditionsSeePriorState(t *testing.T) {
	ctx := context.Background()
	m := memstore.New()
	k := keys.Key{PK: "DEVICE#1", SK: "META"}

	err := m.TransactWrite(ctx, []store.Op{
		store.PutOp(table, record(k.PK, k.SK), store.ItemNotExists()),
		store.CheckOp(table, keys.Key{PK: "INSTALL#1", SK: "META"}, store.ItemNotExists()),
	})
	if err != nil {
		t.Fatalf("TransactWrite: %v", err)
	}
	if m.Transactions() != 1 {
		t.Errorf("Transactions = %d, want 1", m.Transactions())
	}
	if m.Len(table) != 1 {
		t.Errorf("a check op must not write; Len = %d", m.Len(table))
	}
}

func TestTransactWrite_DuplicateKeyRejected(t *testing.T) {
	k := keys.Key{PK: "DEVICE#1", SK: "META"}
	err := memstore.New().TransactWrite(context.Background(), []store.Op{
		store.PutOp(table, record(k.PK, k.SK), store.Condition{}),
		store.DeleteOp(table, k, store.Condition{}),
	})
	if err == nil {
		t.Error("expected an error for two operations on one key")
	}
}

func TestFailNextTransaction_FiresOnce(t *testing.T) {
	ctx := context.Background()
	m := memstore.New()
	m.FailNextTransaction(0, store.ReasonConflict)

	ops := []store.Op{store.PutOp(table, record("DEVICE#1", "META"), store.Condition{})}
	err := m.TransactWrite(ctx, ops)
	var tx *store.TxCanceledError
	if !errors.As(err, &tx) || tx.Reasons[0] != store.ReasonConflict {
		t.Fatalf("err = %v, want injected cancellation", err)
	}
	if m.Len(table) != 0 {
		t.Error("injected failure must not write")
	}

	if err := m.TransactWrite(ctx, ops); err != nil {
		t.Fatalf("second TransactWrite: %v", err)
	}
}

func TestOnTransact_Rejects(t *testing.T) {
	m := memstore.New()
	boom := errors.New("boom")
	m.OnTransact(func(ops []store.Op) error { return boom })

	err := m.TransactWrite(context.Background(), []store.Op{store.PutOp(table, record("A", "B"), store.Condition{})})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want hook error", err)
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := memstore.New().GetItem(ctx, table, keys.Key{PK: "A", SK: "B"}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSnapshot_Ordered(t *testing.T) {
	ctx := context.Background()
	m := memstore.New()
	_ = m.PutItem(ctx, table, record("SIM#2", "META"), store.Condition{})
	_ = m.PutItem(ctx, table, record("DEVICE#1", "META"), store.Condition{})

	snap := m.Snapshot(table)
	if len(snap) != 2 || snap[0].String(store.AttrPK) != "DEVICE#1" {
		t.Errorf("unexpected snapshot order: %v", snap)
	}
}
