// Package store provides single-table DynamoDB access for composite-key
// records.
//
// Every record lives at a (pk, sk) pair derived by package keys. The
// [Repository] interface exposes conditional point writes, prefix queries
// with opaque cursors, and all-or-nothing transactions; [Store] implements
// it on DynamoDB and store/memstore implements it in memory.
//
// # Conditions and updates
//
// Writes take a [Condition] built from [ItemExists], [ItemNotExists],
// [AttrExists], [AttrNotExists], [AttrEquals] and [AttrNotEquals], combined
// with [Condition.And]. Updates are deltas:
//
//	store.Update{
//	    Set:    map[string]types.AttributeValue{"status": store.S("inactive")},
//	    Append: map[string][]types.AttributeValue{"history": {entry}},
//	    Add:    map[string]int64{"version": 1},
//	}
//
// # Transactions
//
// [Repository.TransactWrite] applies every [Op] or none. A cancelled
// transaction returns a [*TxCanceledError] whose Reasons are indexed like the
// ops, so callers can map the failing operation to a domain error:
//
//	var tx *store.TxCanceledError
//	if errors.As(err, &tx) && tx.FailedAt() == 1 {
//	    return lockHeld()
//	}
//
// # Duplicate prevention
//
// [CreateIfAbsent] writes a record only when nothing exists at its key and
// reports a collision as a [*fault.ConflictError] naming the existing record.
//
// # Errors
//
//   - [ErrNotFound] - no record at the key
//   - [ErrConditionFailed] - a write condition did not hold
//   - [*TxCanceledError] - a transaction was cancelled
package store
