package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jacentio/fieldops/fault"
	"github.com/jacentio/fieldops/keys"
)

// CreateIfAbsent writes item only if no record exists at its key. A
// duplicate yields a *fault.ConflictError carrying the existing key; it is
// never retried, since conflicts are expected rather than transient.
func CreateIfAbsent(ctx context.Context, r Repository, table string, item Record) error {
	key := item.Key()
	if key.PK == "" || key.SK == "" {
		return fault.Invalid(AttrPK, "record has no key")
	}
	err := r.PutItem(ctx, table, item, ItemNotExists())
	if errors.Is(err, ErrConditionFailed) {
		return ConflictAt(key, fmt.Sprintf("%s already exists", describe(item, key)))
	}
	return err
}

// ConflictAt returns a conflict error pointing at key.
func ConflictAt(key keys.Key, reason string) *fault.ConflictError {
	return &fault.ConflictError{Reason: reason, Existing: key.String(), PK: key.PK, SK: key.SK}
}

func describe(item Record, key keys.Key) string {
	if t := item.String(AttrEntityType); t != "" {
		return fmt.Sprintf("%s at %s", t, key)
	}
	return key.String()
}
