// Package regionlock enforces that at most one installation claims a
// (state, district, mandal, village, habitation) combination.
//
// The lock is a sentinel record keyed by a hash of the combination and
// written with attribute_not_exists; the conditional write is the mutex.
// There is no waiting: acquisition succeeds or fails immediately.
//
// Locks are never released implicitly. Deleting an installation leaves its
// lock in place; Release must be called explicitly by the owner.
package regionlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jacentio/fieldops/fault"
	"github.com/jacentio/fieldops/keys"
	"github.com/jacentio/fieldops/store"
)

// Combo is a full region combination.
type Combo struct {
	State      string
	District   string
	Mandal     string
	Village    string
	Habitation string
}

// Attrs returns the combination as key attributes.
func (c Combo) Attrs() keys.Attrs {
	return keys.Attrs{
		keys.AttrState:      c.State,
		keys.AttrDistrict:   c.District,
		keys.AttrMandal:     c.Mandal,
		keys.AttrVillage:    c.Village,
		keys.AttrHabitation: c.Habitation,
	}
}

func (c Combo) String() string {
	return strings.Join([]string{c.State, c.District, c.Mandal, c.Village, c.Habitation}, "/")
}

// Key derives the lock record key.
func (c Combo) Key() (keys.Key, error) {
	k, err := keys.Derive(keys.RegionLock, c.Attrs())
	if err != nil {
		return keys.Key{}, fault.Invalid(keys.AttributeOf(err), err.Error())
	}
	return k, nil
}

// Locker acquires and releases region-combination locks.
type Locker struct {
	repo  store.Repository
	table string
	now   func() time.Time
}

// New creates a Locker writing lock records to table.
func New(repo store.Repository, table string) *Locker {
	return &Locker{repo: repo, table: table, now: time.Now}
}

// Table returns the lock table.
func (l *Locker) Table() string { return l.table }

// AcquireOp returns the transaction op that takes the lock for
// installationID, and the lock key. Use it to create an installation and
// its lock atomically; a condition failure on the op means the lock is held.
func (l *Locker) AcquireOp(combo Combo, installationID, actor string) (store.Op, keys.Key, error) {
	key, err := combo.Key()
	if err != nil {
		return store.Op{}, keys.Key{}, err
	}
	now := l.now().UTC().Format(time.RFC3339)
	item := store.Record{
		store.AttrPK:            store.S(key.PK),
		store.AttrSK:            store.S(key.SK),
		store.AttrEntityType:    store.S(string(keys.RegionLock)),
		keys.AttrInstallationID: store.S(installationID),
		keys.AttrState:          store.S(combo.State),
		keys.AttrDistrict:       store.S(combo.District),
		keys.AttrMandal:         store.S(combo.Mandal),
		keys.AttrVillage:        store.S(combo.Village),
		keys.AttrHabitation:     store.S(combo.Habitation),
		store.AttrCreatedAt:     store.S(now),
		store.AttrCreatedBy:     store.S(actor),
	}
	return store.PutOp(l.table, item, store.ItemNotExists()), key, nil
}

// Acquire takes the lock on its own. If it is already held, the returned
// *fault.ConflictError carries the owner's installation id in Existing.
func (l *Locker) Acquire(ctx context.Context, combo Combo, installationID, actor string) error {
	op, key, err := l.AcquireOp(combo, installationID, actor)
	if err != nil {
		return err
	}
	err = l.repo.PutItem(ctx, op.Table, op.Item, op.Cond)
	if errors.Is(err, store.ErrConditionFailed) {
		return l.Held(ctx, combo, key)
	}
	return err
}

// Held builds the conflict error for a lock found to be taken.
func (l *Locker) Held(ctx context.Context, combo Combo, key keys.Key) error {
	owner, err := l.ownerAt(ctx, key)
	if err != nil && !errors.Is(err, fault.ErrNotFound) {
		return err
	}
	c := store.ConflictAt(key, fmt.Sprintf("region %s already has installation %s", combo, owner))
	c.Existing = owner
	return c
}

// Owner returns the installation holding the lock for combo.
func (l *Locker) Owner(ctx context.Context, combo Combo) (string, error) {
	key, err := combo.Key()
	if err != nil {
		return "", err
	}
	return l.ownerAt(ctx, key)
}

// Release removes the lock if and only if installationID holds it.
func (l *Locker) Release(ctx context.Context, combo Combo, installationID string) error {
	key, err := combo.Key()
	if err != nil {
		return err
	}
	err = l.repo.DeleteItem(ctx, l.table, key,
		store.ItemExists().And(store.AttrEquals(keys.AttrInstallationID, store.S(installationID))))
	if !errors.Is(err, store.ErrConditionFailed) {
		return err
	}

	owner, ownerErr := l.ownerAt(ctx, key)
	switch {
	case errors.Is(ownerErr, fault.ErrNotFound):
		return fault.NotFound(string(keys.RegionLock), combo.String())
	case ownerErr != nil:
		return ownerErr
	}
	c := store.ConflictAt(key, fmt.Sprintf("region %s is held by installation %s", combo, owner))
	c.Existing = owner
	return c
}

func (l *Locker) ownerAt(ctx context.Context, key keys.Key) (string, error) {
	rec, err := l.repo.GetItem(ctx, l.table, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", fault.NotFound(string(keys.RegionLock), key.PK)
	}
	if err != nil {
		return "", err
	}
	return rec.String(keys.AttrInstallationID), nil
}
