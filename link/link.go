// Package link executes the link and unlink protocols between entities that
// live in different partitions.
//
// Each protocol is a single TransactWrite: the association records and the
// history entries on both sides commit together or not at all.
// Preconditions (existence, status, current links) are read before the
// transaction. Conditions inside the transaction re-check what they can,
// so a lost race surfaces as a conflict, but the pre-reads themselves are
// not linearizable: two callers linking different SIMs to one device at the
// same instant can both pass the "device has no SIM" check.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/fieldops/assetsync"
	"github.com/jacentio/fieldops/entity"
	"github.com/jacentio/fieldops/fault"
	"github.com/jacentio/fieldops/keys"
	"github.com/jacentio/fieldops/ledger"
	"github.com/jacentio/fieldops/store"
)

// MaxBatch caps the identifiers accepted by one batch call.
const MaxBatch = 50

// Association record attributes.
const (
	AttrLinkedBy  = "linkedBy"
	AttrIPAddress = "ipAddress"
	AttrReason    = "reason"
)

// StatusLinked is the status of every association record.
const StatusLinked = "linked"

// Result is the outcome of a single link or unlink.
type Result struct {
	// Status is 201 for a new link, 200 for an unlink or a link that
	// already existed.
	Status int

	// Association is the association record written, found or removed.
	Association store.Record

	// Sync is the asset-sync outcome. It is informational only; nil when no
	// Syncer is configured.
	Sync *assetsync.Result
}

// Options configures a Coordinator.
type Options struct {
	// Syncer is notified after successful installation links. Optional.
	Syncer assetsync.Syncer

	Logger *slog.Logger
	Now    func() time.Time
}

// Coordinator runs link transactions.
type Coordinator struct {
	repo   store.Repository
	cfg    store.Config
	ledger *ledger.Ledger
	syncer assetsync.Syncer
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Coordinator.
func New(repo store.Repository, cfg store.Config, l *ledger.Ledger, opts Options) *Coordinator {
	cfg.Validate()
	c := &Coordinator{
		repo:   repo,
		cfg:    cfg,
		ledger: l,
		syncer: opts.Syncer,
		logger: opts.Logger,
		now:    opts.Now,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// DeviceSim returns the SIM association of a device.
func (c *Coordinator) DeviceSim(ctx context.Context, deviceID string) (store.Record, error) {
	k, err := key(keys.Device, keys.Attrs{keys.AttrDeviceID: deviceID})
	if err != nil {
		return nil, err
	}
	rec, err := c.first(ctx, k.PK, keys.Prefix(keys.SimAssoc))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fault.NotFound(string(keys.SimAssoc), deviceID)
	}
	return rec, nil
}

// DeviceInstallation returns the installation association of a device.
func (c *Coordinator) DeviceInstallation(ctx context.Context, deviceID string) (store.Record, error) {
	k, err := key(keys.Device, keys.Attrs{keys.AttrDeviceID: deviceID})
	if err != nil {
		return nil, err
	}
	rec, err := c.first(ctx, k.PK, keys.Prefix(keys.InstallAssoc))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fault.NotFound(string(keys.InstallAssoc), deviceID)
	}
	return rec, nil
}

// InstallationDevices returns one page of an installation's device
// associations.
func (c *Coordinator) InstallationDevices(ctx context.Context, installationID string, limit int32, cursor string) (*store.Page, error) {
	return c.page(ctx, installationID, keys.Prefix(keys.DeviceAssoc), limit, cursor)
}

// InstallationContacts returns one page of an installation's contact
// associations.
func (c *Coordinator) InstallationContacts(ctx context.Context, installationID string, limit int32, cursor string) (*store.Page, error) {
	return c.page(ctx, installationID, keys.Prefix(keys.ContactAssoc), limit, cursor)
}

func (c *Coordinator) page(ctx context.Context, installationID, prefix string, limit int32, cursor string) (*store.Page, error) {
	k, err := key(keys.Install, keys.Attrs{keys.AttrInstallationID: installationID})
	if err != nil {
		return nil, err
	}
	n, err := c.cfg.PageSize(limit)
	if err != nil {
		return nil, err
	}
	return c.repo.Query(ctx, store.QueryInput{
		Table:    c.cfg.Table,
		PK:       k.PK,
		SKPrefix: prefix,
		Limit:    n,
		Cursor:   cursor,
	})
}

// first returns the first record under prefix, or nil.
func (c *Coordinator) first(ctx context.Context, pk, prefix string) (store.Record, error) {
	page, err := c.repo.Query(ctx, store.QueryInput{Table: c.cfg.Table, PK: pk, SKPrefix: prefix, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		return nil, nil
	}
	return page.Items[0], nil
}

// load returns a live entity record. Soft-deleted records count as absent.
func (c *Coordinator) load(ctx context.Context, t keys.EntityType, id string, key keys.Key) (store.Record, error) {
	rec, err := c.repo.GetItem(ctx, c.cfg.Table, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.NotFound(string(t), id)
	}
	if err != nil {
		return nil, err
	}
	if rec.String(store.AttrStatus) == entity.StatusDeleted {
		return nil, fault.NotFound(string(t), id)
	}
	return rec, nil
}

// key derives a key from caller-supplied identifiers.
func key(t keys.EntityType, attrs keys.Attrs) (keys.Key, error) {
	k, err := keys.Derive(t, attrs)
	if err != nil {
		return keys.Key{}, fault.Invalid(keys.AttributeOf(err), err.Error())
	}
	return k, nil
}

// association builds a join record.
func (c *Coordinator) association(t keys.EntityType, k keys.Key, ids keys.Attrs, actor ledger.Actor) store.Record {
	now := c.timestamp()
	rec := store.Record{
		store.AttrPK:         store.S(k.PK),
		store.AttrSK:         store.S(k.SK),
		store.AttrEntityType: store.S(string(t)),
		store.AttrStatus:     store.S(StatusLinked),
		store.AttrCreatedAt:  store.S(now),
		store.AttrCreatedBy:  store.S(actor.PerformedBy),
		entity.AttrLinkedAt:  store.S(now),
		AttrLinkedBy:         store.S(actor.PerformedBy),
	}
	for name, v := range ids {
		rec[name] = store.S(v)
	}
	if actor.IPAddress != "" {
		rec[AttrIPAddress] = store.S(actor.IPAddress)
	}
	if actor.Reason != "" {
		rec[AttrReason] = store.S(actor.Reason)
	}
	return rec
}

// touch returns the update shared by every entity-side write of a link:
// audit stamps, a version bump and one history entry.
func (c *Coordinator) touch(attr string, entry ledger.Entry, actor ledger.Actor) (store.Update, error) {
	return ledger.AppendTo(store.Update{
		Set: map[string]types.AttributeValue{
			store.AttrUpdatedAt: store.S(c.timestamp()),
			store.AttrUpdatedBy: store.S(actor.PerformedBy),
		},
		Add: map[string]int64{store.AttrVersion: 1},
	}, attr, entry)
}

// txn collects transaction operations with an explanation for each
// operation's condition failing.
type txn struct {
	ops    []store.Op
	onFail []func() error
}

func (t *txn) add(op store.Op, onFail func() error) {
	t.ops = append(t.ops, op)
	t.onFail = append(t.onFail, onFail)
}

// commit runs t. A failed condition is reported by the matching onFail;
// other cancellations stay retryable.
func (c *Coordinator) commit(ctx context.Context, t *txn) error {
	err := c.repo.TransactWrite(ctx, t.ops)
	if err == nil {
		return nil
	}
	var tx *store.TxCanceledError
	if !errors.As(err, &tx) {
		return err
	}
	if i := tx.FailedAt(); i >= 0 && i < len(t.onFail) && t.onFail[i] != nil {
		return t.onFail[i]()
	}
	return fmt.Errorf("link transaction: %w", err)
}

// sync notifies the asset graph. Failures are reported in the result and
// never undo the committed link.
func (c *Coordinator) sync(ctx context.Context, req assetsync.Request) *assetsync.Result {
	if c.syncer == nil || req.Empty() {
		return nil
	}
	res, err := c.syncer.Sync(ctx, req)
	if err != nil {
		c.logger.Warn("asset sync failed",
			"installations", req.InstallationIDs,
			"devices", req.DeviceIDs,
			"error", err,
		)
		return assetsync.Failed(err)
	}
	return res
}

func (c *Coordinator) timestamp() string {
	return c.now().UTC().Format(time.RFC3339)
}
