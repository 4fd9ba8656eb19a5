// Package entity is the create/read/update/delete surface for entity
// records.
//
// Every write validates against the type's closed schema, encrypts the
// sensitive fields and appends history. Reads return sensitive fields
// encrypted unless the caller asks for them to be revealed. Association
// records and link-owned fields are left to the link package.
package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/fieldops/cipher"
	"github.com/jacentio/fieldops/fault"
	"github.com/jacentio/fieldops/keys"
	"github.com/jacentio/fieldops/ledger"
	"github.com/jacentio/fieldops/regionlock"
	"github.com/jacentio/fieldops/store"
)

// StatusDeleted marks a soft-deleted record.
const StatusDeleted = "deleted"

// preserved attributes survive Replace untouched.
var preserved = []string{
	store.AttrCreatedAt,
	store.AttrCreatedBy,
	ledger.HistoryAttr,
	ledger.SimHistoryAttr,
	AttrLinkedDeviceID,
	AttrLinkedAt,
}

// Result is a stored record and the HTTP-equivalent status of the write.
type Result struct {
	Record store.Record
	Status int
}

// Options configures a Service.
type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

// Service implements entity lifecycle operations.
type Service struct {
	repo   store.Repository
	cfg    store.Config
	cipher *cipher.Cipher
	ledger *ledger.Ledger
	locker *regionlock.Locker
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New creates a Service.
func New(repo store.Repository, cfg store.Config, c *cipher.Cipher, l *ledger.Ledger, locker *regionlock.Locker, opts Options) *Service {
	cfg.Validate()
	s := &Service{
		repo:   repo,
		cfg:    cfg,
		cipher: c,
		ledger: l,
		locker: locker,
		logger: opts.Logger,
		now:    opts.Now,
		newID:  opts.NewID,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Create stores a new entity. A record already at the derived key is a
// conflict and is never overwritten. Installations are created atomically
// with their region lock.
func (s *Service) Create(ctx context.Context, t keys.EntityType, payload map[string]any, actor ledger.Actor) (*Result, error) {
	schema, err := SchemaFor(t)
	if err != nil {
		return nil, err
	}

	payload = clonePayload(payload)
	for _, f := range schema.Fields {
		if f.Generated && payload[f.Name] == nil {
			payload[f.Name] = s.newID()
		}
	}

	values, _, err := schema.validate(payload, false)
	if err != nil {
		return nil, err
	}

	now := s.timestamp()
	key, err := deriveKey(t, values, now)
	if err != nil {
		return nil, err
	}

	rec := store.Record(values)
	rec[store.AttrPK] = store.S(key.PK)
	rec[store.AttrSK] = store.S(key.SK)
	rec[store.AttrEntityType] = store.S(string(t))
	rec[store.AttrVersion] = store.N(1)
	rec[store.AttrCreatedAt] = store.S(now)
	rec[store.AttrUpdatedAt] = store.S(now)
	rec[store.AttrCreatedBy] = store.S(actor.PerformedBy)
	rec[store.AttrUpdatedBy] = store.S(actor.PerformedBy)
	if !rec.Has(store.AttrStatus) {
		rec[store.AttrStatus] = store.S("active")
	}

	hist, err := ledger.Encode(s.ledger.Entry(ledger.Created, actor, ""))
	if err != nil {
		return nil, err
	}
	rec[ledger.HistoryAttr] = &types.AttributeValueMemberL{Value: hist}

	enc, err := s.cipher.EncryptFields(ctx, t, rec)
	if err != nil {
		return nil, err
	}
	rec = enc

	if t == keys.Install {
		err = s.createInstallation(ctx, rec, actor)
	} else {
		err = store.CreateIfAbsent(ctx, s.repo, s.cfg.TableFor(t), rec)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("entity created", "entityType", t, "pk", key.PK, "sk", key.SK)
	return &Result{Record: rec, Status: http.StatusCreated}, nil
}

func (s *Service) createInstallation(ctx context.Context, rec store.Record, actor ledger.Actor) error {
	combo := comboOf(rec)
	installationID := rec.String(keys.AttrInstallationID)

	lockOp, lockKey, err := s.locker.AcquireOp(combo, installationID, actor.PerformedBy)
	if err != nil {
		return err
	}
	ops := []store.Op{
		store.PutOp(s.cfg.Table, rec, store.ItemNotExists()),
		lockOp,
	}

	err = s.repo.TransactWrite(ctx, ops)
	var tx *store.TxCanceledError
	if !errors.As(err, &tx) {
		return err
	}
	switch tx.FailedAt() {
	case 0:
		return store.ConflictAt(rec.Key(), fmt.Sprintf("installation %s already exists", installationID))
	case 1:
		return s.locker.Held(ctx, combo, lockKey)
	}
	return err
}

// Get returns the record of t identified by attrs. Sensitive fields stay
// encrypted unless reveal is set.
func (s *Service) Get(ctx context.Context, t keys.EntityType, attrs keys.Attrs, reveal bool) (store.Record, error) {
	if _, err := SchemaFor(t); err != nil {
		return nil, err
	}
	key, err := derive(t, attrs)
	if err != nil {
		return nil, err
	}
	rec, err := s.load(ctx, t, key)
	if err != nil {
		return nil, err
	}
	return s.reveal(ctx, t, rec, reveal)
}

// Update applies a partial payload to an existing record. Nil values remove
// optional fields. Identity fields cannot change. A history entry is
// appended when tracked fields change.
func (s *Service) Update(ctx context.Context, t keys.EntityType, attrs keys.Attrs, changes map[string]any, actor ledger.Actor) (*Result, error) {
	schema, err := SchemaFor(t)
	if err != nil {
		return nil, err
	}
	key, err := derive(t, attrs)
	if err != nil {
		return nil, err
	}

	values, remove, err := schema.validate(changes, true)
	if err != nil {
		return nil, err
	}

	existing, err := s.load(ctx, t, key)
	if err != nil {
		return nil, err
	}
	if existing.String(store.AttrStatus) == StatusDeleted {
		return nil, fault.NotFound(string(t), key.String())
	}
	for name, v := range values {
		if f, _ := schema.Field(name); f.Key && !equalS(existing[name], v) {
			return nil, fault.Invalid(name, "identity fields cannot change")
		}
	}
	merged := existing.Clone()
	maps.Copy(merged, values)
	for _, name := range remove {
		delete(merged, name)
	}
	if err := s.checkLinkedFields(ctx, t, key, existing, merged); err != nil {
		return nil, err
	}

	history, err := s.diffEntry(ctx, t, schema, existing, values, remove, ledger.Updated, actor)
	if err != nil {
		return nil, err
	}

	set, err := s.cipher.EncryptFields(ctx, t, values)
	if err != nil {
		return nil, err
	}
	if set == nil {
		set = map[string]types.AttributeValue{}
	} else {
		set = maps.Clone(set)
	}
	set[store.AttrUpdatedAt] = store.S(s.timestamp())
	set[store.AttrUpdatedBy] = store.S(actor.PerformedBy)

	u := store.Update{Set: set, Remove: remove, Add: map[string]int64{store.AttrVersion: 1}}
	if history != nil {
		if u, err = ledger.AppendTo(u, ledger.HistoryAttr, *history); err != nil {
			return nil, err
		}
	}

	updated, err := s.repo.UpdateItem(ctx, s.cfg.TableFor(t), key, u, versionGuard(existing))
	if err != nil {
		return nil, s.writeError(t, key, err)
	}
	return &Result{Record: updated, Status: http.StatusOK}, nil
}

// Replace overwrites every schema field of the record identified by attrs.
// Identity fields may be omitted from payload; when present they must
// match. Creation metadata, history and link-owned fields are carried over.
func (s *Service) Replace(ctx context.Context, t keys.EntityType, attrs keys.Attrs, payload map[string]any, actor ledger.Actor) (*Result, error) {
	schema, err := SchemaFor(t)
	if err != nil {
		return nil, err
	}
	key, err := derive(t, attrs)
	if err != nil {
		return nil, err
	}

	payload = clonePayload(payload)
	for _, f := range schema.Fields {
		if !f.Key {
			continue
		}
		v, ok := payload[f.Name]
		if !ok {
			if attrs[f.Name] != "" {
				payload[f.Name] = attrs[f.Name]
			}
			continue
		}
		if v != attrs[f.Name] {
			return nil, fault.Invalid(f.Name, "identity fields cannot change")
		}
	}
	values, _, err := schema.validate(payload, false)
	if err != nil {
		return nil, err
	}

	existing, err := s.load(ctx, t, key)
	if err != nil {
		return nil, err
	}
	if existing.String(store.AttrStatus) == StatusDeleted {
		return nil, fault.NotFound(string(t), key.String())
	}
	if err := s.checkLinkedFields(ctx, t, key, existing, values); err != nil {
		return nil, err
	}

	if _, ok := schema.Field(store.AttrStatus); ok && values[store.AttrStatus] == nil {
		values[store.AttrStatus] = store.S("active")
	}
	var remove []string
	for _, f := range schema.Fields {
		if _, ok := values[f.Name]; !ok && existing.Has(f.Name) {
			remove = append(remove, f.Name)
		}
	}
	history, err := s.diffEntry(ctx, t, schema, existing, values, remove, ledger.Replaced, actor)
	if err != nil {
		return nil, err
	}

	rec := store.Record(values)
	for _, name := range preserved {
		if v, ok := existing[name]; ok {
			rec[name] = v
		}
	}
	rec[store.AttrPK] = store.S(key.PK)
	rec[store.AttrSK] = store.S(key.SK)
	rec[store.AttrEntityType] = store.S(string(t))
	rec[store.AttrVersion] = store.N(existing.Int(store.AttrVersion) + 1)
	rec[store.AttrUpdatedAt] = store.S(s.timestamp())
	rec[store.AttrUpdatedBy] = store.S(actor.PerformedBy)
	if !rec.Has(store.AttrStatus) {
		rec[store.AttrStatus] = store.S("active")
	}
	if history != nil {
		entries, err := ledger.Encode(*history)
		if err != nil {
			return nil, err
		}
		prev, _ := rec[ledger.HistoryAttr].(*types.AttributeValueMemberL)
		var list []types.AttributeValue
		if prev != nil {
			list = append(list, prev.Value...)
		}
		rec[ledger.HistoryAttr] = &types.AttributeValueMemberL{Value: append(list, entries...)}
	}

	enc, err := s.cipher.EncryptFields(ctx, t, rec)
	if err != nil {
		return nil, err
	}

	if err := s.repo.PutItem(ctx, s.cfg.TableFor(t), enc, versionGuard(existing)); err != nil {
		return nil, s.writeError(t, key, err)
	}
	return &Result{Record: enc, Status: http.StatusOK}, nil
}

// Delete removes a record. A soft delete flips status to deleted and keeps
// the record; a hard delete removes it. Neither touches associations or,
// for installations, the region lock.
func (s *Service) Delete(ctx context.Context, t keys.EntityType, attrs keys.Attrs, soft bool, actor ledger.Actor) error {
	if _, err := SchemaFor(t); err != nil {
		return err
	}
	key, err := derive(t, attrs)
	if err != nil {
		return err
	}
	table := s.cfg.TableFor(t)

	if !soft {
		err := s.repo.DeleteItem(ctx, table, key, store.ItemExists())
		if errors.Is(err, store.ErrConditionFailed) {
			return fault.NotFound(string(t), key.String())
		}
		if err == nil && t == keys.Install {
			s.logger.Info("installation deleted, region lock retained", "pk", key.PK)
		}
		return err
	}

	entry := s.ledger.Entry(ledger.Deleted, actor, "", ledger.Change{Field: store.AttrStatus, New: StatusDeleted})
	u, err := ledger.AppendTo(store.Update{
		Set: map[string]types.AttributeValue{
			store.AttrStatus:    store.S(StatusDeleted),
			store.AttrUpdatedAt: store.S(s.timestamp()),
			store.AttrUpdatedBy: store.S(actor.PerformedBy),
		},
		Add: map[string]int64{store.AttrVersion: 1},
	}, ledger.HistoryAttr, entry)
	if err != nil {
		return err
	}

	cond := store.ItemExists().And(store.AttrNotEquals(store.AttrStatus, store.S(StatusDeleted)))
	_, err = s.repo.UpdateItem(ctx, table, key, u, cond)
	if errors.Is(err, store.ErrConditionFailed) {
		return fault.NotFound(string(t), key.String())
	}
	return err
}

// ListInput selects child records of one parent.
type ListInput struct {
	Type keys.EntityType

	// Parent holds the parent identity: deviceId for CONFIG, REPAIR and
	// RUNTIME; customerId for ADDRESS; surveyId for SURVEY_IMAGE; regionType
	// and optionally parentId for REGION.
	Parent keys.Attrs

	Limit  int32
	Cursor string
	Reveal bool
}

// List returns one page of child records.
func (s *Service) List(ctx context.Context, in ListInput) (*store.Page, error) {
	pk, prefix, err := listRange(in.Type, in.Parent)
	if err != nil {
		return nil, err
	}
	limit, err := s.cfg.PageSize(in.Limit)
	if err != nil {
		return nil, err
	}

	page, err := s.repo.Query(ctx, store.QueryInput{
		Table:    s.cfg.TableFor(in.Type),
		PK:       pk,
		SKPrefix: prefix,
		Limit:    limit,
		Cursor:   in.Cursor,
	})
	if err != nil {
		return nil, err
	}
	for i, rec := range page.Items {
		if page.Items[i], err = s.reveal(ctx, in.Type, rec, in.Reveal); err != nil {
			return nil, err
		}
	}
	return page, nil
}

func (s *Service) load(ctx context.Context, t keys.EntityType, key keys.Key) (store.Record, error) {
	rec, err := s.repo.GetItem(ctx, s.cfg.TableFor(t), key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.NotFound(string(t), key.String())
	}
	return rec, err
}

func (s *Service) reveal(ctx context.Context, t keys.EntityType, rec store.Record, reveal bool) (store.Record, error) {
	out, err := s.cipher.DecryptFields(ctx, t, rec, reveal)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// diffEntry returns the history entry for a write, or nil when no tracked
// field changes. Sensitive values are compared in plaintext and stored
// masked.
func (s *Service) diffEntry(ctx context.Context, t keys.EntityType, schema Schema, existing store.Record, values map[string]types.AttributeValue, remove []string, action ledger.Action, actor ledger.Actor) (*ledger.Entry, error) {
	tracked := schema.Tracked()
	needsPlain := false
	for _, name := range tracked {
		if s.cipher.IsSensitive(t, name) {
			needsPlain = true
			break
		}
	}
	before := map[string]types.AttributeValue(existing)
	if needsPlain {
		var err error
		if before, err = s.cipher.DecryptFields(ctx, t, existing, true); err != nil {
			return nil, err
		}
	}

	after := maps.Clone(before)
	maps.Copy(after, values)
	for _, name := range remove {
		delete(after, name)
	}

	changes := ledger.Diff(tracked, before, after)
	if len(changes) == 0 && action == ledger.Updated {
		return nil, nil
	}
	changes = ledger.Mask(changes, func(f string) bool { return s.cipher.IsSensitive(t, f) })
	entry := s.ledger.Entry(action, actor, "", changes...)
	return &entry, nil
}

func (s *Service) writeError(t keys.EntityType, key keys.Key, err error) error {
	if errors.Is(err, store.ErrConditionFailed) {
		return fmt.Errorf("%s %s modified concurrently: %w", t, key, fault.ErrTransactionAborted)
	}
	return err
}

func (s *Service) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

var regionFields = []string{keys.AttrState, keys.AttrDistrict, keys.AttrMandal, keys.AttrVillage, keys.AttrHabitation}

// checkLinkedFields rejects changes to fields other records depend on: an
// installation's region is held by its lock, and a customerId is checked
// against every contact link. The association lookup is a plain read, so a
// link committed concurrently with the update is not seen.
func (s *Service) checkLinkedFields(ctx context.Context, t keys.EntityType, key keys.Key, existing store.Record, next map[string]types.AttributeValue) error {
	if t == keys.Install {
		for _, name := range regionFields {
			if existing.String(name) != store.Record(next).String(name) {
				return fault.Invalid(name, "region of an installation cannot change")
			}
		}
	}

	var prefix string
	switch t {
	case keys.Install:
		prefix = keys.Prefix(keys.ContactAssoc)
	case keys.Contact:
		prefix = keys.Prefix(keys.ContactInstall)
	default:
		return nil
	}
	if existing.String(keys.AttrCustomerID) == store.Record(next).String(keys.AttrCustomerID) {
		return nil
	}
	page, err := s.repo.Query(ctx, store.QueryInput{Table: s.cfg.TableFor(t), PK: key.PK, SKPrefix: prefix, Limit: 1})
	if err != nil {
		return err
	}
	if len(page.Items) == 0 {
		return nil
	}
	link := page.Items[0].Key()
	return store.ConflictAt(link, fmt.Sprintf("%s %s has linked contacts; unlink them before changing %s",
		t, key.PK, keys.AttrCustomerID))
}

// versionGuard makes a write conditional on the version read.
func versionGuard(existing store.Record) store.Condition {
	cond := store.ItemExists()
	if v, ok := existing[store.AttrVersion]; ok {
		cond = cond.And(store.AttrEquals(store.AttrVersion, v))
	}
	return cond
}

func deriveKey(t keys.EntityType, values map[string]types.AttributeValue, createdAt string) (keys.Key, error) {
	attrs := attrsOf(values)
	attrs[keys.AttrCreatedAt] = createdAt
	return derive(t, attrs)
}

func derive(t keys.EntityType, attrs keys.Attrs) (keys.Key, error) {
	key, err := keys.Derive(t, attrs)
	if err != nil {
		return keys.Key{}, fault.Invalid(keys.AttributeOf(err), err.Error())
	}
	return key, nil
}

func attrsOf(values map[string]types.AttributeValue) keys.Attrs {
	attrs := keys.Attrs{}
	for name, v := range values {
		if sv, ok := v.(*types.AttributeValueMemberS); ok {
			attrs[name] = sv.Value
		}
	}
	return attrs
}

func listRange(t keys.EntityType, parent keys.Attrs) (pk, prefix string, err error) {
	need := func(name string) (string, error) {
		v := parent[name]
		if v == "" {
			return "", fault.Invalid(name, "required")
		}
		return v, nil
	}
	switch t {
	case keys.Config, keys.Repair, keys.Runtime:
		id, err := need(keys.AttrDeviceID)
		return keys.DevicePK(id), keys.Prefix(t), err
	case keys.Address:
		id, err := need(keys.AttrCustomerID)
		return keys.CustomerPK(id), keys.Prefix(t), err
	case keys.SurveyImage:
		id, err := need(keys.AttrSurveyID)
		return keys.SurveyPK(id), keys.Prefix(t), err
	case keys.Region:
		rt, err := need(keys.AttrRegionType)
		if err != nil {
			return "", "", err
		}
		if p := parent[keys.AttrParentID]; p != "" {
			return keys.RegionPK(rt), keys.RegionChildPrefix(p), nil
		}
		return keys.RegionPK(rt), keys.Prefix(t), nil
	}
	return "", "", fault.Invalid(store.AttrEntityType, fmt.Sprintf("%s has no child listing", t))
}

func comboOf(values map[string]types.AttributeValue) regionlock.Combo {
	str := func(name string) string {
		if v, ok := values[name].(*types.AttributeValueMemberS); ok {
			return v.Value
		}
		return ""
	}
	return regionlock.Combo{
		State:      str(keys.AttrState),
		District:   str(keys.AttrDistrict),
		Mandal:     str(keys.AttrMandal),
		Village:    str(keys.AttrVillage),
		Habitation: str(keys.AttrHabitation),
	}
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	maps.Copy(out, p)
	return out
}

func equalS(a, b types.AttributeValue) bool {
	as, ok1 := a.(*types.AttributeValueMemberS)
	bs, ok2 := b.(*types.AttributeValueMemberS)
	return ok1 && ok2 && as.Value == bs.Value
}
