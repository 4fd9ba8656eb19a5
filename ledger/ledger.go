// Package ledger keeps the append-only change history stored inline on
// entity records.
//
// Entries are only ever appended with list_append; nothing in this package
// rewrites or truncates a history list. Because the list lives on the
// entity itself, a long-lived entity's record grows without bound and will
// eventually approach the 400 KB item limit. That limit is accepted:
// truncating would break immutability.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/fieldops/fault"
	"github.com/jacentio/fieldops/keys"
	"github.com/jacentio/fieldops/store"
)

// History attribute names.
const (
	// HistoryAttr holds an entity's own history.
	HistoryAttr = "history"

	// SimHistoryAttr holds a device's SIM link history.
	SimHistoryAttr = "simHistory"
)

// Action names what happened to an entity.
type Action string

// Actions.
const (
	Created              Action = "CREATED"
	Updated              Action = "UPDATED"
	Replaced             Action = "REPLACED"
	Deleted              Action = "DELETED"
	SimLinked            Action = "SIM_LINKED"
	SimUnlinked          Action = "SIM_UNLINKED"
	DeviceLinked         Action = "DEVICE_LINKED"
	DeviceUnlinked       Action = "DEVICE_UNLINKED"
	InstallationLinked   Action = "INSTALLATION_LINKED"
	InstallationUnlinked Action = "INSTALLATION_UNLINKED"
	ContactLinked        Action = "CONTACT_LINKED"
	ContactUnlinked      Action = "CONTACT_UNLINKED"
)

// Actor identifies who performed an operation and why.
type Actor struct {
	PerformedBy string
	IPAddress   string
	Reason      string
}

// Change is one tracked field's transition.
type Change struct {
	Field string `dynamodbav:"field"`
	Old   string `dynamodbav:"old,omitempty"`
	New   string `dynamodbav:"new,omitempty"`
}

// Entry is one immutable history record.
type Entry struct {
	ID          string   `dynamodbav:"id"`
	At          string   `dynamodbav:"at"`
	Action      Action   `dynamodbav:"action"`
	PerformedBy string   `dynamodbav:"performedBy"`
	IPAddress   string   `dynamodbav:"ipAddress,omitempty"`
	Reason      string   `dynamodbav:"reason,omitempty"`
	Related     string   `dynamodbav:"related,omitempty"`
	Changes     []Change `dynamodbav:"changes,omitempty"`
}

// Options configures a Ledger.
type Options struct {
	Now   func() time.Time
	NewID func() string
}

// Ledger appends history entries to entity records in one table.
type Ledger struct {
	repo  store.Repository
	table string
	now   func() time.Time
	newID func() string
}

// New creates a Ledger writing to table.
func New(repo store.Repository, table string, opts Options) *Ledger {
	l := &Ledger{repo: repo, table: table, now: opts.Now, newID: opts.NewID}
	if l.now == nil {
		l.now = time.Now
	}
	if l.newID == nil {
		l.newID = uuid.NewString
	}
	return l
}

// Entry stamps a new entry with an id and the current time.
func (l *Ledger) Entry(action Action, actor Actor, related string, changes ...Change) Entry {
	return Entry{
		ID:          l.newID(),
		At:          l.now().UTC().Format(time.RFC3339Nano),
		Action:      action,
		PerformedBy: actor.PerformedBy,
		IPAddress:   actor.IPAddress,
		Reason:      actor.Reason,
		Related:     related,
		Changes:     changes,
	}
}

// Append adds entries to the attr list of the record at key. The record
// must exist.
func (l *Ledger) Append(ctx context.Context, key keys.Key, attr string, entries ...Entry) error {
	u, err := AppendTo(store.Update{}, attr, entries...)
	if err != nil {
		return err
	}
	_, err = l.repo.UpdateItem(ctx, l.table, key, u, store.ItemExists())
	if errors.Is(err, store.ErrConditionFailed) {
		return fault.NotFound("record", key.String())
	}
	return err
}

// History returns the attr list of the record at key, oldest first.
func (l *Ledger) History(ctx context.Context, key keys.Key, attr string) ([]Entry, error) {
	rec, err := l.repo.GetItem(ctx, l.table, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.NotFound("record", key.String())
		}
		return nil, err
	}
	return Decode(rec, attr)
}

// AppendTo returns u extended to append entries to attr, for use inside a
// transaction op.
func AppendTo(u store.Update, attr string, entries ...Entry) (store.Update, error) {
	if len(entries) == 0 {
		return u, nil
	}
	avs, err := Encode(entries...)
	if err != nil {
		return u, err
	}
	appends := make(map[string][]types.AttributeValue, len(u.Append)+1)
	for k, v := range u.Append {
		appends[k] = v
	}
	appends[attr] = append(appends[attr], avs...)
	u.Append = appends
	return u, nil
}

// Encode marshals entries to list elements.
func Encode(entries ...Entry) ([]types.AttributeValue, error) {
	out := make([]types.AttributeValue, 0, len(entries))
	for _, e := range entries {
		m, err := attributevalue.MarshalMap(e)
		if err != nil {
			return nil, fault.Internal("encode history entry", err)
		}
		out = append(out, &types.AttributeValueMemberM{Value: m})
	}
	return out, nil
}

// Decode reads the attr list of rec. A missing list is an empty history.
func Decode(rec store.Record, attr string) ([]Entry, error) {
	av, ok := rec[attr]
	if !ok {
		return nil, nil
	}
	var entries []Entry
	if err := attributevalue.Unmarshal(av, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", attr, err)
	}
	return entries, nil
}

// Encrypted replaces the values of sensitive fields in a Change.
const Encrypted = "[encrypted]"

// Diff returns the changes between before and after over the tracked
// fields, in tracked order. Both maps should hold plaintext; use Mask to
// hide sensitive values before the changes are stored.
func Diff(tracked []string, before, after map[string]types.AttributeValue) []Change {
	var changes []Change
	for _, field := range tracked {
		oldAV, hadOld := before[field]
		newAV, hasNew := after[field]
		if !hadOld && !hasNew {
			continue
		}
		oldS, newS := render(oldAV), render(newAV)
		if hadOld == hasNew && oldS == newS {
			continue
		}
		changes = append(changes, Change{Field: field, Old: oldS, New: newS})
	}
	return changes
}

// Mask replaces the values of changes to sensitive fields with Encrypted.
func Mask(changes []Change, sensitive func(field string) bool) []Change {
	out := make([]Change, len(changes))
	for i, c := range changes {
		if sensitive(c.Field) {
			if c.Old != "" {
				c.Old = Encrypted
			}
			if c.New != "" {
				c.New = Encrypted
			}
		}
		out[i] = c
	}
	return out
}

func render(av types.AttributeValue) string {
	switch v := av.(type) {
	case nil:
		return ""
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	case *types.AttributeValueMemberBOOL:
		return fmt.Sprint(v.Value)
	case *types.AttributeValueMemberM:
		if _, ok := v.Value["ciphertext"]; ok {
			return Encrypted
		}
	}
	return fmt.Sprintf("%T", av)
}
