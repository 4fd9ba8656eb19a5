package link

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jacentio/fieldops/assetsync"
	"github.com/jacentio/fieldops/fault"
	"github.com/jacentio/fieldops/keys"
	"github.com/jacentio/fieldops/ledger"
	"github.com/jacentio/fieldops/store"
)

// member describes one kind of entity linked to installations.
type member struct {
	typ     keys.EntityType
	idAttr  string
	forward keys.EntityType // join record on the installation partition
	reverse keys.EntityType // join record on the member partition

	linked, unlinked ledger.Action

	// exclusive members belong to at most one installation.
	exclusive bool

	// sameCustomer members must share the installation's customer.
	sameCustomer bool
}

var (
	devices = member{
		typ:       keys.Device,
		idAttr:    keys.AttrDeviceID,
		forward:   keys.DeviceAssoc,
		reverse:   keys.InstallAssoc,
		linked:    ledger.DeviceLinked,
		unlinked:  ledger.DeviceUnlinked,
		exclusive: true,
	}
	contacts = member{
		typ:          keys.Contact,
		idAttr:       keys.AttrContactID,
		forward:      keys.ContactAssoc,
		reverse:      keys.ContactInstall,
		linked:       ledger.ContactLinked,
		unlinked:     ledger.ContactUnlinked,
		sameCustomer: true,
	}
)

func (m member) syncRequest(installationID string, ids ...string) assetsync.Request {
	req := assetsync.Request{InstallationIDs: []string{installationID}}
	if m.typ == keys.Device {
		req.DeviceIDs = ids
	}
	return req
}

// pairKeys holds every key touched by one installation-member link.
type pairKeys struct {
	forward, reverse, install, member keys.Key
}

func (m member) keysFor(installationID, id string) (pairKeys, keys.Attrs, error) {
	ids := keys.Attrs{keys.AttrInstallationID: installationID, m.idAttr: id}
	fwd, err := key(m.forward, ids)
	if err != nil {
		return pairKeys{}, nil, err
	}
	return pairKeys{
		forward: fwd,
		reverse: keys.MustDerive(m.reverse, ids),
		install: keys.MustDerive(keys.Install, ids),
		member:  keys.MustDerive(m.typ, ids),
	}, ids, nil
}

// LinkDevice links a device to an installation. Linking a device to the
// installation it is already linked to succeeds without writing; a device
// linked elsewhere is a conflict.
func (c *Coordinator) LinkDevice(ctx context.Context, installationID, deviceID string, actor ledger.Actor) (*Result, error) {
	install, err := c.installation(ctx, installationID)
	if err != nil {
		return nil, err
	}
	res, err := c.link(ctx, devices, install, deviceID, actor)
	if err != nil {
		return nil, err
	}
	if res.Status == http.StatusCreated {
		res.Sync = c.sync(ctx, devices.syncRequest(installationID, deviceID))
	}
	return res, nil
}

// UnlinkDevice removes a device's link to an installation.
func (c *Coordinator) UnlinkDevice(ctx context.Context, installationID, deviceID string, actor ledger.Actor) (*Result, error) {
	res, err := c.unlink(ctx, devices, installationID, deviceID, actor)
	if err != nil {
		return nil, err
	}
	res.Sync = c.sync(ctx, devices.syncRequest(installationID, deviceID))
	return res, nil
}

// LinkContact links a contact to an installation. The installation must
// name a customer and the contact must belong to it.
func (c *Coordinator) LinkContact(ctx context.Context, installationID, contactID string, actor ledger.Actor) (*Result, error) {
	install, err := c.installation(ctx, installationID)
	if err != nil {
		return nil, err
	}
	if _, err := customerOf(install); err != nil {
		return nil, err
	}
	res, err := c.link(ctx, contacts, install, contactID, actor)
	if err != nil {
		return nil, err
	}
	if res.Status == http.StatusCreated {
		res.Sync = c.sync(ctx, contacts.syncRequest(installationID))
	}
	return res, nil
}

// UnlinkContact removes a contact's link to an installation.
func (c *Coordinator) UnlinkContact(ctx context.Context, installationID, contactID string, actor ledger.Actor) (*Result, error) {
	res, err := c.unlink(ctx, contacts, installationID, contactID, actor)
	if err != nil {
		return nil, err
	}
	res.Sync = c.sync(ctx, contacts.syncRequest(installationID))
	return res, nil
}

func (c *Coordinator) installation(ctx context.Context, installationID string) (store.Record, error) {
	k, err := key(keys.Install, keys.Attrs{keys.AttrInstallationID: installationID})
	if err != nil {
		return nil, err
	}
	return c.load(ctx, keys.Install, installationID, k)
}

func customerOf(install store.Record) (string, error) {
	id := install.String(keys.AttrCustomerID)
	if id == "" {
		return "", fault.Invalid(keys.AttrCustomerID,
			fmt.Sprintf("installation %s has no customer", install.String(keys.AttrInstallationID)))
	}
	return id, nil
}

// link writes the join records of install and one member along with history
// on both sides.
func (c *Coordinator) link(ctx context.Context, m member, install store.Record, id string, actor ledger.Actor) (*Result, error) {
	installationID := install.String(keys.AttrInstallationID)
	k, ids, err := m.keysFor(installationID, id)
	if err != nil {
		return nil, err
	}

	rec, err := c.load(ctx, m.typ, id, k.member)
	if err != nil {
		return nil, err
	}
	var customerID string
	if m.sameCustomer {
		if customerID, err = customerOf(install); err != nil {
			return nil, err
		}
		if err := sameCustomer(m, rec, id, customerID); err != nil {
			return nil, err
		}
	}

	existing, err := c.repo.GetItem(ctx, c.cfg.Table, k.forward)
	switch {
	case err == nil:
		return &Result{Status: http.StatusOK, Association: existing}, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	if m.exclusive {
		current, err := c.first(ctx, k.member.PK, keys.Prefix(m.reverse))
		if err != nil {
			return nil, err
		}
		if current != nil {
			return nil, linkedElsewhere(m, id, current)
		}
	}

	forward := c.association(m.forward, k.forward, ids, actor)
	reverse := c.association(m.reverse, k.reverse, ids, actor)
	installUpdate, err := c.touch(ledger.HistoryAttr, c.ledger.Entry(m.linked, actor, id), actor)
	if err != nil {
		return nil, err
	}
	memberUpdate, err := c.touch(ledger.HistoryAttr, c.ledger.Entry(ledger.InstallationLinked, actor, installationID), actor)
	if err != nil {
		return nil, err
	}
	memberCond := store.ItemExists()
	if m.sameCustomer {
		memberCond = memberCond.And(store.AttrEquals(keys.AttrCustomerID, store.S(customerID)))
	}

	alreadyLinked := func() error {
		return store.ConflictAt(k.forward, fmt.Sprintf("%s %s is already linked to installation %s", m.typ, id, installationID))
	}
	var t txn
	t.add(store.PutOp(c.cfg.Table, forward, store.ItemNotExists()), alreadyLinked)
	t.add(store.PutOp(c.cfg.Table, reverse, store.ItemNotExists()), alreadyLinked)
	t.add(store.UpdateOp(c.cfg.Table, k.install, installUpdate, store.ItemExists()), func() error {
		return fault.NotFound(string(keys.Install), installationID)
	})
	t.add(store.UpdateOp(c.cfg.Table, k.member, memberUpdate, memberCond), func() error {
		return c.memberChanged(ctx, m, id, k.member, customerID)
	})
	if err := c.commit(ctx, &t); err != nil {
		return nil, err
	}

	c.logger.Info("linked to installation",
		"installationId", installationID,
		"entityType", m.typ,
		m.idAttr, id,
		"performedBy", actor.PerformedBy,
	)
	return &Result{Status: http.StatusCreated, Association: forward}, nil
}

// unlink deletes both join records. History is appended to whichever of
// the two entities still exist, so links to hard-deleted records can still
// be removed.
func (c *Coordinator) unlink(ctx context.Context, m member, installationID, id string, actor ledger.Actor) (*Result, error) {
	k, _, err := m.keysFor(installationID, id)
	if err != nil {
		return nil, err
	}
	forward, err := c.repo.GetItem(ctx, c.cfg.Table, k.forward)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.NotFound(string(m.forward), k.forward.String())
	}
	if err != nil {
		return nil, err
	}

	notLinked := func() error { return fault.NotFound(string(m.forward), k.forward.String()) }
	var t txn
	t.add(store.DeleteOp(c.cfg.Table, k.forward, store.ItemExists()), notLinked)
	t.add(store.DeleteOp(c.cfg.Table, k.reverse, store.Condition{}), nil)

	sides := []struct {
		key    keys.Key
		action ledger.Action
		ref    string
	}{
		{k.install, m.unlinked, id},
		{k.member, ledger.InstallationUnlinked, installationID},
	}
	for _, side := range sides {
		exists, err := c.exists(ctx, side.key)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		u, err := c.touch(ledger.HistoryAttr, c.ledger.Entry(side.action, actor, side.ref), actor)
		if err != nil {
			return nil, err
		}
		t.add(store.UpdateOp(c.cfg.Table, side.key, u, store.ItemExists()), func() error {
			return fmt.Errorf("%s deleted during unlink: %w", side.key, fault.ErrTransactionAborted)
		})
	}
	if err := c.commit(ctx, &t); err != nil {
		return nil, err
	}

	c.logger.Info("unlinked from installation",
		"installationId", installationID,
		"entityType", m.typ,
		m.idAttr, id,
		"performedBy", actor.PerformedBy,
	)
	return &Result{Status: http.StatusOK, Association: forward}, nil
}

func (c *Coordinator) exists(ctx context.Context, k keys.Key) (bool, error) {
	_, err := c.repo.GetItem(ctx, c.cfg.Table, k)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// memberChanged explains a failed member condition by re-reading it.
func (c *Coordinator) memberChanged(ctx context.Context, m member, id string, k keys.Key, customerID string) error {
	rec, err := c.load(ctx, m.typ, id, k)
	if err != nil {
		return err
	}
	if m.sameCustomer {
		if err := sameCustomer(m, rec, id, customerID); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s %s changed during link: %w", m.typ, id, fault.ErrTransactionAborted)
}

func sameCustomer(m member, rec store.Record, id, customerID string) error {
	if rec.String(keys.AttrCustomerID) != customerID {
		return fault.Invalid(m.idAttr, fmt.Sprintf("%s %s does not belong to customer %s", m.typ, id, customerID))
	}
	return nil
}

func linkedElsewhere(m member, id string, current store.Record) error {
	owner := current.String(keys.AttrInstallationID)
	return &fault.ConflictError{
		Reason:   fmt.Sprintf("%s %s is already linked to installation %s", m.typ, id, owner),
		Existing: owner,
		PK:       current.Key().PK,
		SK:       current.Key().SK,
	}
}
