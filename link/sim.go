package link

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jacentio/fieldops/assetsync"
	"github.com/jacentio/fieldops/entity"
	"github.com/jacentio/fieldops/fault"
	"github.com/jacentio/fieldops/keys"
	"github.com/jacentio/fieldops/ledger"
	"github.com/jacentio/fieldops/store"
)

const simActive = "active"

// LinkSim links a SIM to a device. The device must not already carry a
// SIM, and the SIM must be active and unlinked.
//
// One transaction creates the SIM_ASSOC record on the device partition,
// sets linkedDeviceId on the SIM with a SIM_LINKED history entry, and
// appends a SIM_LINKED entry to the device's SIM history.
func (c *Coordinator) LinkSim(ctx context.Context, deviceID, simID string, actor ledger.Actor) (*Result, error) {
	ids := keys.Attrs{keys.AttrDeviceID: deviceID, keys.AttrSimID: simID}
	assocKey, err := key(keys.SimAssoc, ids)
	if err != nil {
		return nil, err
	}
	deviceKey := keys.MustDerive(keys.Device, ids)
	simKey := keys.MustDerive(keys.Sim, ids)

	if _, err := c.load(ctx, keys.Device, deviceID, deviceKey); err != nil {
		return nil, err
	}
	current, err := c.first(ctx, deviceKey.PK, keys.Prefix(keys.SimAssoc))
	if err != nil {
		return nil, err
	}
	if current != nil {
		other := current.String(keys.AttrSimID)
		return nil, &fault.ConflictError{
			Reason:   fmt.Sprintf("device %s already has SIM %s linked", deviceID, other),
			Existing: other,
			PK:       deviceKey.PK,
			SK:       current.Key().SK,
		}
	}
	sim, err := c.load(ctx, keys.Sim, simID, simKey)
	if err != nil {
		return nil, err
	}
	if err := simLinkable(sim); err != nil {
		return nil, err
	}

	assoc := c.association(keys.SimAssoc, assocKey, ids, actor)
	simUpdate, err := c.touch(ledger.HistoryAttr, c.ledger.Entry(ledger.SimLinked, actor, deviceID), actor)
	if err != nil {
		return nil, err
	}
	simUpdate.Set[entity.AttrLinkedDeviceID] = store.S(deviceID)
	simUpdate.Set[entity.AttrLinkedAt] = assoc[entity.AttrLinkedAt]
	deviceUpdate, err := c.touch(ledger.SimHistoryAttr, c.ledger.Entry(ledger.SimLinked, actor, simID), actor)
	if err != nil {
		return nil, err
	}

	var t txn
	t.add(store.PutOp(c.cfg.Table, assoc, store.ItemNotExists()), func() error {
		return store.ConflictAt(assocKey, fmt.Sprintf("SIM %s is already linked to device %s", simID, deviceID))
	})
	t.add(store.UpdateOp(c.cfg.Table, simKey, simUpdate, store.ItemExists().
		And(store.AttrNotExists(entity.AttrLinkedDeviceID)).
		And(store.AttrEquals(store.AttrStatus, store.S(simActive)))),
		func() error { return c.simChanged(ctx, simID, simKey) })
	t.add(store.UpdateOp(c.cfg.Table, deviceKey, deviceUpdate, store.ItemExists()), func() error {
		return fault.NotFound(string(keys.Device), deviceID)
	})
	if err := c.commit(ctx, &t); err != nil {
		return nil, err
	}

	c.logger.Info("sim linked", "deviceId", deviceID, "simId", simID, "performedBy", actor.PerformedBy)
	return &Result{
		Status:      http.StatusCreated,
		Association: assoc,
		Sync:        c.sync(ctx, assetsync.Request{DeviceIDs: []string{deviceID}}),
	}, nil
}

// UnlinkSim reverses LinkSim: it deletes the SIM_ASSOC record, clears
// linkedDeviceId on the SIM and appends SIM_UNLINKED history on both sides.
func (c *Coordinator) UnlinkSim(ctx context.Context, deviceID, simID string, actor ledger.Actor) (*Result, error) {
	ids := keys.Attrs{keys.AttrDeviceID: deviceID, keys.AttrSimID: simID}
	assocKey, err := key(keys.SimAssoc, ids)
	if err != nil {
		return nil, err
	}
	deviceKey := keys.MustDerive(keys.Device, ids)
	simKey := keys.MustDerive(keys.Sim, ids)

	assoc, err := c.repo.GetItem(ctx, c.cfg.Table, assocKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.NotFound(string(keys.SimAssoc), assocKey.String())
	}
	if err != nil {
		return nil, err
	}

	simUpdate, err := c.touch(ledger.HistoryAttr, c.ledger.Entry(ledger.SimUnlinked, actor, deviceID), actor)
	if err != nil {
		return nil, err
	}
	simUpdate.Remove = []string{entity.AttrLinkedDeviceID, entity.AttrLinkedAt}
	deviceUpdate, err := c.touch(ledger.SimHistoryAttr, c.ledger.Entry(ledger.SimUnlinked, actor, simID), actor)
	if err != nil {
		return nil, err
	}

	var t txn
	t.add(store.DeleteOp(c.cfg.Table, assocKey, store.ItemExists()), func() error {
		return fault.NotFound(string(keys.SimAssoc), assocKey.String())
	})
	t.add(store.UpdateOp(c.cfg.Table, simKey, simUpdate, store.ItemExists().
		And(store.AttrEquals(entity.AttrLinkedDeviceID, store.S(deviceID)))),
		func() error {
			return &fault.ConflictError{
				Reason: fmt.Sprintf("SIM %s is not linked to device %s", simID, deviceID),
				PK:     simKey.PK,
				SK:     simKey.SK,
			}
		})
	t.add(store.UpdateOp(c.cfg.Table, deviceKey, deviceUpdate, store.ItemExists()), func() error {
		return fault.NotFound(string(keys.Device), deviceID)
	})
	if err := c.commit(ctx, &t); err != nil {
		return nil, err
	}

	c.logger.Info("sim unlinked", "deviceId", deviceID, "simId", simID, "performedBy", actor.PerformedBy)
	return &Result{
		Status:      http.StatusOK,
		Association: assoc,
		Sync:        c.sync(ctx, assetsync.Request{DeviceIDs: []string{deviceID}}),
	}, nil
}

func simLinkable(sim store.Record) error {
	id := sim.String(keys.AttrSimID)
	if owner := sim.String(entity.AttrLinkedDeviceID); owner != "" {
		return &fault.ConflictError{
			Reason:   "already linked to device " + owner,
			Existing: owner,
			PK:       sim.Key().PK,
			SK:       sim.Key().SK,
		}
	}
	if status := sim.String(store.AttrStatus); status != simActive {
		return fault.Invalid(store.AttrStatus, fmt.Sprintf("SIM %s is %s, not active", id, status))
	}
	return nil
}

// simChanged explains a failed SIM condition by re-reading the SIM.
func (c *Coordinator) simChanged(ctx context.Context, simID string, simKey keys.Key) error {
	sim, err := c.load(ctx, keys.Sim, simID, simKey)
	if err != nil {
		return err
	}
	if err := simLinkable(sim); err != nil {
		return err
	}
	return fmt.Errorf("SIM %s changed during link: %w", simID, fault.ErrTransactionAborted)
}
