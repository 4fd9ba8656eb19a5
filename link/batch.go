package link

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jacentio/fieldops/assetsync"
	"github.com/jacentio/fieldops/fault"
	"github.com/jacentio/fieldops/ledger"
	"github.com/jacentio/fieldops/store"
)

// ItemResult is the outcome for one identifier of a batch.
type ItemResult struct {
	ID     string
	Status int

	// Association is set on success.
	Association store.Record

	// Err is set on failure; Status is then its HTTP-equivalent code.
	Err error
}

// BatchResult reports every identifier of a batch independently. The batch
// is not atomic: each identifier commits or fails in its own transaction.
type BatchResult struct {
	Items     []ItemResult
	Succeeded int
	Failed    int
	Sync      *assetsync.Result
}

// LinkDevices links up to MaxBatch devices to an installation.
func (c *Coordinator) LinkDevices(ctx context.Context, installationID string, deviceIDs []string, actor ledger.Actor) (*BatchResult, error) {
	return c.batch(ctx, devices, installationID, deviceIDs, actor, true)
}

// UnlinkDevices unlinks up to MaxBatch devices from an installation.
func (c *Coordinator) UnlinkDevices(ctx context.Context, installationID string, deviceIDs []string, actor ledger.Actor) (*BatchResult, error) {
	return c.batch(ctx, devices, installationID, deviceIDs, actor, false)
}

// LinkContacts links up to MaxBatch contacts to an installation. An
// installation without a customer fails the whole call.
func (c *Coordinator) LinkContacts(ctx context.Context, installationID string, contactIDs []string, actor ledger.Actor) (*BatchResult, error) {
	return c.batch(ctx, contacts, installationID, contactIDs, actor, true)
}

// UnlinkContacts unlinks up to MaxBatch contacts from an installation.
func (c *Coordinator) UnlinkContacts(ctx context.Context, installationID string, contactIDs []string, actor ledger.Actor) (*BatchResult, error) {
	return c.batch(ctx, contacts, installationID, contactIDs, actor, false)
}

func (c *Coordinator) batch(ctx context.Context, m member, installationID string, ids []string, actor ledger.Actor, linking bool) (*BatchResult, error) {
	ids, err := batchIDs(m.idAttr+"s", ids)
	if err != nil {
		return nil, err
	}

	var install store.Record
	if linking {
		if install, err = c.installation(ctx, installationID); err != nil {
			return nil, err
		}
		if m.sameCustomer {
			if _, err := customerOf(install); err != nil {
				return nil, err
			}
		}
	}

	out := &BatchResult{Items: make([]ItemResult, 0, len(ids))}
	var changed []string
	for _, id := range ids {
		var res *Result
		if linking {
			res, err = c.link(ctx, m, install, id, actor)
		} else {
			res, err = c.unlink(ctx, m, installationID, id, actor)
		}
		if err != nil {
			c.logger.Warn("batch item failed",
				"installationId", installationID,
				m.idAttr, id,
				"error", err,
			)
			out.Items = append(out.Items, ItemResult{ID: id, Status: fault.StatusCode(err), Err: err})
			out.Failed++
			continue
		}
		out.Items = append(out.Items, ItemResult{ID: id, Status: res.Status, Association: res.Association})
		out.Succeeded++
		if res.Status == http.StatusCreated || !linking {
			changed = append(changed, id)
		}
	}

	if len(changed) > 0 {
		out.Sync = c.sync(ctx, m.syncRequest(installationID, changed...))
	}
	return out, nil
}

// batchIDs validates the size of a batch and drops duplicates, keeping
// first-seen order.
func batchIDs(field string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, fault.Invalid(field, "at least one identifier is required")
	}
	if len(ids) > MaxBatch {
		return nil, fault.Invalid(field, fmt.Sprintf("at most %d identifiers per call, got %d", MaxBatch, len(ids)))
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}
