// Package stream turns committed link, installation and region changes
// from a DynamoDB stream into asset-sync requests.
package stream

import (
	"context"
	"log/slog"
	"slices"
	"strconv"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/fieldops/assetsync"
	"github.com/jacentio/fieldops/keys"
	"github.com/jacentio/fieldops/store"
)

// Stream event names.
const (
	eventInsert = "INSERT"
	eventModify = "MODIFY"
	eventRemove = "REMOVE"
)

// Handler forwards stream records to the asset-sync collaborator.
type Handler struct {
	syncer assetsync.Syncer
	logger *slog.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(syncer assetsync.Syncer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		syncer: syncer,
		logger: logger,
	}
}

// HandleSyncEvents collects the resources touched by a batch of stream
// records and syncs them in one call. It is designed to be used as an AWS
// Lambda handler.
//
// The batch is always acknowledged: the writes are already committed, and
// a sync failure is logged rather than retried through the stream.
func (h *Handler) HandleSyncEvents(ctx context.Context, event events.DynamoDBEvent) error {
	var req assetsync.Request
	for _, record := range event.Records {
		r, ok := requestFor(record)
		if !ok {
			continue
		}
		h.logger.Debug("stream record queued for sync",
			"eventID", record.EventID,
			"eventName", record.EventName,
			"key", KeyOf(record.Change.Keys),
		)
		req = merge(req, r)
	}
	if req.Empty() || h.syncer == nil {
		return nil
	}

	res, err := h.syncer.Sync(ctx, req)
	if err != nil {
		h.logger.Error("asset sync failed",
			"records", len(event.Records),
			"resources", req.Size(),
			"error", err,
		)
		return nil
	}
	for _, e := range res.Errors {
		h.logger.Warn("asset sync resource failed",
			"kind", e.Kind,
			"id", e.ID,
			"message", e.Message,
		)
	}
	h.logger.Info("asset sync from stream completed",
		"status", res.Status,
		"synced", res.Synced,
		"resources", req.Size(),
	)
	return nil
}

// requestFor maps one stream record to the resources it affects.
func requestFor(record events.DynamoDBEventRecord) (assetsync.Request, bool) {
	image := record.Change.NewImage
	if record.EventName == eventRemove {
		image = record.Change.OldImage
	}

	switch keys.EntityType(getStringAttr(image, store.AttrEntityType)) {
	case keys.DeviceAssoc:
		if record.EventName == eventModify {
			return assetsync.Request{}, false
		}
		return assetsync.Request{
			InstallationIDs: ids(getStringAttr(image, keys.AttrInstallationID)),
			DeviceIDs:       ids(getStringAttr(image, keys.AttrDeviceID)),
		}, true

	case keys.ContactAssoc:
		if record.EventName == eventModify {
			return assetsync.Request{}, false
		}
		return assetsync.Request{InstallationIDs: ids(getStringAttr(image, keys.AttrInstallationID))}, true

	case keys.Install:
		if record.EventName == eventModify && !versionChanged(record) {
			return assetsync.Request{}, false
		}
		return assetsync.Request{InstallationIDs: ids(getStringAttr(image, keys.AttrInstallationID))}, true

	case keys.Region:
		if record.EventName == eventModify && !versionChanged(record) {
			return assetsync.Request{}, false
		}
		return assetsync.Request{RegionIDs: ids(getStringAttr(image, keys.AttrRegionID))}, true
	}
	return assetsync.Request{}, false
}

func versionChanged(record events.DynamoDBEventRecord) bool {
	return getNumberAttr(record.Change.OldImage, store.AttrVersion) != getNumberAttr(record.Change.NewImage, store.AttrVersion)
}

func ids(id string) []string {
	if id == "" {
		return nil
	}
	return []string{id}
}

// merge adds r to req, dropping duplicates.
func merge(req, r assetsync.Request) assetsync.Request {
	req.RegionIDs = appendNew(req.RegionIDs, r.RegionIDs...)
	req.InstallationIDs = appendNew(req.InstallationIDs, r.InstallationIDs...)
	req.DeviceIDs = appendNew(req.DeviceIDs, r.DeviceIDs...)
	return req
}

func appendNew(dst []string, src ...string) []string {
	for _, s := range src {
		if !slices.Contains(dst, s) {
			dst = append(dst, s)
		}
	}
	return dst
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}

// KeyOf converts the key of a stream record to a composite key.
func KeyOf(streamKey map[string]events.DynamoDBAttributeValue) keys.Key {
	return keys.Key{
		PK: getStringAttr(streamKey, store.AttrPK),
		SK: getStringAttr(streamKey, store.AttrSK),
	}
}
