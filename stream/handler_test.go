package stream_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/fieldops/assetsync"
	"github.com/jacentio/fieldops/keys"
	"github.com/jacentio/fieldops/stream"
)

type recordingSyncer struct {
	calls []assetsync.Request
	err   error
}

func (r *recordingSyncer) Sync(_ context.Context, req assetsync.Request) (*assetsync.Result, error) {
	r.calls = append(r.calls, req)
	if r.err != nil {
		return nil, r.err
	}
	return &assetsync.Result{
		Status: assetsync.StatusPartial,
		Synced: req.Size() - 1,
		Errors: []assetsync.ResourceError{{Kind: "device", ID: "DEV-2", Message: "unknown"}},
	}, nil
}

func assocRecord(event, installationID, deviceID string) events.DynamoDBEventRecord {
	img := map[string]events.DynamoDBAttributeValue{
		"pk":             events.NewStringAttribute("INSTALL#" + installationID),
		"sk":             events.NewStringAttribute("DEVICE_ASSOC#" + deviceID),
		"entityType":     events.NewStringAttribute("DEVICE_ASSOC"),
		"installationId": events.NewStringAttribute(installationID),
		"deviceId":       events.NewStringAttribute(deviceID),
	}
	rec := events.DynamoDBEventRecord{EventID: event + deviceID, EventName: event}
	rec.Change.Keys = map[string]events.DynamoDBAttributeValue{"pk": img["pk"], "sk": img["sk"]}
	if event == "REMOVE" {
		rec.Change.OldImage = img
	} else {
		rec.Change.NewImage = img
	}
	return rec
}

func TestNewHandler(t *testing.T) {
	// Test with nil syncer and logger (should not panic)
	h := stream.NewHandler(nil, nil)
	if h == nil {
		t.Fatal("expected non-nil Handler")
	}
	if err := h.HandleSyncEvents(context.Background(), events.DynamoDBEvent{
		Records: []events.DynamoDBEventRecord{assocRecord("INSERT", "INST-1", "DEV-1")},
	}); err != nil {
		t.Errorf("expected nil error without syncer, got %v", err)
	}
}

func TestHandleSyncEvents_BatchesOneRequest(t *testing.T) {
	syncer := &recordingSyncer{}
	h := stream.NewHandler(syncer, nil)

	err := h.HandleSyncEvents(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		assocRecord("INSERT", "INST-1", "DEV-1"),
		assocRecord("INSERT", "INST-1", "DEV-2"),
		assocRecord("REMOVE", "INST-2", "DEV-3"),
		assocRecord("MODIFY", "INST-9", "DEV-9"),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(syncer.calls) != 1 {
		t.Fatalf("expected 1 sync call, got %d", len(syncer.calls))
	}
	want := assetsync.Request{
		InstallationIDs: []string{"INST-1", "INST-2"},
		DeviceIDs:       []string{"DEV-1", "DEV-2", "DEV-3"},
	}
	if !reflect.DeepEqual(syncer.calls[0], want) {
		t.Errorf("expected %+v, got %+v", want, syncer.calls[0])
	}
}

func TestHandleSyncEvents_EmptyEvent(t *testing.T) {
	syncer := &recordingSyncer{}
	h := stream.NewHandler(syncer, nil)

	if err := h.HandleSyncEvents(context.Background(), events.DynamoDBEvent{}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if len(syncer.calls) != 0 {
		t.Errorf("expected no sync call, got %d", len(syncer.calls))
	}
}

func TestHandleSyncEvents_AcknowledgesOnSyncFailure(t *testing.T) {
	syncer := &recordingSyncer{err: errors.New("connection refused")}
	h := stream.NewHandler(syncer, nil)

	err := h.HandleSyncEvents(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		assocRecord("INSERT", "INST-1", "DEV-1"),
	}})
	if err != nil {
		t.Errorf("expected batch to be acknowledged, got %v", err)
	}
	if len(syncer.calls) != 1 {
		t.Errorf("expected 1 sync attempt, got %d", len(syncer.calls))
	}
}

func TestKeyOf(t *testing.T) {
	got := stream.KeyOf(map[string]events.DynamoDBAttributeValue{
		"pk": events.NewStringAttribute("INSTALL#I1"),
		"sk": events.NewStringAttribute("DEVICE_ASSOC#D1"),
	})
	if got != (keys.Key{PK: "INSTALL#I1", SK: "DEVICE_ASSOC#D1"}) {
		t.Errorf("unexpected key %v", got)
	}
}

func TestKeyOf_Empty(t *testing.T) {
	if got := stream.KeyOf(nil); got != (keys.Key{}) {
		t.Errorf("expected zero key, got %v", got)
	}
}

func TestKeyOf_NumberKey(t *testing.T) {
	got := stream.KeyOf(map[string]events.DynamoDBAttributeValue{
		"pk": events.NewNumberAttribute("42"),
	})
	if got.PK != "" {
		t.Errorf("expected non-string key part to be ignored, got %q", got.PK)
	}
}
