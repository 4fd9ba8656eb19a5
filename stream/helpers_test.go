package stream

import (
	"reflect"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/fieldops/assetsync"
)

// --- attribute helper Tests ---

func TestImageAttrs(t *testing.T) {
	img := map[string]events.DynamoDBAttributeValue{
		"entityType":     events.NewStringAttribute("DEVICE_ASSOC"),
		"installationId": events.NewStringAttribute("INST-1"),
		"deviceId":       events.NewStringAttribute(""),
		"version":        events.NewNumberAttribute("3"),
		"pk":             events.NewStringAttribute("INSTALL#INST-1"),
	}

	strs := []struct {
		image map[string]events.DynamoDBAttributeValue
		key   string
		want  string
	}{
		{img, "entityType", "DEVICE_ASSOC"},
		{img, "installationId", "INST-1"},
		{img, "pk", "INSTALL#INST-1"},
		{img, "deviceId", ""},
		{img, "regionId", ""},
		{img, "version", ""},
		{nil, "entityType", ""},
	}
	for _, tt := range strs {
		if got := getStringAttr(tt.image, tt.key); got != tt.want {
			t.Errorf("getStringAttr(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}

	nums := []struct {
		image map[string]events.DynamoDBAttributeValue
		key   string
		want  int64
	}{
		{img, "version", 3},
		{img, "entityType", 0},
		{img, "sk", 0},
		{nil, "version", 0},
	}
	for _, tt := range nums {
		if got := getNumberAttr(tt.image, tt.key); got != tt.want {
			t.Errorf("getNumberAttr(%q) = %d, want %d", tt.key, got, tt.want)
		}
	}
}

// --- requestFor Tests ---

func streamRecord(event string, oldImage, newImage map[string]events.DynamoDBAttributeValue) events.DynamoDBEventRecord {
	return events.DynamoDBEventRecord{
		EventName: event,
		Change:    events.DynamoDBStreamRecord{OldImage: oldImage, NewImage: newImage},
	}
}

func image(attrs ...string) map[string]events.DynamoDBAttributeValue {
	out := map[string]events.DynamoDBAttributeValue{}
	for i := 0; i+1 < len(attrs); i += 2 {
		out[attrs[i]] = events.NewStringAttribute(attrs[i+1])
	}
	return out
}

func withVersion(img map[string]events.DynamoDBAttributeValue, v string) map[string]events.DynamoDBAttributeValue {
	img["version"] = events.NewNumberAttribute(v)
	return img
}

func TestRequestFor(t *testing.T) {
	assoc := image("entityType", "DEVICE_ASSOC", "installationId", "INST-1", "deviceId", "DEV-1")
	contact := image("entityType", "CONTACT_ASSOC", "installationId", "INST-1", "contactId", "CON-1")
	install := image("entityType", "INSTALL", "installationId", "INST-1")
	region := image("entityType", "REGION", "regionId", "R-1")

	tests := []struct {
		name   string
		record events.DynamoDBEventRecord
		want   assetsync.Request
		ok     bool
	}{
		{"device link", streamRecord("INSERT", nil, assoc),
			assetsync.Request{InstallationIDs: []string{"INST-1"}, DeviceIDs: []string{"DEV-1"}}, true},
		{"device unlink reads old image", streamRecord("REMOVE", assoc, nil),
			assetsync.Request{InstallationIDs: []string{"INST-1"}, DeviceIDs: []string{"DEV-1"}}, true},
		{"device assoc modify ignored", streamRecord("MODIFY", assoc, assoc), assetsync.Request{}, false},
		{"contact link", streamRecord("INSERT", nil, contact),
			assetsync.Request{InstallationIDs: []string{"INST-1"}}, true},
		{"installation created", streamRecord("INSERT", nil, install),
			assetsync.Request{InstallationIDs: []string{"INST-1"}}, true},
		{"installation updated", streamRecord("MODIFY", withVersion(image("entityType", "INSTALL", "installationId", "INST-1"), "1"), withVersion(image("entityType", "INSTALL", "installationId", "INST-1"), "2")),
			assetsync.Request{InstallationIDs: []string{"INST-1"}}, true},
		{"installation touched without version change", streamRecord("MODIFY", withVersion(image("entityType", "INSTALL", "installationId", "INST-1"), "2"), withVersion(image("entityType", "INSTALL", "installationId", "INST-1"), "2")),
			assetsync.Request{}, false},
		{"region removed", streamRecord("REMOVE", region, nil),
			assetsync.Request{RegionIDs: []string{"R-1"}}, true},
		{"sim assoc not synced", streamRecord("INSERT", nil, image("entityType", "SIM_ASSOC", "deviceId", "DEV-1")), assetsync.Request{}, false},
		{"device not synced", streamRecord("INSERT", nil, image("entityType", "DEVICE", "deviceId", "DEV-1")), assetsync.Request{}, false},
		{"no entity type", streamRecord("INSERT", nil, image("pk", "X")), assetsync.Request{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := requestFor(tt.record)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestMerge_DropsDuplicates(t *testing.T) {
	req := merge(assetsync.Request{}, assetsync.Request{InstallationIDs: []string{"I1"}, DeviceIDs: []string{"D1"}})
	req = merge(req, assetsync.Request{InstallationIDs: []string{"I1", "I2"}, DeviceIDs: []string{"D1"}})

	if !reflect.DeepEqual(req.InstallationIDs, []string{"I1", "I2"}) {
		t.Errorf("unexpected installations %v", req.InstallationIDs)
	}
	if !reflect.DeepEqual(req.DeviceIDs, []string{"D1"}) {
		t.Errorf("unexpected devices %v", req.DeviceIDs)
	}
}

// --- Benchmark Tests ---

func BenchmarkGetStringAttr(b *testing.B) {
	image := map[string]events.DynamoDBAttributeValue{
		"installationId": events.NewStringAttribute("INST-12345678-1234-1234-1234-123456789012"),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		getStringAttr(image, "installationId")
	}
}

func BenchmarkGetNumberAttr(b *testing.B) {
	image := map[string]events.DynamoDBAttributeValue{
		"version": events.NewNumberAttribute("1704067200"),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		getNumberAttr(image, "version")
	}
}
