package store

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/fieldops/keys"
)

// --- Condition Tests ---

func TestConditionMatches(t *testing.T) {
	item := Record{
		"pk":             S("SIM#S1"),
		"sk":             S("META"),
		"status":         S("active"),
		"linkedDeviceId": S("D1"),
		"count":          N(3),
	}

	tests := []struct {
		name string
		cond Condition
		item Record
		want bool
	}{
		{"zero always holds", Condition{}, nil, true},
		{"exists on present", ItemExists(), item, true},
		{"exists on absent", ItemExists(), nil, false},
		{"not exists on absent", ItemNotExists(), nil, true},
		{"not exists on present", ItemNotExists(), item, false},
		{"attr not exists", AttrNotExists("missing"), item, true},
		{"attr equals string", AttrEquals("status", S("active")), item, true},
		{"attr equals mismatch", AttrEquals("status", S("inactive")), item, false},
		{"attr equals number", AttrEquals("count", &types.AttributeValueMemberN{Value: "3.0"}), item, true},
		{"attr equals wrong type", AttrEquals("count", S("3")), item, false},
		{"attr equals absent", AttrEquals("nope", S("x")), item, false},
		{"attr not equals differs", AttrNotEquals("status", S("deleted")), item, true},
		{"attr not equals same", AttrNotEquals("status", S("active")), item, false},
		{"attr not equals absent", AttrNotEquals("nope", S("x")), item, true},
		{"and all hold", ItemExists().And(AttrEquals("linkedDeviceId", S("D1"))), item, true},
		{"and one fails", ItemExists().And(AttrNotExists("linkedDeviceId")), item, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cond.Matches(tt.item); got != tt.want {
				t.Errorf("Matches = %v, want %v (cond %s)", got, tt.want, tt.cond)
			}
		})
	}
}

func TestConditionBuild(t *testing.T) {
	b := newExprBuilder()
	cond := ItemExists().And(AttrEquals("linkedDeviceId", S("D1")))
	got := cond.build(b)

	want := "attribute_exists(#n0) AND #n1 = :v0"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if b.names["#n0"] != "pk" || b.names["#n1"] != "linkedDeviceId" {
		t.Errorf("unexpected names %v", b.names)
	}
}

func TestConditionAndDoesNotAlias(t *testing.T) {
	base := ItemExists()
	a := base.And(AttrNotExists("x"))
	b := base.And(AttrNotExists("y"))
	if len(base.clauses) != 1 || len(a.clauses) != 2 || len(b.clauses) != 2 {
		t.Fatalf("unexpected clause counts %d/%d/%d", len(base.clauses), len(a.clauses), len(b.clauses))
	}
	if a.clauses[1].attr != "x" || b.clauses[1].attr != "y" {
		t.Error("And must not share backing arrays")
	}
}

// --- Update Tests ---

func TestUpdateApply(t *testing.T) {
	item := Record{
		"pk":             S("SIM#S1"),
		"sk":             S("META"),
		"linkedDeviceId": S("D1"),
		"history":        &types.AttributeValueMemberL{Value: []types.AttributeValue{S("one")}},
		"version":        N(4),
	}

	u := Update{
		Set:    map[string]types.AttributeValue{"status": S("inactive")},
		Remove: []string{"linkedDeviceId"},
		Append: map[string][]types.AttributeValue{"history": {S("two")}, "simHistory": {S("first")}},
		Add:    map[string]int64{"version": 1, "counter": 2},
	}
	out := u.Apply(item)

	if out.String("status") != "inactive" {
		t.Errorf("expected status set, got %q", out.String("status"))
	}
	if out.Has("linkedDeviceId") {
		t.Error("expected linkedDeviceId removed")
	}
	hist := out["history"].(*types.AttributeValueMemberL).Value
	if len(hist) != 2 || hist[1].(*types.AttributeValueMemberS).Value != "two" {
		t.Errorf("unexpected history %v", hist)
	}
	if l := out["simHistory"].(*types.AttributeValueMemberL).Value; len(l) != 1 {
		t.Errorf("expected simHistory created with 1 entry, got %d", len(l))
	}
	if out.Int("version") != 5 || out.Int("counter") != 2 {
		t.Errorf("unexpected counters version=%d counter=%d", out.Int("version"), out.Int("counter"))
	}

	// Original untouched.
	if !item.Has("linkedDeviceId") || len(item["history"].(*types.AttributeValueMemberL).Value) != 1 {
		t.Error("Apply must not modify its input")
	}
}

func TestUpdateApply_NilItem(t *testing.T) {
	out := Update{Set: map[string]types.AttributeValue{"a": S("b")}}.Apply(nil)
	if out.String("a") != "b" {
		t.Errorf("expected upsert on nil item, got %v", out)
	}
}

func TestUpdateBuild_Deterministic(t *testing.T) {
	u := Update{
		Set: map[string]types.AttributeValue{"b": S("2"), "a": S("1"), "c": S("3")},
	}
	first := u.build(newExprBuilder())
	for i := 0; i < 20; i++ {
		if got := u.build(newExprBuilder()); got != first {
			t.Fatalf("expected deterministic expression, got %q and %q", first, got)
		}
	}
	if first != "SET #n0 = :v0, #n1 = :v1, #n2 = :v2" {
		t.Errorf("unexpected expression %q", first)
	}
}

func TestUpdateValidate(t *testing.T) {
	if err := (Update{Remove: []string{"sk"}}).validate(); err == nil {
		t.Error("expected error removing sort key")
	}
	if err := (Update{Set: map[string]types.AttributeValue{"status": S("x")}}).validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestUpdateIsZero(t *testing.T) {
	if !(Update{}).IsZero() {
		t.Error("expected zero update")
	}
	if (Update{Remove: []string{"x"}}).IsZero() {
		t.Error("expected non-zero update")
	}
}

// --- Record / Item Tests ---

func TestItemOf_Full(t *testing.T) {
	raw := Record{
		"pk":         S("DEVICE#D1"),
		"sk":         S("META"),
		"entityType": S("DEVICE"),
		"version":    N(5),
		"createdAt":  S("2024-01-01T00:00:00Z"),
		"updatedAt":  S("2024-01-02T00:00:00Z"),
		"createdBy":  S("alice"),
		"updatedBy":  S("bob"),
		"status":     S("active"),
	}

	item := ItemOf(raw)

	if item.Key != (keys.Key{PK: "DEVICE#D1", SK: "META"}) {
		t.Errorf("unexpected key %v", item.Key)
	}
	if item.EntityType != keys.Device {
		t.Errorf("expected DEVICE, got %q", item.EntityType)
	}
	if item.Version != 5 {
		t.Errorf("expected Version 5, got %d", item.Version)
	}
	if item.CreatedAt != "2024-01-01T00:00:00Z" || item.UpdatedAt != "2024-01-02T00:00:00Z" {
		t.Errorf("unexpected timestamps %q/%q", item.CreatedAt, item.UpdatedAt)
	}
	if item.CreatedBy != "alice" || item.UpdatedBy != "bob" || item.Status != "active" {
		t.Errorf("unexpected metadata %+v", item)
	}
	if item.Raw == nil {
		t.Error("expected Raw to be set")
	}
}

func TestItemOf_Minimal(t *testing.T) {
	item := ItemOf(Record{"pk": S("X")})

	if item.Version != 0 {
		t.Errorf("expected Version 0 for missing version, got %d", item.Version)
	}
	if item.CreatedAt != "" || item.EntityType != "" {
		t.Errorf("expected empty metadata, got %+v", item)
	}
}

func TestItemOf_InvalidVersionType(t *testing.T) {
	item := ItemOf(Record{"version": S("not-a-number")})
	if item.Version != 0 {
		t.Errorf("expected Version 0 for wrong type, got %d", item.Version)
	}
}

func TestItemOf_UnparseableVersion(t *testing.T) {
	item := ItemOf(Record{"version": &types.AttributeValueMemberN{Value: "invalid"}})
	if item.Version != 0 {
		t.Errorf("expected Version 0 for unparseable, got %d", item.Version)
	}
}

func TestRecordClone(t *testing.T) {
	orig := Record{
		"a":    S("1"),
		"list": &types.AttributeValueMemberL{Value: []types.AttributeValue{S("x")}},
	}
	cp := orig.Clone()
	cp["a"] = S("2")
	cp["list"].(*types.AttributeValueMemberL).Value[0] = S("y")

	if orig.String("a") != "1" {
		t.Error("clone must not share map")
	}
	if orig["list"].(*types.AttributeValueMemberL).Value[0].(*types.AttributeValueMemberS).Value != "x" {
		t.Error("clone must not share list backing array")
	}
	if Record(nil).Clone() != nil {
		t.Error("expected nil clone of nil")
	}
}

// --- Cursor Tests ---

func TestCursorRoundTrip(t *testing.T) {
	key := KeyAttrs(keys.Key{PK: "INSTALL#I1", SK: "DEVICE_ASSOC#D9"})
	cursor, err := EncodeCursor(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	back, err := DecodeCursor(cursor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if Record(back).Key() != (keys.Key{PK: "INSTALL#I1", SK: "DEVICE_ASSOC#D9"}) {
		t.Errorf("unexpected decoded key %v", back)
	}
}

func TestCursorEmpty(t *testing.T) {
	c, err := EncodeCursor(nil)
	if err != nil || c != "" {
		t.Errorf("expected empty cursor, got %q, %v", c, err)
	}
	k, err := DecodeCursor("")
	if err != nil || k != nil {
		t.Errorf("expected nil key, got %v, %v", k, err)
	}
}

func TestCursorRejectsNonStringKey(t *testing.T) {
	_, err := EncodeCursor(map[string]types.AttributeValue{"pk": N(1)})
	if err == nil {
		t.Error("expected error for numeric key attribute")
	}
}

func TestDecodeCursorRejectsMissingKeyParts(t *testing.T) {
	// base64url of {"pk":"X"}
	if _, err := DecodeCursor("eyJwayI6IlgifQ"); err == nil {
		t.Error("expected error for cursor without sort key")
	}
}
