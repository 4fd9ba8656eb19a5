package store

import (
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/fieldops/keys"
)

// Managed attribute names present on every record.
const (
	AttrPK         = "pk"
	AttrSK         = "sk"
	AttrEntityType = "entityType"
	AttrVersion    = "version"
	AttrCreatedAt  = "createdAt"
	AttrUpdatedAt  = "updatedAt"
	AttrCreatedBy  = "createdBy"
	AttrUpdatedBy  = "updatedBy"
	AttrStatus     = "status"
)

// Record is a raw stored item.
type Record map[string]types.AttributeValue

// Key returns the record's composite key.
func (r Record) Key() keys.Key {
	return keys.Key{PK: r.String(AttrPK), SK: r.String(AttrSK)}
}

// String returns a string attribute, or "" when absent or not a string.
func (r Record) String(name string) string {
	if v, ok := r[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// Int returns a number attribute, or 0 when absent or unparseable.
func (r Record) Int(name string) int64 {
	if v, ok := r[name].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

// Has reports whether the attribute is present.
func (r Record) Has(name string) bool {
	_, ok := r[name]
	return ok
}

// Clone returns a copy that can be modified without touching r.
// List values are copied one level deep so appends never alias.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		if l, ok := v.(*types.AttributeValueMemberL); ok {
			cp := make([]types.AttributeValue, len(l.Value))
			copy(cp, l.Value)
			v = &types.AttributeValueMemberL{Value: cp}
		}
		out[k] = v
	}
	return out
}

// KeyAttrs returns the DynamoDB key map for k.
func KeyAttrs(k keys.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		AttrPK: &types.AttributeValueMemberS{Value: k.PK},
		AttrSK: &types.AttributeValueMemberS{Value: k.SK},
	}
}

// S returns a string attribute value.
func S(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

// N returns a number attribute value.
func N(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

// Item is a retrieved record with its managed fields decoded.
type Item struct {
	// Raw is the stored record.
	Raw Record

	Key        keys.Key
	EntityType keys.EntityType

	// Version is the optimistic lock version.
	Version int64

	// CreatedAt is the ISO 8601 creation timestamp.
	CreatedAt string

	// UpdatedAt is the ISO 8601 last update timestamp.
	UpdatedAt string

	CreatedBy string
	UpdatedBy string
	Status    string
}

// ItemOf decodes the managed fields of raw.
func ItemOf(raw Record) *Item {
	return &Item{
		Raw:        raw,
		Key:        raw.Key(),
		EntityType: keys.EntityType(raw.String(AttrEntityType)),
		Version:    raw.Int(AttrVersion),
		CreatedAt:  raw.String(AttrCreatedAt),
		UpdatedAt:  raw.String(AttrUpdatedAt),
		CreatedBy:  raw.String(AttrCreatedBy),
		UpdatedBy:  raw.String(AttrUpdatedBy),
		Status:     raw.String(AttrStatus),
	}
}
