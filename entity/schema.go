package entity

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/fieldops/fault"
	"github.com/jacentio/fieldops/keys"
	"github.com/jacentio/fieldops/store"
)

// Kind is a field's value type.
type Kind int

// Field kinds.
const (
	String Kind = iota + 1
	Number
	Bool
	Enum
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Number:
		return "number"
	case Bool:
		return "bool"
	case Enum:
		return "enum"
	}
	return "unknown"
}

// Field describes one payload field.
type Field struct {
	Name     string
	Kind     Kind
	Required bool

	// Key marks identity attributes; they cannot change after creation.
	Key bool

	// Generated key fields get a fresh id when omitted on create.
	Generated bool

	// Tracked fields produce history entries when they change.
	Tracked bool

	Values []string
}

// Schema is the closed field set of an entity type.
type Schema struct {
	Type   keys.EntityType
	Fields []Field
}

// Field returns the named field.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Tracked returns the tracked field names, in schema order.
func (s Schema) Tracked() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Tracked {
			out = append(out, f.Name)
		}
	}
	return out
}

// Fields owned by the link coordinator. Generic write paths refuse them.
const (
	AttrLinkedDeviceID = "linkedDeviceId"
	AttrLinkedAt       = "linkedAt"
)

var statusValues = []string{"active", "inactive"}

func id(name string) Field { return Field{Name: name, Kind: String, Required: true, Key: true} }

func childID(name string) Field {
	return Field{Name: name, Kind: String, Key: true, Generated: true}
}

func str(name string) Field { return Field{Name: name, Kind: String} }

func tracked(f Field) Field {
	f.Tracked = true
	return f
}

func required(f Field) Field {
	f.Required = true
	return f
}

func status() Field {
	return Field{Name: store.AttrStatus, Kind: Enum, Tracked: true, Values: statusValues}
}

var schemas = map[keys.EntityType]Schema{
	keys.Device: {Type: keys.Device, Fields: []Field{
		id(keys.AttrDeviceID),
		str("serialNumber"),
		tracked(str("model")),
		str("manufacturer"),
		tracked(str("firmwareVersion")),
		{Name: "capacityKw", Kind: Number},
		status(),
	}},
	keys.Config: {Type: keys.Config, Fields: []Field{
		id(keys.AttrDeviceID),
		childID(keys.AttrConfigID),
		required(str("name")),
		tracked(str("value")),
		str("notes"),
	}},
	keys.Repair: {Type: keys.Repair, Fields: []Field{
		id(keys.AttrDeviceID),
		childID(keys.AttrRepairID),
		required(str("description")),
		str("technician"),
		{Name: "cost", Kind: Number},
		{Name: "resolved", Kind: Bool, Tracked: true},
	}},
	keys.Runtime: {Type: keys.Runtime, Fields: []Field{
		id(keys.AttrDeviceID),
		childID(keys.AttrRuntimeID),
		{Name: "hours", Kind: Number, Required: true},
		{Name: "energyKwh", Kind: Number},
	}},
	keys.Install: {Type: keys.Install, Fields: []Field{
		id(keys.AttrInstallationID),
		tracked(str(keys.AttrCustomerID)),
		str("name"),
		required(str(keys.AttrState)),
		required(str(keys.AttrDistrict)),
		required(str(keys.AttrMandal)),
		required(str(keys.AttrVillage)),
		required(str(keys.AttrHabitation)),
		{Name: "capacityKw", Kind: Number},
		str("commissionedOn"),
		status(),
	}},
	keys.Sim: {Type: keys.Sim, Fields: []Field{
		id(keys.AttrSimID),
		tracked(str("mobileNumber")),
		tracked(str("provider")),
		str("iccid"),
		status(),
	}},
	keys.Customer: {Type: keys.Customer, Fields: []Field{
		id(keys.AttrCustomerID),
		required(tracked(str("name"))),
		tracked(str("email")),
		tracked(str("phone")),
		{Name: "customerType", Kind: Enum, Values: []string{"individual", "business"}},
		status(),
	}},
	keys.Contact: {Type: keys.Contact, Fields: []Field{
		id(keys.AttrContactID),
		required(tracked(str(keys.AttrCustomerID))),
		required(str("name")),
		str("email"),
		str("phone"),
		str("role"),
		status(),
	}},
	keys.Address: {Type: keys.Address, Fields: []Field{
		id(keys.AttrCustomerID),
		childID(keys.AttrAddressID),
		required(str("addressLine1")),
		str("addressLine2"),
		str("city"),
		str(keys.AttrState),
		str("pincode"),
	}},
	keys.Survey: {Type: keys.Survey, Fields: []Field{
		id(keys.AttrSurveyID),
		str(keys.AttrInstallationID),
		str("surveyor"),
		str("surveyDate"),
		str("notes"),
		status(),
	}},
	keys.SurveyImage: {Type: keys.SurveyImage, Fields: []Field{
		id(keys.AttrSurveyID),
		childID(keys.AttrImageID),
		required(str("objectKey")),
		str("caption"),
	}},
	keys.Region: {Type: keys.Region, Fields: []Field{
		{Name: keys.AttrRegionType, Kind: Enum, Required: true, Key: true,
			Values: []string{"STATE", "DISTRICT", "MANDAL", "VILLAGE", "HABITATION"}},
		id(keys.AttrRegionID),
		{Name: keys.AttrParentID, Kind: String, Key: true},
		required(tracked(str("name"))),
	}},
}

// SchemaFor returns the schema of t. Link-owned types have none.
func SchemaFor(t keys.EntityType) (Schema, error) {
	s, ok := schemas[t]
	if !ok {
		if t.Valid() {
			return Schema{}, fault.Invalid(store.AttrEntityType, fmt.Sprintf("%s records are managed by linking", t))
		}
		return Schema{}, fault.Invalid(store.AttrEntityType, fmt.Sprintf("unknown entity type %q", t))
	}
	return s, nil
}

// validate converts payload to attribute values. With partial set, required
// fields may be absent and nil values mean removal.
func (s Schema) validate(payload map[string]any, partial bool) (map[string]types.AttributeValue, []string, error) {
	values := make(map[string]types.AttributeValue, len(payload))
	var remove []string

	for _, name := range sortedNames(payload) {
		raw := payload[name]
		f, ok := s.Field(name)
		if !ok {
			if name == AttrLinkedDeviceID || name == AttrLinkedAt {
				return nil, nil, fault.Invalid(name, "managed by linking")
			}
			return nil, nil, fault.Invalid(name, "unknown field")
		}
		if raw == nil {
			if !partial || f.Required || f.Key {
				return nil, nil, fault.Invalid(name, "must not be null")
			}
			remove = append(remove, name)
			continue
		}
		av, err := f.convert(raw)
		if err != nil {
			return nil, nil, err
		}
		values[name] = av
	}

	if !partial {
		for _, f := range s.Fields {
			if f.Required && values[f.Name] == nil {
				return nil, nil, fault.Invalid(f.Name, "required")
			}
		}
	}
	return values, remove, nil
}

func (f Field) convert(raw any) (types.AttributeValue, error) {
	switch f.Kind {
	case String, Enum:
		v, ok := raw.(string)
		if !ok {
			return nil, fault.Invalid(f.Name, "must be a string")
		}
		if f.Kind == Enum && !slices.Contains(f.Values, v) {
			return nil, fault.Invalid(f.Name, fmt.Sprintf("must be one of %v", f.Values))
		}
		if f.Required && v == "" {
			return nil, fault.Invalid(f.Name, "required")
		}
		return &types.AttributeValueMemberS{Value: v}, nil

	case Number:
		n, ok := number(raw)
		if !ok {
			return nil, fault.Invalid(f.Name, "must be a number")
		}
		return &types.AttributeValueMemberN{Value: n}, nil

	case Bool:
		v, ok := raw.(bool)
		if !ok {
			return nil, fault.Invalid(f.Name, "must be a boolean")
		}
		return &types.AttributeValueMemberBOOL{Value: v}, nil
	}
	return nil, fault.Invalid(f.Name, "unsupported kind")
}

func number(raw any) (string, bool) {
	switch v := raw.(type) {
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", false
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case json.Number:
		if _, err := v.Float64(); err != nil {
			return "", false
		}
		return v.String(), true
	}
	return "", false
}

func sortedNames(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
