package store

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type condKind int

const (
	condExists condKind = iota
	condNotExists
	condEquals
	condNotEquals
)

type clause struct {
	kind  condKind
	attr  string
	value types.AttributeValue
}

// Condition is a conjunction of predicates on the item currently stored at a
// key. The zero Condition always holds.
type Condition struct {
	clauses []clause
}

// ItemExists holds when a record is stored at the key.
func ItemExists() Condition { return AttrExists(AttrPK) }

// ItemNotExists holds when nothing is stored at the key.
func ItemNotExists() Condition { return AttrNotExists(AttrPK) }

// AttrExists holds when the attribute is present.
func AttrExists(attr string) Condition {
	return Condition{clauses: []clause{{kind: condExists, attr: attr}}}
}

// AttrNotExists holds when the attribute is absent (or the item is absent).
func AttrNotExists(attr string) Condition {
	return Condition{clauses: []clause{{kind: condNotExists, attr: attr}}}
}

// AttrEquals holds when the attribute equals v.
func AttrEquals(attr string, v types.AttributeValue) Condition {
	return Condition{clauses: []clause{{kind: condEquals, attr: attr, value: v}}}
}

// AttrNotEquals holds when the attribute is absent or differs from v.
func AttrNotEquals(attr string, v types.AttributeValue) Condition {
	return Condition{clauses: []clause{{kind: condNotEquals, attr: attr, value: v}}}
}

// And returns the conjunction of c and o.
func (c Condition) And(o Condition) Condition {
	out := make([]clause, 0, len(c.clauses)+len(o.clauses))
	out = append(out, c.clauses...)
	out = append(out, o.clauses...)
	return Condition{clauses: out}
}

// IsZero reports whether the condition has no predicates.
func (c Condition) IsZero() bool { return len(c.clauses) == 0 }

// Matches evaluates the condition against item; a nil item is absent.
func (c Condition) Matches(item Record) bool {
	for _, cl := range c.clauses {
		v, present := item[cl.attr]
		switch cl.kind {
		case condExists:
			if !present {
				return false
			}
		case condNotExists:
			if present {
				return false
			}
		case condEquals:
			if !present || !equalAV(v, cl.value) {
				return false
			}
		case condNotEquals:
			if present && equalAV(v, cl.value) {
				return false
			}
		}
	}
	return true
}

func (c Condition) build(b *exprBuilder) string {
	parts := make([]string, 0, len(c.clauses))
	for _, cl := range c.clauses {
		n := b.name(cl.attr)
		switch cl.kind {
		case condExists:
			parts = append(parts, fmt.Sprintf("attribute_exists(%s)", n))
		case condNotExists:
			parts = append(parts, fmt.Sprintf("attribute_not_exists(%s)", n))
		case condEquals:
			parts = append(parts, fmt.Sprintf("%s = %s", n, b.value(cl.value)))
		case condNotEquals:
			parts = append(parts, fmt.Sprintf("%s <> %s", n, b.value(cl.value)))
		}
	}
	return strings.Join(parts, " AND ")
}

func (c Condition) String() string {
	if c.IsZero() {
		return "<none>"
	}
	return c.build(newExprBuilder())
}

// Update is a set of attribute deltas applied to one record.
type Update struct {
	// Set replaces attribute values.
	Set map[string]types.AttributeValue

	// Remove deletes attributes.
	Remove []string

	// Append appends to list attributes, creating them when absent.
	Append map[string][]types.AttributeValue

	// Add increments number attributes, treating absent ones as zero.
	Add map[string]int64
}

// IsZero reports whether the update changes nothing.
func (u Update) IsZero() bool {
	return len(u.Set) == 0 && len(u.Remove) == 0 && len(u.Append) == 0 && len(u.Add) == 0
}

func (u Update) validate() error {
	for _, name := range u.names() {
		if name == AttrPK || name == AttrSK {
			return fmt.Errorf("store: update must not modify key attribute %q", name)
		}
	}
	return nil
}

func (u Update) names() []string {
	var out []string
	for k := range u.Set {
		out = append(out, k)
	}
	out = append(out, u.Remove...)
	for k := range u.Append {
		out = append(out, k)
	}
	for k := range u.Add {
		out = append(out, k)
	}
	return out
}

// build renders the update expression. Attributes are emitted in sorted order
// so the same Update always yields the same expression.
func (u Update) build(b *exprBuilder) string {
	var sections []string

	var set []string
	for _, k := range sortedKeys(u.Set) {
		set = append(set, fmt.Sprintf("%s = %s", b.name(k), b.value(u.Set[k])))
	}
	for _, k := range sortedKeys(u.Append) {
		n := b.name(k)
		empty := b.value(&types.AttributeValueMemberL{Value: []types.AttributeValue{}})
		vals := b.value(&types.AttributeValueMemberL{Value: u.Append[k]})
		set = append(set, fmt.Sprintf("%s = list_append(if_not_exists(%s, %s), %s)", n, n, empty, vals))
	}
	if len(set) > 0 {
		sections = append(sections, "SET "+strings.Join(set, ", "))
	}

	if len(u.Remove) > 0 {
		rm := make([]string, 0, len(u.Remove))
		removes := append([]string(nil), u.Remove...)
		sort.Strings(removes)
		for _, k := range removes {
			rm = append(rm, b.name(k))
		}
		sections = append(sections, "REMOVE "+strings.Join(rm, ", "))
	}

	if len(u.Add) > 0 {
		var add []string
		for _, k := range sortedKeys(u.Add) {
			add = append(add, fmt.Sprintf("%s %s", b.name(k), b.value(N(u.Add[k]))))
		}
		sections = append(sections, "ADD "+strings.Join(add, ", "))
	}

	return strings.Join(sections, " ")
}

// Apply returns a copy of item with the update applied. A nil item is
// treated as empty, matching UpdateItem's upsert behavior.
func (u Update) Apply(item Record) Record {
	out := item.Clone()
	if out == nil {
		out = Record{}
	}
	for k, v := range u.Set {
		out[k] = v
	}
	for _, k := range u.Remove {
		delete(out, k)
	}
	for k, vals := range u.Append {
		var cur []types.AttributeValue
		if l, ok := out[k].(*types.AttributeValueMemberL); ok {
			cur = l.Value
		}
		next := make([]types.AttributeValue, 0, len(cur)+len(vals))
		next = append(next, cur...)
		next = append(next, vals...)
		out[k] = &types.AttributeValueMemberL{Value: next}
	}
	for k, delta := range u.Add {
		out[k] = N(out.Int(k) + delta)
	}
	return out
}

// exprBuilder allocates placeholder names and values for one request.
type exprBuilder struct {
	names  map[string]string
	values map[string]types.AttributeValue
	byAttr map[string]string
}

func newExprBuilder() *exprBuilder {
	return &exprBuilder{
		names:  make(map[string]string),
		values: make(map[string]types.AttributeValue),
		byAttr: make(map[string]string),
	}
}

func (b *exprBuilder) name(attr string) string {
	if p, ok := b.byAttr[attr]; ok {
		return p
	}
	p := "#n" + strconv.Itoa(len(b.byAttr))
	b.byAttr[attr] = p
	b.names[p] = attr
	return p
}

func (b *exprBuilder) value(v types.AttributeValue) string {
	p := ":v" + strconv.Itoa(len(b.values))
	b.values[p] = v
	return p
}

// exprNames returns nil when empty; DynamoDB rejects empty maps.
func (b *exprBuilder) exprNames() map[string]string {
	if len(b.names) == 0 {
		return nil
	}
	return b.names
}

func (b *exprBuilder) exprValues() map[string]types.AttributeValue {
	if len(b.values) == 0 {
		return nil
	}
	return b.values
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// equalAV compares two attribute values by content.
func equalAV(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return false
		}
		x, errX := strconv.ParseFloat(av.Value, 64)
		y, errY := strconv.ParseFloat(bv.Value, 64)
		if errX != nil || errY != nil {
			return av.Value == bv.Value
		}
		return x == y
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberNULL:
		_, ok := b.(*types.AttributeValueMemberNULL)
		return ok
	}
	return reflect.DeepEqual(a, b)
}
