/*
changes.go - Field-level change tracking

PURPOSE:
  Every mutation reports exactly which fields it changed. The ChangeSet is
  used both as the API response and as the audit payload, so it only ever
  contains fields whose value actually differs; an empty ChangeSet means the
  request was a no-op.

ORDERING:
  Fields keep the order in which they were first recorded, including in JSON.
  Nested ChangeSets (override id -> override changes) marshal the same way.

EXAMPLE:
  cs := NewChangeSet()
  if Track(cs, "name", rule.Name, cmd.Name) {
      rule.Name = *cmd.Name
  }
*/
package charge

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// ChangeSet is an ordered mapping from field name to new value.
type ChangeSet struct {
	fields []string
	values map[string]any
}

func NewChangeSet() *ChangeSet {
	return &ChangeSet{values: make(map[string]any)}
}

// Set records a value. Re-setting a field keeps its original position.
func (c *ChangeSet) Set(field string, value any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	if _, ok := c.values[field]; !ok {
		c.fields = append(c.fields, field)
	}
	c.values[field] = value
}

func (c *ChangeSet) Get(field string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.values[field]
	return v, ok
}

func (c *ChangeSet) Has(field string) bool {
	_, ok := c.Get(field)
	return ok
}

func (c *ChangeSet) Len() int {
	if c == nil {
		return 0
	}
	return len(c.fields)
}

func (c *ChangeSet) IsEmpty() bool { return c.Len() == 0 }

// Fields returns the recorded field names in order.
func (c *ChangeSet) Fields() []string {
	if c == nil {
		return nil
	}
	out := make([]string, len(c.fields))
	copy(out, c.fields)
	return out
}

// Merge copies every field of other into c, in other's order.
func (c *ChangeSet) Merge(other *ChangeSet) {
	for _, f := range other.Fields() {
		c.Set(f, other.values[f])
	}
}

// MarshalJSON writes the fields as a JSON object in recorded order.
func (c *ChangeSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range c.Fields() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(c.values[f])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// =============================================================================
// TRACKER - Compare old vs. requested values
// =============================================================================

// Track records field when next is provided and differs from current.
// It returns true when a change was recorded; the caller applies it.
func Track[T comparable](cs *ChangeSet, field string, current T, next *T) bool {
	if next == nil || *next == current {
		return false
	}
	cs.Set(field, *next)
	return true
}

// TrackFunc is Track for values that need a custom equality.
func TrackFunc[T any](cs *ChangeSet, field string, current T, next *T, equal func(a, b T) bool) bool {
	if next == nil || equal(current, *next) {
		return false
	}
	cs.Set(field, *next)
	return true
}

// TrackDecimal compares numerically, so 75 and 75.00 are the same value.
func TrackDecimal(cs *ChangeSet, field string, current decimal.Decimal, next *decimal.Decimal) bool {
	return TrackFunc(cs, field, current, next, decimal.Decimal.Equal)
}

// TrackMonthDay treats a nil current value as unset.
func TrackMonthDay(cs *ChangeSet, field string, current *MonthDay, next *MonthDay) bool {
	if next == nil {
		return false
	}
	if current != nil && *current == *next {
		return false
	}
	cs.Set(field, next.String())
	return true
}
