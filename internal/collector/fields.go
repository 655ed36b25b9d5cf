package collector

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Field names one of the four gating fields collected during a conversation.
type Field string

const (
	FieldService      Field = "service"
	FieldBudget       Field = "budget"
	FieldZipcode      Field = "zipcode"
	FieldRequirements Field = "requirements"
)

// AllFields lists the gating fields in display order.
var AllFields = []Field{FieldService, FieldBudget, FieldZipcode, FieldRequirements}

// ParseField converts a field name from the wire into a Field.
func ParseField(name string) (Field, error) {
	f := Field(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range AllFields {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown field %q", name)
}

// Fields is the collected record. An empty string means the field is unset.
type Fields struct {
	Service      string `json:"service,omitempty"`
	Budget       string `json:"budget,omitempty"`
	Zipcode      string `json:"zipcode,omitempty"`
	Requirements string `json:"requirements,omitempty"`
}

// Get returns the value of a single field.
func (f Fields) Get(field Field) string {
	switch field {
	case FieldService:
		return f.Service
	case FieldBudget:
		return f.Budget
	case FieldZipcode:
		return f.Zipcode
	case FieldRequirements:
		return f.Requirements
	default:
		return ""
	}
}

// With returns a copy of f with field set to value.
func (f Fields) With(field Field, value string) Fields {
	switch field {
	case FieldService:
		f.Service = value
	case FieldBudget:
		f.Budget = value
	case FieldZipcode:
		f.Zipcode = value
	case FieldRequirements:
		f.Requirements = value
	}
	return f
}

// TurnExtraction is what a single user turn yields. Location is context only
// and never gates completion.
type TurnExtraction struct {
	Fields
	Location string `json:"location,omitempty"`
}

// LockSet holds the fields a user edited by hand. Locked fields are never
// written by automatic extraction. Methods never mutate the receiver.
type LockSet map[Field]struct{}

// NewLockSet builds a lock set from the given fields.
func NewLockSet(fields ...Field) LockSet {
	l := make(LockSet, len(fields))
	for _, f := range fields {
		l[f] = struct{}{}
	}
	return l
}

// Has reports whether field is locked. Safe on a nil set.
func (l LockSet) Has(field Field) bool {
	_, ok := l[field]
	return ok
}

// With returns a new lock set containing l plus field.
func (l LockSet) With(field Field) LockSet {
	out := make(LockSet, len(l)+1)
	for f := range l {
		out[f] = struct{}{}
	}
	out[field] = struct{}{}
	return out
}

// Fields returns the locked fields in AllFields order.
func (l LockSet) Fields() []Field {
	out := make([]Field, 0, len(l))
	for _, f := range AllFields {
		if l.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// Strings returns the locked field names, for storage.
func (l LockSet) Strings() []string {
	fields := l.Fields()
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = string(f)
	}
	return out
}

// LockSetFromStrings parses stored field names, ignoring unknown ones.
func LockSetFromStrings(names []string) LockSet {
	l := make(LockSet, len(names))
	for _, n := range names {
		if f, err := ParseField(n); err == nil {
			l[f] = struct{}{}
		}
	}
	return l
}

func (l LockSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Strings())
}

func (l *LockSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("parse lock set: %w", err)
	}
	*l = LockSetFromStrings(names)
	return nil
}
