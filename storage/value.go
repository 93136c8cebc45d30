package storage

import "time"

// ValueType represents the data type of a stored key
type ValueType int

const (
	ValueTypeNone ValueType = iota
	ValueTypeString
)

// String returns the type name reported by the TYPE command
func (vt ValueType) String() string {
	switch vt {
	case ValueTypeString:
		return "string"
	default:
		return "none"
	}
}

// Value is a stored value with its optional expiry
type Value struct {
	Type   ValueType
	Data   []byte
	Expiry *time.Time
}

// IsExpired reports whether the value's expiry is at or before now
func (v *Value) IsExpired(now time.Time) bool {
	return v.Expiry != nil && !now.Before(*v.Expiry)
}
