package pubsub

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/raniellyferreira/redis-runtime/errext"
)

// Kind is the JSON kind a schema field must have
type Kind int

const (
	KindAny Kind = iota
	KindString
	KindNumber
	KindBool
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "any"
	}
}

func (k Kind) matches(r gjson.Result) bool {
	switch k {
	case KindString:
		return r.Type == gjson.String
	case KindNumber:
		return r.Type == gjson.Number
	case KindBool:
		return r.Type == gjson.True || r.Type == gjson.False
	case KindObject:
		return r.IsObject()
	case KindArray:
		return r.IsArray()
	default:
		return true
	}
}

// Field is one required path in an envelope, in gjson path syntax
type Field struct {
	Path string
	Kind Kind
}

// Schema checks raw envelopes before they are published and after they
// are received
type Schema struct {
	Fields []Field

	// MaxDataBytes bounds the encoded size of the data field. Zero means
	// no limit.
	MaxDataBytes int
}

// DefaultSchema requires the four envelope fields
func DefaultSchema() *Schema {
	return &Schema{
		Fields: []Field{
			{Path: "channel", Kind: KindString},
			{Path: "data", Kind: KindAny},
			{Path: "timestamp", Kind: KindNumber},
			{Path: "messageId", Kind: KindString},
		},
	}
}

// Validate returns a *errext.ValidationError describing the first problem
// found in raw
func (s *Schema) Validate(raw []byte) error {
	if !gjson.ValidBytes(raw) {
		return &errext.ValidationError{Reason: "payload is not valid JSON"}
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return &errext.ValidationError{Reason: "payload is not a JSON object"}
	}

	for _, f := range s.Fields {
		r := gjson.GetBytes(raw, f.Path)
		if !r.Exists() {
			return &errext.ValidationError{Field: f.Path, Reason: "is required"}
		}
		if !f.Kind.matches(r) {
			return &errext.ValidationError{Field: f.Path, Reason: fmt.Sprintf("must be %s", f.Kind)}
		}
		if f.Kind == KindString && strings.TrimSpace(r.String()) == "" {
			return &errext.ValidationError{Field: f.Path, Reason: "must not be empty"}
		}
	}

	if s.MaxDataBytes > 0 {
		if data := gjson.GetBytes(raw, "data"); len(data.Raw) > s.MaxDataBytes {
			return &errext.ValidationError{
				Field:  "data",
				Reason: fmt.Sprintf("is %d bytes, limit is %d", len(data.Raw), s.MaxDataBytes),
			}
		}
	}
	return nil
}
