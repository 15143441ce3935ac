package types

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// ValueKind enumerates the closed set of scalar kinds that may cross the
// backend protocol, as a statement parameter or a row cell.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindInteger
	KindFloat
	KindText
	KindBlob
)

// String returns the kind name for diagnostics.
func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	default:
		return fmt.Sprintf("ValueKind(%d)", int(k))
	}
}

// Value is a closed scalar variant: null, integer, float, text, or blob.
// The zero Value is null. Values are validated at the protocol boundary so
// neither end ever sees a dynamically-typed parameter or cell.
type Value struct {
	kind ValueKind
	i    int64
	f    float64
	s    string
	b    []byte
}

// Null returns the null Value.
func Null() Value { return Value{} }

// Integer wraps an int64.
func Integer(i int64) Value { return Value{kind: KindInteger, i: i} }

// Float wraps a float64.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Text wraps a string.
func Text(s string) Value { return Value{kind: KindText, s: s} }

// Blob wraps a byte sequence. A nil slice is still a blob, not null.
func Blob(b []byte) Value { return Value{kind: KindBlob, b: b} }

// Kind returns the value's kind.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Int64 returns the integer payload; zero for other kinds.
func (v Value) Int64() int64 { return v.i }

// Float64 returns the float payload. Integers are widened so numeric cells
// can be read uniformly.
func (v Value) Float64() float64 {
	if v.kind == KindInteger {
		return float64(v.i)
	}
	return v.f
}

// Text returns the text payload; empty for other kinds.
func (v Value) Text() string { return v.s }

// Blob returns the blob payload; nil for other kinds.
func (v Value) Blob() []byte { return v.b }

// Driver converts the value to an argument accepted by database/sql.
func (v Value) Driver() any {
	switch v.kind {
	case KindInteger:
		return v.i
	case KindFloat:
		return v.f
	case KindText:
		return v.s
	case KindBlob:
		return v.b
	default:
		return nil
	}
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInteger:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindText:
		return v.s == o.s
	case KindBlob:
		return string(v.b) == string(o.b)
	default:
		return true
	}
}

// String renders the value for logs and CLI output.
func (v Value) String() string {
	switch v.kind {
	case KindInteger:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindText:
		return v.s
	case KindBlob:
		return fmt.Sprintf("blob(%d bytes)", len(v.b))
	default:
		return "null"
	}
}

// FromAny validates an arbitrary Go value against the closed variant and
// converts it. Supported inputs: nil, signed/unsigned integers, floats,
// bool (stored as integer 0/1), string, []byte, and time.Time (RFC 3339
// text). Anything else is rejected with ErrValueKind.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		if t {
			return Integer(1), nil
		}
		return Integer(0), nil
	case int:
		return Integer(int64(t)), nil
	case int8:
		return Integer(int64(t)), nil
	case int16:
		return Integer(int64(t)), nil
	case int32:
		return Integer(int64(t)), nil
	case int64:
		return Integer(t), nil
	case uint:
		return Integer(int64(t)), nil
	case uint8:
		return Integer(int64(t)), nil
	case uint16:
		return Integer(int64(t)), nil
	case uint32:
		return Integer(int64(t)), nil
	case uint64:
		if t > 1<<63-1 {
			return Value{}, fmt.Errorf("%w: uint64 %d overflows integer", ErrValueKind, t)
		}
		return Integer(int64(t)), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case string:
		return Text(t), nil
	case []byte:
		return Blob(t), nil
	case time.Time:
		return Text(t.UTC().Format(time.RFC3339)), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrValueKind, x)
	}
}

// Values converts a parameter list via FromAny, failing on the first
// unsupported element.
func Values(xs ...any) ([]Value, error) {
	out := make([]Value, len(xs))
	for i, x := range xs {
		v, err := FromAny(x)
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// blobJSON is the wire form of a blob cell; base64 keeps the envelope
// JSON-clean while staying distinguishable from text.
type blobJSON struct {
	Blob string `json:"$blob"`
}

// MarshalJSON encodes null, numbers, and text natively and blobs as a
// tagged base64 object.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindInteger:
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(v.f)
	case KindText:
		return json.Marshal(v.s)
	case KindBlob:
		return json.Marshal(blobJSON{Blob: base64.StdEncoding.EncodeToString(v.b)})
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON. Integral
// numbers decode as integers, everything else as floats.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case nil:
		*v = Null()
	case string:
		*v = Text(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			*v = Integer(i)
			return nil
		}
		f, err := t.Float64()
		if err != nil {
			return fmt.Errorf("%w: number %q", ErrValueKind, t.String())
		}
		*v = Float(f)
	case map[string]any:
		enc, ok := t["$blob"].(string)
		if !ok {
			return fmt.Errorf("%w: object cell without $blob", ErrValueKind)
		}
		b, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return fmt.Errorf("decode blob: %w", err)
		}
		*v = Blob(b)
	default:
		return fmt.Errorf("%w: %T", ErrValueKind, raw)
	}
	return nil
}
