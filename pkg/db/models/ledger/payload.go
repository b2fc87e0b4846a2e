package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Field is one named event argument.
type Field struct {
	Name  string
	Value any
}

// Payload keeps event arguments in emission order. It encodes as a JSON array of
// [name, value] pairs so the order survives storage engines that reorder object keys.
type Payload []Field

// NewPayload builds a payload from alternating name/value arguments.
func NewPayload(kv ...any) Payload {
	p := make(Payload, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		name, _ := kv[i].(string)
		p = append(p, Field{Name: name, Value: kv[i+1]})
	}
	return p
}

// Get returns the first value stored under name.
func (p Payload) Get(name string) (any, bool) {
	for _, f := range p {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// String returns the value as a string. Numbers are formatted without exponent.
func (p Payload) String(name string) (string, bool) {
	v, ok := p.Get(name)
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case uint64:
		return strconv.FormatUint(t, 10), true
	case decimal.Decimal:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}

// First returns the string value of the first present name.
func (p Payload) First(names ...string) (string, bool) {
	for _, n := range names {
		if s, ok := p.String(n); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// Decimal parses the value as an arbitrary precision decimal.
func (p Payload) Decimal(name string) (decimal.Decimal, error) {
	s, ok := p.String(name)
	if !ok || s == "" {
		return decimal.Zero, fmt.Errorf("payload field %q missing", name)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("payload field %q: %w", name, err)
	}
	return d, nil
}

// Int64 parses an integer valued field.
func (p Payload) Int64(name string) (int64, error) {
	d, err := p.Decimal(name)
	if err != nil {
		return 0, err
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("payload field %q: %s is not an integer", name, d)
	}
	return d.IntPart(), nil
}

// MarshalJSON encodes the payload as [[name, value], ...].
func (p Payload) MarshalJSON() ([]byte, error) {
	pairs := make([][2]any, 0, len(p))
	for _, f := range p {
		pairs = append(pairs, [2]any{f.Name, f.Value})
	}
	return json.Marshal(pairs)
}

// UnmarshalJSON accepts the pair-array form and, for watcher convenience, a plain
// object. Object input is ordered by key because JSON objects carry no order.
func (p *Payload) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*p = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	if trimmed[0] == '{' {
		return p.unmarshalObject(dec)
	}

	var pairs [][]any
	if err := dec.Decode(&pairs); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	out := make(Payload, 0, len(pairs))
	for i, pair := range pairs {
		if len(pair) != 2 {
			return fmt.Errorf("decode payload: pair %d has %d elements", i, len(pair))
		}
		name, ok := pair[0].(string)
		if !ok {
			return fmt.Errorf("decode payload: pair %d name is not a string", i)
		}
		out = append(out, Field{Name: name, Value: pair[1]})
	}
	*p = out
	return nil
}

func (p *Payload) unmarshalObject(dec *json.Decoder) error {
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sortStrings(keys)
	out := make(Payload, 0, len(keys))
	for _, k := range keys {
		out = append(out, Field{Name: k, Value: obj[k]})
	}
	*p = out
	return nil
}
