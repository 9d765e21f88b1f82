package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"minimal-api-gpt/internal/schema"
)

// APIDescriptor is the structured call a command translates to.
type APIDescriptor struct {
	API    string         `json:"api" yaml:"api"`
	Params map[string]any `json:"params" yaml:"params"`
}

// String renders d the way it appears in training text.
func (d APIDescriptor) String() string {
	s, err := d.MarshalSpaced()
	if err != nil {
		return fmt.Sprintf("{%q %v}", d.API, d.Params)
	}
	return s
}

// MarshalSpaced writes d as JSON with ", " and ": " separators, "api"
// first and params keys sorted.
func (d APIDescriptor) MarshalSpaced() (string, error) {
	params := d.Params
	if params == nil {
		params = map[string]any{}
	}
	generic, err := toGeneric(params)
	if err != nil {
		return "", fmt.Errorf("encode params of %q: %w", d.API, err)
	}
	var b bytes.Buffer
	b.WriteString(`{"api": `)
	if err := writeSpaced(&b, d.API); err != nil {
		return "", err
	}
	b.WriteString(`, "params": `)
	if err := writeSpaced(&b, generic); err != nil {
		return "", err
	}
	b.WriteByte('}')
	return b.String(), nil
}

// Equal compares two descriptors by their JSON value, so 200 and 200.0 match.
func (d APIDescriptor) Equal(other APIDescriptor) bool {
	a, errA := toGeneric(d)
	b, errB := toGeneric(other)
	return errA == nil && errB == nil && reflect.DeepEqual(a, b)
}

// toGeneric turns any JSON-encodable value into maps, slices, strings,
// bools, nil and json.Number.
func toGeneric(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return canonicalNumbers(out), nil
}

// canonicalNumbers rewrites json.Number values so that equal numbers have
// equal text ("200" and "200.0" both become "200").
func canonicalNumbers(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = canonicalNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = canonicalNumbers(e)
		}
		return x
	case json.Number:
		if f, err := x.Float64(); err == nil {
			raw, _ := json.Marshal(f)
			return json.Number(raw)
		}
		return x
	default:
		return v
	}
}

func writeSpaced(b *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := writeSpaced(b, k); err != nil {
				return err
			}
			b.WriteString(": ")
			if err := writeSpaced(b, x[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := writeSpaced(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case json.Number:
		b.WriteString(x.String())
	default:
		var tmp bytes.Buffer
		enc := json.NewEncoder(&tmp)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(x); err != nil {
			return err
		}
		b.WriteString(strings.TrimSuffix(tmp.String(), "\n"))
	}
	return nil
}

// Markers delimiting the descriptor inside rendered or generated text.
const (
	APIMarker = "API:"
	EndMarker = "END"
)

// Extract pulls the descriptor out of text shaped like a rendered example:
// the part after the first "API:" (and before any second one), cut at the
// first "END", trimmed and parsed as JSON. The boolean is false when a
// marker is missing, the JSON is malformed or it is not a valid descriptor.
func Extract(text string) (d APIDescriptor, ok bool) {
	defer func() {
		if recover() != nil {
			d, ok = APIDescriptor{}, false
		}
	}()

	parts := strings.SplitN(text, APIMarker, 3)
	if len(parts) < 2 {
		return APIDescriptor{}, false
	}
	segment, _, _ := strings.Cut(parts[1], EndMarker)
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return APIDescriptor{}, false
	}

	if errs, err := schema.ValidateJSON([]byte(segment)); err != nil || len(errs) > 0 {
		return APIDescriptor{}, false
	}
	if err := json.Unmarshal([]byte(segment), &d); err != nil {
		return APIDescriptor{}, false
	}
	return d, true
}
