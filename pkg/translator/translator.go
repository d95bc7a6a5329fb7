// Package translator implements the Schema Translator (C7): a pure,
// idempotent conversion between ingress JSON and the canonical byte
// representation the Invoker submits to gRPC, driven entirely by a
// MethodSpec's declarative FieldSpec shapes rather than a compiled .proto.
package translator

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"bridge/pkg/registry"
)

// UnknownFieldMode controls how fields absent from a MethodSpec's shape are
// handled during request decoding.
type UnknownFieldMode int

const (
	// DropUnknown silently discards unknown fields (the default).
	DropUnknown UnknownFieldMode = iota
	// RejectUnknown fails decoding with InvalidArgument (strict mode).
	RejectUnknown
)

// Translator converts between JSON and the canonical Value representation
// for one MethodSpec's request/response shapes.
type Translator struct {
	unknownMode UnknownFieldMode
}

// New builds a Translator with the given unknown-field policy.
func New(mode UnknownFieldMode) *Translator {
	return &Translator{unknownMode: mode}
}

// DecodeRequest walks shape and converts raw (already json.Unmarshal'd into
// map[string]any) into a canonical map, coercing types per field and
// rejecting missing required fields or ambiguous coercions.
func (t *Translator) DecodeRequest(shape []registry.FieldSpec, raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(shape))
	seen := make(map[string]bool, len(shape))

	for _, f := range shape {
		seen[f.Name] = true
		v, present := raw[f.Name]
		if !present {
			if f.Required {
				return nil, status.Errorf(codes.InvalidArgument, "missing required field %q", f.Name)
			}
			if f.Default != nil {
				out[f.Name] = f.Default
			}
			continue
		}
		coerced, err := coerceValue(f, v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "field %q: %v", f.Name, err)
		}
		out[f.Name] = coerced
	}

	if t.unknownMode == RejectUnknown {
		for k := range raw {
			if !seen[k] {
				return nil, status.Errorf(codes.InvalidArgument, "unknown field %q", k)
			}
		}
	}
	return out, nil
}

func coerceValue(f registry.FieldSpec, v any) (any, error) {
	switch f.Type {
	case registry.FieldBool:
		return coerceBool(v)
	case registry.FieldInt32, registry.FieldInt64:
		return coerceInt(v)
	case registry.FieldUint64:
		return coerceUint(v)
	case registry.FieldFloat32, registry.FieldFloat64:
		return coerceFloat(v)
	case registry.FieldString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case registry.FieldBytes:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("bytes field must be a base64 string, got %T", v)
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid base64: %w", err)
		}
		return decoded, nil
	case registry.FieldMessage:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object, got %T", v)
		}
		nested := New(DropUnknown)
		return nested.DecodeRequest(f.Fields, m)
	case registry.FieldRepeated:
		arr, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array, got %T", v)
		}
		if f.Elem == nil {
			return arr, nil
		}
		out := make([]any, len(arr))
		for i, elem := range arr {
			c, err := coerceValue(*f.Elem, elem)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = c
		}
		return out, nil
	case registry.FieldMap:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object, got %T", v)
		}
		if f.Elem == nil {
			return m, nil
		}
		out := make(map[string]any, len(m))
		for k, val := range m {
			c, err := coerceValue(*f.Elem, val)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = c
		}
		return out, nil
	default:
		return v, nil
	}
}

func coerceBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return false, fmt.Errorf("not a bool: %q", x)
		}
		return b, nil
	default:
		return false, fmt.Errorf("expected bool, got %T", v)
	}
}

func coerceInt(v any) (int64, error) {
	switch x := v.(type) {
	case float64:
		return int64(x), nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", x)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func coerceUint(v any) (uint64, error) {
	switch x := v.(type) {
	case float64:
		if x < 0 {
			return 0, fmt.Errorf("negative value for unsigned field: %v", x)
		}
		return uint64(x), nil
	case string:
		n, err := strconv.ParseUint(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an unsigned integer: %q", x)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected unsigned integer, got %T", v)
	}
}

func coerceFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

// EncodeResponse walks shape and converts a canonical value map back into a
// JSON-ready map[string]any, rendering bytes fields as base64.
func (t *Translator) EncodeResponse(shape []registry.FieldSpec, value map[string]any) map[string]any {
	out := make(map[string]any, len(shape))
	for _, f := range shape {
		v, ok := value[f.Name]
		if !ok {
			continue
		}
		out[f.Name] = encodeValue(f, v)
	}
	return out
}

func encodeValue(f registry.FieldSpec, v any) any {
	switch f.Type {
	case registry.FieldBytes:
		if b, ok := v.([]byte); ok {
			return base64.StdEncoding.EncodeToString(b)
		}
		return v
	case registry.FieldMessage:
		if m, ok := v.(map[string]any); ok {
			nested := New(DropUnknown)
			return nested.EncodeResponse(f.Fields, m)
		}
		return v
	case registry.FieldRepeated:
		arr, ok := v.([]any)
		if !ok || f.Elem == nil {
			return v
		}
		out := make([]any, len(arr))
		for i, elem := range arr {
			out[i] = encodeValue(*f.Elem, elem)
		}
		return out
	default:
		return v
	}
}

// Canonicalize produces deterministic bytes for value: sorted keys,
// recursive canonicalization of nested structures, fixed-precision float
// formatting. Used both for cache fingerprinting and wire-stability checks
// (same input always canonicalizes to the same bytes).
func Canonicalize(value any) []byte {
	var buf []byte
	buf = appendCanonical(buf, value)
	return buf
}

func appendCanonical(buf []byte, value any) []byte {
	switch v := value.(type) {
	case nil:
		return append(buf, "null"...)
	case bool:
		if v {
			return append(buf, "true"...)
		}
		return append(buf, "false"...)
	case string:
		return appendQuoted(buf, v)
	case []byte:
		return appendQuoted(buf, base64.StdEncoding.EncodeToString(v))
	case int64:
		return append(buf, strconv.FormatInt(v, 10)...)
	case uint64:
		return append(buf, strconv.FormatUint(v, 10)...)
	case float64:
		return append(buf, strconv.FormatFloat(v, 'f', 6, 64)...)
	case []any:
		buf = append(buf, '[')
		for i, elem := range v {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendCanonical(buf, elem)
		}
		return append(buf, ']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendQuoted(buf, k)
			buf = append(buf, ':')
			buf = appendCanonical(buf, v[k])
		}
		return append(buf, '}')
	default:
		return append(buf, fmt.Sprintf("%v", v)...)
	}
}

func appendQuoted(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			buf = append(buf, '\\')
		}
		buf = append(buf, string(r)...)
	}
	return append(buf, '"')
}

// MethodNotFound is a NotFound status for a request that matches no
// MethodSpec. Nothing in the dispatch path returns it: the gateway answers
// an unmatched route with its own apperror.NotFound (HTTP 404) without
// contacting any backend.
var MethodNotFound = status.Error(codes.NotFound, "translator: no method matches request")
