package translator

import (
	"encoding/base64"
	"reflect"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"bridge/pkg/registry"
)

func TestDecodeRequest_CoercesNumericStrings(t *testing.T) {
	tr := New(DropUnknown)
	shape := []registry.FieldSpec{
		{Name: "id", Type: registry.FieldInt64, Required: true},
		{Name: "price", Type: registry.FieldFloat64},
	}
	out, err := tr.DecodeRequest(shape, map[string]any{"id": "42", "price": "9.99"})
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if out["id"] != int64(42) {
		t.Errorf("id = %v, want 42", out["id"])
	}
	if out["price"] != 9.99 {
		t.Errorf("price = %v, want 9.99", out["price"])
	}
}

func TestDecodeRequest_MissingRequiredField(t *testing.T) {
	tr := New(DropUnknown)
	shape := []registry.FieldSpec{{Name: "id", Type: registry.FieldString, Required: true}}
	_, err := tr.DecodeRequest(shape, map[string]any{})
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestDecodeRequest_BytesRequiresBase64(t *testing.T) {
	tr := New(DropUnknown)
	shape := []registry.FieldSpec{{Name: "blob", Type: registry.FieldBytes}}

	_, err := tr.DecodeRequest(shape, map[string]any{"blob": "not base64!!"})
	if err == nil {
		t.Fatal("expected error for invalid base64")
	}

	encoded := base64.StdEncoding.EncodeToString([]byte("hello"))
	out, err := tr.DecodeRequest(shape, map[string]any{"blob": encoded})
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if string(out["blob"].([]byte)) != "hello" {
		t.Errorf("blob = %v, want hello", out["blob"])
	}
}

func TestDecodeRequest_UnknownFieldModes(t *testing.T) {
	shape := []registry.FieldSpec{{Name: "id", Type: registry.FieldString}}
	raw := map[string]any{"id": "1", "extra": "ignored"}

	dropper := New(DropUnknown)
	if _, err := dropper.DecodeRequest(shape, raw); err != nil {
		t.Fatalf("drop mode should not error, got %v", err)
	}

	strict := New(RejectUnknown)
	if _, err := strict.DecodeRequest(shape, raw); err == nil {
		t.Fatal("strict mode should reject unknown fields")
	}
}

func TestDecodeRequest_NestedMessage(t *testing.T) {
	tr := New(DropUnknown)
	shape := []registry.FieldSpec{
		{Name: "address", Type: registry.FieldMessage, Fields: []registry.FieldSpec{
			{Name: "city", Type: registry.FieldString, Required: true},
		}},
	}
	out, err := tr.DecodeRequest(shape, map[string]any{"address": map[string]any{"city": "Seattle"}})
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	nested := out["address"].(map[string]any)
	if nested["city"] != "Seattle" {
		t.Errorf("city = %v, want Seattle", nested["city"])
	}
}

func TestDecodeRequest_RepeatedField(t *testing.T) {
	tr := New(DropUnknown)
	elem := registry.FieldSpec{Type: registry.FieldInt64}
	shape := []registry.FieldSpec{{Name: "ids", Type: registry.FieldRepeated, Elem: &elem}}
	out, err := tr.DecodeRequest(shape, map[string]any{"ids": []any{"1", "2", "3"}})
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	want := []any{int64(1), int64(2), int64(3)}
	if !reflect.DeepEqual(out["ids"], want) {
		t.Errorf("ids = %v, want %v", out["ids"], want)
	}
}

func TestEncodeResponse_RendersBytesAsBase64(t *testing.T) {
	tr := New(DropUnknown)
	shape := []registry.FieldSpec{{Name: "blob", Type: registry.FieldBytes}}
	out := tr.EncodeResponse(shape, map[string]any{"blob": []byte("hello")})
	if out["blob"] != base64.StdEncoding.EncodeToString([]byte("hello")) {
		t.Errorf("blob = %v", out["blob"])
	}
}

func TestCanonicalize_DeterministicAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"b": int64(2), "a": int64(1)}
	b := map[string]any{"a": int64(1), "b": int64(2)}
	if string(Canonicalize(a)) != string(Canonicalize(b)) {
		t.Errorf("expected identical canonical bytes regardless of map iteration order")
	}
}

func TestCanonicalize_FloatFixedPrecision(t *testing.T) {
	got := string(Canonicalize(1.5))
	if got != "1.500000" {
		t.Errorf("Canonicalize(1.5) = %q, want 1.500000", got)
	}
}

func TestCanonicalize_SameInputSameOutput(t *testing.T) {
	v := map[string]any{"x": []any{int64(1), "two", true, nil}}
	if string(Canonicalize(v)) != string(Canonicalize(v)) {
		t.Error("expected idempotent canonicalization")
	}
}
