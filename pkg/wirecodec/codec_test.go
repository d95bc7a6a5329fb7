package wirecodec

import "testing"

func TestCodec_RoundTrip(t *testing.T) {
	c := Codec{}
	want := RawBytes(`{"id":"1"}`)

	encoded, err := c.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got RawBytes
	if err := c.Unmarshal(encoded, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCodec_RejectsWrongType(t *testing.T) {
	c := Codec{}
	if _, err := c.Marshal("not raw bytes"); err == nil {
		t.Error("expected error marshaling non-RawBytes value")
	}

	var got RawBytes
	if err := c.Unmarshal([]byte("x"), &got); err != nil {
		t.Fatalf("Unmarshal() into *RawBytes should succeed, got %v", err)
	}
}

func TestCodec_Name(t *testing.T) {
	if Codec{}.Name() != Name {
		t.Errorf("Name() = %s, want %s", Codec{}.Name(), Name)
	}
}
