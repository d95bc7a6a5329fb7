package cache

import "testing"

func TestFingerprint(t *testing.T) {
	t.Run("same request produces same fingerprint", func(t *testing.T) {
		body := map[string]any{"id": "abc", "qty": float64(3)}
		f1 := Fingerprint("orders", "Get", body, "tenant-a", "en-US")
		f2 := Fingerprint("orders", "Get", body, "tenant-a", "en-US")

		if f1 != f2 {
			t.Errorf("same request should produce same fingerprint: %v != %v", f1, f2)
		}
	})

	t.Run("different bodies produce different fingerprints", func(t *testing.T) {
		f1 := Fingerprint("orders", "Get", map[string]any{"id": "abc"}, "tenant-a", "en-US")
		f2 := Fingerprint("orders", "Get", map[string]any{"id": "xyz"}, "tenant-a", "en-US")

		if f1 == f2 {
			t.Error("different bodies should produce different fingerprints")
		}
	})

	t.Run("key order does not affect fingerprint", func(t *testing.T) {
		b1 := map[string]any{"a": float64(1), "b": float64(2)}
		b2 := map[string]any{"b": float64(2), "a": float64(1)}

		f1 := Fingerprint("orders", "Get", b1, "tenant-a", "en-US")
		f2 := Fingerprint("orders", "Get", b2, "tenant-a", "en-US")

		if f1 != f2 {
			t.Error("key order should not affect fingerprint")
		}
	})

	t.Run("tenant affects fingerprint", func(t *testing.T) {
		body := map[string]any{"id": "abc"}
		f1 := Fingerprint("orders", "Get", body, "tenant-a", "en-US")
		f2 := Fingerprint("orders", "Get", body, "tenant-b", "en-US")

		if f1 == f2 {
			t.Error("different tenants should produce different fingerprints")
		}
	})

	t.Run("nested structures canonicalize recursively", func(t *testing.T) {
		b1 := map[string]any{"filters": []any{map[string]any{"x": float64(1), "y": float64(2)}}}
		b2 := map[string]any{"filters": []any{map[string]any{"y": float64(2), "x": float64(1)}}}

		f1 := Fingerprint("orders", "List", b1, "", "")
		f2 := Fingerprint("orders", "List", b2, "", "")

		if f1 != f2 {
			t.Error("nested key order should not affect fingerprint")
		}
	})
}

func TestBuildCacheKey(t *testing.T) {
	key := BuildCacheKey("orders", "Get", "abc123")
	expected := "resp:orders:Get:abc123"
	if key != expected {
		t.Errorf("BuildCacheKey() = %v, want %v", key, expected)
	}
}

func TestQuickHash(t *testing.T) {
	data := []byte("test data")
	hash := QuickHash(data)

	if len(hash) != 64 {
		t.Errorf("QuickHash length = %d, want 64", len(hash))
	}

	if hash != QuickHash(data) {
		t.Error("same data should produce same hash")
	}
}

func TestShortHash(t *testing.T) {
	data := []byte("test data")
	hash := ShortHash(data)

	if len(hash) != 16 {
		t.Errorf("ShortHash length = %d, want 16", len(hash))
	}
}
