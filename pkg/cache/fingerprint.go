package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Fingerprint computes the Response Cache's content-addressed key:
// H(service || method || canonical_request_bytes || tenant || accept_language).
// The hash is truncated to 128 bits, matching the non-cryptographic-length
// fingerprint the cache contract asks for (sha256 is used as the primitive
// purely for its distribution, not its collision resistance).
func Fingerprint(service, method string, body map[string]any, tenant, acceptLanguage string) string {
	canonical := CanonicalBytes(body)

	var buf []byte
	buf = append(buf, []byte(fmt.Sprintf("svc:%s;mth:%s;", service, method))...)
	buf = append(buf, canonical...)
	buf = append(buf, []byte(fmt.Sprintf(";tnt:%s;lang:%s", tenant, acceptLanguage))...)

	hash := sha256.Sum256(buf)
	return hex.EncodeToString(hash[:16])
}

// CanonicalBytes builds a deterministic byte representation of an arbitrary
// JSON-decoded body: map keys are sorted, nested maps/slices are
// canonicalized recursively, so the same logical payload always produces
// the same bytes regardless of field or key order.
func CanonicalBytes(v any) []byte {
	var buf []byte
	appendCanonical(&buf, v)
	return buf
}

func appendCanonical(buf *[]byte, v any) {
	switch val := v.(type) {
	case nil:
		*buf = append(*buf, "null"...)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		*buf = append(*buf, '{')
		for i, k := range keys {
			if i > 0 {
				*buf = append(*buf, ',')
			}
			*buf = append(*buf, fmt.Sprintf("%q:", k)...)
			appendCanonical(buf, val[k])
		}
		*buf = append(*buf, '}')
	case []any:
		*buf = append(*buf, '[')
		for i, item := range val {
			if i > 0 {
				*buf = append(*buf, ',')
			}
			appendCanonical(buf, item)
		}
		*buf = append(*buf, ']')
	case string:
		*buf = append(*buf, fmt.Sprintf("%q", val)...)
	case float64:
		*buf = append(*buf, fmt.Sprintf("%.6f", val)...)
	case bool:
		*buf = append(*buf, fmt.Sprintf("%t", val)...)
	default:
		*buf = append(*buf, fmt.Sprintf("%v", val)...)
	}
}

// BuildCacheKey joins a fingerprint with the service/method it belongs to,
// for use as the underlying Cache implementation's string key.
func BuildCacheKey(service, method, fingerprint string) string {
	return fmt.Sprintf("resp:%s:%s:%s", service, method, fingerprint)
}

// QuickHash is a fast, full-length hash of arbitrary bytes (hex-encoded
// sha256), used where a full 256-bit digest is wanted (e.g. ETag values).
func QuickHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ShortHash is a 16-character (64-bit) hash of arbitrary bytes, used for
// compact log correlation identifiers.
func ShortHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}
