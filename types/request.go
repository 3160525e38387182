package types

import (
	"encoding/json"
	"sort"
	"strings"
)

// Request is a single classification/prediction input. Features is a
// caller-supplied key/value mapping; a Request is immutable once submitted.
type Request struct {
	ID       string         `json:"id"`
	Features map[string]any `json:"features"`
}

// Canonical returns a deterministic byte representation of the request
// content: feature keys in ascending order, each value JSON-encoded.
// Two requests with identical content always canonicalize identically,
// regardless of map iteration order. The request ID is deliberately
// excluded so that retries of the same content share a fingerprint.
func (r *Request) Canonical() []byte {
	keys := make([]string, 0, len(r.Features))
	for k := range r.Features {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		val, err := json.Marshal(r.Features[k])
		if err != nil {
			// Unencodable values (channels, funcs) should never appear in a
			// request; fall back to the type-agnostic empty encoding so the
			// fingerprint stays deterministic rather than panicking.
			val = []byte("null")
		}
		b.Write(val)
	}
	return []byte(b.String())
}

// Clone returns a shallow copy with its own feature map.
func (r *Request) Clone() *Request {
	features := make(map[string]any, len(r.Features))
	for k, v := range r.Features {
		features[k] = v
	}
	return &Request{ID: r.ID, Features: features}
}
