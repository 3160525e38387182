package types

import "time"

// Provenance tags how a Result was produced.
type Provenance string

const (
	// ProvenanceComputed marks a result produced by the batch executor.
	ProvenanceComputed Provenance = "computed"
	// ProvenanceCached marks a result served from the result cache.
	ProvenanceCached Provenance = "cached"
	// ProvenanceFallback marks a degraded result from the fallback path.
	ProvenanceFallback Provenance = "fallback"
)

// Result is the outcome of a prediction. It is immutable once produced and
// owned exclusively by the caller that receives it; the cache keeps its own
// copy, so callers must not expect mutations to be reflected anywhere.
type Result struct {
	RequestID  string         `json:"request_id"`
	Label      string         `json:"label"`
	Confidence float64        `json:"confidence"`
	Provenance Provenance     `json:"provenance"`
	Latency    time.Duration  `json:"latency"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Clone returns a copy with its own detail map. The cache stores clones so a
// caller mutating a returned result can never alias back into a cached entry.
func (r *Result) Clone() *Result {
	out := *r
	if r.Detail != nil {
		out.Detail = make(map[string]any, len(r.Detail))
		for k, v := range r.Detail {
			out.Detail[k] = v
		}
	}
	return &out
}

// Valid reports whether the result passes basic shape validation. A cached
// value failing this check is treated as a miss, never as an error.
func (r *Result) Valid() bool {
	return r != nil && r.Provenance != "" && r.Confidence >= 0 && r.Confidence <= 1
}
