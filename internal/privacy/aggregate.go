// Package privacy implements the supplemented privacy-preserving aggregate
// reporting endpoint: k-anonymized, Laplace-noised counts of a configured
// event field over a trailing time window. Adapted from the teacher's
// internal/privacy package, generalized from a hardcoded "mint" token
// field to a configurable field path, and re-sourced from a sink.Sink's
// Query rather than the teacher's own JSONL event log (superseded here by
// the CSV Sink). Entirely additive: it never touches the MAC chain.
package privacy

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/sealedledger/assure/internal/sink"
)

// FieldCount is one reported value's redacted/noised occurrence count.
type FieldCount struct {
	Value     string  `json:"value"`
	Count     int     `json:"count"`
	Noised    float64 `json:"noised"`
	WindowHrs int     `json:"window_hours"`
}

// Summary is the full aggregate report for one field path.
type Summary struct {
	FieldPath      string       `json:"field_path"`
	Items          []FieldCount `json:"items"`
	RedactedCount  int          `json:"redacted_count"`
	TotalSeen      int          `json:"total_seen"`
	AppliedK       int          `json:"k"`
	AppliedEpsilon float64      `json:"epsilon"`
}

// FieldCounts scans topic through src, counting occurrences of the value at
// fieldPath (a dot-separated path: the first segment names a schema field,
// further segments walk the JSON object rendered into that field's cell)
// across rows whose "timestamp" field falls within the trailing window.
func FieldCounts(ctx context.Context, src sink.Sink, topic, fieldPath string, window time.Duration) (map[string]int, error) {
	counts := map[string]int{}
	cutoff := time.Now().Add(-window)

	_, err := src.Query(ctx, topic, nil, func(r sink.Result) bool {
		if ts, ok := r.Fields["timestamp"].(string); ok && ts != "" {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil && parsed.Before(cutoff) {
				return false
			}
		}
		if value := extractFieldPath(r.Fields, fieldPath); value != "" {
			counts[value]++
		}
		return false
	})
	return counts, err
}

// extractFieldPath resolves path against fields. A schema field name may
// itself contain dots (e.g. "client.ip"), so an exact match against fields
// is tried first; only once that fails is the leading segment before the
// first dot treated as the schema field and the remainder as a walk into
// that field's JSON-rendered nested value.
func extractFieldPath(fields map[string]any, path string) string {
	if raw, ok := fields[path]; ok {
		s, ok := raw.(string)
		if !ok {
			return ""
		}
		return strings.TrimSpace(s)
	}

	idx := strings.Index(path, ".")
	if idx < 0 {
		return ""
	}
	head, rest := path[:idx], path[idx+1:]
	raw, ok := fields[head]
	if !ok {
		return ""
	}
	text, ok := raw.(string)
	if !ok {
		return ""
	}
	var nested map[string]any
	if err := json.Unmarshal([]byte(text), &nested); err != nil {
		return ""
	}
	return extractFromMap(nested, rest)
}

func extractFromMap(m map[string]any, path string) string {
	idx := strings.Index(path, ".")
	if idx < 0 {
		v, ok := m[path]
		if !ok {
			return ""
		}
		s, ok := v.(string)
		if !ok {
			return ""
		}
		return strings.TrimSpace(s)
	}
	head, rest := path[:idx], path[idx+1:]
	v, ok := m[head]
	if !ok {
		return ""
	}
	sub, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	return extractFromMap(sub, rest)
}

// Summarize applies k-anonymity suppression (values seen fewer than k
// times are redacted) and Laplace noise (scale 1/epsilon) to counts.
func Summarize(fieldPath string, counts map[string]int, k int, epsilon float64, seed int64, windowHours int) Summary {
	if k <= 0 {
		k = 1
	}
	if epsilon <= 0 {
		epsilon = 0.7
	}

	redacted := 0
	items := make([]FieldCount, 0, len(counts))
	var rng *rand.Rand
	if seed == 0 {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	} else {
		rng = rand.New(rand.NewSource(seed))
	}
	for value, count := range counts {
		if count < k {
			redacted++
			continue
		}
		noise := laplace(rng, 1/epsilon)
		items = append(items, FieldCount{
			Value:     value,
			Count:     count,
			Noised:    float64(count) + noise,
			WindowHrs: windowHours,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Noised > items[j].Noised
	})

	total := 0
	for _, v := range counts {
		total += v
	}

	return Summary{
		FieldPath:      fieldPath,
		Items:          items,
		RedactedCount:  redacted,
		TotalSeen:      total,
		AppliedK:       k,
		AppliedEpsilon: epsilon,
	}
}

func laplace(rng *rand.Rand, scale float64) float64 {
	if scale <= 0 {
		return 0
	}
	u := rng.Float64() - 0.5
	sign := 1.0
	if u < 0 {
		sign = -1.0
	}
	return -scale * sign * math.Log(1-2*math.Abs(u))
}
