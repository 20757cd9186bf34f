package aggregates

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentworkforce/govsync/internal/cache"
	"github.com/agentworkforce/govsync/internal/clock"
)

const OverviewKey = "overview"

type Overview struct {
	Counts  map[string]int `json:"counts"`
	Missing []string       `json:"missing,omitempty"`
	BuiltAt time.Time      `json:"built_at"`
}

// OverviewComposite counts the entries of each constituent: array length,
// object size, or 1 for a scalar.
func OverviewComposite(constituents []string, ttl time.Duration, c clock.Clock) cache.Composite {
	c = clock.OrReal(c)
	keys := append([]string(nil), constituents...)
	return cache.Composite{
		Key:          OverviewKey,
		TTL:          ttl,
		Constituents: keys,
		Build: func(_ context.Context, values map[string]json.RawMessage) (json.RawMessage, error) {
			ov := Overview{Counts: map[string]int{}, BuiltAt: c.Now().UTC()}
			for _, key := range keys {
				raw, ok := values[key]
				if !ok {
					ov.Missing = append(ov.Missing, key)
					continue
				}
				ov.Counts[key] = countOf(raw)
			}
			return json.Marshal(ov)
		},
	}
}

func countOf(raw json.RawMessage) int {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		return len(arr)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		return len(obj)
	}
	return 1
}
