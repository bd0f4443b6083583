package analyzer

import (
	"fmt"
	"net/netip"
	"sort"
	"time"
)

// Detection is one group that crossed the threshold.
type Detection struct {
	Key           string    `json:"key"`
	TotalCount    int       `json:"total_count"`
	DistinctCount int       `json:"distinct_count"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// compareValue is what the threshold operator is applied to.
func (d Detection) compareValue(distinct bool) int {
	if distinct {
		return d.DistinctCount
	}
	return d.TotalCount
}

type group struct {
	count    int
	first    time.Time
	last     time.Time
	distinct map[string]struct{}
}

// detect groups entries by the groupby field, tracks counts and temporal
// bounds, and emits the groups satisfying the threshold, sorted by their
// compare value descending.
func detect(entries []LogEntry, a *Analyzer) []Detection {
	det := a.Detection
	groups := map[string]*group{}

	for _, e := range entries {
		keyVal, ok := e.Fields[det.GroupBy]
		if !ok {
			continue
		}
		key := fmt.Sprint(keyVal)
		if key == "" {
			continue
		}

		g := groups[key]
		if g == nil {
			g = &group{first: e.Timestamp, last: e.Timestamp}
			if det.Distinct != "" {
				g.distinct = map[string]struct{}{}
			}
			groups[key] = g
		}
		g.count++
		if !e.Timestamp.IsZero() {
			if g.first.IsZero() || e.Timestamp.Before(g.first) {
				g.first = e.Timestamp
			}
			if e.Timestamp.After(g.last) {
				g.last = e.Timestamp
			}
		}
		if det.Distinct != "" {
			if dv, ok := e.Fields[det.Distinct]; ok {
				g.distinct[fmt.Sprint(dv)] = struct{}{}
			}
		}
	}

	useDistinct := det.Distinct != ""
	var out []Detection
	for key, g := range groups {
		d := Detection{
			Key:           key,
			TotalCount:    g.count,
			DistinctCount: len(g.distinct),
			FirstSeen:     g.first,
			LastSeen:      g.last,
		}
		if thresholdMet(d.compareValue(useDistinct), det.Operator, det.Threshold) {
			out = append(out, d)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		vi, vj := out[i].compareValue(useDistinct), out[j].compareValue(useDistinct)
		if vi != vj {
			return vi > vj
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func thresholdMet(value int, operator string, threshold int) bool {
	switch operator {
	case ">", "gt":
		return value > threshold
	case ">=", "gte":
		return value >= threshold
	case "<", "lt":
		return value < threshold
	case "<=", "lte":
		return value <= threshold
	case "==", "eq":
		return value == threshold
	case "!=", "ne":
		return value != threshold
	}
	return false
}

// Whitelist suppresses detections for trusted addresses: exact entries
// and CIDR ranges, v4 and v6.
type Whitelist struct {
	exact    map[string]struct{}
	prefixes []netip.Prefix
}

// NewWhitelist parses entries; unparseable non-CIDR entries still match
// exactly as strings.
func NewWhitelist(entries []string) *Whitelist {
	w := &Whitelist{exact: map[string]struct{}{}}
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			w.prefixes = append(w.prefixes, p)
			continue
		}
		w.exact[e] = struct{}{}
	}
	return w
}

// Contains reports whether key is whitelisted.
func (w *Whitelist) Contains(key string) bool {
	if _, ok := w.exact[key]; ok {
		return true
	}
	addr, err := netip.ParseAddr(key)
	if err != nil {
		return false
	}
	for _, p := range w.prefixes {
		if p.Addr().Is4() == addr.Is4() && p.Contains(addr) {
			return true
		}
	}
	return false
}

// Size returns the number of whitelist entries.
func (w *Whitelist) Size() int { return len(w.exact) + len(w.prefixes) }
