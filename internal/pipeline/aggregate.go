package pipeline

import (
	"sort"
	"strings"

	"github.com/accountex-org/reportstream/pkg/errors"
	"github.com/accountex-org/reportstream/pkg/models"
)

// Aggregation kinds supported for numeric fields.
const (
	AggSum          = "sum"
	AggCount        = "count"
	AggAvg          = "avg"
	AggMin          = "min"
	AggMax          = "max"
	AggRunningTotal = "running_total"
)

// groupKeySeparator joins group key tuple values into a map key.
const groupKeySeparator = "\x1f"

// avgPair keeps average state as an undivided (sum, count) pair so
// partial states merge exactly; division is deferred to Finalize.
type avgPair struct {
	Sum   float64 `json:"sum"`
	Count int64   `json:"count"`
}

// fieldStats holds per-field aggregation values for one scope (global
// or one group).
type fieldStats struct {
	Count        int64              `json:"count"`
	Sum          map[string]float64 `json:"sum,omitempty"`
	Min          map[string]float64 `json:"min,omitempty"`
	Max          map[string]float64 `json:"max,omitempty"`
	RunningTotal map[string]float64 `json:"running_total,omitempty"`
	Avg          map[string]avgPair `json:"avg,omitempty"`
}

func newFieldStats() *fieldStats {
	return &fieldStats{
		Sum:          make(map[string]float64),
		Min:          make(map[string]float64),
		Max:          make(map[string]float64),
		RunningTotal: make(map[string]float64),
		Avg:          make(map[string]avgPair),
	}
}

// apply folds one record's numeric fields into the stats.
func (fs *fieldStats) apply(kinds map[string]bool, rec *models.Record, numericFields []string) {
	if kinds[AggCount] {
		fs.Count++
	}

	for _, field := range numericFields {
		v, ok := rec.Float(field)
		if !ok {
			continue
		}

		if kinds[AggSum] {
			fs.Sum[field] += v
		}
		if kinds[AggRunningTotal] {
			fs.RunningTotal[field] += v
		}
		if kinds[AggMin] {
			if cur, seen := fs.Min[field]; !seen || v < cur {
				fs.Min[field] = v
			}
		}
		if kinds[AggMax] {
			if cur, seen := fs.Max[field]; !seen || v > cur {
				fs.Max[field] = v
			}
		}
		if kinds[AggAvg] {
			pair := fs.Avg[field]
			pair.Sum += v
			pair.Count++
			fs.Avg[field] = pair
		}
	}
}

// merge combines another partial state into this one. count sums;
// sum/min/max/running_total combine elementwise, ignoring fields absent
// on either side; avg combines (sum, count) pairs.
func (fs *fieldStats) merge(other *fieldStats) {
	fs.Count += other.Count

	for f, v := range other.Sum {
		fs.Sum[f] += v
	}
	for f, v := range other.RunningTotal {
		fs.RunningTotal[f] += v
	}
	for f, v := range other.Min {
		if cur, seen := fs.Min[f]; !seen || v < cur {
			fs.Min[f] = v
		}
	}
	for f, v := range other.Max {
		if cur, seen := fs.Max[f]; !seen || v > cur {
			fs.Max[f] = v
		}
	}
	for f, v := range other.Avg {
		pair := fs.Avg[f]
		pair.Sum += v.Sum
		pair.Count += v.Count
		fs.Avg[f] = pair
	}
}

// Grouping is one grouping configuration: a tuple of group key fields
// with a hard cardinality ceiling. Once at the ceiling, unseen group
// values are rejected (counted, not stored) while existing groups keep
// accumulating normally.
type Grouping struct {
	Fields    []string               `json:"fields"`
	MaxGroups int                    `json:"max_groups"`
	Groups    map[string]*fieldStats `json:"groups"`
	Rejected  int64                  `json:"rejected"`
}

// key returns the grouping's identity within the aggregation state.
func (g *Grouping) key() string {
	return strings.Join(g.Fields, ",")
}

// groupValue extracts the record's group key tuple as a single string.
func (g *Grouping) groupValue(rec *models.Record) string {
	parts := make([]string, len(g.Fields))
	for i, f := range g.Fields {
		parts[i] = rec.FieldString(f)
	}
	return strings.Join(parts, groupKeySeparator)
}

// AggregationState is the running aggregation owned by exactly one
// worker during streaming. It is never mutated concurrently: ownership
// transfers to the merge step only after stream completion.
type AggregationState struct {
	kinds         map[string]bool
	numericFields []string

	Global  *fieldStats          `json:"global"`
	Grouped map[string]*Grouping `json:"grouped,omitempty"`
	Records int64                `json:"records"`
}

// NewAggregationState creates state for the given aggregation kinds,
// numeric fields, and grouping configurations.
func NewAggregationState(kinds, numericFields []string, groupings [][]string, maxGroups int) *AggregationState {
	kindSet := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	st := &AggregationState{
		kinds:         kindSet,
		numericFields: numericFields,
		Global:        newFieldStats(),
		Grouped:       make(map[string]*Grouping),
	}

	for _, fields := range groupings {
		if len(fields) == 0 {
			continue
		}
		g := &Grouping{
			Fields:    fields,
			MaxGroups: maxGroups,
			Groups:    make(map[string]*fieldStats),
		}
		st.Grouped[g.key()] = g
	}

	return st
}

// Apply folds one record into the state. The returned count is how many
// grouping configurations rejected the record for exceeding max_groups;
// the record still contributes to global aggregations and to any
// grouping that accepted it.
func (st *AggregationState) Apply(rec *models.Record) int {
	st.Records++
	st.Global.apply(st.kinds, rec, st.numericFields)

	rejected := 0
	for _, g := range st.Grouped {
		value := g.groupValue(rec)
		stats, ok := g.Groups[value]
		if !ok {
			if g.MaxGroups > 0 && len(g.Groups) >= g.MaxGroups {
				g.Rejected++
				rejected++
				continue
			}
			stats = newFieldStats()
			g.Groups[value] = stats
		}
		stats.apply(st.kinds, rec, st.numericFields)
	}
	return rejected
}

// GroupCount returns the distinct group count for the first grouping
// configuration, for telemetry snapshots.
func (st *AggregationState) GroupCount() int {
	for _, g := range st.Grouped {
		return len(g.Groups)
	}
	return 0
}

// RejectedCount returns total cardinality rejections across groupings.
func (st *AggregationState) RejectedCount() int64 {
	var total int64
	for _, g := range st.Grouped {
		total += g.Rejected
	}
	return total
}

// Merge combines another partial state into this one. Correct partition
// hashing guarantees each group key lives in exactly one partition, so
// the grouped union is conflict-free; a colliding key is still merged
// rather than dropped.
func (st *AggregationState) Merge(other *AggregationState) error {
	if other == nil {
		return errors.New(errors.ErrorTypeMerge, "cannot merge nil aggregation state")
	}

	st.Records += other.Records
	st.Global.merge(other.Global)

	for key, og := range other.Grouped {
		g, ok := st.Grouped[key]
		if !ok {
			st.Grouped[key] = og
			continue
		}
		g.Rejected += og.Rejected
		for value, stats := range og.Groups {
			if existing, exists := g.Groups[value]; exists {
				existing.merge(stats)
			} else {
				g.Groups[value] = stats
			}
		}
	}

	return nil
}

// GroupResult is one group's finalized aggregation values.
type GroupResult struct {
	Count        int64              `json:"count"`
	Sum          map[string]float64 `json:"sum,omitempty"`
	Avg          map[string]float64 `json:"avg,omitempty"`
	Min          map[string]float64 `json:"min,omitempty"`
	Max          map[string]float64 `json:"max,omitempty"`
	RunningTotal map[string]float64 `json:"running_total,omitempty"`
}

// GroupedResult is one grouping configuration's finalized output.
type GroupedResult struct {
	Fields   []string               `json:"fields"`
	Groups   map[string]GroupResult `json:"groups"`
	Rejected int64                  `json:"rejected"`
}

// Result is the finalized aggregation output with averages divided.
type Result struct {
	Records      int64                    `json:"records"`
	Count        int64                    `json:"count"`
	Sum          map[string]float64       `json:"sum,omitempty"`
	Avg          map[string]float64       `json:"avg,omitempty"`
	Min          map[string]float64       `json:"min,omitempty"`
	Max          map[string]float64       `json:"max,omitempty"`
	RunningTotal map[string]float64       `json:"running_total,omitempty"`
	Grouped      map[string]GroupedResult `json:"grouped,omitempty"`
}

// GroupNames returns the sorted group values of one grouping in the result.
func (r *Result) GroupNames(groupingKey string) []string {
	grouped, ok := r.Grouped[groupingKey]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(grouped.Groups))
	for name := range grouped.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Finalize computes the divided averages and returns the result.
func (st *AggregationState) Finalize() *Result {
	res := &Result{
		Records:      st.Records,
		Count:        st.Global.Count,
		Sum:          st.Global.Sum,
		Min:          st.Global.Min,
		Max:          st.Global.Max,
		RunningTotal: st.Global.RunningTotal,
		Avg:          finalizeAvg(st.Global.Avg),
	}

	if len(st.Grouped) > 0 {
		res.Grouped = make(map[string]GroupedResult, len(st.Grouped))
		for key, g := range st.Grouped {
			groups := make(map[string]GroupResult, len(g.Groups))
			for value, stats := range g.Groups {
				groups[value] = GroupResult{
					Count:        stats.Count,
					Sum:          stats.Sum,
					Min:          stats.Min,
					Max:          stats.Max,
					RunningTotal: stats.RunningTotal,
					Avg:          finalizeAvg(stats.Avg),
				}
			}
			res.Grouped[key] = GroupedResult{
				Fields:   g.Fields,
				Groups:   groups,
				Rejected: g.Rejected,
			}
		}
	}

	return res
}

func finalizeAvg(pairs map[string]avgPair) map[string]float64 {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]float64, len(pairs))
	for f, pair := range pairs {
		if pair.Count > 0 {
			out[f] = pair.Sum / float64(pair.Count)
		}
	}
	return out
}
