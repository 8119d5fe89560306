// Package query builds the SQL sent to the backend and reshapes the row sets
// it returns. The backend's SQL dialect has no aggregate functions, so
// aggregate queries are rewritten to plain SELECTs and the aggregation runs
// here instead.
package query

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	aggregateRe = regexp.MustCompile(`(?i)\b(avg|min|max|count|stddev)\s*\(`)
	fromRe      = regexp.MustCompile(`(?i)\bFROM\s+(\S+)`)
	whereRe     = regexp.MustCompile(`(?is)\bWHERE\b(.+)$`)

	// Sub-second precision beyond microseconds breaks timestamp parsing
	// and carries no information at bucket granularity.
	fracRe = regexp.MustCompile(`(\.\d{6})\d+`)
)

// rowListKeys are the envelope fields backends wrap row sets in.
var rowListKeys = []string{"rows", "data", "results", "Query"}

// Rows extracts a list of row objects from a raw result payload. The payload
// may be a bare JSON array or an object wrapping one under a known key;
// anything else yields an empty slice.
func Rows(raw json.RawMessage) []map[string]any {
	var asList []map[string]any
	if err := json.Unmarshal(raw, &asList); err == nil {
		return asList
	}
	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return nil
	}
	for _, key := range rowListKeys {
		inner, ok := asObject[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(inner, &asList); err == nil {
			return asList
		}
	}
	return nil
}

// Stats is the aggregate summary returned in place of rewritten aggregate
// queries. Fields are pointers so an empty row set serializes as nulls.
type Stats struct {
	Mean   *float64 `json:"mean"`
	Min    *float64 `json:"minv"`
	Max    *float64 `json:"maxv"`
	Stddev *float64 `json:"stddev"`
	N      int      `json:"n"`
}

// ComputeStats summarizes the "value" column of rows. Non-numeric and
// missing values are skipped; all numbers are rounded to six decimals.
func ComputeStats(rows []map[string]any) Stats {
	vals := collectValues(rows, func(row map[string]any) any { return row["value"] })
	if len(vals) == 0 {
		return Stats{}
	}
	mean := round6(sum(vals) / float64(len(vals)))
	minV := round6(minOf(vals))
	maxV := round6(maxOf(vals))
	sd := round6(pstdev(vals))
	return Stats{Mean: &mean, Min: &minV, Max: &maxV, Stddev: &sd, N: len(vals)}
}

// Bucket is one time-window aggregate produced by BucketRows.
type Bucket struct {
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Stddev    float64 `json:"stddev"`
	Count     int     `json:"count"`
}

// BucketRows groups rows into fixed windows of bucketSecs by their timestamp
// column and aggregates the "value" column per window. Rows with a missing
// or unparseable value or timestamp are dropped. Output is ordered by
// window start.
func BucketRows(rows []map[string]any, tsCol string, bucketSecs int64) []Bucket {
	if bucketSecs <= 0 {
		return []Bucket{}
	}
	grouped := make(map[int64][]float64)
	for _, row := range rows {
		v, ok := toFloat(row["value"])
		if !ok {
			continue
		}
		rawTS := row[tsCol]
		if rawTS == nil {
			rawTS = row["timestamp"]
		}
		ts, ok := rawTS.(string)
		if !ok {
			continue
		}
		at, err := ParseTimestamp(ts)
		if err != nil {
			continue
		}
		window := (at.Unix() / bucketSecs) * bucketSecs
		grouped[window] = append(grouped[window], v)
	}

	windows := make([]int64, 0, len(grouped))
	for w := range grouped {
		windows = append(windows, w)
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i] < windows[j] })

	out := make([]Bucket, 0, len(windows))
	for _, w := range windows {
		vals := grouped[w]
		out = append(out, Bucket{
			Timestamp: time.Unix(w, 0).UTC().Format(time.RFC3339),
			Value:     round6(sum(vals) / float64(len(vals))),
			Min:       round6(minOf(vals)),
			Max:       round6(maxOf(vals)),
			Stddev:    round6(pstdev(vals)),
			Count:     len(vals),
		})
	}
	return out
}

// BucketSeconds maps a unit name and interval length to a window size in
// seconds. Unknown units fall back to minutes.
func BucketSeconds(unit string, length int) int64 {
	secs := map[string]int64{
		"minute": 60,
		"hour":   3600,
		"day":    86400,
		"week":   604800,
		"month":  2592000,
	}
	base, ok := secs[strings.ToLower(unit)]
	if !ok {
		base = 60
	}
	return base * int64(length)
}

// RewriteAggregate detects aggregate-function SQL and rewrites it to a plain
// value/timestamp SELECT over the same table and WHERE clause, so the
// aggregation can run locally. Returns ok=false when sql has no aggregate.
// A query without a WHERE clause gets a lookback window of hours.
func RewriteAggregate(sql string, hours float64) (string, bool) {
	if !aggregateRe.MatchString(sql) {
		return "", false
	}
	table := "unknown"
	if m := fromRe.FindStringSubmatch(sql); m != nil {
		table = m[1]
	}
	where := fmt.Sprintf(" WHERE timestamp >= NOW() - %g hours", hours)
	if m := whereRe.FindStringSubmatch(sql); m != nil {
		where = " WHERE " + strings.TrimSpace(m[1])
	}
	return "SELECT value, timestamp FROM " + table + where, true
}

// IncrementsSQL builds the raw range SELECT behind time-series increment
// requests. Bucketing happens locally after the rows come back.
func IncrementsSQL(table, tsCol, start, end string) string {
	return fmt.Sprintf(
		"SELECT value, %s FROM %s WHERE %s >= '%s' AND %s < '%s'",
		tsCol, table, tsCol, start, tsCol, end,
	)
}

// NodeIncrementsSQL builds an increments() query for nodes whose SQL engine
// does the bucketing server-side.
func NodeIncrementsSQL(table, tsCol, start, end, unit string, interval int, projections []string) string {
	return fmt.Sprintf(
		"SELECT increments(%s, %d, %s), %s FROM %s WHERE %s >= '%s' AND %s <= '%s' ORDER BY %s",
		unit, interval, tsCol, strings.Join(projections, ", "), table, tsCol, start, tsCol, end, tsCol,
	)
}

// ParseTimestamp parses the backend's loosely ISO-8601 timestamps: space or
// T separator, optional fractional seconds of any precision, optional zone
// (naive timestamps are taken as UTC).
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.Replace(strings.TrimSpace(s), " ", "T", 1)
	s = fracRe.ReplaceAllString(s, "$1")
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
}

func collectValues(rows []map[string]any, pick func(map[string]any) any) []float64 {
	vals := make([]float64, 0, len(rows))
	for _, row := range rows {
		if v, ok := toFloat(pick(row)); ok {
			vals = append(vals, v)
		}
	}
	return vals
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func sum(vals []float64) float64 {
	var total float64
	for _, v := range vals {
		total += v
	}
	return total
}

func minOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		m = math.Min(m, v)
	}
	return m
}

func maxOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		m = math.Max(m, v)
	}
	return m
}

// pstdev is the population standard deviation; a single sample has zero
// spread by definition.
func pstdev(vals []float64) float64 {
	n := float64(len(vals))
	if n < 2 {
		return 0
	}
	mean := sum(vals) / n
	var ss float64
	for _, v := range vals {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / n)
}
