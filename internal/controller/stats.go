package controller

import (
	"fmt"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// LatencyStats aggregates per-request workflow latencies of one benchmark.
type LatencyStats struct {
	Count      int
	Throughput float64

	Min  time.Duration
	Avg  time.Duration
	P50  time.Duration
	P90  time.Duration
	P99  time.Duration
	P999 time.Duration
	Max  time.Duration
}

// Summarize computes the latency distribution over one wall-clock window.
func Summarize(lats []time.Duration, window time.Duration) LatencyStats {
	if len(lats) == 0 {
		return LatencyStats{}
	}
	sorted := make([]time.Duration, len(lats))
	copy(sorted, lats)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, l := range sorted {
		sum += l
	}

	stats := LatencyStats{
		Count: len(sorted),
		Min:   sorted[0],
		Avg:   sum / time.Duration(len(sorted)),
		P50:   percentile(sorted, 0.5),
		P90:   percentile(sorted, 0.9),
		P99:   percentile(sorted, 0.99),
		P999:  percentile(sorted, 0.999),
		Max:   sorted[len(sorted)-1],
	}
	if window > 0 {
		stats.Throughput = float64(len(sorted)) / window.Seconds()
	}
	return stats
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	i := int(float64(len(sorted)) * q)
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

var statsHeader = table.Row{
	"Requests",
	"Thput (RPS)",
	"Min",
	"Avg",
	"P50",
	"P90",
	"P99",
	"P999",
	"Max",
}

// Render prints the distribution as a table.
func (s LatencyStats) Render() string {
	statsTable := table.NewWriter()
	statsTable.AppendHeader(statsHeader)
	statsTable.AppendRow(table.Row{
		s.Count,
		fmt.Sprintf("%.2f", s.Throughput),
		s.Min.Round(time.Millisecond),
		s.Avg.Round(time.Millisecond),
		s.P50.Round(time.Millisecond),
		s.P90.Round(time.Millisecond),
		s.P99.Round(time.Millisecond),
		s.P999.Round(time.Millisecond),
		s.Max.Round(time.Millisecond),
	})
	return statsTable.Render()
}
