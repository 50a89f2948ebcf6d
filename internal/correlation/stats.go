package correlation

import (
	"math"
	"sort"
	"time"

	"github.com/scrypster/anchorflow/pkg/types"
)

// meanVariance returns the mean and population variance of xs.
func meanVariance(xs []float64) (mean, variance float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return mean, variance
}

// coefficientOfVariation is std/mean; it is +Inf for a non-positive mean.
func coefficientOfVariation(mean, variance float64) float64 {
	if mean <= 0 {
		return math.Inf(1)
	}
	return math.Sqrt(variance) / mean
}

func seconds(d time.Duration) float64 { return d.Seconds() }

func fromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x):
		return 0
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}

// groupByStream buckets events per stream, each bucket sorted by time.
func groupByStream(events []*types.Event) (map[string][]*types.Event, []string) {
	byStream := make(map[string][]*types.Event)
	for _, e := range events {
		byStream[e.StreamID] = append(byStream[e.StreamID], e)
	}
	streams := make([]string, 0, len(byStream))
	for s, evs := range byStream {
		types.SortEvents(evs)
		streams = append(streams, s)
	}
	sort.Strings(streams)
	return byStream, streams
}

// lastN returns the final n items of s (all of s when n <= 0 or len(s) <= n).
func lastN[T any](s []T, n int) []T {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
