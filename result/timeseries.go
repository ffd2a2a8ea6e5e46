// Package result defines the shape returned by value_series and
// aggregate_series queries. Arithmetic on a TimeSeries (addition, scalar
// scaling, and the like) is explicitly out of scope: callers needing that
// should fold points themselves.
package result

import "github.com/nullstream/gauged/querycontext"

// TimeSeries is an ordered, fixed-interval sequence of query steps, each
// either a value or "no value" (HasValue false). Start is the timestamp of
// the first step; every subsequent step is Start + i*Interval.
type TimeSeries struct {
	Start    int64
	Interval int64
	Points   []querycontext.SeriesPoint
}

// New wraps points produced by Context.ValueSeries/AggregateSeries.
func New(start, interval int64, points []querycontext.SeriesPoint) TimeSeries {
	return TimeSeries{Start: start, Interval: interval, Points: points}
}

// Len is the number of steps.
func (ts TimeSeries) Len() int { return len(ts.Points) }

// At returns the i-th step's value and whether it is present.
func (ts TimeSeries) At(i int) (float32, bool) {
	if i < 0 || i >= len(ts.Points) {
		return 0, false
	}
	p := ts.Points[i]
	return p.Value, p.HasValue
}

// StepStart returns the timestamp of the i-th step.
func (ts TimeSeries) StepStart(i int) int64 {
	return ts.Start + int64(i)*ts.Interval
}

// Values returns the dense []float32 view used by callers that want to
// ignore presence and treat "no value" steps as a zero. Prefer iterating
// Points directly when the distinction matters.
func (ts TimeSeries) Values() []float32 {
	out := make([]float32, len(ts.Points))
	for i, p := range ts.Points {
		out[i] = p.Value
	}
	return out
}
