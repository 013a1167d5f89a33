// Package metrics exposes process-level counters and gauges for the socket
// toolkit, backed by Prometheus. Components record lifecycle edges (starts,
// accepts, disconnects, errors) here; per-instance byte/packet counters live
// on the components themselves.
package metrics

// Policy describes how repeated values for one metric combine over time.
type Policy int

const (
	PolicyNone      Policy = iota // unspecified
	PolicySet                     // last value wins
	PolicySum                     // sum of all values
	PolicyAvg                     // average
	PolicyMax                     // maximum
	PolicyMin                     // minimum
	PolicyMid                     // median
	PolicyStopwatch               // duration measurement
	PolicyHistogram               // distribution statistics
)

// Value is a metric sample.
type Value float64

// Dimension carries contextual labels for a sample, such as the component
// name or an error class.
type Dimension map[string]string
