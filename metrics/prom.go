package metrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registry lazily creates one Prometheus collector per (group, name, label
// set) triple. Metric names are rendered as talon_<group>_<name>.
type registry struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
}

var _registry = &registry{
	registerer: prometheus.DefaultRegisterer,
	counters:   make(map[string]*prometheus.CounterVec),
	gauges:     make(map[string]*prometheus.GaugeVec),
}

// SetRegisterer redirects all subsequently created collectors to r and
// drops the cache, so even already-seen metrics re-register against the new
// registerer. Call at startup, before any component records a metric.
func SetRegisterer(r prometheus.Registerer) {
	_registry.mu.Lock()
	defer _registry.mu.Unlock()
	_registry.registerer = r
	_registry.counters = make(map[string]*prometheus.CounterVec)
	_registry.gauges = make(map[string]*prometheus.GaugeVec)
}

// IncrCounterWithGroup adds v to the named counter within a metric group.
func IncrCounterWithGroup(group, name string, v Value) {
	IncrCounterWithDimGroup(group, name, v, nil)
}

// IncrCounterWithDimGroup adds v to the named counter with dimension labels.
// The label key set must be stable across calls for a given metric.
func IncrCounterWithDimGroup(group, name string, v Value, dims Dimension) {
	keys, vals := splitDims(dims)
	_registry.counter(group, name, keys).WithLabelValues(vals...).Add(float64(v))
}

// UpdateGaugeWithGroup sets the named gauge within a metric group.
func UpdateGaugeWithGroup(group, name string, v Value) {
	UpdateGaugeWithDimGroup(group, name, v, nil)
}

// UpdateGaugeWithDimGroup sets the named gauge with dimension labels.
func UpdateGaugeWithDimGroup(group, name string, v Value, dims Dimension) {
	keys, vals := splitDims(dims)
	_registry.gauge(group, name, keys).WithLabelValues(vals...).Set(float64(v))
}

func splitDims(dims Dimension) ([]string, []string) {
	if len(dims) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = dims[k]
	}
	return keys, vals
}

func collectorKey(group, name string, labels []string) string {
	return group + "/" + name + "/" + strings.Join(labels, ",")
}

func (r *registry) counter(group, name string, labels []string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := collectorKey(group, name, labels)
	if c, ok := r.counters[key]; ok {
		return c
	}

	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "talon",
		Subsystem: group,
		Name:      name,
	}, labels)
	if err := r.registerer.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			c = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	r.counters[key] = c
	return c
}

func (r *registry) gauge(group, name string, labels []string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := collectorKey(group, name, labels)
	if g, ok := r.gauges[key]; ok {
		return g
	}

	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "talon",
		Subsystem: group,
		Name:      name,
	}, labels)
	if err := r.registerer.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			g = are.ExistingCollector.(*prometheus.GaugeVec)
		}
	}
	r.gauges[key] = g
	return g
}
