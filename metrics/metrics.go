// Package metrics records the scalar statistics emitted by experience
// collection, such as reward moments, KL estimates and timings.
package metrics

import (
	"fmt"
	"sort"
	"strings"

	"k8s.io/klog/v2"
)

// Sink receives one batch of named scalar statistics per collection iteration.
type Sink interface {
	Record(stats map[string]float64, step int)
}

// Klog logs every recorded statistic at the configured verbosity level.
type Klog struct {
	// V is the klog verbosity the statistics are logged at.
	V klog.Level
}

func (k Klog) Record(stats map[string]float64, step int) {
	if !klog.V(k.V).Enabled() {
		return
	}
	keys := make([]string, 0, len(stats))
	for key := range stats {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%.6g", key, stats[key]))
	}
	klog.Infof("step %d: %s", step, strings.Join(parts, " "))
}

// Multi fans out every record to several sinks.
type Multi []Sink

func (m Multi) Record(stats map[string]float64, step int) {
	for _, sink := range m {
		sink.Record(stats, step)
	}
}

// Discard drops every record.
type Discard struct{}

func (Discard) Record(stats map[string]float64, step int) {}
