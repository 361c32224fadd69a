package core

import (
	"context"
	"maps"
)

// NopMetricsRecorder drops every sample. It is the default when no recorder
// is wired into the engine.
type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string)         {}
func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}
func (NopMetricsRecorder) SetGauge(context.Context, string, float64, map[string]string)         {}

func cloneTags(tags map[string]string) map[string]string {
	copied := maps.Clone(tags)
	if copied == nil {
		copied = map[string]string{}
	}
	return copied
}

var (
	_ MetricsRecorder = NopMetricsRecorder{}
	_ GaugeRecorder   = NopMetricsRecorder{}
)
