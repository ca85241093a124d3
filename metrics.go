// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package publisher

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter is an atomic counter.
type Counter struct {
	value atomic.Int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) {
	c.value.Add(delta)
}

// Value returns the current value.
func (c *Counter) Value() int64 {
	return c.value.Load()
}

// Reset sets the counter to zero.
func (c *Counter) Reset() {
	c.value.Store(0)
}

var latencyBounds = []struct {
	label string
	ms    float64
}{
	{"1ms", 1}, {"5ms", 5}, {"10ms", 10}, {"25ms", 25}, {"50ms", 50},
	{"100ms", 100}, {"250ms", 250}, {"500ms", 500}, {"1s", 1000}, {"5s+", 5000},
}

// LatencyHistogram tracks a latency distribution in fixed millisecond buckets.
type LatencyHistogram struct {
	mu      sync.Mutex
	buckets [10]int64
	sum     float64
	count   int64
	min     float64
	max     float64
}

// NewLatencyHistogram returns an empty histogram.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{min: -1, max: -1}
}

// Observe records one observation.
func (h *LatencyHistogram) Observe(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0

	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += ms
	h.count++
	if h.min < 0 || ms < h.min {
		h.min = ms
	}
	if ms > h.max {
		h.max = ms
	}
	for i, b := range latencyBounds {
		if ms <= b.ms {
			h.buckets[i]++
			return
		}
	}
	h.buckets[len(h.buckets)-1]++
}

// Stats returns a snapshot.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := LatencyStats{Count: h.count, Sum: h.sum, Buckets: make(map[string]int64, len(h.buckets))}
	if h.count > 0 {
		s.Avg = h.sum / float64(h.count)
		s.Min = h.min
		s.Max = h.max
	}
	for i, c := range h.buckets {
		s.Buckets[latencyBounds[i].label] = c
	}
	return s
}

// LatencyStats holds latency statistics in milliseconds.
type LatencyStats struct {
	Count   int64
	Sum     float64
	Avg     float64
	Min     float64
	Max     float64
	Buckets map[string]int64
}

// PoolMetrics holds session pool metrics.
type PoolMetrics struct {
	OpenSessions   Counter
	SessionsOpened Counter
	SessionsClosed Counter
	OpenFailures   Counter
	Acquires       Counter
	Releases       Counter
	OpenDuration   *LatencyHistogram
}

// NewPoolMetrics returns zeroed pool metrics.
func NewPoolMetrics() *PoolMetrics {
	return &PoolMetrics{OpenDuration: NewLatencyHistogram()}
}

// Collect returns the pool metrics as a map.
func (m *PoolMetrics) Collect() map[string]interface{} {
	return map[string]interface{}{
		"open_sessions":   m.OpenSessions.Value(),
		"sessions_opened": m.SessionsOpened.Value(),
		"sessions_closed": m.SessionsClosed.Value(),
		"open_failures":   m.OpenFailures.Value(),
		"acquires":        m.Acquires.Value(),
		"releases":        m.Releases.Value(),
		"open_duration":   m.OpenDuration.Stats(),
	}
}

// EngineMetrics holds subscription and notification metrics.
type EngineMetrics struct {
	Subscriptions    Counter
	MonitoredItems   Counter
	ItemFailures     Counter
	PublishResponses Counter
	DataChanges      Counter
	Events           Counter
	Heartbeats       Counter
	CyclicReads      Counter
	Rebrowses        Counter
	ErrorRecords     Counter
	Dropped          Counter
	DispatchFailures Counter
	DispatchLatency  *LatencyHistogram
}

// NewEngineMetrics returns zeroed engine metrics.
func NewEngineMetrics() *EngineMetrics {
	return &EngineMetrics{DispatchLatency: NewLatencyHistogram()}
}

// Collect returns the engine metrics as a map.
func (m *EngineMetrics) Collect() map[string]interface{} {
	return map[string]interface{}{
		"subscriptions":     m.Subscriptions.Value(),
		"monitored_items":   m.MonitoredItems.Value(),
		"item_failures":     m.ItemFailures.Value(),
		"publish_responses": m.PublishResponses.Value(),
		"data_changes":      m.DataChanges.Value(),
		"events":            m.Events.Value(),
		"heartbeats":        m.Heartbeats.Value(),
		"cyclic_reads":      m.CyclicReads.Value(),
		"rebrowses":         m.Rebrowses.Value(),
		"error_records":     m.ErrorRecords.Value(),
		"dropped":           m.Dropped.Value(),
		"dispatch_failures": m.DispatchFailures.Value(),
		"dispatch_latency":  m.DispatchLatency.Stats(),
	}
}
