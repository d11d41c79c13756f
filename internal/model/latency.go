// Copyright 2025 Boreline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import (
	"math"
	"sort"
	"sync"
)

// latencyRingSize bounds the per-model sample history.
const latencyRingSize = 1000

// Latencies is a bounded ring of inference latencies in milliseconds.
type Latencies struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
	count   uint64
}

// NewLatencies returns a ring holding the most recent capacity samples.
func NewLatencies(capacity int) *Latencies {
	if capacity <= 0 {
		capacity = latencyRingSize
	}
	return &Latencies{samples: make([]float64, capacity)}
}

// Record appends one latency sample, evicting the oldest when full.
func (l *Latencies) Record(ms float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.samples[l.next] = ms
	l.next = (l.next + 1) % len(l.samples)
	if l.next == 0 {
		l.full = true
	}
	l.count++
}

// LatencyStats summarizes the retained latency samples in milliseconds.
type LatencyStats struct {
	Count    uint64  `json:"count"`
	MeanMS   float64 `json:"mean_ms"`
	MedianMS float64 `json:"median_ms"`
	P95MS    float64 `json:"p95_ms"`
	P99MS    float64 `json:"p99_ms"`
	MinMS    float64 `json:"min_ms"`
	MaxMS    float64 `json:"max_ms"`
}

// Stats computes summary statistics over the retained window. Count is
// the lifetime total, which can exceed the window size.
func (l *Latencies) Stats() LatencyStats {
	l.mu.Lock()
	n := l.next
	if l.full {
		n = len(l.samples)
	}
	window := make([]float64, n)
	copy(window, l.samples[:n])
	count := l.count
	l.mu.Unlock()

	if len(window) == 0 {
		return LatencyStats{}
	}
	sort.Float64s(window)
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	return LatencyStats{
		Count:    count,
		MeanMS:   sum / float64(len(window)),
		MedianMS: percentile(window, 50),
		P95MS:    percentile(window, 95),
		P99MS:    percentile(window, 99),
		MinMS:    window[0],
		MaxMS:    window[len(window)-1],
	}
}

// percentile linearly interpolates over an ascending sample slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
