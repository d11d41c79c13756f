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

package status

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/boreline/edge-agent/internal/cloudsync"
	"github.com/boreline/edge-agent/internal/inference"
	"github.com/boreline/edge-agent/internal/logs"
)

// collectTimeout bounds the store queries behind one scrape.
const collectTimeout = 5 * time.Second

// inferenceSource is the slice of the inference manager the status
// server reads.
type inferenceSource interface {
	Status(ctx context.Context) (*inference.Status, error)
}

// syncSource is the slice of the sync manager the status server reads.
type syncSource interface {
	Stats(ctx context.Context) (*cloudsync.Stats, error)
}

// ringCounter counts aligned rings.
type ringCounter interface {
	AlignedCount(ctx context.Context) (int64, error)
}

// predictionCounter counts stored predictions.
type predictionCounter interface {
	Count(ctx context.Context) (int64, error)
}

// Collector snapshots the agent's component stats on every scrape and
// emits them as const metrics, the way client_golang's DBStatsCollector
// wraps sql.DBStats. Counters are derived from durable store counts and
// the sync manager's cycle counters, so a scrape never mutates state.
type Collector struct {
	rings       ringCounter
	predictions predictionCounter
	inference   inferenceSource
	sync        syncSource
	logger      logs.StructuredLogger

	ringsAligned  *prometheus.Desc
	predsTotal    *prometheus.Desc
	syncUploaded  *prometheus.Desc
	syncFailed    *prometheus.Desc
	bufferDropped *prometheus.Desc
	bufferSize    *prometheus.Desc
	networkOnline *prometheus.Desc
	diskFree      *prometheus.Desc
	latency       *prometheus.Desc
}

// NewCollector builds the agent collector over the given snapshot
// sources. Any source may fail at scrape time; its metrics are simply
// absent from that scrape.
func NewCollector(rings ringCounter, predictions predictionCounter, inf inferenceSource, sync syncSource, logger logs.StructuredLogger) *Collector {
	return &Collector{
		rings:       rings,
		predictions: predictions,
		inference:   inf,
		sync:        sync,
		logger:      logger,
		ringsAligned: prometheus.NewDesc("rings_aligned_total",
			"Ring summaries whose aggregates have been computed.", nil, nil),
		predsTotal: prometheus.NewDesc("predictions_total",
			"Prediction rows stored since the database was created.", nil, nil),
		syncUploaded: prometheus.NewDesc("sync_uploaded_total",
			"Items confirmed by the cloud since the agent started.", []string{"item_type"}, nil),
		syncFailed: prometheus.NewDesc("sync_failed_total",
			"Items in failed or rejected upload batches since the agent started.", []string{"item_type"}, nil),
		bufferDropped: prometheus.NewDesc("buffer_items_dropped_total",
			"Queue rows evicted because the sync buffer hit its cap.", nil, nil),
		bufferSize: prometheus.NewDesc("sync_buffer_size",
			"Rows currently waiting in the sync buffer.", nil, nil),
		networkOnline: prometheus.NewDesc("network_online",
			"Whether the cloud health endpoint is reachable (1) or not (0).", nil, nil),
		diskFree: prometheus.NewDesc("disk_free_gigabytes",
			"Minimum free space across the monitored paths.", nil, nil),
		latency: prometheus.NewDesc("inference_latency_ms",
			"Inference wall time per model over the recent latency window.", []string{"model"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ringsAligned
	ch <- c.predsTotal
	ch <- c.syncUploaded
	ch <- c.syncFailed
	ch <- c.bufferDropped
	ch <- c.bufferSize
	ch <- c.networkOnline
	ch <- c.diskFree
	ch <- c.latency
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	if n, err := c.rings.AlignedCount(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.ringsAligned, prometheus.CounterValue, float64(n))
	} else {
		c.logger.Debugf("status: counting aligned rings: %v", err)
	}

	if n, err := c.predictions.Count(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.predsTotal, prometheus.CounterValue, float64(n))
	} else {
		c.logger.Debugf("status: counting predictions: %v", err)
	}

	if st, err := c.inference.Status(ctx); err == nil {
		for name, lat := range st.ModelLatencies {
			if lat.Count == 0 {
				continue
			}
			// The loader keeps exact window quantiles; export them as a
			// pre-computed summary rather than re-binning into a histogram.
			ch <- prometheus.MustNewConstSummary(c.latency,
				lat.Count, lat.MeanMS*float64(lat.Count),
				map[float64]float64{0.5: lat.MedianMS, 0.95: lat.P95MS},
				name)
		}
	} else {
		c.logger.Debugf("status: reading inference status: %v", err)
	}

	st, err := c.sync.Stats(ctx)
	if err != nil {
		c.logger.Debugf("status: reading sync stats: %v", err)
		return
	}
	for itemType, n := range st.Uploaded {
		ch <- prometheus.MustNewConstMetric(c.syncUploaded, prometheus.CounterValue, float64(n), itemType)
	}
	for itemType, n := range st.Failed {
		ch <- prometheus.MustNewConstMetric(c.syncFailed, prometheus.CounterValue, float64(n), itemType)
	}
	if st.Buffer != nil {
		ch <- prometheus.MustNewConstMetric(c.bufferDropped, prometheus.CounterValue, float64(st.Buffer.ItemsDropped))
		ch <- prometheus.MustNewConstMetric(c.bufferSize, prometheus.GaugeValue, float64(st.Buffer.Total))
	}
	online := 0.0
	if st.Network.Online {
		online = 1
	}
	ch <- prometheus.MustNewConstMetric(c.networkOnline, prometheus.GaugeValue, online)
	ch <- prometheus.MustNewConstMetric(c.diskFree, prometheus.GaugeValue, st.Disk.FreeGB)
}
