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

package status_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/boreline/edge-agent/internal/cloudsync"
	"github.com/boreline/edge-agent/internal/config"
	"github.com/boreline/edge-agent/internal/errdefs"
	"github.com/boreline/edge-agent/internal/inference"
	"github.com/boreline/edge-agent/internal/logs"
	"github.com/boreline/edge-agent/internal/model"
	"github.com/boreline/edge-agent/internal/status"
	"github.com/boreline/edge-agent/internal/store"
	"gotest.tools/v3/assert"
)

type fakeInference struct {
	status *inference.Status
	err    error
}

func (f *fakeInference) Status(context.Context) (*inference.Status, error) {
	return f.status, f.err
}

type fakeSync struct {
	stats *cloudsync.Stats
	err   error
}

func (f *fakeSync) Stats(context.Context) (*cloudsync.Stats, error) {
	return f.stats, f.err
}

type ringCount int64

func (c ringCount) AlignedCount(context.Context) (int64, error) { return int64(c), nil }

type predictionCount int64

func (c predictionCount) Count(context.Context) (int64, error) { return int64(c), nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	doc := fmt.Sprintf(`
device:
  edge_device_id: tbm-07
  project_id: metro-line-4
storage:
  database_path: %s
`, filepath.Join(t.TempDir(), "edge.db"))
	cfg, err := config.Parse([]byte(doc), logs.DiscardLogger())
	assert.NilError(t, err)
	return cfg
}

func healthySources() (*fakeInference, *fakeSync) {
	inf := &fakeInference{status: &inference.Status{
		State:            "operational",
		LoadedModels:     []string{"settlement_gz"},
		ActiveModelCount: 1,
		TotalPredictions: 57,
		ModelLatencies: map[string]model.LatencyStats{
			"settlement_gz": {Count: 10, MeanMS: 14, MedianMS: 12, P95MS: 30},
		},
	}}
	sync := &fakeSync{stats: &cloudsync.Stats{
		CloudEnabled: true,
		Network:      cloudsync.NetworkStats{Online: true},
		Disk:         cloudsync.DiskStats{State: "normal", FreeGB: 42.5},
		Buffer:       &store.BufferStats{Total: 3, ItemsDropped: 2},
		Uploaded:     map[string]int64{store.ItemTypeRingSummary: 7},
		Failed:       map[string]int64{store.ItemTypePrediction: 1},
	}}
	return inf, sync
}

func TestHealthz(t *testing.T) {
	inf, sync := healthySources()
	srv := httptest.NewServer(status.NewServer(testConfig(t), inf, sync,
		ringCount(12), predictionCount(57), logs.DiscardLogger()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	body, err := io.ReadAll(resp.Body)
	assert.NilError(t, err)
	assert.Equal(t, string(body), "ok")
}

func TestStatusSnapshotsComponents(t *testing.T) {
	inf, sync := healthySources()
	srv := httptest.NewServer(status.NewServer(testConfig(t), inf, sync,
		ringCount(12), predictionCount(57), logs.DiscardLogger()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, resp.Header.Get("Content-Type"), "application/json")

	var got struct {
		EdgeDeviceID  string            `json:"edge_device_id"`
		ProjectID     string            `json:"project_id"`
		Time          int64             `json:"time"`
		UptimeSeconds int64             `json:"uptime_seconds"`
		Inference     *inference.Status `json:"inference"`
		Sync          *cloudsync.Stats  `json:"sync"`
	}
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&got))

	assert.Equal(t, got.EdgeDeviceID, "tbm-07")
	assert.Equal(t, got.ProjectID, "metro-line-4")
	assert.Assert(t, got.Time > 0)
	assert.Assert(t, got.UptimeSeconds >= 0)
	assert.Equal(t, got.Inference.State, "operational")
	assert.Equal(t, got.Inference.TotalPredictions, int64(57))
	assert.Equal(t, got.Sync.Buffer.Total, int64(3))
	assert.Equal(t, got.Sync.Network.Online, true)
}

func TestStatusFailsClosedWhenSourceErrors(t *testing.T) {
	inf, sync := healthySources()
	inf.err = errdefs.StorageQuery("count predictions", fmt.Errorf("database is locked"))
	srv := httptest.NewServer(status.NewServer(testConfig(t), inf, sync,
		ringCount(12), predictionCount(57), logs.DiscardLogger()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusInternalServerError)
}

func TestMetricsExposeAgentSeries(t *testing.T) {
	inf, sync := healthySources()
	srv := httptest.NewServer(status.NewServer(testConfig(t), inf, sync,
		ringCount(12), predictionCount(57), logs.DiscardLogger()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	raw, err := io.ReadAll(resp.Body)
	assert.NilError(t, err)
	body := string(raw)

	for _, want := range []string{
		`rings_aligned_total 12`,
		`predictions_total 57`,
		`sync_uploaded_total{item_type="ring_summary"} 7`,
		`sync_failed_total{item_type="prediction"} 1`,
		`buffer_items_dropped_total 2`,
		`sync_buffer_size 3`,
		`network_online 1`,
		`disk_free_gigabytes 42.5`,
		`inference_latency_ms{model="settlement_gz",quantile="0.5"} 12`,
		`inference_latency_ms{model="settlement_gz",quantile="0.95"} 30`,
		`inference_latency_ms_count{model="settlement_gz"} 10`,
		// The registry carries the runtime collectors too.
		`go_goroutines`,
	} {
		assert.Assert(t, strings.Contains(body, want), "metrics output missing %q", want)
	}
}

func TestMetricsSurviveSourceErrors(t *testing.T) {
	inf, sync := healthySources()
	sync.err = errdefs.StorageQuery("buffer stats", fmt.Errorf("database is locked"))
	srv := httptest.NewServer(status.NewServer(testConfig(t), inf, sync,
		ringCount(12), predictionCount(57), logs.DiscardLogger()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	raw, err := io.ReadAll(resp.Body)
	assert.NilError(t, err)
	body := string(raw)

	// Store-backed series still export; the sync series sit out the scrape.
	assert.Assert(t, strings.Contains(body, `rings_aligned_total 12`))
	assert.Assert(t, !strings.Contains(body, `network_online`), "sync series should be absent")
}
