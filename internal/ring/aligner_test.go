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

package ring_test

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp/cmpopts"
	"gotest.tools/v3/assert"

	"github.com/boreline/edge-agent/internal/config"
	"github.com/boreline/edge-agent/internal/errdefs"
	"github.com/boreline/edge-agent/internal/logs"
	"github.com/boreline/edge-agent/internal/ring"
	"github.com/boreline/edge-agent/internal/store"
)

func testConfig(t *testing.T) config.Alignment {
	t.Helper()
	c, err := config.Parse([]byte(`
device:
  edge_device_id: tbm-test
  project_id: test
storage:
  database_path: unused
sync:
  cloud:
    base_url: https://cloud.example.com
`), logs.DiscardLogger())
	assert.NilError(t, err)
	return c.Alignment
}

func openTest(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "edge.db"))
	assert.NilError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func f(v float64) *float64 { return &v }

func seedConstantPLC(t *testing.T, db *store.DB, ringNumber int64, start float64, n int, channel string, value float64) {
	t.Helper()
	samples := make([]store.PLCSample, n)
	for i := range samples {
		samples[i] = store.PLCSample{
			Timestamp:       start + float64(i),
			TagName:         channel,
			Value:           f(value),
			DataQualityFlag: "raw",
			RingNumber:      &ringNumber,
		}
	}
	assert.NilError(t, db.Telemetry.InsertPLC(context.Background(), samples))
}

func seedAttitude(t *testing.T, db *store.DB, ringNumber int64, start float64, n int) {
	t.Helper()
	samples := make([]store.AttitudeSample, n)
	for i := range samples {
		samples[i] = store.AttitudeSample{
			Timestamp:           start + float64(i*10),
			Pitch:               f(0.5),
			Roll:                f(0.1),
			Yaw:                 f(-0.2),
			HorizontalDeviation: f(3.0),
			VerticalDeviation:   f(-4.0),
			RingNumber:          &ringNumber,
		}
	}
	assert.NilError(t, db.Telemetry.InsertAttitude(context.Background(), samples))
}

func seedSettlement(t *testing.T, db *store.DB, ringNumber int64, from float64, n int, value float64) {
	t.Helper()
	samples := make([]store.MonitoringSample, n)
	for i := range samples {
		samples[i] = store.MonitoringSample{
			Timestamp:  from + float64(i*60),
			SensorType: "surface_settlement",
			Value:      f(value),
			RingNumber: &ringNumber,
		}
	}
	assert.NilError(t, db.Telemetry.InsertMonitoring(context.Background(), samples))
}

// A ring excavated with perfectly constant thrust at 1 Hz for half an
// hour, with settlement observed inside the lag window.
func TestAlignConstantThrustRing(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	cfg := testConfig(t)
	start, end := 1000.0, 2800.0

	assert.NilError(t, db.Rings.CreateWindow(ctx, 100, start, end))
	seedConstantPLC(t, db, 100, start, 1800, "thrust_total", 12000)
	seedAttitude(t, db, 100, start, 20)
	seedSettlement(t, db, 100, end+6.5*3600, 10, 5.0)

	r, err := ring.NewAligner(db, cfg, logs.DiscardLogger()).Align(ctx, 100)
	assert.NilError(t, err)

	assert.Equal(t, *r.MeanThrustTotal, 12000.0)
	assert.Equal(t, *r.MaxThrustTotal, 12000.0)
	assert.Equal(t, *r.MinThrustTotal, 12000.0)
	assert.Equal(t, *r.StdThrustTotal, 0.0)
	assert.Equal(t, r.PLCSampleCount, int64(1800))
	assert.Equal(t, r.AttitudeSampleCount, int64(20))
	assert.Equal(t, *r.SettlementValue, 5.0)
	assert.Equal(t, r.DataCompletenessFlag, store.CompletenessComplete)

	// Channels with no rows stay NULL, never zero.
	assert.Assert(t, r.MeanTorqueCutterhead == nil)
	assert.Assert(t, r.MeanGroutVolume == nil)
	assert.Assert(t, r.GroundLossRate == nil)
	assert.Assert(t, r.SpecificEnergy == nil)

	assert.Equal(t, *r.MeanPitch, 0.5)
	assert.Equal(t, *r.MaxYaw, -0.2)
	assert.Equal(t, *r.HorizontalDeviationMax, 3.0)

	// The persisted row matches the returned one.
	got, err := db.Rings.Get(ctx, 100)
	assert.NilError(t, err)
	assert.Equal(t, *got.MeanThrustTotal, 12000.0)
	assert.Equal(t, got.DataCompletenessFlag, store.CompletenessComplete)
}

func TestAlignIsIdempotent(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	cfg := testConfig(t)
	start, end := 0.0, 600.0

	assert.NilError(t, db.Rings.CreateWindow(ctx, 5, start, end))
	seedConstantPLC(t, db, 5, start, 300, "thrust_total", 11000)
	seedConstantPLC(t, db, 5, start, 300, "torque_cutterhead", 850)
	seedAttitude(t, db, 5, start, 15)

	aligner := ring.NewAligner(db, cfg, logs.DiscardLogger())
	first, err := aligner.Align(ctx, 5)
	assert.NilError(t, err)
	second, err := aligner.Align(ctx, 5)
	assert.NilError(t, err)

	assert.DeepEqual(t, first, second,
		cmpopts.IgnoreFields(store.RingSummary{}, "UpdatedAt"))
}

func TestDerivedIndicators(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	cfg := testConfig(t)
	start, end := 0.0, 1200.0

	assert.NilError(t, db.Rings.CreateWindow(ctx, 8, start, end))
	seedConstantPLC(t, db, 8, start, 200, "torque_cutterhead", 800)
	seedConstantPLC(t, db, 8, start, 200, "advance_rate", 45)
	seedConstantPLC(t, db, 8, start, 200, "grout_volume", 2.0)

	r, err := ring.NewAligner(db, cfg, logs.DiscardLogger()).Align(ctx, 8)
	assert.NilError(t, err)

	// Hand computation for d=6.2 m, width=1.5 m, rpm=2.0:
	// A = pi*6.2^2/4, omega = 2*2pi/60, v = 45/1000/60.
	area := math.Pi * 6.2 * 6.2 / 4
	omega := 2.0 * 2 * math.Pi / 60
	v := 45.0 / 1000 / 60
	wantSE := (800 * 1000 * omega) / (area * v) / 1e6
	assert.Assert(t, math.Abs(*r.SpecificEnergy-wantSE) < 1e-9)

	vt := area * 1.5
	assert.Assert(t, math.Abs(*r.GroundLossRate-(vt-2.0)) < 1e-9)
	assert.Assert(t, math.Abs(*r.VolumeLossRatio-100*(vt-2.0)/vt) < 1e-9)
}

func TestZeroAdvanceRateLeavesSpecificEnergyNull(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	cfg := testConfig(t)

	assert.NilError(t, db.Rings.CreateWindow(ctx, 9, 0, 600))
	seedConstantPLC(t, db, 9, 0, 150, "torque_cutterhead", 800)
	seedConstantPLC(t, db, 9, 0, 150, "advance_rate", 0)

	r, err := ring.NewAligner(db, cfg, logs.DiscardLogger()).Align(ctx, 9)
	assert.NilError(t, err)
	assert.Assert(t, r.SpecificEnergy == nil)
}

func TestAlignEmptyWindowIsIncomplete(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	cfg := testConfig(t)

	assert.NilError(t, db.Rings.CreateWindow(ctx, 11, 0, 600))
	r, err := ring.NewAligner(db, cfg, logs.DiscardLogger()).Align(ctx, 11)
	assert.NilError(t, err)

	assert.Equal(t, r.PLCSampleCount, int64(0))
	assert.Equal(t, r.DataCompletenessFlag, store.CompletenessIncomplete)
	assert.Assert(t, r.MeanThrustTotal == nil)
	assert.Assert(t, r.StdThrustTotal == nil)
}

func TestAlignUnknownRing(t *testing.T) {
	db := openTest(t)
	cfg := testConfig(t)
	_, err := ring.NewAligner(db, cfg, logs.DiscardLogger()).Align(context.Background(), 404)
	assert.Equal(t, errdefs.CodeOf(err), errdefs.CodeRingNotFound)
}

func TestRingFilterFallbackRecoversUntaggedRows(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	cfg := testConfig(t)
	start, end := 0.0, 600.0

	assert.NilError(t, db.Rings.CreateWindow(ctx, 20, start, end))
	// Rows inside the window but with no ring tag.
	samples := make([]store.PLCSample, 120)
	for i := range samples {
		samples[i] = store.PLCSample{
			Timestamp:       start + float64(i),
			TagName:         "thrust_total",
			Value:           f(9000),
			DataQualityFlag: "raw",
		}
	}
	assert.NilError(t, db.Telemetry.InsertPLC(ctx, samples))

	// Default policy insists on the tag and sees nothing.
	r, err := ring.NewAligner(db, cfg, logs.DiscardLogger()).Align(ctx, 20)
	assert.NilError(t, err)
	assert.Equal(t, r.PLCSampleCount, int64(0))

	cfg.RingFilter = config.RingFilterFallback
	r, err = ring.NewAligner(db, cfg, logs.DiscardLogger()).Align(ctx, 20)
	assert.NilError(t, err)
	assert.Equal(t, r.PLCSampleCount, int64(120))
	assert.Equal(t, *r.MeanThrustTotal, 9000.0)
}

func TestRealignFillsLateSettlement(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Lag.SettlementRequired = true
	start, end := 0.0, 600.0

	assert.NilError(t, db.Rings.CreateWindow(ctx, 30, start, end))
	seedConstantPLC(t, db, 30, start, 200, "thrust_total", 10000)
	seedAttitude(t, db, 30, start, 12)

	aligner := ring.NewAligner(db, cfg, logs.DiscardLogger())
	r, err := aligner.Align(ctx, 30)
	assert.NilError(t, err)
	assert.Assert(t, r.SettlementValue == nil)
	assert.Equal(t, r.DataCompletenessFlag, store.CompletenessPartial)

	// Monitoring data lands hours later; realignment picks it up.
	seedSettlement(t, db, 30, end+7*3600, 5, 4.2)
	r, err = aligner.Realign(ctx, 30)
	assert.NilError(t, err)
	assert.Equal(t, *r.SettlementValue, 4.2)
	assert.Equal(t, r.DataCompletenessFlag, store.CompletenessComplete)
}
