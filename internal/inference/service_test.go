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

package inference_test

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/boreline/edge-agent/internal/config"
	"github.com/boreline/edge-agent/internal/errdefs"
	"github.com/boreline/edge-agent/internal/features"
	"github.com/boreline/edge-agent/internal/inference"
	"github.com/boreline/edge-agent/internal/logs"
	"github.com/boreline/edge-agent/internal/model"
	"github.com/boreline/edge-agent/internal/store"
)

const minimalConfig = `
device:
  edge_device_id: tbm-07
  project_id: metro-line-4
storage:
  database_path: /var/lib/boreline/edge.db
  raw_data_dir: /var/lib/boreline/raw
  models_dir: /var/lib/boreline/models
sync:
  cloud:
    base_url: https://cloud.example.com
    api_key: secret
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(minimalConfig), logs.DiscardLogger())
	assert.NilError(t, err)
	return cfg
}

func openTest(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "edge.db"))
	assert.NilError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func f(v float64) *float64 { return &v }

// seedAlignedRing writes a completed ring with a representative set of
// aggregates so the engineer produces a usable vector.
func seedAlignedRing(t *testing.T, db *store.DB, n int64) {
	t.Helper()
	ctx := context.Background()
	assert.NilError(t, db.Rings.CreateWindow(ctx, n, 1000, 2800))
	r, err := db.Rings.Get(ctx, n)
	assert.NilError(t, err)
	r.MeanThrustTotal = f(12000)
	r.StdThrustTotal = f(150)
	r.MeanTorqueCutterhead = f(800)
	r.MeanChamberPressure = f(250)
	r.MeanAdvanceRate = f(45)
	r.MeanGroutVolume = f(2.0)
	r.PLCSampleCount = 120
	r.AttitudeSampleCount = 12
	r.DataCompletenessFlag = store.CompletenessComplete
	assert.NilError(t, db.Rings.UpdateAggregates(ctx, r))
}

func fullGeology() *features.Geology {
	return &features.Geology{
		SoilType:              "soft_clay",
		OverburdenDepth:       f(18.0),
		GroundwaterLevel:      f(-2.5),
		ProximityToStructures: f(25.0),
		GeologicalZone:        "soft_clay",
	}
}

func metaFor(t *testing.T, name, zone, format string, featureNames []string) *store.ModelMetadata {
	t.Helper()
	m := &store.ModelMetadata{
		ModelName:           name,
		ModelVersion:        "1.0.0",
		ModelType:           "gbdt",
		OnnxModelPath:       "/nonexistent/" + name + ".onnx",
		GeologicalZone:      zone,
		OutputFormatVersion: format,
		DeploymentStatus:    store.DeploymentActive,
	}
	assert.NilError(t, m.SetFeatures(featureNames))
	return m
}

// fakeRunner satisfies inference.Predictor and captures each call.
type fakeRunner struct {
	mu     sync.Mutex
	names  []string
	inputs [][]float32
	out    *model.RawOutput
	err    error
}

func (r *fakeRunner) Predict(name string, input []float32) (*model.RawOutput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	cp := make([]float32, len(input))
	copy(cp, input)
	r.inputs = append(r.inputs, cp)
	if r.err != nil {
		return nil, r.err
	}
	return r.out, nil
}

func rawOutput(latencyMS float64, values ...float32) *model.RawOutput {
	return &model.RawOutput{
		Names:     []string{"output"},
		Outputs:   map[string][]float32{"output": values},
		LatencyMS: latencyMS,
	}
}

// fakeResolver serves zone lookups from a fixed table with the shared
// "all" fallback, recording the zones asked for.
type fakeResolver struct {
	mu     sync.Mutex
	zones  []string
	byZone map[string]*store.ModelMetadata
}

func (r *fakeResolver) ActiveForZone(_ context.Context, zone string) (*store.ModelMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.zones = append(r.zones, zone)
	if m, ok := r.byZone[zone]; ok {
		return m, nil
	}
	if m, ok := r.byZone[store.ZoneAll]; ok {
		return m, nil
	}
	return nil, errdefs.NoActiveModel(zone)
}

func newService(t *testing.T, db *store.DB, resolver inference.ModelResolver, runner inference.Predictor) *inference.Service {
	t.Helper()
	cfg := testConfig(t)
	engineer := features.NewEngineer(cfg.Features, cfg.Alignment.Geometry, logs.DiscardLogger())
	return inference.NewService(db, engineer, resolver, runner,
		cfg.Inference, cfg.Features, logs.DiscardLogger())
}

func TestPredictForRingPersistsDecodedRecord(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	seedAlignedRing(t, db, 5)

	meta := metaFor(t, "settlement_v2", "soft_clay", store.OutputFormatV2Confidence,
		[]string{"mean_thrust_total", "specific_energy"})
	resolver := &fakeResolver{byZone: map[string]*store.ModelMetadata{"soft_clay": meta}}
	runner := &fakeRunner{out: rawOutput(2.5, 12.3, 0.91)}
	svc := newService(t, db, resolver, runner)

	rec, err := svc.PredictForRing(ctx, 5, fullGeology(), "")
	assert.NilError(t, err)

	assert.Equal(t, rec.ModelName, "settlement_v2")
	assert.Assert(t, math.Abs(rec.PredictedSettlement-12.3) < 1e-6)
	assert.Assert(t, math.Abs(rec.PredictionConfidence-0.91) < 1e-6)

	// The confidence format carries no bounds, so the record gets the
	// symmetric 20% interval.
	assert.Assert(t, math.Abs(rec.SettlementLower-9.84) < 1e-5)
	assert.Assert(t, math.Abs(rec.SettlementUpper-14.76) < 1e-5)

	assert.Equal(t, rec.InferenceTimeMS, 2.5)
	assert.Equal(t, rec.QualityFlag, features.QualityColdStart)
	assert.Assert(t, rec.FeatureCompleteness > 0)
	assert.Assert(t, rec.GeologicalZone != nil)
	assert.Equal(t, *rec.GeologicalZone, "soft_clay")
	assert.Assert(t, rec.PredictedDisplacement == nil)

	stored, err := db.Predictions.LatestForRing(ctx, 5)
	assert.NilError(t, err)
	assert.Assert(t, stored != nil)
	assert.Equal(t, stored.PredictedSettlement, rec.PredictedSettlement)
	assert.Equal(t, stored.QualityFlag, rec.QualityFlag)
}

func TestPredictForRingAssemblesDeclaredOrder(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	seedAlignedRing(t, db, 5)

	// soil_type_soft_clay one-hots to 1, 12000 kN thrust normalizes to
	// 0.4, and an unknown name substitutes zero without failing.
	meta := metaFor(t, "m", store.ZoneAll, store.OutputFormatV2Confidence,
		[]string{"soil_type_soft_clay", "mean_thrust_total", "not_a_feature"})
	resolver := &fakeResolver{byZone: map[string]*store.ModelMetadata{store.ZoneAll: meta}}
	runner := &fakeRunner{out: rawOutput(1.0, 3.2, 0.8)}
	svc := newService(t, db, resolver, runner)

	_, err := svc.PredictForRing(ctx, 5, fullGeology(), "")
	assert.NilError(t, err)

	assert.Equal(t, len(runner.inputs), 1)
	in := runner.inputs[0]
	assert.Equal(t, len(in), 3)
	assert.Assert(t, math.Abs(float64(in[0])-1.0) < 1e-6)
	assert.Assert(t, math.Abs(float64(in[1])-0.4) < 1e-6)
	assert.Equal(t, in[2], float32(0))
}

func TestPredictForRingSubstitutesZeroForNaN(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	// No torque or advance rate, so specific_energy stays NaN in the
	// vector and must cross the tensor boundary as zero.
	assert.NilError(t, db.Rings.CreateWindow(ctx, 6, 1000, 2800))
	r, err := db.Rings.Get(ctx, 6)
	assert.NilError(t, err)
	r.MeanThrustTotal = f(12000)
	r.DataCompletenessFlag = store.CompletenessPartial
	assert.NilError(t, db.Rings.UpdateAggregates(ctx, r))

	meta := metaFor(t, "m", store.ZoneAll, store.OutputFormatV2Confidence,
		[]string{"specific_energy", "mean_thrust_total"})
	resolver := &fakeResolver{byZone: map[string]*store.ModelMetadata{store.ZoneAll: meta}}
	runner := &fakeRunner{out: rawOutput(1.0, 4.1, 0.7)}
	svc := newService(t, db, resolver, runner)

	_, err = svc.PredictForRing(ctx, 6, fullGeology(), "")
	assert.NilError(t, err)

	in := runner.inputs[0]
	assert.Equal(t, in[0], float32(0))
	assert.Assert(t, math.Abs(float64(in[1])-0.4) < 1e-6)
}

func TestPredictForRingZoneFallback(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	seedAlignedRing(t, db, 5)

	meta := metaFor(t, "general", store.ZoneAll, store.OutputFormatV2Confidence,
		[]string{"mean_thrust_total"})
	resolver := &fakeResolver{byZone: map[string]*store.ModelMetadata{store.ZoneAll: meta}}
	runner := &fakeRunner{out: rawOutput(1.0, 2.2, 0.9)}
	svc := newService(t, db, resolver, runner)

	// Geology names the zone, so that is what gets resolved.
	_, err := svc.PredictForRing(ctx, 5, fullGeology(), "")
	assert.NilError(t, err)
	assert.DeepEqual(t, resolver.zones, []string{"soft_clay"})

	// Without geology the ring has no zone either, so resolution falls
	// back to the shared model.
	resolver.zones = nil
	_, err = svc.PredictForRing(ctx, 5, nil, "")
	assert.NilError(t, err)
	assert.DeepEqual(t, resolver.zones, []string{store.ZoneAll})
}

func TestPredictForRingManualOverride(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	seedAlignedRing(t, db, 5)

	manual := metaFor(t, "manual_model", "hard_rock", store.OutputFormatV2Confidence,
		[]string{"mean_thrust_total"})
	_, err := db.Models.Register(ctx, manual)
	assert.NilError(t, err)

	resolver := &fakeResolver{byZone: map[string]*store.ModelMetadata{}}
	runner := &fakeRunner{out: rawOutput(1.0, 5.5, 0.6)}
	svc := newService(t, db, resolver, runner)

	rec, err := svc.PredictForRing(ctx, 5, fullGeology(), "manual_model")
	assert.NilError(t, err)
	assert.Equal(t, rec.ModelName, "manual_model")
	assert.Equal(t, len(resolver.zones), 0)

	_, err = svc.PredictForRing(ctx, 5, fullGeology(), "no_such_model")
	assert.Assert(t, errdefs.IsCode(err, errdefs.CodeModelUnavailable))
}

func TestPredictForRingWithoutModels(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	seedAlignedRing(t, db, 5)

	resolver := &fakeResolver{byZone: map[string]*store.ModelMetadata{}}
	svc := newService(t, db, resolver, &fakeRunner{})

	_, err := svc.PredictForRing(ctx, 5, nil, "")
	assert.Assert(t, errdefs.IsCode(err, errdefs.CodeNoActiveModel))

	stored, err := db.Predictions.LatestForRing(ctx, 5)
	assert.NilError(t, err)
	assert.Assert(t, stored == nil)
}

func TestPredictForRingEmptyFeatureList(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	seedAlignedRing(t, db, 5)

	// Rows registered without a feature list default to an empty one;
	// such a model cannot build an input tensor.
	meta := metaFor(t, "legacy_model", "soft_clay", store.OutputFormatV2Confidence, nil)
	resolver := &fakeResolver{byZone: map[string]*store.ModelMetadata{"soft_clay": meta}}
	runner := &fakeRunner{out: rawOutput(1.0, 12.3, 0.91)}
	svc := newService(t, db, resolver, runner)

	_, err := svc.PredictForRing(ctx, 5, fullGeology(), "")
	assert.Assert(t, errdefs.IsCode(err, errdefs.CodeFeatureCalculation))
	assert.Equal(t, len(runner.names), 0)
}

func TestPredictForRingUnknownRing(t *testing.T) {
	db := openTest(t)
	resolver := &fakeResolver{byZone: map[string]*store.ModelMetadata{}}
	svc := newService(t, db, resolver, &fakeRunner{})

	_, err := svc.PredictForRing(context.Background(), 404, nil, "")
	assert.Assert(t, errdefs.IsCode(err, errdefs.CodeRingNotFound))
}

func TestUpdateWithActual(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	seedAlignedRing(t, db, 9)

	meta := metaFor(t, "m", store.ZoneAll, store.OutputFormatV2Confidence,
		[]string{"mean_thrust_total"})
	resolver := &fakeResolver{byZone: map[string]*store.ModelMetadata{store.ZoneAll: meta}}
	runner := &fakeRunner{out: rawOutput(1.0, 12.0, 0.9)}
	svc := newService(t, db, resolver, runner)

	_, err := svc.PredictForRing(ctx, 9, nil, "")
	assert.NilError(t, err)

	updated, err := svc.UpdateWithActual(ctx, 9, 10.0)
	assert.NilError(t, err)
	assert.Assert(t, updated)

	p, err := db.Predictions.LatestForRing(ctx, 9)
	assert.NilError(t, err)
	assert.Equal(t, *p.ActualSettlement, 10.0)
	assert.Assert(t, math.Abs(*p.PredictionError-2.0) < 1e-6)
	assert.Assert(t, math.Abs(*p.AbsoluteError-2.0) < 1e-6)

	// Re-applying the same observation is harmless.
	updated, err = svc.UpdateWithActual(ctx, 9, 10.0)
	assert.NilError(t, err)
	assert.Assert(t, updated)

	// A ring with no prediction is reported, not an error.
	updated, err = svc.UpdateWithActual(ctx, 77, 10.0)
	assert.NilError(t, err)
	assert.Assert(t, !updated)
}
