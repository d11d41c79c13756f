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

// Package inference turns an aligned ring into a persisted settlement
// prediction: feature engineering, model selection per geological zone,
// the session run behind a CPU gate, and output decoding. The manager
// layered on top drives the pipeline loop and counter-triggered
// performance evaluation.
package inference

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/boreline/edge-agent/internal/config"
	"github.com/boreline/edge-agent/internal/errdefs"
	"github.com/boreline/edge-agent/internal/features"
	"github.com/boreline/edge-agent/internal/logs"
	"github.com/boreline/edge-agent/internal/model"
	"github.com/boreline/edge-agent/internal/store"
)

// Predictor is the slice of the model loader the service runs against.
type Predictor interface {
	Predict(name string, input []float32) (*model.RawOutput, error)
}

// ModelResolver selects the model serving a geological zone.
type ModelResolver interface {
	ActiveForZone(ctx context.Context, zone string) (*store.ModelMetadata, error)
}

// Service generates and persists predictions for aligned rings.
type Service struct {
	db       *store.DB
	engineer *features.Engineer
	resolver ModelResolver
	runner   Predictor
	gate     *semaphore.Weighted
	cfg      config.Inference
	history  int
	logger   logs.StructuredLogger
}

// NewService wires the prediction path. The semaphore bounds concurrent
// session runs to the configured inference concurrency.
func NewService(db *store.DB, engineer *features.Engineer, resolver ModelResolver,
	runner Predictor, infCfg config.Inference, featCfg config.Features,
	logger logs.StructuredLogger) *Service {
	return &Service{
		db:       db,
		engineer: engineer,
		resolver: resolver,
		runner:   runner,
		gate:     semaphore.NewWeighted(infCfg.Concurrency),
		cfg:      infCfg,
		history:  featCfg.HistoryRings,
		logger:   logger,
	}
}

// PredictForRing engineers features for a ring, runs the selected model
// and persists the decoded record. geo may be nil; modelOverride forces
// a specific registered model.
func (s *Service) PredictForRing(ctx context.Context, ringNumber int64, geo *features.Geology, modelOverride string) (*store.PredictionResult, error) {
	ring, err := s.db.Rings.Get(ctx, ringNumber)
	if err != nil {
		return nil, err
	}
	history, err := s.db.Rings.Previous(ctx, ringNumber, s.history)
	if err != nil {
		return nil, err
	}

	vector := s.engineer.Engineer(ring, history, geo)

	meta, err := s.selectModel(ctx, ring, vector, modelOverride)
	if err != nil {
		return nil, err
	}

	input, err := s.assemble(vector, meta)
	if err != nil {
		return nil, err
	}

	if err := s.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	raw, err := s.runner.Predict(meta.ModelName, input)
	s.gate.Release(1)
	if err != nil {
		return nil, err
	}

	decoded := Decode(meta.ModelName, raw.Flatten(), meta.OutputFormatVersion, s.logger)
	rec := s.buildRecord(ringNumber, meta, vector, decoded, raw.LatencyMS)
	if _, err := s.db.Predictions.Insert(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Infof("prediction complete for ring %d: %.2fmm [%.2f, %.2f] in %.1fms",
		ringNumber, rec.PredictedSettlement, rec.SettlementLower, rec.SettlementUpper,
		rec.InferenceTimeMS)
	return rec, nil
}

// UpdateWithActual records an observed settlement against the most
// recent prediction for the ring. Returns false when the ring has no
// prediction to update. Re-applying the same actual is harmless.
func (s *Service) UpdateWithActual(ctx context.Context, ringNumber int64, actual float64) (bool, error) {
	p, err := s.db.Predictions.LatestForRing(ctx, ringNumber)
	if err != nil {
		return false, err
	}
	if p == nil {
		s.logger.Warnf("no prediction found for ring %d", ringNumber)
		return false, nil
	}
	signed := p.PredictedSettlement - actual
	if err := s.db.Predictions.SetActual(ctx, p.ID, actual, signed, math.Abs(signed)); err != nil {
		return false, err
	}
	s.logger.Infof("recorded actual for ring %d: predicted=%.2fmm actual=%.2fmm error=%.2fmm",
		ringNumber, p.PredictedSettlement, actual, signed)
	return true, nil
}

// selectModel resolves the override first, then the vector's zone, then
// the ring's zone, then the zone-independent fallback.
func (s *Service) selectModel(ctx context.Context, ring *store.RingSummary, vector *features.Vector, override string) (*store.ModelMetadata, error) {
	if override != "" {
		meta, err := s.db.Models.ByName(ctx, override)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			return nil, errdefs.ModelUnavailable(override, nil)
		}
		s.logger.Infof("using manual override model %s for ring %d", override, ring.RingNumber)
		return meta, nil
	}
	zone := vector.GeologicalZone
	if zone == "" && ring.GeologicalZone != nil {
		zone = *ring.GeologicalZone
	}
	if zone == "" {
		zone = store.ZoneAll
	}
	return s.resolver.ActiveForZone(ctx, zone)
}

// assemble lays the vector out in the model's declared feature order.
// NaN becomes 0.0 here and nowhere else. A name the vector does not
// carry at all also resolves to zero; the mismatch is logged because it
// usually means the model was trained against a newer feature set.
func (s *Service) assemble(vector *features.Vector, meta *store.ModelMetadata) ([]float32, error) {
	names, err := meta.Features()
	if err != nil {
		return nil, errdefs.ModelUnavailable(meta.ModelName, err)
	}
	if len(names) == 0 {
		return nil, errdefs.FeatureCalculation(vector.RingNumber,
			fmt.Errorf("model %s declares no input features", meta.ModelName))
	}
	input := make([]float32, len(names))
	for i, name := range names {
		v, ok := vector.Values[name]
		if !ok {
			s.logger.Warnf("ring %d: %v; substituting zero",
				vector.RingNumber, errdefs.FeatureMissing(name))
			continue
		}
		if math.IsNaN(v) {
			v = 0.0
		}
		input[i] = float32(v)
	}
	return input, nil
}

func (s *Service) buildRecord(ringNumber int64, meta *store.ModelMetadata, vector *features.Vector, d Decoded, latencyMS float64) *store.PredictionResult {
	rec := &store.PredictionResult{
		RingNumber:           ringNumber,
		Timestamp:            time.Now().Unix(),
		ModelName:            meta.ModelName,
		ModelVersion:         meta.ModelVersion,
		ModelType:            meta.ModelType,
		PredictedSettlement:  d.Settlement,
		PredictionConfidence: orDefault(d.Confidence, s.cfg.DefaultConfidence),
		InferenceTimeMS:      latencyMS,
		FeatureCompleteness:  vector.Completeness,
		QualityFlag:          vector.QualityFlag,
	}
	if vector.GeologicalZone != "" {
		zone := vector.GeologicalZone
		rec.GeologicalZone = &zone
	}

	// A model-provided bound wins; only missing bounds get the default
	// symmetric interval.
	width := math.Abs(d.Settlement) * s.cfg.BoundFraction
	rec.SettlementLower = orDefault(d.SettlementLower, d.Settlement-width)
	rec.SettlementUpper = orDefault(d.SettlementUpper, d.Settlement+width)

	if d.Displacement != nil {
		rec.PredictedDisplacement = d.Displacement
		dispWidth := math.Abs(*d.Displacement) * s.cfg.BoundFraction
		rec.DisplacementLower = ptrOrDefault(d.DisplacementLower, *d.Displacement-dispWidth)
		rec.DisplacementUpper = ptrOrDefault(d.DisplacementUpper, *d.Displacement+dispWidth)
	}
	if d.Groundwater != nil {
		rec.PredictedGroundwater = d.Groundwater
		gwWidth := math.Abs(*d.Groundwater) * s.cfg.BoundFraction
		rec.GroundwaterLower = ptrOrDefault(d.GroundwaterLower, *d.Groundwater-gwWidth)
		rec.GroundwaterUpper = ptrOrDefault(d.GroundwaterUpper, *d.Groundwater+gwWidth)
	}
	return rec
}

func orDefault(v *float64, def float64) float64 {
	if v != nil {
		return *v
	}
	return def
}

func ptrOrDefault(v *float64, def float64) *float64 {
	if v != nil {
		return v
	}
	return &def
}
