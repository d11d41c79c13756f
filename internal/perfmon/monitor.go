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

// Package perfmon scores predictions against observed settlements and
// decides when a model has drifted far enough to need retraining.
package perfmon

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/boreline/edge-agent/internal/config"
	"github.com/boreline/edge-agent/internal/errdefs"
	"github.com/boreline/edge-agent/internal/logs"
	"github.com/boreline/edge-agent/internal/store"
)

// backfillBatch bounds one backfill pass; leftovers wait for the next.
const backfillBatch = 100

// ActualRecorder applies an observed settlement to a ring's prediction.
type ActualRecorder interface {
	UpdateWithActual(ctx context.Context, ringNumber int64, actual float64) (bool, error)
}

// Realigner recomputes a ring summary from raw telemetry.
type Realigner interface {
	Realign(ctx context.Context, ringNumber int64) (*store.RingSummary, error)
}

// Monitor evaluates model accuracy over prediction/actual pairs and
// persists the outcome.
type Monitor struct {
	db       *store.DB
	cfg      config.Monitoring
	maxLag   time.Duration
	recorder ActualRecorder
	aligner  Realigner
	logger   logs.StructuredLogger
}

// NewMonitor wires a monitor. lag supplies the settlement window used
// to decide when a ring's missing settlement is worth re-aligning for.
func NewMonitor(db *store.DB, cfg config.Monitoring, lag config.Lag,
	recorder ActualRecorder, aligner Realigner, logger logs.StructuredLogger) *Monitor {
	return &Monitor{
		db:       db,
		cfg:      cfg,
		maxLag:   lag.MaxOffset(),
		recorder: recorder,
		aligner:  aligner,
		logger:   logger,
	}
}

// Evaluate scores one model over its evaluated predictions, optionally
// restricted to a ring range, and persists the metric row. Returns nil
// without error when fewer than min_samples pairs exist.
func (m *Monitor) Evaluate(ctx context.Context, modelName string, ringRange *[2]int64) (*store.PerformanceMetric, error) {
	pairs, err := m.db.Predictions.Pairs(ctx, modelName, ringRange)
	if err != nil {
		return nil, err
	}
	if len(pairs) < m.cfg.MinSamples {
		m.logger.Warnf("insufficient samples to evaluate %s: %d < %d",
			modelName, len(pairs), m.cfg.MinSamples)
		return nil, nil
	}

	metric := computeMetrics(pairs)
	metric.ModelName = modelName
	metric.EvaluationDate = time.Now().Unix()
	metric.DataRange = dataRange(pairs)

	baseline, err := m.baselineRMSE(ctx, modelName)
	if err != nil {
		return nil, err
	}
	m.classify(metric, baseline)

	if _, err := m.db.Metrics.Insert(ctx, metric); err != nil {
		return nil, err
	}
	m.logger.Infof("evaluation complete for %s over %s: R2=%.3f RMSE=%.2fmm MAE=%.2fmm drift=%v",
		modelName, metric.DataRange, metric.R2Score, metric.RMSE, metric.MAE, metric.DriftDetected)
	return metric, nil
}

// EvaluateActiveModels scores every active model concurrently. A model
// that fails to evaluate is logged and skipped; the pass never aborts.
// Results come back sorted by model name.
func (m *Monitor) EvaluateActiveModels(ctx context.Context) ([]store.PerformanceMetric, error) {
	active, err := m.db.Models.ActiveModels(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var out []store.PerformanceMetric
	g, gctx := errgroup.WithContext(ctx)
	for _, meta := range active {
		name := meta.ModelName
		g.Go(func() error {
			metric, _ := errdefs.Guard(m.logger, "evaluating "+name, false,
				(*store.PerformanceMetric)(nil),
				func() (*store.PerformanceMetric, error) { return m.Evaluate(gctx, name, nil) })
			if metric == nil {
				return nil
			}
			mu.Lock()
			out = append(out, *metric)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelName < out[j].ModelName })
	return out, nil
}

// EvaluateRolling scores the most recent evaluation_window pairs of a
// model. Returns nil when the model has no evaluated predictions.
func (m *Monitor) EvaluateRolling(ctx context.Context, modelName string) (*store.PerformanceMetric, error) {
	pairs, err := m.db.Predictions.RecentPairs(ctx, modelName, m.cfg.EvaluationWindow)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, nil
	}
	rng := [2]int64{pairs[0].RingNumber, pairs[len(pairs)-1].RingNumber}
	return m.Evaluate(ctx, modelName, &rng)
}

// BackfillActuals closes the loop between alignment and monitoring:
// predictions whose ring has gained a settlement value get their actual
// recorded, and rings whose settlement lag has fully elapsed without a
// value are re-aligned in case the observations arrived late.
func (m *Monitor) BackfillActuals(ctx context.Context) error {
	pending, err := m.db.Predictions.MissingActuals(ctx, backfillBatch)
	if err != nil {
		return err
	}
	applied := 0
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := &pending[i]
		ring, err := m.db.Rings.Get(ctx, p.RingNumber)
		if err != nil {
			if errdefs.IsCode(err, errdefs.CodeRingNotFound) {
				continue
			}
			return err
		}
		if ring.SettlementValue == nil {
			continue
		}
		ok, err := m.recorder.UpdateWithActual(ctx, p.RingNumber, *ring.SettlementValue)
		if err != nil {
			m.logger.Errorf("backfilling actual for ring %d: %v", p.RingNumber, err)
			continue
		}
		if ok {
			applied++
		}
	}
	if applied > 0 {
		m.logger.Infof("backfilled %d actual settlements", applied)
	}

	cutoff := float64(time.Now().Add(-m.maxLag).Unix())
	stale, err := m.db.Rings.MissingSettlement(ctx, cutoff, backfillBatch)
	if err != nil {
		return err
	}
	for _, ringNumber := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := m.aligner.Realign(ctx, ringNumber); err != nil {
			m.logger.Errorf("re-aligning ring %d: %v", ringNumber, err)
		}
	}
	return nil
}

// baselineRMSE prefers the RMSE recorded at training time and falls
// back to the model's earliest field evaluation.
func (m *Monitor) baselineRMSE(ctx context.Context, modelName string) (*float64, error) {
	meta, err := m.db.Models.ByName(ctx, modelName)
	if err != nil {
		return nil, err
	}
	if meta != nil && meta.ValidationRMSE != nil {
		return meta.ValidationRMSE, nil
	}
	return m.db.Metrics.FirstRMSE(ctx, modelName)
}

// classify stamps drift and retraining outcomes onto the metric. A
// drift finding supplies the retraining reason; otherwise a low R2
// does.
func (m *Monitor) classify(metric *store.PerformanceMetric, baseline *float64) {
	metric.DriftSeverity = store.DriftNone
	if baseline != nil && *baseline > 0 {
		metric.BaselineRMSE = baseline
		pct := 100 * (metric.RMSE - *baseline) / *baseline
		metric.RMSEIncreasePercent = &pct
		if pct > 100*m.cfg.DriftThreshold {
			metric.DriftDetected = true
			switch {
			case pct > 50:
				metric.DriftSeverity = store.DriftSevere
			case pct > 30:
				metric.DriftSeverity = store.DriftModerate
			default:
				metric.DriftSeverity = store.DriftMinor
			}
			m.logger.Warnf("drift detected for %s: RMSE increased %.1f%% (baseline=%.2fmm, current=%.2fmm)",
				metric.ModelName, pct, *baseline, metric.RMSE)
		}
	}

	switch {
	case metric.DriftDetected:
		reason := "drift_detected_" + metric.DriftSeverity
		metric.TriggeredRetraining = true
		metric.RetrainingReason = &reason
	case metric.R2Score < m.cfg.R2Threshold:
		reason := "performance_below_threshold"
		metric.TriggeredRetraining = true
		metric.RetrainingReason = &reason
	}
}

// computeMetrics derives the regression scores from evaluated pairs.
// R2 is zero when the actuals carry no variance; MAPE is computed over
// nonzero actuals and absent when there are none.
func computeMetrics(pairs []store.EvalPair) *store.PerformanceMetric {
	n := float64(len(pairs))
	var mean float64
	for _, p := range pairs {
		mean += p.Actual
	}
	mean /= n

	var ssRes, ssTot, sumAbs, mapeSum float64
	var mapeN, covered int
	for _, p := range pairs {
		diff := p.Actual - p.Predicted
		ssRes += diff * diff
		dev := p.Actual - mean
		ssTot += dev * dev
		sumAbs += math.Abs(diff)
		if p.Actual != 0 {
			mapeSum += math.Abs(diff / p.Actual)
			mapeN++
		}
		if p.Lower <= p.Actual && p.Actual <= p.Upper {
			covered++
		}
	}

	r2 := 0.0
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}
	metric := &store.PerformanceMetric{
		NumPredictions:     int64(len(pairs)),
		R2Score:            r2,
		RMSE:               math.Sqrt(ssRes / n),
		MAE:                sumAbs / n,
		ConfidenceCoverage: float64(covered) / n,
	}
	if mapeN > 0 {
		mape := 100 * mapeSum / float64(mapeN)
		metric.MAPE = &mape
	}
	return metric
}

func dataRange(pairs []store.EvalPair) string {
	return fmt.Sprintf("rings_%d-%d", pairs[0].RingNumber, pairs[len(pairs)-1].RingNumber)
}
