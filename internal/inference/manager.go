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

package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/boreline/edge-agent/internal/errdefs"
	"github.com/boreline/edge-agent/internal/features"
	"github.com/boreline/edge-agent/internal/logs"
	"github.com/boreline/edge-agent/internal/model"
	"github.com/boreline/edge-agent/internal/ring"
	"github.com/boreline/edge-agent/internal/store"
)

// pipelineBatch bounds how many rings one pipeline pass aligns or
// predicts; leftovers wait for the next tick.
const pipelineBatch = 50

// Evaluator runs the performance monitoring pass over active models.
type Evaluator interface {
	EvaluateActiveModels(ctx context.Context) ([]store.PerformanceMetric, error)
}

// Enqueuer stages rows for cloud upload.
type Enqueuer interface {
	QueueRing(ctx context.Context, r *store.RingSummary) error
	QueuePrediction(ctx context.Context, p *store.PredictionResult) error
	QueueWarning(ctx context.Context, w *store.WarningEvent) error
}

// SessionInspector exposes what the loader currently serves.
type SessionInspector interface {
	LoadedModels() []string
	Stats(name string) (model.LatencyStats, bool)
}

// Deps are the manager's collaborators, wired by the daemon. Monitor
// and Queue may be nil in reduced deployments; the manager then skips
// evaluation and enqueueing.
type Deps struct {
	DB       *store.DB
	Registry *model.Registry
	Service  *Service
	Aligner  *ring.Aligner
	Sessions SessionInspector
	Monitor  Evaluator
	Queue    Enqueuer
	// Interval is how many predictions pass between automatic
	// evaluations.
	Interval int
	Logger   logs.StructuredLogger
}

// Manager fronts the prediction pipeline: startup model loading, the
// pending-ring pass, counter-triggered evaluation, and deployment
// administration.
type Manager struct {
	db       *store.DB
	registry *model.Registry
	service  *Service
	aligner  *ring.Aligner
	sessions SessionInspector
	monitor  Evaluator
	queue    Enqueuer
	interval int
	logger   logs.StructuredLogger

	mu         sync.Mutex
	sinceEval  int
	lastEval   []store.PerformanceMetric
	evaluating bool
}

// NewManager wires a manager from its dependency record.
func NewManager(deps Deps) *Manager {
	return &Manager{
		db:       deps.DB,
		registry: deps.Registry,
		service:  deps.Service,
		aligner:  deps.Aligner,
		sessions: deps.Sessions,
		monitor:  deps.Monitor,
		queue:    deps.Queue,
		interval: deps.Interval,
		logger:   deps.Logger,
	}
}

// Initialize loads every active model. Per-model load failures are
// logged inside the registry; the manager starts degraded rather than
// not at all.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.registry.LoadActive(ctx); err != nil {
		return err
	}
	m.logger.Infof("prediction system initialized")
	return nil
}

// Predict generates one prediction and advances the evaluation counter.
func (m *Manager) Predict(ctx context.Context, ringNumber int64, geo *features.Geology, modelOverride string) (*store.PredictionResult, error) {
	rec, err := m.service.PredictForRing(ctx, ringNumber, geo, modelOverride)
	if err != nil {
		return nil, err
	}
	m.notePrediction(ctx)
	return rec, nil
}

// UpdateWithActual records an observed settlement for a ring.
func (m *Manager) UpdateWithActual(ctx context.Context, ringNumber int64, actual float64) (bool, error) {
	return m.service.UpdateWithActual(ctx, ringNumber, actual)
}

// Deploy registers, loads and optionally activates a new artifact.
func (m *Manager) Deploy(ctx context.Context, req model.DeployRequest) (*store.ModelMetadata, error) {
	return m.registry.Deploy(ctx, req)
}

// Rollback retires a model and reactivates its previous version.
func (m *Manager) Rollback(ctx context.Context, name, previousVersion string) error {
	return m.registry.Rollback(ctx, name, previousVersion)
}

// ProcessPendingRings is one pipeline pass: align rings whose window
// has closed, then predict for aligned rings that have no prediction
// yet. Both halves enqueue their results for upload. Per-ring failures
// are logged and skipped so one bad ring cannot stall the pipeline.
func (m *Manager) ProcessPendingRings(ctx context.Context) error {
	pending, err := m.db.Rings.PendingAlignment(ctx, float64(time.Now().Unix()), pipelineBatch)
	if err != nil {
		return err
	}
	for _, ringNumber := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		summary, err := m.aligner.Align(ctx, ringNumber)
		if err != nil {
			m.logger.Errorf("aligning ring %d: %v", ringNumber, err)
			continue
		}
		if m.queue != nil {
			if err := m.queue.QueueRing(ctx, summary); err != nil {
				m.logger.Errorf("queueing ring %d for sync: %v", ringNumber, err)
			}
		}
	}

	unpredicted, err := m.db.Rings.WithoutPrediction(ctx, pipelineBatch)
	if err != nil {
		return err
	}
	for _, ringNumber := range unpredicted {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := m.Predict(ctx, ringNumber, nil, "")
		if err != nil {
			// Without a deployed model the same rings come back every
			// pass; keep that quiet.
			if errdefs.IsCode(err, errdefs.CodeNoActiveModel) {
				m.logger.Debugf("skipping prediction for ring %d: %v", ringNumber, err)
				continue
			}
			m.logger.Errorf("predicting ring %d: %v", ringNumber, err)
			continue
		}
		if m.queue != nil {
			if err := m.queue.QueuePrediction(ctx, rec); err != nil {
				m.logger.Errorf("queueing prediction for ring %d: %v", ringNumber, err)
			}
		}
	}
	return nil
}

// Status is the operator-facing snapshot served over HTTP.
type Status struct {
	State                string                        `json:"state"`
	LoadedModels         []string                      `json:"loaded_models"`
	ActiveModelCount     int                           `json:"active_model_count"`
	TotalPredictions     int64                         `json:"total_predictions"`
	PredictionsSinceEval int                           `json:"predictions_since_last_evaluation"`
	ModelLatencies       map[string]model.LatencyStats `json:"model_latencies,omitempty"`
	LastEvaluations      []store.PerformanceMetric     `json:"last_evaluations,omitempty"`
}

// Status reports loaded models, prediction counts and the most recent
// evaluation summaries.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	loaded := m.sessions.LoadedModels()
	latencies := make(map[string]model.LatencyStats, len(loaded))
	for _, name := range loaded {
		if s, ok := m.sessions.Stats(name); ok {
			latencies[name] = s
		}
	}
	active, err := m.db.Models.ActiveModels(ctx)
	if err != nil {
		return nil, err
	}
	total, err := m.db.Predictions.Count(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	since := m.sinceEval
	lastEval := append([]store.PerformanceMetric(nil), m.lastEval...)
	m.mu.Unlock()

	return &Status{
		State:                "operational",
		LoadedModels:         loaded,
		ActiveModelCount:     len(active),
		TotalPredictions:     total,
		PredictionsSinceEval: since,
		ModelLatencies:       latencies,
		LastEvaluations:      lastEval,
	}, nil
}

// notePrediction advances the counter and kicks off an asynchronous
// evaluation when the interval is reached. Only one evaluation runs at
// a time; the counter resets when one starts.
func (m *Manager) notePrediction(ctx context.Context) {
	if m.monitor == nil || m.interval <= 0 {
		return
	}
	m.mu.Lock()
	m.sinceEval++
	trigger := m.sinceEval >= m.interval && !m.evaluating
	if trigger {
		m.evaluating = true
		m.sinceEval = 0
	}
	m.mu.Unlock()
	if !trigger {
		return
	}
	// The evaluation must outlive the request that tripped it.
	go m.runEvaluation(context.WithoutCancel(ctx))
}

func (m *Manager) runEvaluation(ctx context.Context) {
	m.logger.Infof("triggering automatic performance evaluation")
	metrics, err := m.monitor.EvaluateActiveModels(ctx)

	m.mu.Lock()
	m.evaluating = false
	if err == nil {
		m.lastEval = metrics
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Errorf("automatic evaluation failed: %v", err)
		return
	}
	for i := range metrics {
		metric := &metrics[i]
		if metric.DriftDetected && metric.RMSEIncreasePercent != nil {
			m.logger.Warnf("drift detected in %s: %s severity, RMSE increase %.1f%%",
				metric.ModelName, metric.DriftSeverity, *metric.RMSEIncreasePercent)
			m.raiseDriftWarning(ctx, metric)
		}
		if metric.TriggeredRetraining && metric.RetrainingReason != nil {
			m.logger.Warnf("retraining triggered for %s: %s",
				metric.ModelName, *metric.RetrainingReason)
		}
	}
}

// driftSeverities maps drift classifications onto the graded response
// severities the sync channel carries.
var driftSeverities = map[string]string{
	store.DriftSevere:   store.SeverityCritical,
	store.DriftModerate: store.SeverityHigh,
	store.DriftMinor:    store.SeverityMedium,
}

// raiseDriftWarning files a drifting model as a warning event so the
// cloud hears about it ahead of routine telemetry.
func (m *Manager) raiseDriftWarning(ctx context.Context, metric *store.PerformanceMetric) {
	if m.queue == nil {
		return
	}
	severity, ok := driftSeverities[metric.DriftSeverity]
	if !ok {
		return
	}
	details, err := json.Marshal(map[string]any{
		"model_name":            metric.ModelName,
		"drift_severity":        metric.DriftSeverity,
		"rmse":                  metric.RMSE,
		"rmse_increase_percent": metric.RMSEIncreasePercent,
		"r2_score":              metric.R2Score,
		"num_predictions":       metric.NumPredictions,
	})
	if err != nil {
		return
	}
	w := &store.WarningEvent{
		WarningType: "model_drift",
		Severity:    severity,
		Message: fmt.Sprintf("model %s drifting (%s): RMSE %.2f over the last %d predictions",
			metric.ModelName, metric.DriftSeverity, metric.RMSE, metric.NumPredictions),
		Details: details,
	}
	if err := m.queue.QueueWarning(ctx, w); err != nil {
		m.logger.Errorf("queueing drift warning for %s: %v", metric.ModelName, err)
	}
}
