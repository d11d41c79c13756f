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

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/boreline/edge-agent/internal/errdefs"
)

// MetricStore reads and writes model_performance_metrics rows.
type MetricStore struct {
	db *sqlx.DB
}

// Insert persists one evaluation outcome and returns its row id.
func (s *MetricStore) Insert(ctx context.Context, m *PerformanceMetric) (int64, error) {
	if m.EvaluationDate == 0 {
		m.EvaluationDate = time.Now().Unix()
	}
	if m.DriftSeverity == "" {
		m.DriftSeverity = DriftNone
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO model_performance_metrics (
			model_name, evaluation_date, data_range, num_predictions,
			r2_score, rmse, mae, mape, confidence_coverage,
			drift_detected, drift_severity, baseline_rmse, rmse_increase_percent,
			triggered_retraining, retraining_reason
		) VALUES (
			:model_name, :evaluation_date, :data_range, :num_predictions,
			:r2_score, :rmse, :mae, :mape, :confidence_coverage,
			:drift_detected, :drift_severity, :baseline_rmse, :rmse_increase_percent,
			:triggered_retraining, :retraining_reason
		)`, m)
	if err != nil {
		return 0, errdefs.StorageQuery("model_performance_metrics.insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errdefs.StorageQuery("model_performance_metrics.insert", err)
	}
	m.ID = id
	return id, nil
}

// History returns up to n evaluations of a model, oldest first.
func (s *MetricStore) History(ctx context.Context, model string, n int) ([]PerformanceMetric, error) {
	var rows []PerformanceMetric
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM (
			SELECT * FROM model_performance_metrics
			WHERE model_name = ?
			ORDER BY evaluation_date DESC, id DESC LIMIT ?
		) ORDER BY evaluation_date, id`, model, n)
	if err != nil {
		return nil, errdefs.StorageQuery("model_performance_metrics.history", err)
	}
	return rows, nil
}

// Latest returns the most recent evaluation of a model, or nil when the
// model has never been evaluated.
func (s *MetricStore) Latest(ctx context.Context, model string) (*PerformanceMetric, error) {
	var m PerformanceMetric
	err := s.db.GetContext(ctx, &m, `
		SELECT * FROM model_performance_metrics
		WHERE model_name = ?
		ORDER BY evaluation_date DESC, id DESC LIMIT 1`, model)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.StorageQuery("model_performance_metrics.latest", err)
	}
	return &m, nil
}

// FirstRMSE returns the RMSE of the earliest recorded evaluation. Used
// as the drift baseline when the model carries no validation RMSE.
func (s *MetricStore) FirstRMSE(ctx context.Context, model string) (*float64, error) {
	var rmse float64
	err := s.db.GetContext(ctx, &rmse, `
		SELECT rmse FROM model_performance_metrics
		WHERE model_name = ?
		ORDER BY evaluation_date, id LIMIT 1`, model)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.StorageQuery("model_performance_metrics.first_rmse", err)
	}
	return &rmse, nil
}
