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

// PredictionStore reads and writes prediction_results rows.
type PredictionStore struct {
	db *sqlx.DB
}

// Insert persists a prediction and returns its row id.
func (s *PredictionStore) Insert(ctx context.Context, p *PredictionResult) (int64, error) {
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().Unix()
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO prediction_results (
			ring_number, timestamp, model_name, model_version, model_type, geological_zone,
			predicted_settlement, settlement_lower, settlement_upper,
			predicted_displacement, displacement_lower, displacement_upper,
			predicted_groundwater, groundwater_lower, groundwater_upper,
			prediction_confidence, inference_time_ms, feature_completeness, quality_flag,
			actual_settlement, prediction_error, absolute_error, created_at
		) VALUES (
			:ring_number, :timestamp, :model_name, :model_version, :model_type, :geological_zone,
			:predicted_settlement, :settlement_lower, :settlement_upper,
			:predicted_displacement, :displacement_lower, :displacement_upper,
			:predicted_groundwater, :groundwater_lower, :groundwater_upper,
			:prediction_confidence, :inference_time_ms, :feature_completeness, :quality_flag,
			:actual_settlement, :prediction_error, :absolute_error, :created_at
		)`, p)
	if err != nil {
		return 0, errdefs.StorageQuery("prediction_results.insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errdefs.StorageQuery("prediction_results.insert", err)
	}
	p.ID = id
	return id, nil
}

// LatestForRing returns the most recent prediction for a ring, or nil
// when the ring has none.
func (s *PredictionStore) LatestForRing(ctx context.Context, ring int64) (*PredictionResult, error) {
	var p PredictionResult
	err := s.db.GetContext(ctx, &p, `
		SELECT * FROM prediction_results
		WHERE ring_number = ?
		ORDER BY timestamp DESC, id DESC LIMIT 1`, ring)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.StorageQuery("prediction_results.latest_for_ring", err)
	}
	return &p, nil
}

// SetActual records the observed settlement for a prediction together
// with the signed and absolute errors.
func (s *PredictionStore) SetActual(ctx context.Context, id int64, actual, signedErr, absErr float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE prediction_results
		SET actual_settlement = ?, prediction_error = ?, absolute_error = ?
		WHERE id = ?`, actual, signedErr, absErr, id)
	if err != nil {
		return errdefs.StorageQuery("prediction_results.set_actual", err)
	}
	return nil
}

// Pairs returns every prediction of a model that has an observed
// actual, in ascending ring order. A non-nil ring range [lo, hi]
// restricts the evaluation window.
func (s *PredictionStore) Pairs(ctx context.Context, model string, ringRange *[2]int64) ([]EvalPair, error) {
	query := `
		SELECT ring_number, predicted_settlement, actual_settlement,
		       settlement_lower, settlement_upper, prediction_confidence
		FROM prediction_results
		WHERE model_name = ? AND actual_settlement IS NOT NULL`
	args := []any{model}
	if ringRange != nil {
		query += ` AND ring_number >= ? AND ring_number <= ?`
		args = append(args, ringRange[0], ringRange[1])
	}
	query += ` ORDER BY ring_number`
	var pairs []EvalPair
	if err := s.db.SelectContext(ctx, &pairs, query, args...); err != nil {
		return nil, errdefs.StorageQuery("prediction_results.pairs", err)
	}
	return pairs, nil
}

// RecentPairs returns the n most recent evaluated predictions of a
// model, in ascending ring order.
func (s *PredictionStore) RecentPairs(ctx context.Context, model string, n int) ([]EvalPair, error) {
	var pairs []EvalPair
	err := s.db.SelectContext(ctx, &pairs, `
		SELECT ring_number, predicted_settlement, actual_settlement,
		       settlement_lower, settlement_upper, prediction_confidence
		FROM (
			SELECT * FROM prediction_results
			WHERE model_name = ? AND actual_settlement IS NOT NULL
			ORDER BY timestamp DESC, id DESC LIMIT ?
		) ORDER BY ring_number`, model, n)
	if err != nil {
		return nil, errdefs.StorageQuery("prediction_results.recent_pairs", err)
	}
	return pairs, nil
}

// MissingActuals lists predictions that have no observed settlement
// yet, oldest first.
func (s *PredictionStore) MissingActuals(ctx context.Context, limit int) ([]PredictionResult, error) {
	var rows []PredictionResult
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM prediction_results
		WHERE actual_settlement IS NULL
		ORDER BY ring_number, id LIMIT ?`, limit)
	if err != nil {
		return nil, errdefs.StorageQuery("prediction_results.missing_actuals", err)
	}
	return rows, nil
}

// CountForModel counts persisted predictions for one model.
func (s *PredictionStore) CountForModel(ctx context.Context, model string) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM prediction_results WHERE model_name = ?`, model)
	if err != nil {
		return 0, errdefs.StorageQuery("prediction_results.count_for_model", err)
	}
	return n, nil
}

// Count counts all persisted predictions.
func (s *PredictionStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM prediction_results`)
	if err != nil {
		return 0, errdefs.StorageQuery("prediction_results.count", err)
	}
	return n, nil
}
