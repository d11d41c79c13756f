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

// ModelStore reads and writes model_metadata rows.
type ModelStore struct {
	db *sqlx.DB
}

// Register upserts model metadata keyed by model name. Re-registering
// replaces the artifact description but keeps the original created_at
// and never resurrects a retired deployment on its own.
func (s *ModelStore) Register(ctx context.Context, m *ModelMetadata) (int64, error) {
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().Unix()
	}
	if m.GeologicalZone == "" {
		m.GeologicalZone = ZoneAll
	}
	if m.DeploymentStatus == "" {
		m.DeploymentStatus = DeploymentStaged
	}
	if m.OutputFormatVersion == "" {
		m.OutputFormatVersion = OutputFormatV2Confidence
	}
	if m.FeatureList == "" {
		m.FeatureList = "[]"
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO model_metadata (
			model_name, model_version, model_type, onnx_model_path,
			model_checksum, model_size_bytes, training_date, training_data_range,
			geological_zone, validation_r2, validation_rmse, validation_mae,
			feature_list, output_format_version, hyperparameters,
			deployment_status, created_at, deployed_at, retired_at,
			load_time_seconds, avg_inference_time_ms
		) VALUES (
			:model_name, :model_version, :model_type, :onnx_model_path,
			:model_checksum, :model_size_bytes, :training_date, :training_data_range,
			:geological_zone, :validation_r2, :validation_rmse, :validation_mae,
			:feature_list, :output_format_version, :hyperparameters,
			:deployment_status, :created_at, :deployed_at, :retired_at,
			:load_time_seconds, :avg_inference_time_ms
		)
		ON CONFLICT (model_name) DO UPDATE SET
			model_version = excluded.model_version,
			model_type = excluded.model_type,
			onnx_model_path = excluded.onnx_model_path,
			model_checksum = excluded.model_checksum,
			model_size_bytes = excluded.model_size_bytes,
			training_date = excluded.training_date,
			training_data_range = excluded.training_data_range,
			geological_zone = excluded.geological_zone,
			validation_r2 = excluded.validation_r2,
			validation_rmse = excluded.validation_rmse,
			validation_mae = excluded.validation_mae,
			feature_list = excluded.feature_list,
			output_format_version = excluded.output_format_version,
			hyperparameters = excluded.hyperparameters,
			deployment_status = excluded.deployment_status`, m)
	if err != nil {
		return 0, errdefs.StorageQuery("model_metadata.register", err)
	}
	var id int64
	err = s.db.GetContext(ctx, &id,
		`SELECT id FROM model_metadata WHERE model_name = ?`, m.ModelName)
	if err != nil {
		return 0, errdefs.StorageQuery("model_metadata.register", err)
	}
	m.ID = id
	return id, nil
}

// ByName returns the metadata for a model, or nil when unregistered.
func (s *ModelStore) ByName(ctx context.Context, name string) (*ModelMetadata, error) {
	var m ModelMetadata
	err := s.db.GetContext(ctx, &m,
		`SELECT * FROM model_metadata WHERE model_name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.StorageQuery("model_metadata.by_name", err)
	}
	return &m, nil
}

// ActiveForZone returns the model serving a geological zone. Models
// registered for zone "all" serve every zone; when both a zone model
// and an "all" model are active the most recently deployed one wins.
// Returns nil when no active model covers the zone.
func (s *ModelStore) ActiveForZone(ctx context.Context, zone string) (*ModelMetadata, error) {
	var m ModelMetadata
	err := s.db.GetContext(ctx, &m, `
		SELECT * FROM model_metadata
		WHERE deployment_status = ? AND geological_zone IN (?, ?)
		ORDER BY deployed_at DESC, id DESC LIMIT 1`,
		DeploymentActive, zone, ZoneAll)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.StorageQuery("model_metadata.active_for_zone", err)
	}
	return &m, nil
}

// List returns every registered model, newest registration first.
func (s *ModelStore) List(ctx context.Context) ([]ModelMetadata, error) {
	var rows []ModelMetadata
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM model_metadata ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, errdefs.StorageQuery("model_metadata.list", err)
	}
	return rows, nil
}

// Activate promotes a model and retires whatever was active for the
// same zone. The demotion and promotion commit together.
func (s *ModelStore) Activate(ctx context.Context, name string) error {
	m, err := s.ByName(ctx, name)
	if err != nil {
		return err
	}
	if m == nil {
		return errdefs.ModelUnavailable(name, sql.ErrNoRows)
	}
	now := time.Now().Unix()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errdefs.StorageTransaction("model_metadata.activate", err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
		UPDATE model_metadata SET deployment_status = ?, retired_at = ?
		WHERE deployment_status = ? AND geological_zone = ? AND model_name != ?`,
		DeploymentRetired, now, DeploymentActive, m.GeologicalZone, name)
	if err != nil {
		return errdefs.StorageTransaction("model_metadata.activate", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE model_metadata SET deployment_status = ?, deployed_at = ?, retired_at = NULL
		WHERE model_name = ?`, DeploymentActive, now, name)
	if err != nil {
		return errdefs.StorageTransaction("model_metadata.activate", err)
	}
	if err := tx.Commit(); err != nil {
		return errdefs.StorageTransaction("model_metadata.activate", err)
	}
	return nil
}

// Retire demotes a model without activating a replacement.
func (s *ModelStore) Retire(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE model_metadata SET deployment_status = ?, retired_at = ?
		WHERE model_name = ?`, DeploymentRetired, time.Now().Unix(), name)
	if err != nil {
		return errdefs.StorageQuery("model_metadata.retire", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errdefs.ModelUnavailable(name, sql.ErrNoRows)
	}
	return nil
}

// SetFailed marks a model whose deployment did not survive loading.
func (s *ModelStore) SetFailed(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE model_metadata SET deployment_status = ?
		WHERE model_name = ?`, DeploymentFailed, name)
	if err != nil {
		return errdefs.StorageQuery("model_metadata.set_failed", err)
	}
	return nil
}

// SetLoadTime records how long the last session load took.
func (s *ModelStore) SetLoadTime(ctx context.Context, name string, seconds float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE model_metadata SET load_time_seconds = ?
		WHERE model_name = ?`, seconds, name)
	if err != nil {
		return errdefs.StorageQuery("model_metadata.set_load_time", err)
	}
	return nil
}

// SetAvgInferenceTime records the rolling mean latency for a model.
func (s *ModelStore) SetAvgInferenceTime(ctx context.Context, name string, ms float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE model_metadata SET avg_inference_time_ms = ?
		WHERE model_name = ?`, ms, name)
	if err != nil {
		return errdefs.StorageQuery("model_metadata.set_avg_inference_time", err)
	}
	return nil
}

// ActiveModels lists every model currently serving predictions.
func (s *ModelStore) ActiveModels(ctx context.Context) ([]ModelMetadata, error) {
	var rows []ModelMetadata
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM model_metadata
		WHERE deployment_status = ?
		ORDER BY model_name`, DeploymentActive)
	if err != nil {
		return nil, errdefs.StorageQuery("model_metadata.active_models", err)
	}
	return rows, nil
}
