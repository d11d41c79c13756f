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

// RingStore reads and writes ring_summary rows.
type RingStore struct {
	db *sqlx.DB
}

// CreateWindow records the excavation window for a ring. Re-recording
// an existing ring updates its window and leaves the aggregates alone.
func (s *RingStore) CreateWindow(ctx context.Context, ring int64, start, end float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ring_summary (ring_number, start_time, end_time, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (ring_number) DO UPDATE SET
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			updated_at = excluded.created_at`,
		ring, start, end, time.Now().Unix())
	if err != nil {
		return errdefs.StorageQuery("ring_summary.create_window", err)
	}
	return nil
}

// Window returns the excavation window recorded for a ring.
func (s *RingStore) Window(ctx context.Context, ring int64) (start, end float64, err error) {
	row := struct {
		Start float64 `db:"start_time"`
		End   float64 `db:"end_time"`
	}{}
	err = s.db.GetContext(ctx, &row,
		`SELECT start_time, end_time FROM ring_summary WHERE ring_number = ?`, ring)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, errdefs.RingNotFound(ring)
	}
	if err != nil {
		return 0, 0, errdefs.StorageQuery("ring_summary.window", err)
	}
	return row.Start, row.End, nil
}

// Get returns the full summary row for a ring.
func (s *RingStore) Get(ctx context.Context, ring int64) (*RingSummary, error) {
	var r RingSummary
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM ring_summary WHERE ring_number = ?`, ring)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.RingNotFound(ring)
	}
	if err != nil {
		return nil, errdefs.StorageQuery("ring_summary.get", err)
	}
	return &r, nil
}

// UpdateAggregates writes every computed column for a ring. The update
// is total, so re-running alignment for the same ring replaces the
// previous result.
func (s *RingStore) UpdateAggregates(ctx context.Context, r *RingSummary) error {
	now := time.Now().Unix()
	r.UpdatedAt = &now
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE ring_summary SET
			mean_thrust_total = :mean_thrust_total,
			max_thrust_total = :max_thrust_total,
			min_thrust_total = :min_thrust_total,
			std_thrust_total = :std_thrust_total,
			mean_torque_cutterhead = :mean_torque_cutterhead,
			max_torque_cutterhead = :max_torque_cutterhead,
			min_torque_cutterhead = :min_torque_cutterhead,
			std_torque_cutterhead = :std_torque_cutterhead,
			mean_chamber_pressure = :mean_chamber_pressure,
			max_chamber_pressure = :max_chamber_pressure,
			min_chamber_pressure = :min_chamber_pressure,
			std_chamber_pressure = :std_chamber_pressure,
			mean_advance_rate = :mean_advance_rate,
			max_advance_rate = :max_advance_rate,
			min_advance_rate = :min_advance_rate,
			std_advance_rate = :std_advance_rate,
			mean_grout_pressure = :mean_grout_pressure,
			max_grout_pressure = :max_grout_pressure,
			min_grout_pressure = :min_grout_pressure,
			std_grout_pressure = :std_grout_pressure,
			mean_grout_volume = :mean_grout_volume,
			max_grout_volume = :max_grout_volume,
			min_grout_volume = :min_grout_volume,
			std_grout_volume = :std_grout_volume,
			mean_pitch = :mean_pitch,
			mean_roll = :mean_roll,
			mean_yaw = :mean_yaw,
			max_pitch = :max_pitch,
			max_roll = :max_roll,
			max_yaw = :max_yaw,
			horizontal_deviation_max = :horizontal_deviation_max,
			vertical_deviation_max = :vertical_deviation_max,
			plc_sample_count = :plc_sample_count,
			attitude_sample_count = :attitude_sample_count,
			specific_energy = :specific_energy,
			ground_loss_rate = :ground_loss_rate,
			volume_loss_ratio = :volume_loss_ratio,
			settlement_value = :settlement_value,
			data_completeness_flag = :data_completeness_flag,
			geological_zone = :geological_zone,
			updated_at = :updated_at
		WHERE ring_number = :ring_number`, r)
	if err != nil {
		return errdefs.StorageQuery("ring_summary.update_aggregates", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errdefs.RingNotFound(r.RingNumber)
	}
	return nil
}

// Previous returns up to n aligned rings preceding ring, in ascending
// ring order.
func (s *RingStore) Previous(ctx context.Context, ring int64, n int) ([]RingSummary, error) {
	var rows []RingSummary
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM ring_summary
		WHERE ring_number < ? AND data_completeness_flag != ''
		ORDER BY ring_number DESC LIMIT ?`, ring, n)
	if err != nil {
		return nil, errdefs.StorageQuery("ring_summary.previous", err)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// MarkSynced flips a ring summary to synced after a confirmed upload.
func (s *RingStore) MarkSynced(ctx context.Context, ring int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ring_summary SET sync_status = ?, updated_at = ?
		WHERE ring_number = ?`, SyncStatusSynced, time.Now().Unix(), ring)
	if err != nil {
		return errdefs.StorageQuery("ring_summary.mark_synced", err)
	}
	return nil
}

// PendingAlignment lists rings whose window has closed but whose
// aggregates have not been computed yet.
func (s *RingStore) PendingAlignment(ctx context.Context, endedBefore float64, limit int) ([]int64, error) {
	var rings []int64
	err := s.db.SelectContext(ctx, &rings, `
		SELECT ring_number FROM ring_summary
		WHERE data_completeness_flag = '' AND end_time <= ?
		ORDER BY ring_number LIMIT ?`, endedBefore, limit)
	if err != nil {
		return nil, errdefs.StorageQuery("ring_summary.pending_alignment", err)
	}
	return rings, nil
}

// MissingSettlement lists aligned rings whose settlement lag window has
// fully elapsed but whose settlement value is still absent.
func (s *RingStore) MissingSettlement(ctx context.Context, endedBefore float64, limit int) ([]int64, error) {
	var rings []int64
	err := s.db.SelectContext(ctx, &rings, `
		SELECT ring_number FROM ring_summary
		WHERE data_completeness_flag != '' AND settlement_value IS NULL AND end_time <= ?
		ORDER BY ring_number LIMIT ?`, endedBefore, limit)
	if err != nil {
		return nil, errdefs.StorageQuery("ring_summary.missing_settlement", err)
	}
	return rings, nil
}

// WithoutPrediction lists usable aligned rings that have no prediction
// row yet.
func (s *RingStore) WithoutPrediction(ctx context.Context, limit int) ([]int64, error) {
	var rings []int64
	err := s.db.SelectContext(ctx, &rings, `
		SELECT ring_number FROM ring_summary
		WHERE data_completeness_flag IN (?, ?)
		  AND ring_number NOT IN (SELECT DISTINCT ring_number FROM prediction_results)
		ORDER BY ring_number LIMIT ?`,
		CompletenessComplete, CompletenessPartial, limit)
	if err != nil {
		return nil, errdefs.StorageQuery("ring_summary.without_prediction", err)
	}
	return rings, nil
}

// PendingSyncCount counts ring summaries not yet confirmed by the cloud.
func (s *RingStore) PendingSyncCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM ring_summary WHERE sync_status = ?`, SyncStatusPending)
	if err != nil {
		return 0, errdefs.StorageQuery("ring_summary.pending_sync_count", err)
	}
	return n, nil
}

// AlignedCount counts rings whose aggregates have been computed,
// whatever their completeness verdict.
func (s *RingStore) AlignedCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM ring_summary WHERE data_completeness_flag != ''`)
	if err != nil {
		return 0, errdefs.StorageQuery("ring_summary.aligned_count", err)
	}
	return n, nil
}

// SyncedRings reports, for the given rings, which are already synced
// with an acceptable completeness flag. Used by the raw-file purger to
// decide what is safe to delete.
func (s *RingStore) SyncedRings(ctx context.Context, rings []int64) (map[int64]bool, error) {
	if len(rings) == 0 {
		return map[int64]bool{}, nil
	}
	query, args, err := sqlx.In(`
		SELECT ring_number FROM ring_summary
		WHERE ring_number IN (?) AND sync_status = ? AND data_completeness_flag IN (?)`,
		rings, SyncStatusSynced, []string{CompletenessComplete, CompletenessAcceptable})
	if err != nil {
		return nil, errdefs.StorageQuery("ring_summary.synced_rings", err)
	}
	var synced []int64
	if err := s.db.SelectContext(ctx, &synced, s.db.Rebind(query), args...); err != nil {
		return nil, errdefs.StorageQuery("ring_summary.synced_rings", err)
	}
	out := make(map[int64]bool, len(synced))
	for _, r := range synced {
		out[r] = true
	}
	return out, nil
}
