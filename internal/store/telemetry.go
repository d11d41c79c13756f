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

	"github.com/jmoiron/sqlx"

	"github.com/boreline/edge-agent/internal/errdefs"
)

// TelemetryStore reads raw sensor rows for alignment.
type TelemetryStore struct {
	db *sqlx.DB
}

// PLCValues returns, per channel, the non-NULL values recorded inside
// [from, to] carrying one of the accepted quality flags. A non-nil ring
// additionally restricts rows to ones tagged with that ring number.
// Channels with no rows are absent from the result.
func (s *TelemetryStore) PLCValues(ctx context.Context, from, to float64, channels, flags []string, ring *int64) (map[string][]float64, error) {
	query := `
		SELECT tag_name, value FROM plc_logs
		WHERE timestamp >= ? AND timestamp <= ?
		  AND tag_name IN (?) AND data_quality_flag IN (?)`
	args := []any{from, to, channels, flags}
	if ring != nil {
		query += ` AND ring_number = ?`
		args = append(args, *ring)
	}
	query += ` ORDER BY timestamp`
	query, flat, err := sqlx.In(query, args...)
	if err != nil {
		return nil, errdefs.StorageQuery("plc_logs.values", err)
	}
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), flat...)
	if err != nil {
		return nil, errdefs.StorageQuery("plc_logs.values", err)
	}
	defer rows.Close()

	out := make(map[string][]float64, len(channels))
	for rows.Next() {
		var tag string
		var value *float64
		if err := rows.Scan(&tag, &value); err != nil {
			return nil, errdefs.StorageQuery("plc_logs.values", err)
		}
		if value == nil {
			continue
		}
		out[tag] = append(out[tag], *value)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.StorageQuery("plc_logs.values", err)
	}
	return out, nil
}

// AttitudeRows returns shield attitude rows recorded inside [from, to].
func (s *TelemetryStore) AttitudeRows(ctx context.Context, from, to float64) ([]AttitudeSample, error) {
	var rows []AttitudeSample
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM attitude_logs
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp`, from, to)
	if err != nil {
		return nil, errdefs.StorageQuery("attitude_logs.rows", err)
	}
	return rows, nil
}

// SettlementMean averages surface settlement readings for a ring inside
// [from, to]. The mean is nil when no readings exist.
func (s *TelemetryStore) SettlementMean(ctx context.Context, ring int64, from, to float64) (*float64, int64, error) {
	row := struct {
		Mean  *float64 `db:"mean_value"`
		Count int64    `db:"n"`
	}{}
	err := s.db.GetContext(ctx, &row, `
		SELECT AVG(value) AS mean_value, COUNT(value) AS n FROM monitoring_logs
		WHERE sensor_type = 'surface_settlement' AND ring_number = ?
		  AND timestamp >= ? AND timestamp <= ?`, ring, from, to)
	if err != nil {
		return nil, 0, errdefs.StorageQuery("monitoring_logs.settlement_mean", err)
	}
	return row.Mean, row.Count, nil
}

// InsertPLC appends raw PLC rows. Used by the ingestion bridge and by
// tests seeding telemetry.
func (s *TelemetryStore) InsertPLC(ctx context.Context, samples []PLCSample) error {
	if len(samples) == 0 {
		return nil
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO plc_logs (timestamp, tag_name, value, data_quality_flag, ring_number)
		VALUES (:timestamp, :tag_name, :value, :data_quality_flag, :ring_number)`, samples)
	if err != nil {
		return errdefs.StorageQuery("plc_logs.insert", err)
	}
	return nil
}

// InsertAttitude appends shield attitude rows.
func (s *TelemetryStore) InsertAttitude(ctx context.Context, samples []AttitudeSample) error {
	if len(samples) == 0 {
		return nil
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO attitude_logs (timestamp, pitch, roll, yaw, horizontal_deviation, vertical_deviation, ring_number)
		VALUES (:timestamp, :pitch, :roll, :yaw, :horizontal_deviation, :vertical_deviation, :ring_number)`, samples)
	if err != nil {
		return errdefs.StorageQuery("attitude_logs.insert", err)
	}
	return nil
}

// InsertMonitoring appends external monitoring rows.
func (s *TelemetryStore) InsertMonitoring(ctx context.Context, samples []MonitoringSample) error {
	if len(samples) == 0 {
		return nil
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO monitoring_logs (timestamp, sensor_type, value, ring_number)
		VALUES (:timestamp, :sensor_type, :value, :ring_number)`, samples)
	if err != nil {
		return errdefs.StorageQuery("monitoring_logs.insert", err)
	}
	return nil
}
