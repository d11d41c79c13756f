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
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/boreline/edge-agent/internal/errdefs"
)

// WarningStore reads and writes warning_events rows.
type WarningStore struct {
	db *sqlx.DB
}

// Insert persists a warning event, assigning an id and timestamp when
// the caller left them empty.
func (s *WarningStore) Insert(ctx context.Context, w *WarningEvent) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Timestamp == 0 {
		w.Timestamp = time.Now().Unix()
	}
	if len(w.Details) == 0 {
		w.Details = []byte("{}")
	}
	if w.SyncStatus == "" {
		w.SyncStatus = SyncStatusPending
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO warning_events (
			id, timestamp, warning_type, severity, ring_number,
			message, details, acknowledged, sync_status
		) VALUES (
			:id, :timestamp, :warning_type, :severity, :ring_number,
			:message, :details, :acknowledged, :sync_status
		)`, w)
	if err != nil {
		return errdefs.StorageQuery("warning_events.insert", err)
	}
	return nil
}

// PendingSync lists warnings not yet confirmed by the cloud, oldest
// first.
func (s *WarningStore) PendingSync(ctx context.Context, limit int) ([]WarningEvent, error) {
	var rows []WarningEvent
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM warning_events
		WHERE sync_status = ?
		ORDER BY timestamp, id LIMIT ?`, SyncStatusPending, limit)
	if err != nil {
		return nil, errdefs.StorageQuery("warning_events.pending_sync", err)
	}
	return rows, nil
}

// MarkSynced flips the given warnings to synced.
func (s *WarningStore) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`UPDATE warning_events SET sync_status = ? WHERE id IN (?)`,
		SyncStatusSynced, ids)
	if err != nil {
		return errdefs.StorageQuery("warning_events.mark_synced", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return errdefs.StorageQuery("warning_events.mark_synced", err)
	}
	return nil
}

// Acknowledge records operator acknowledgement of a warning.
func (s *WarningStore) Acknowledge(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE warning_events SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return errdefs.StorageQuery("warning_events.acknowledge", err)
	}
	return nil
}

// PendingCount counts warnings awaiting upload.
func (s *WarningStore) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM warning_events WHERE sync_status = ?`, SyncStatusPending)
	if err != nil {
		return 0, errdefs.StorageQuery("warning_events.pending_count", err)
	}
	return n, nil
}

// Recent returns the n most recent warnings, newest first.
func (s *WarningStore) Recent(ctx context.Context, n int) ([]WarningEvent, error) {
	var rows []WarningEvent
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM warning_events
		ORDER BY timestamp DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, errdefs.StorageQuery("warning_events.recent", err)
	}
	return rows, nil
}
