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
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/boreline/edge-agent/internal/errdefs"
)

// Buffer item types accepted by the cloud API.
const (
	ItemTypeRingSummary = "ring_summary"
	ItemTypePrediction  = "prediction"
	ItemTypeWarning     = "warning"
)

// BufferItem is one queued upload.
type BufferItem struct {
	ID            int64   `db:"id"`
	ItemType      string  `db:"item_type"`
	ItemID        string  `db:"item_id"`
	Payload       []byte  `db:"payload"`
	Priority      int     `db:"priority"`
	RetryCount    int     `db:"retry_count"`
	LastAttemptAt *int64  `db:"last_attempt_at"`
	CreatedAt     int64   `db:"created_at"`
	Metadata      *string `db:"metadata"`
}

// BufferStats summarizes the queue for the status endpoint.
type BufferStats struct {
	Total            int64            `json:"total"`
	ByType           map[string]int64 `json:"by_type"`
	OldestAgeSeconds int64            `json:"oldest_age_seconds"`
	ItemsDropped     int64            `json:"items_dropped"`
	SyncFailures     int64            `json:"sync_failures"`
}

// BufferStore is the durable store-and-forward queue over sync_buffer.
// When the queue outgrows its cap the lowest-priority oldest rows are
// evicted first, so critical items survive sustained offline periods.
type BufferStore struct {
	db       *sqlx.DB
	dropped  atomic.Int64
	failures atomic.Int64
}

// Add enqueues one item. A duplicate (item_type, item_id) is a no-op
// returning false. maxSize caps the queue; the overflow is evicted in
// ascending (priority, created_at) order.
func (s *BufferStore) Add(ctx context.Context, itemType, itemID string, payload []byte, priority int, metadata *string, maxSize int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_buffer (item_type, item_id, payload, priority, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (item_type, item_id) DO NOTHING`,
		itemType, itemID, payload, priority, time.Now().Unix(), metadata)
	if err != nil {
		return false, errdefs.StorageQuery("sync_buffer.add", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errdefs.StorageQuery("sync_buffer.add", err)
	}
	if n == 0 {
		return false, nil
	}
	if err := s.evict(ctx, maxSize); err != nil {
		return true, err
	}
	return true, nil
}

func (s *BufferStore) evict(ctx context.Context, maxSize int) error {
	if maxSize <= 0 {
		return nil
	}
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM sync_buffer`); err != nil {
		return errdefs.StorageQuery("sync_buffer.evict", err)
	}
	overflow := count - maxSize
	if overflow <= 0 {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_buffer WHERE id IN (
			SELECT id FROM sync_buffer
			ORDER BY priority ASC, created_at ASC, id ASC LIMIT ?
		)`, overflow)
	if err != nil {
		return errdefs.StorageQuery("sync_buffer.evict", err)
	}
	if dropped, err := res.RowsAffected(); err == nil {
		s.dropped.Add(dropped)
	}
	return nil
}

// Batch returns up to size uploadable rows, highest priority first and
// oldest first within a priority. Rows that exhausted maxRetries are
// left for MarkFailed to reap. An empty itemType selects every type.
func (s *BufferStore) Batch(ctx context.Context, size, maxRetries int, itemType string) ([]BufferItem, error) {
	query := `SELECT * FROM sync_buffer WHERE retry_count < ?`
	args := []any{maxRetries}
	if itemType != "" {
		query += ` AND item_type = ?`
		args = append(args, itemType)
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC LIMIT ?`
	args = append(args, size)

	var items []BufferItem
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, errdefs.StorageQuery("sync_buffer.batch", err)
	}
	return items, nil
}

// MarkSynced removes a confirmed upload from the queue.
func (s *BufferStore) MarkSynced(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_buffer WHERE id = ?`, id)
	if err != nil {
		return errdefs.StorageQuery("sync_buffer.mark_synced", err)
	}
	return nil
}

// MarkFailed records a failed upload attempt. When the row reaches
// maxRetries it is dropped and counted as a sync failure; the returned
// bool reports that drop.
func (s *BufferStore) MarkFailed(ctx context.Context, id int64, maxRetries int) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, errdefs.StorageQuery("sync_buffer.mark_failed", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_buffer SET retry_count = retry_count + 1, last_attempt_at = ?
		WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return false, errdefs.StorageQuery("sync_buffer.mark_failed", err)
	}

	var retries int
	err = tx.GetContext(ctx, &retries, `SELECT retry_count FROM sync_buffer WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, tx.Commit()
	}
	if err != nil {
		return false, errdefs.StorageQuery("sync_buffer.mark_failed", err)
	}

	dropped := false
	if retries >= maxRetries {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_buffer WHERE id = ?`, id); err != nil {
			return false, errdefs.StorageQuery("sync_buffer.mark_failed", err)
		}
		dropped = true
	}
	if err := tx.Commit(); err != nil {
		return false, errdefs.StorageQuery("sync_buffer.mark_failed", err)
	}
	if dropped {
		s.failures.Add(1)
	}
	return dropped, nil
}

// Stats summarizes queue depth, composition and the lifetime drop and
// failure counters of this process.
func (s *BufferStore) Stats(ctx context.Context) (*BufferStats, error) {
	stats := &BufferStats{
		ByType:       map[string]int64{},
		ItemsDropped: s.dropped.Load(),
		SyncFailures: s.failures.Load(),
	}
	rows := []struct {
		ItemType string `db:"item_type"`
		Count    int64  `db:"count"`
	}{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT item_type, COUNT(*) AS count FROM sync_buffer GROUP BY item_type`)
	if err != nil {
		return nil, errdefs.StorageQuery("sync_buffer.stats", err)
	}
	for _, r := range rows {
		stats.ByType[r.ItemType] = r.Count
		stats.Total += r.Count
	}

	var oldest sql.NullInt64
	err = s.db.GetContext(ctx, &oldest, `SELECT MIN(created_at) FROM sync_buffer`)
	if err != nil {
		return nil, errdefs.StorageQuery("sync_buffer.stats", err)
	}
	if oldest.Valid {
		if age := time.Now().Unix() - oldest.Int64; age > 0 {
			stats.OldestAgeSeconds = age
		}
	}
	return stats, nil
}

// Clear drops queued items, optionally only one type. Operator escape
// hatch; returns how many rows went away.
func (s *BufferStore) Clear(ctx context.Context, itemType string) (int64, error) {
	query, args := `DELETE FROM sync_buffer`, []any{}
	if itemType != "" {
		query += ` WHERE item_type = ?`
		args = append(args, itemType)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errdefs.StorageQuery("sync_buffer.clear", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errdefs.StorageQuery("sync_buffer.clear", err)
	}
	return n, nil
}
