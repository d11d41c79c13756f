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

package cloudsync_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boreline/edge-agent/internal/cloudsync"
	"github.com/boreline/edge-agent/internal/config"
	"github.com/boreline/edge-agent/internal/logs"
	"github.com/boreline/edge-agent/internal/store"
	"gotest.tools/v3/assert"
)

func newTestPurger(t *testing.T, db *store.DB, dir string, cfg config.Purge) *cloudsync.Purger {
	t.Helper()
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 30
	}
	if cfg.MaxAgeDays == 0 {
		cfg.MaxAgeDays = 90
	}
	return cloudsync.NewPurger(dir, cfg, db.Rings, logs.DiscardLogger())
}

func TestPurgeDeletesOnlyConfirmedRings(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	dir := t.TempDir()

	// Ring 1 confirmed by the cloud, ring 2 still pending, ring 3
	// confirmed but its export is fresh.
	seedRing(t, db, 1, store.CompletenessComplete)
	assert.NilError(t, db.Rings.MarkSynced(ctx, 1))
	seedRing(t, db, 2, store.CompletenessComplete)
	seedRing(t, db, 3, store.CompletenessAcceptable)
	assert.NilError(t, db.Rings.MarkSynced(ctx, 3))

	old := 40 * 24 * time.Hour
	confirmed := writeAgedCSV(t, dir, "ring_00001_plc.csv", old)
	nested := writeAgedCSV(t, dir, filepath.Join("2025-07", "ring_00001_attitude.csv"), old)
	unconfirmed := writeAgedCSV(t, dir, "ring_00002_plc.csv", old)
	fresh := writeAgedCSV(t, dir, "ring_00003_plc.csv", 24*time.Hour)
	loose := writeAgedCSV(t, dir, "notes.csv", old) // no ring prefix

	p := newTestPurger(t, db, dir, config.Purge{})
	stats, err := p.Purge(ctx)
	assert.NilError(t, err)

	// Both exports of the confirmed ring went, nothing else.
	for _, path := range []string{confirmed, nested} {
		_, err := os.Stat(path)
		assert.Assert(t, os.IsNotExist(err), "expected %s to be deleted", path)
	}
	for _, path := range []string{unconfirmed, fresh, loose} {
		_, err := os.Stat(path)
		assert.NilError(t, err)
	}

	assert.Equal(t, stats.Scanned, 4) // ring-pattern files only
	assert.Equal(t, stats.Deleted, 2)
	assert.Equal(t, stats.Skipped, 2)
	assert.Assert(t, stats.BytesFreed > 0)
}

func TestPurgeDryRunLeavesFiles(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	dir := t.TempDir()

	seedRing(t, db, 1, store.CompletenessComplete)
	assert.NilError(t, db.Rings.MarkSynced(ctx, 1))
	path := writeAgedCSV(t, dir, "ring_00001_plc.csv", 40*24*time.Hour)

	p := newTestPurger(t, db, dir, config.Purge{DryRun: true})
	stats, err := p.Purge(ctx)
	assert.NilError(t, err)

	// Counted as if deleted, but still on disk.
	assert.Equal(t, stats.Deleted, 1)
	assert.Equal(t, stats.DryRun, true)
	_, err = os.Stat(path)
	assert.NilError(t, err)
}

func TestEmergencyPurgeIgnoresSyncState(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	dir := t.TempDir()

	seedRing(t, db, 2, store.CompletenessComplete) // never synced

	ancient := writeAgedCSV(t, dir, "ring_00002_plc.csv", 100*24*time.Hour)
	loose := writeAgedCSV(t, dir, "export.csv", 100*24*time.Hour)
	recent := writeAgedCSV(t, dir, "ring_00002_attitude.csv", 10*24*time.Hour)
	other := filepath.Join(dir, "readme.txt")
	assert.NilError(t, os.WriteFile(other, []byte("raw exports live here\n"), 0o644))

	p := newTestPurger(t, db, dir, config.Purge{})
	stats, err := p.EmergencyPurge(ctx)
	assert.NilError(t, err)

	// Everything CSV past the hard age cap went, synced or not.
	for _, path := range []string{ancient, loose} {
		_, statErr := os.Stat(path)
		assert.Assert(t, os.IsNotExist(statErr), "expected %s to be deleted", path)
	}
	for _, path := range []string{recent, other} {
		_, statErr := os.Stat(path)
		assert.NilError(t, statErr)
	}

	assert.Equal(t, stats.Scanned, 3)
	assert.Equal(t, stats.Deleted, 2)
	assert.Equal(t, stats.Skipped, 1)
}

func TestPurgeEmptyDirIsDisabled(t *testing.T) {
	db := openTest(t)
	p := newTestPurger(t, db, "", config.Purge{})

	stats, err := p.Purge(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, stats.Scanned, 0)
}
