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

package cloudsync

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/boreline/edge-agent/internal/config"
	"github.com/boreline/edge-agent/internal/logs"
)

// ringFilePattern extracts the ring number from raw export names like
// ring_00042_plc.csv.
var ringFilePattern = regexp.MustCompile(`^ring_(\d+)_.+\.csv$`)

// SyncLookup answers which rings are confirmed uploaded with a
// completeness the cloud accepted. Only those rings' files may go.
type SyncLookup interface {
	SyncedRings(ctx context.Context, rings []int64) (map[int64]bool, error)
}

// PurgeStats summarizes one purge pass.
type PurgeStats struct {
	Scanned    int   `json:"scanned"`
	Deleted    int   `json:"deleted"`
	Skipped    int   `json:"skipped"`
	BytesFreed int64 `json:"bytes_freed"`
	DryRun     bool  `json:"dry_run"`
}

// Purger reclaims disk under the raw data directory. The normal pass
// deletes per-ring CSV exports past the retention window whose ring
// the cloud has confirmed; the emergency pass deletes any CSV past the
// hard age cap, synced or not. Every deletion re-checks the file age
// first, and per-file errors are collected rather than aborting the
// pass.
type Purger struct {
	dir    string
	cfg    config.Purge
	rings  SyncLookup
	logger logs.StructuredLogger
}

// NewPurger builds a purger over dir. An empty dir disables purging.
func NewPurger(dir string, cfg config.Purge, rings SyncLookup, logger logs.StructuredLogger) *Purger {
	return &Purger{dir: dir, cfg: cfg, rings: rings, logger: logger}
}

// Purge runs the normal retention pass.
func (p *Purger) Purge(ctx context.Context) (*PurgeStats, error) {
	stats := &PurgeStats{DryRun: p.cfg.DryRun}
	if p.dir == "" {
		return stats, nil
	}
	cutoff := time.Now().AddDate(0, 0, -p.cfg.RetentionDays)

	type candidate struct {
		path string
		ring int64
	}
	var candidates []candidate
	walkErr := p.walkCSV(ctx, func(path string, d fs.DirEntry) error {
		ring, ok := ringFileNumber(d.Name())
		if !ok {
			return nil
		}
		stats.Scanned++
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			stats.Skipped++
			return nil
		}
		candidates = append(candidates, candidate{path: path, ring: ring})
		return nil
	})
	if walkErr != nil {
		return stats, walkErr
	}
	if len(candidates) == 0 {
		return stats, nil
	}

	rings := make([]int64, 0, len(candidates))
	seen := make(map[int64]bool)
	for _, c := range candidates {
		if !seen[c.ring] {
			seen[c.ring] = true
			rings = append(rings, c.ring)
		}
	}
	synced, err := p.rings.SyncedRings(ctx, rings)
	if err != nil {
		return stats, err
	}

	var errs *multierror.Error
	for _, c := range candidates {
		if !synced[c.ring] {
			stats.Skipped++
			p.logger.Debugf("keeping %s: ring %d not confirmed by the cloud", c.path, c.ring)
			continue
		}
		if err := p.remove(c.path, cutoff, stats); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	p.logPass("purge", stats)
	return stats, errs.ErrorOrNil()
}

// EmergencyPurge deletes any raw CSV past the hard age cap regardless
// of sync state. Data loss is the lesser evil once the disk is nearly
// full.
func (p *Purger) EmergencyPurge(ctx context.Context) (*PurgeStats, error) {
	stats := &PurgeStats{DryRun: p.cfg.DryRun}
	if p.dir == "" {
		return stats, nil
	}
	cutoff := time.Now().AddDate(0, 0, -p.cfg.MaxAgeDays)
	p.logger.Warnf("emergency purge: deleting raw exports older than %d days, synced or not", p.cfg.MaxAgeDays)

	var errs *multierror.Error
	walkErr := p.walkCSV(ctx, func(path string, d fs.DirEntry) error {
		stats.Scanned++
		if err := p.remove(path, cutoff, stats); err != nil {
			errs = multierror.Append(errs, err)
		}
		return nil
	})
	if walkErr != nil {
		return stats, walkErr
	}
	p.logPass("emergency purge", stats)
	return stats, errs.ErrorOrNil()
}

// walkCSV visits every CSV under the raw directory and its
// subdirectories. Unreadable entries are logged and skipped; only
// context cancellation stops the walk.
func (p *Purger) walkCSV(ctx context.Context, visit func(path string, d fs.DirEntry) error) error {
	return filepath.WalkDir(p.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			p.logger.Debugf("purge scan %s: %v", path, err)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".csv") {
			return nil
		}
		return visit(path, d)
	})
}

// remove deletes one file after re-checking its age, since the file
// may have been rewritten between the scan and now. Dry runs count
// what would have gone.
func (p *Purger) remove(path string, cutoff time.Time, stats *PurgeStats) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.ModTime().After(cutoff) {
		stats.Skipped++
		return nil
	}
	if p.cfg.DryRun {
		p.logger.Infof("dry run: would delete %s (%d bytes)", path, info.Size())
		stats.Deleted++
		stats.BytesFreed += info.Size()
		return nil
	}
	if err := os.Remove(path); err != nil {
		return err
	}
	stats.Deleted++
	stats.BytesFreed += info.Size()
	return nil
}

func (p *Purger) logPass(pass string, stats *PurgeStats) {
	if stats.Scanned == 0 && stats.Deleted == 0 {
		return
	}
	verb := "deleted"
	if stats.DryRun {
		verb = "would delete"
	}
	p.logger.Infof("%s: %s %d of %d scanned files, %.1f MB, skipped %d",
		pass, verb, stats.Deleted, stats.Scanned, float64(stats.BytesFreed)/(1<<20), stats.Skipped)
}

// ringFileNumber parses the ring number out of an export filename.
func ringFileNumber(name string) (int64, bool) {
	m := ringFilePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
