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
	"sync"
	"time"

	"github.com/shirou/gopsutil/disk"

	"github.com/boreline/edge-agent/internal/config"
	"github.com/boreline/edge-agent/internal/logs"
)

// Disk pressure states, ordered by urgency.
const (
	DiskNormal   = "normal"
	DiskWarning  = "warning"
	DiskCritical = "critical"
)

const bytesPerGB = 1 << 30

// diskUsage is swapped out in tests.
var diskUsage = disk.Usage

// DiskMonitor watches the free space under the configured paths and
// classifies the tightest one against the warning and critical
// thresholds. State transitions fire the callback so the sync manager
// can purge before the tunnel data eats the last gigabyte.
type DiskMonitor struct {
	paths    []string
	warnGB   float64
	critGB   float64
	interval time.Duration
	onState  func(state string, freeGB float64)
	logger   logs.StructuredLogger

	mu        sync.Mutex
	state     string
	freeGB    float64
	lastCheck time.Time
}

// DiskStats is the disk snapshot for the status endpoint.
type DiskStats struct {
	State      string  `json:"state"`
	FreeGB     float64 `json:"free_gb"`
	WarningGB  float64 `json:"warning_gb"`
	CriticalGB float64 `json:"critical_gb"`
	LastCheck  int64   `json:"last_check,omitempty"`
}

// NewDiskMonitor builds a monitor over cfg.Paths. onState fires on
// every state change, outside the monitor lock, and may be nil.
func NewDiskMonitor(cfg config.Disk, onState func(state string, freeGB float64), logger logs.StructuredLogger) *DiskMonitor {
	return &DiskMonitor{
		paths:    cfg.Paths,
		warnGB:   cfg.WarningGB,
		critGB:   cfg.CriticalGB,
		interval: cfg.CheckInterval(),
		onState:  onState,
		logger:   logger,
		state:    DiskNormal,
		freeGB:   -1,
	}
}

// Run checks once immediately, then on every tick until the context
// ends.
func (m *DiskMonitor) Run(ctx context.Context) error {
	m.Check()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check samples every path and applies the thresholds to the minimum
// free space. Paths that cannot be statted are skipped; if none can,
// the previous verdict stands.
func (m *DiskMonitor) Check() string {
	free, sampled := m.minFree()

	m.mu.Lock()
	m.lastCheck = time.Now()
	if !sampled {
		state := m.state
		m.mu.Unlock()
		m.logger.Warnf("disk check: no configured path could be statted, keeping state %s", state)
		return state
	}
	m.freeGB = free
	next := DiskNormal
	switch {
	case free <= m.critGB:
		next = DiskCritical
	case free <= m.warnGB:
		next = DiskWarning
	}
	transition := next != m.state
	m.state = next
	m.mu.Unlock()

	if transition {
		switch next {
		case DiskCritical:
			m.logger.Errorf("disk space critical: %.2f GB free (threshold %.1f GB)", free, m.critGB)
		case DiskWarning:
			m.logger.Warnf("disk space low: %.2f GB free (threshold %.1f GB)", free, m.warnGB)
		default:
			m.logger.Infof("disk space recovered: %.2f GB free", free)
		}
		if m.onState != nil {
			m.onState(next, free)
		}
	}
	return next
}

// minFree returns the smallest free space across the paths in GB and
// whether any path was readable.
func (m *DiskMonitor) minFree() (float64, bool) {
	min, sampled := 0.0, false
	for _, path := range m.paths {
		usage, err := diskUsage(path)
		if err != nil {
			m.logger.Debugf("disk usage for %s: %v", path, err)
			continue
		}
		free := float64(usage.Free) / bytesPerGB
		if !sampled || free < min {
			min = free
		}
		sampled = true
	}
	return min, sampled
}

// State reports the current verdict without sampling.
func (m *DiskMonitor) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// FreeGB reports the last sampled minimum free space, -1 before the
// first successful check.
func (m *DiskMonitor) FreeGB() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeGB
}

// Stats snapshots the monitor for the status endpoint.
func (m *DiskMonitor) Stats() DiskStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := DiskStats{
		State:      m.state,
		FreeGB:     m.freeGB,
		WarningGB:  m.warnGB,
		CriticalGB: m.critGB,
	}
	if !m.lastCheck.IsZero() {
		s.LastCheck = m.lastCheck.Unix()
	}
	return s
}
