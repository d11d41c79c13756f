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
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/boreline/edge-agent/internal/config"
	"github.com/boreline/edge-agent/internal/logs"
)

// NetworkMonitor probes the cloud health endpoint and keeps an
// online/offline verdict with hysteresis: a single successful probe
// brings the link up, FailureThreshold consecutive failures take it
// down. The agent starts offline until proven otherwise, so queued
// work never races a link that was never there.
type NetworkMonitor struct {
	client    *http.Client
	url       string
	interval  time.Duration
	timeout   time.Duration
	threshold int
	onChange  func(online bool)
	logger    logs.StructuredLogger

	mu         sync.Mutex
	online     bool
	failures   int
	checks     int64
	lastCheck  time.Time
	lastChange time.Time
}

// NetworkStats is the connectivity snapshot for the status endpoint.
type NetworkStats struct {
	Online              bool  `json:"online"`
	ConsecutiveFailures int   `json:"consecutive_failures"`
	TotalChecks         int64 `json:"total_checks"`
	LastCheck           int64 `json:"last_check,omitempty"`
	LastTransition      int64 `json:"last_transition,omitempty"`
}

// NewNetworkMonitor builds a monitor for the configured health URL.
// onChange fires on every state transition, outside the monitor lock,
// and may be nil.
func NewNetworkMonitor(cloud config.Cloud, cfg config.Network, onChange func(online bool), logger logs.StructuredLogger) *NetworkMonitor {
	return &NetworkMonitor{
		client:    cleanhttp.DefaultClient(),
		url:       strings.TrimRight(cloud.BaseURL, "/") + cloud.HealthPath,
		interval:  cfg.CheckInterval(),
		timeout:   cfg.Timeout(),
		threshold: cfg.FailureThreshold,
		onChange:  onChange,
		logger:    logger,
	}
}

// Run probes once immediately so the agent comes online without
// waiting a full interval, then keeps probing until the context ends.
func (m *NetworkMonitor) Run(ctx context.Context) error {
	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check performs one probe, applies the hysteresis rules and returns
// the resulting state.
func (m *NetworkMonitor) Check(ctx context.Context) bool {
	ok := m.probe(ctx)

	m.mu.Lock()
	m.checks++
	m.lastCheck = time.Now()
	transition := false
	if ok {
		m.failures = 0
		if !m.online {
			m.online = true
			m.lastChange = m.lastCheck
			transition = true
		}
	} else {
		m.failures++
		if m.online && m.failures >= m.threshold {
			m.online = false
			m.lastChange = m.lastCheck
			transition = true
		}
	}
	online := m.online
	m.mu.Unlock()

	if transition {
		if online {
			m.logger.Infof("cloud connectivity restored")
		} else {
			m.logger.Warnf("cloud connectivity lost after %d consecutive failed checks", m.threshold)
		}
		if m.onChange != nil {
			m.onChange(online)
		}
	}
	return online
}

// probe counts only a 200 from the health endpoint as success; a
// degraded server answering 5xx is not a link worth uploading over.
func (m *NetworkMonitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Online reports the current verdict without probing.
func (m *NetworkMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Stats snapshots the monitor for the status endpoint.
func (m *NetworkMonitor) Stats() NetworkStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := NetworkStats{
		Online:              m.online,
		ConsecutiveFailures: m.failures,
		TotalChecks:         m.checks,
	}
	if !m.lastCheck.IsZero() {
		s.LastCheck = m.lastCheck.Unix()
	}
	if !m.lastChange.IsZero() {
		s.LastTransition = m.lastChange.Unix()
	}
	return s
}
