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
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/boreline/edge-agent/internal/config"
	"github.com/boreline/edge-agent/internal/errdefs"
	"github.com/boreline/edge-agent/internal/logs"
	"github.com/boreline/edge-agent/internal/store"
)

// Queue priorities. Warnings take theirs from the graded response
// map; an unknown severity files as medium.
const (
	priorityRing            = 1
	priorityPrediction      = 3
	priorityPredictionAlert = 5
	priorityWarningDefault  = 2
)

// drainOrder empties the most safety-relevant queues first.
var drainOrder = []string{store.ItemTypeWarning, store.ItemTypePrediction, store.ItemTypeRingSummary}

// Manager owns the sync core: the durable queue, the per-type
// uploaders, the connectivity and disk monitors and the purger. The
// pipeline hands it rows through the Queue methods; its loops move
// them to the cloud whenever the link allows.
type Manager struct {
	db        *store.DB
	uploaders map[string]*Uploader
	netmon    *NetworkMonitor
	diskmon   *DiskMonitor
	purger    *Purger
	cfg       config.Sync
	batching  config.Batching
	graded    config.GradedResponse
	logger    logs.StructuredLogger

	kick          chan struct{}
	purgeKick     chan struct{}
	emergencyKick chan struct{}

	mu        sync.Mutex
	syncing   bool
	lastSync  time.Time
	lastPurge time.Time
	lastStats *PurgeStats
	uploaded  map[string]int64
	failed    map[string]int64
}

// Stats is the sync snapshot for the status endpoint.
type Stats struct {
	CloudEnabled bool               `json:"cloud_enabled"`
	Network      NetworkStats       `json:"network"`
	Disk         DiskStats          `json:"disk"`
	Buffer       *store.BufferStats `json:"buffer,omitempty"`
	Uploaded     map[string]int64   `json:"uploaded"`
	Failed       map[string]int64   `json:"failed"`
	LastSync     int64              `json:"last_sync,omitempty"`
	LastPurge    int64              `json:"last_purge,omitempty"`
	LastPurgeRun *PurgeStats        `json:"last_purge_run,omitempty"`
}

// NewManager wires the sync core from the agent config.
func NewManager(db *store.DB, cfg *config.Config, logger logs.StructuredLogger) *Manager {
	m := &Manager{
		db:            db,
		uploaders:     NewUploaders(cfg, logger),
		cfg:           cfg.Sync,
		batching:      cfg.Batching,
		graded:        cfg.GradedResponse,
		logger:        logger,
		kick:          make(chan struct{}, 1),
		purgeKick:     make(chan struct{}, 1),
		emergencyKick: make(chan struct{}, 1),
		uploaded:      make(map[string]int64),
		failed:        make(map[string]int64),
	}
	m.netmon = NewNetworkMonitor(cfg.Sync.Cloud, cfg.Sync.Network, m.onNetworkChange, logger)
	m.diskmon = NewDiskMonitor(cfg.Sync.Disk, m.onDiskState, logger)
	m.purger = NewPurger(cfg.Storage.RawDataDir, cfg.Sync.Purge, db.Rings, logger)
	return m
}

// CloudEnabled reports whether a cloud endpoint is configured at all.
// Without one the agent runs store-only: queueing still works, the
// network monitor and sync loop are never started.
func (m *Manager) CloudEnabled() bool {
	return m.cfg.Cloud.BaseURL != ""
}

// QueueRing stages a completed ring summary for upload.
func (m *Manager) QueueRing(ctx context.Context, r *store.RingSummary) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	itemID := strconv.FormatInt(r.RingNumber, 10)
	_, err = m.db.Buffer.Add(ctx, store.ItemTypeRingSummary, itemID, payload, priorityRing, nil, m.cfg.Buffer.MaxSize)
	return err
}

// QueuePrediction stages a prediction for upload. A prediction whose
// settlement magnitude crosses the alert threshold jumps the queue
// and raises a predictive warning event.
func (m *Manager) QueuePrediction(ctx context.Context, p *store.PredictionResult) error {
	priority := priorityPrediction
	if alert := m.graded.SettlementAlertMM; alert > 0 && math.Abs(p.PredictedSettlement) > alert {
		priority = priorityPredictionAlert
		if err := m.raiseSettlementWarning(ctx, p); err != nil {
			m.logger.Errorf("raising settlement warning for ring %d: %v", p.RingNumber, err)
		}
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	itemID := strconv.FormatInt(p.ID, 10)
	if p.ID == 0 {
		itemID = fmt.Sprintf("%d-%d", p.RingNumber, p.Timestamp)
	}
	_, err = m.db.Buffer.Add(ctx, store.ItemTypePrediction, itemID, payload, priority, nil, m.cfg.Buffer.MaxSize)
	return err
}

// QueueWarning persists a new warning event and stages it for upload
// with its severity priority. The store assigns the id and timestamp
// when the producer left them empty.
func (m *Manager) QueueWarning(ctx context.Context, w *store.WarningEvent) error {
	if err := m.db.Warnings.Insert(ctx, w); err != nil {
		return err
	}
	payload, err := json.Marshal(w)
	if err != nil {
		return err
	}
	_, err = m.db.Buffer.Add(ctx, store.ItemTypeWarning, w.ID, payload, m.priorityFor(w.Severity), nil, m.cfg.Buffer.MaxSize)
	return err
}

func (m *Manager) priorityFor(severity string) int {
	if p, ok := m.graded.Priorities[severity]; ok {
		return p
	}
	return priorityWarningDefault
}

// raiseSettlementWarning turns an over-threshold prediction into a
// predictive warning event. The severity grades on the worst of the
// point estimate and the confidence bounds: half again over the
// threshold is critical.
func (m *Manager) raiseSettlementWarning(ctx context.Context, p *store.PredictionResult) error {
	check := math.Abs(p.PredictedSettlement)
	check = math.Max(check, math.Abs(p.SettlementLower))
	check = math.Max(check, math.Abs(p.SettlementUpper))
	severity := store.SeverityHigh
	if check >= 1.5*m.graded.SettlementAlertMM {
		severity = store.SeverityCritical
	}
	details, err := json.Marshal(map[string]any{
		"indicator_name":        "predicted_settlement",
		"predicted_value":       p.PredictedSettlement,
		"confidence_lower":      p.SettlementLower,
		"confidence_upper":      p.SettlementUpper,
		"prediction_confidence": p.PredictionConfidence,
		"threshold_value":       m.graded.SettlementAlertMM,
		"model_name":            p.ModelName,
	})
	if err != nil {
		return err
	}
	ring := p.RingNumber
	w := &store.WarningEvent{
		WarningType: "predictive",
		Severity:    severity,
		RingNumber:  &ring,
		Message: fmt.Sprintf("predicted settlement %.2f mm exceeds the %.1f mm alert threshold on ring %d",
			p.PredictedSettlement, m.graded.SettlementAlertMM, p.RingNumber),
		Details: details,
	}
	m.logger.Warnf("predictive %s warning: %s", severity, w.Message)
	return m.QueueWarning(ctx, w)
}

// onNetworkChange runs on connectivity transitions. Coming online
// requests an immediate sync cycle instead of waiting out the ticker.
func (m *Manager) onNetworkChange(online bool) {
	if online {
		m.RequestSync()
	}
}

// onDiskState runs on disk pressure transitions. Pressure triggers a
// purge pass right away; critical pressure adds the emergency pass
// that ignores sync state.
func (m *Manager) onDiskState(state string, freeGB float64) {
	switch state {
	case DiskWarning:
		m.RequestPurge(false)
	case DiskCritical:
		m.RequestPurge(true)
	}
}

// RequestSync asks the sync loop for an immediate cycle. Requests
// arriving while one is already pending coalesce.
func (m *Manager) RequestSync() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// RequestPurge asks the purge loop for an immediate pass.
func (m *Manager) RequestPurge(emergency bool) {
	ch := m.purgeKick
	if emergency {
		ch = m.emergencyKick
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// RunNetworkMonitor and RunDiskMonitor are the monitor actors, one
// goroutine each under the daemon's run group.
func (m *Manager) RunNetworkMonitor(ctx context.Context) error { return m.netmon.Run(ctx) }
func (m *Manager) RunDiskMonitor(ctx context.Context) error    { return m.diskmon.Run(ctx) }

// CheckNetwork forces one connectivity probe outside the monitor's
// schedule and reports whether the cloud is reachable afterwards.
func (m *Manager) CheckNetwork(ctx context.Context) bool { return m.netmon.Check(ctx) }

// SyncLoop drains the queue on the configured interval and whenever
// an immediate cycle is requested.
func (m *Manager) SyncLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Intervals.SyncInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-m.kick:
		}
		if err := m.SyncNow(ctx); err != nil {
			m.logger.Errorf("sync cycle: %v", err)
		}
	}
}

// PurgeLoop runs retention passes on the configured interval and
// whenever disk pressure demands one.
func (m *Manager) PurgeLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Intervals.PurgeInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.purge(ctx, false)
		case <-m.purgeKick:
			m.purge(ctx, false)
		case <-m.emergencyKick:
			m.purge(ctx, true)
		}
	}
}

// SyncNow runs one full drain cycle, oldest-first within each type,
// warnings before predictions before rings. Offline cycles are
// no-ops; overlapping requests collapse into the running cycle.
func (m *Manager) SyncNow(ctx context.Context) error {
	if !m.netmon.Online() {
		m.logger.Debugf("sync cycle skipped: offline")
		return nil
	}
	m.mu.Lock()
	if m.syncing {
		m.mu.Unlock()
		return nil
	}
	m.syncing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.syncing = false
		m.lastSync = time.Now()
		m.mu.Unlock()
	}()

	for _, itemType := range drainOrder {
		err := m.drain(ctx, itemType)
		if err == nil {
			continue
		}
		// Bad credentials fail every type the same way; stop the cycle
		// and leave the rows queued.
		if errdefs.IsCode(err, errdefs.CodeSyncAuth) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		m.logger.Warnf("draining %s: %v", itemType, err)
	}
	return nil
}

// drain uploads batches of one type until the queue yields none. A
// transient failure ends the type's drain for this cycle; permanently
// rejected batches are dropped and draining continues behind them.
func (m *Manager) drain(ctx context.Context, itemType string) error {
	uploader := m.uploaders[itemType]
	batchSize := m.batchSize(itemType)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := m.db.Buffer.Batch(ctx, batchSize, m.cfg.Buffer.MaxRetries, itemType)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		items := make([]json.RawMessage, len(batch))
		for i := range batch {
			items[i] = json.RawMessage(batch[i].Payload)
		}
		err = uploader.Upload(ctx, items)
		switch {
		case err == nil:
			m.confirm(ctx, itemType, batch)
			if len(batch) < batchSize {
				return nil
			}
		case errdefs.IsCode(err, errdefs.CodeSyncAuth):
			return err
		case errdefs.IsCode(err, errdefs.CodeSyncPermanent):
			m.dropBatch(ctx, itemType, batch)
		default:
			m.fail(ctx, itemType, batch)
			return err
		}
	}
}

func (m *Manager) batchSize(itemType string) int {
	switch itemType {
	case store.ItemTypePrediction:
		return m.batching.PredictionBatch
	case store.ItemTypeWarning:
		return m.batching.WarningBatch
	default:
		return m.batching.RingBatch
	}
}

// confirm removes uploaded rows from the queue and flips the
// source-table sync flags the cloud now covers.
func (m *Manager) confirm(ctx context.Context, itemType string, batch []store.BufferItem) {
	var warningIDs []string
	for i := range batch {
		item := &batch[i]
		if err := m.db.Buffer.MarkSynced(ctx, item.ID); err != nil {
			m.logger.Errorf("confirming %s %s: %v", itemType, item.ItemID, err)
			continue
		}
		switch itemType {
		case store.ItemTypeRingSummary:
			ring, err := strconv.ParseInt(item.ItemID, 10, 64)
			if err != nil {
				continue
			}
			if err := m.db.Rings.MarkSynced(ctx, ring); err != nil {
				m.logger.Errorf("flipping ring %d to synced: %v", ring, err)
			}
		case store.ItemTypeWarning:
			warningIDs = append(warningIDs, item.ItemID)
		}
	}
	if len(warningIDs) > 0 {
		if err := m.db.Warnings.MarkSynced(ctx, warningIDs); err != nil {
			m.logger.Errorf("flipping %d warnings to synced: %v", len(warningIDs), err)
		}
	}
	m.mu.Lock()
	m.uploaded[itemType] += int64(len(batch))
	m.mu.Unlock()
	m.logger.Infof("uploaded %d %s items", len(batch), itemType)
}

// dropBatch removes rows the server permanently rejected. A retry
// ceiling of one makes MarkFailed reap them immediately, so the drop
// still lands in the buffer's failure accounting.
func (m *Manager) dropBatch(ctx context.Context, itemType string, batch []store.BufferItem) {
	for i := range batch {
		if _, err := m.db.Buffer.MarkFailed(ctx, batch[i].ID, 1); err != nil {
			m.logger.Errorf("dropping rejected %s %s: %v", itemType, batch[i].ItemID, err)
		}
	}
	m.mu.Lock()
	m.failed[itemType] += int64(len(batch))
	m.mu.Unlock()
	m.logger.Warnf("dropped %d %s items the server rejected as malformed", len(batch), itemType)
}

// fail records one failed attempt per row; rows past their retry
// budget are reaped by the store.
func (m *Manager) fail(ctx context.Context, itemType string, batch []store.BufferItem) {
	dropped := 0
	for i := range batch {
		d, err := m.db.Buffer.MarkFailed(ctx, batch[i].ID, m.cfg.Buffer.MaxRetries)
		if err != nil {
			m.logger.Errorf("recording failure for %s %s: %v", itemType, batch[i].ItemID, err)
			continue
		}
		if d {
			dropped++
		}
	}
	m.mu.Lock()
	m.failed[itemType] += int64(len(batch))
	m.mu.Unlock()
	if dropped > 0 {
		m.logger.Warnf("%d %s items exhausted their retries and were dropped", dropped, itemType)
	}
}

// purge runs one retention pass, plus the emergency pass when asked.
func (m *Manager) purge(ctx context.Context, emergency bool) {
	stats, err := m.purger.Purge(ctx)
	if err != nil {
		m.logger.Errorf("purge pass: %v", err)
	}
	if emergency {
		estats, eerr := m.purger.EmergencyPurge(ctx)
		if eerr != nil {
			m.logger.Errorf("emergency purge pass: %v", eerr)
		}
		if estats != nil {
			stats.Scanned += estats.Scanned
			stats.Deleted += estats.Deleted
			stats.Skipped += estats.Skipped
			stats.BytesFreed += estats.BytesFreed
		}
	}
	m.mu.Lock()
	m.lastPurge = time.Now()
	m.lastStats = stats
	m.mu.Unlock()
}

// Network and Disk expose the monitor snapshots for the status and
// metrics surfaces.
func (m *Manager) Network() NetworkStats { return m.netmon.Stats() }
func (m *Manager) Disk() DiskStats       { return m.diskmon.Stats() }

// Counters returns copies of the per-type uploaded and failed item
// counts for this process.
func (m *Manager) Counters() (uploaded, failed map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uploaded = make(map[string]int64, len(m.uploaded))
	failed = make(map[string]int64, len(m.failed))
	for k, v := range m.uploaded {
		uploaded[k] = v
	}
	for k, v := range m.failed {
		failed[k] = v
	}
	return uploaded, failed
}

// Stats snapshots the whole sync core for the status endpoint.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	buffer, err := m.db.Buffer.Stats(ctx)
	if err != nil {
		return nil, err
	}
	uploaded, failed := m.Counters()

	m.mu.Lock()
	s := &Stats{
		CloudEnabled: m.CloudEnabled(),
		Network:      m.netmon.Stats(),
		Disk:         m.diskmon.Stats(),
		Buffer:       buffer,
		Uploaded:     uploaded,
		Failed:       failed,
		LastPurgeRun: m.lastStats,
	}
	if !m.lastSync.IsZero() {
		s.LastSync = m.lastSync.Unix()
	}
	if !m.lastPurge.IsZero() {
		s.LastPurge = m.lastPurge.Unix()
	}
	m.mu.Unlock()
	return s, nil
}
