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

package model

import (
	"context"
	"sync"
	"time"

	"github.com/boreline/edge-agent/internal/errdefs"
	"github.com/boreline/edge-agent/internal/logs"
	"github.com/boreline/edge-agent/internal/store"
)

// SessionLoader is the slice of the loader the registry drives.
type SessionLoader interface {
	Load(ctx context.Context, meta *store.ModelMetadata, verifyChecksum, warmUp bool) (float64, error)
	Unload(name string)
	Loaded(name string) bool
	Stats(name string) (LatencyStats, bool)
}

// DeployRequest describes a new artifact to stage.
type DeployRequest struct {
	Name                string
	Version             string
	ModelType           string
	GeologicalZone      string
	ArtifactPath        string
	Features            []string
	OutputFormatVersion string
	ValidationR2        *float64
	ValidationRMSE      *float64
	ValidationMAE       *float64
	TrainingDataRange   *string
	Hyperparameters     *string
	Activate            bool
}

// Registry owns model deployment state: which model serves which
// geological zone, backed by model_metadata with a per-zone cache.
type Registry struct {
	db     *store.DB
	loader SessionLoader
	logger logs.StructuredLogger

	mu    sync.Mutex
	cache map[string]*store.ModelMetadata
}

// NewRegistry returns a registry over the shared store and loader.
func NewRegistry(db *store.DB, loader SessionLoader, logger logs.StructuredLogger) *Registry {
	return &Registry{
		db:     db,
		loader: loader,
		logger: logger,
		cache:  make(map[string]*store.ModelMetadata),
	}
}

// ActiveForZone resolves the model serving a zone, consulting the cache
// first. Returns NoActiveModel when nothing covers the zone.
func (r *Registry) ActiveForZone(ctx context.Context, zone string) (*store.ModelMetadata, error) {
	r.mu.Lock()
	if m, ok := r.cache[zone]; ok {
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	m, err := r.db.Models.ActiveForZone(ctx, zone)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errdefs.NoActiveModel(zone)
	}
	r.mu.Lock()
	r.cache[zone] = m
	r.mu.Unlock()
	return m, nil
}

// Activate loads a registered model (checksum verified, warmed) and
// promotes it, demoting whatever served the zone before.
func (r *Registry) Activate(ctx context.Context, name string) error {
	meta, err := r.db.Models.ByName(ctx, name)
	if err != nil {
		return err
	}
	if meta == nil {
		return errdefs.ModelUnavailable(name, nil)
	}
	seconds, err := r.loader.Load(ctx, meta, true, true)
	if err != nil {
		if setErr := r.db.Models.SetFailed(ctx, name); setErr != nil {
			r.logger.Errorf("marking model %s failed: %v", name, setErr)
		}
		return err
	}
	if err := r.db.Models.SetLoadTime(ctx, name, seconds); err != nil {
		r.logger.Warnf("recording load time for %s: %v", name, err)
	}
	if err := r.db.Models.Activate(ctx, name); err != nil {
		return err
	}
	r.invalidate()
	r.logger.Infof("activated model %s for zone %s", name, meta.GeologicalZone)
	return nil
}

// Retire demotes a model, persists its rolling latency mean, and
// destroys its session.
func (r *Registry) Retire(ctx context.Context, name string) error {
	if stats, ok := r.loader.Stats(name); ok && stats.Count > 0 {
		if err := r.db.Models.SetAvgInferenceTime(ctx, name, stats.MeanMS); err != nil {
			r.logger.Warnf("recording inference time for %s: %v", name, err)
		}
	}
	if err := r.db.Models.Retire(ctx, name); err != nil {
		return err
	}
	r.loader.Unload(name)
	r.invalidate()
	r.logger.Infof("retired model %s", name)
	return nil
}

// Deploy checksums and registers a new artifact as staged, loads it,
// and optionally activates it. A load failure marks the row failed.
func (r *Registry) Deploy(ctx context.Context, req DeployRequest) (*store.ModelMetadata, error) {
	sum, size, err := Checksum(req.ArtifactPath)
	if err != nil {
		return nil, errdefs.ModelUnavailable(req.Name, err)
	}
	// The watcher re-fires on duplicate filesystem events; an artifact
	// already serving with the same checksum needs no session rebuild.
	if r.loader.Loaded(req.Name) {
		existing, lookErr := r.db.Models.ByName(ctx, req.Name)
		if lookErr == nil && existing != nil && existing.ModelChecksum == sum &&
			(!req.Activate || existing.DeploymentStatus == store.DeploymentActive) {
			r.logger.Infof("model %s already serving checksum %.12s, skipping redeploy", req.Name, sum)
			return existing, nil
		}
	}
	meta := &store.ModelMetadata{
		ModelName:           req.Name,
		ModelVersion:        req.Version,
		ModelType:           req.ModelType,
		OnnxModelPath:       req.ArtifactPath,
		ModelChecksum:       sum,
		ModelSizeBytes:      size,
		GeologicalZone:      req.GeologicalZone,
		ValidationR2:        req.ValidationR2,
		ValidationRMSE:      req.ValidationRMSE,
		ValidationMAE:       req.ValidationMAE,
		TrainingDataRange:   req.TrainingDataRange,
		OutputFormatVersion: req.OutputFormatVersion,
		Hyperparameters:     req.Hyperparameters,
		DeploymentStatus:    store.DeploymentStaged,
		CreatedAt:           time.Now().Unix(),
	}
	if err := meta.SetFeatures(req.Features); err != nil {
		return nil, errdefs.ModelUnavailable(req.Name, err)
	}
	if _, err := r.db.Models.Register(ctx, meta); err != nil {
		return nil, err
	}

	seconds, err := r.loader.Load(ctx, meta, true, true)
	if err != nil {
		if setErr := r.db.Models.SetFailed(ctx, req.Name); setErr != nil {
			r.logger.Errorf("marking model %s failed: %v", req.Name, setErr)
		}
		return nil, err
	}
	if err := r.db.Models.SetLoadTime(ctx, req.Name, seconds); err != nil {
		r.logger.Warnf("recording load time for %s: %v", req.Name, err)
	}
	r.logger.Infof("deployed model %s version %s (%d bytes, checksum %.12s...)",
		req.Name, req.Version, size, sum)

	if req.Activate {
		if err := r.Activate(ctx, req.Name); err != nil {
			return nil, err
		}
	}
	return r.db.Models.ByName(ctx, req.Name)
}

// Rollback retires a model and activates its previous version, which
// by convention is registered as "<name>_<previousVersion>".
func (r *Registry) Rollback(ctx context.Context, name, previousVersion string) error {
	if err := r.Retire(ctx, name); err != nil {
		return err
	}
	previous := name + "_" + previousVersion
	if err := r.Activate(ctx, previous); err != nil {
		return err
	}
	r.logger.Infof("rolled back %s to %s", name, previous)
	return nil
}

// LoadActive loads every active model at startup. Failures are logged
// per model; the registry starts degraded rather than not at all.
func (r *Registry) LoadActive(ctx context.Context) error {
	active, err := r.db.Models.ActiveModels(ctx)
	if err != nil {
		return err
	}
	for i := range active {
		meta := &active[i]
		seconds, err := r.loader.Load(ctx, meta, true, true)
		if err != nil {
			r.logger.Errorf("loading active model %s: %v", meta.ModelName, err)
			continue
		}
		if err := r.db.Models.SetLoadTime(ctx, meta.ModelName, seconds); err != nil {
			r.logger.Warnf("recording load time for %s: %v", meta.ModelName, err)
		}
	}
	return nil
}

func (r *Registry) invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]*store.ModelMetadata)
	r.mu.Unlock()
}
