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

package model_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/boreline/edge-agent/internal/errdefs"
	"github.com/boreline/edge-agent/internal/logs"
	"github.com/boreline/edge-agent/internal/model"
	"github.com/boreline/edge-agent/internal/store"
)

// fakeLoader stands in for the ONNX runtime, which is unavailable in
// unit tests.
type fakeLoader struct {
	mu       sync.Mutex
	loaded   []string
	unloaded []string
	live     map[string]bool
	failFor  map[string]error
	stats    map[string]model.LatencyStats
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		live:    make(map[string]bool),
		failFor: make(map[string]error),
		stats:   make(map[string]model.LatencyStats),
	}
}

func (f *fakeLoader) Load(_ context.Context, meta *store.ModelMetadata, _, _ bool) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[meta.ModelName]; ok {
		return 0, err
	}
	f.loaded = append(f.loaded, meta.ModelName)
	f.live[meta.ModelName] = true
	return 1.5, nil
}

func (f *fakeLoader) Unload(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloaded = append(f.unloaded, name)
	delete(f.live, name)
}

func (f *fakeLoader) Loaded(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[name]
}

func (f *fakeLoader) Stats(name string) (model.LatencyStats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stats[name]
	return s, ok
}

func (f *fakeLoader) loadedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.loaded...)
}

func (f *fakeLoader) unloadedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unloaded...)
}

func openTest(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "edge.db"))
	assert.NilError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func writeArtifact(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	assert.NilError(t, os.WriteFile(path, []byte("onnx-bytes-"+name), 0o644))
	return path
}

func deployRequest(name, zone, path string) model.DeployRequest {
	return model.DeployRequest{
		Name:                name,
		Version:             "1.0.0",
		ModelType:           "gbdt",
		GeologicalZone:      zone,
		ArtifactPath:        path,
		Features:            []string{"mean_thrust_total", "specific_energy"},
		OutputFormatVersion: store.OutputFormatV2Confidence,
	}
}

func TestDeployRegistersStagedModel(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	loader := newFakeLoader()
	reg := model.NewRegistry(db, loader, logs.DiscardLogger())
	path := writeArtifact(t, t.TempDir(), "settlement.onnx")

	meta, err := reg.Deploy(ctx, deployRequest("settlement_gbdt", "soft_clay", path))
	assert.NilError(t, err)
	assert.Equal(t, meta.DeploymentStatus, store.DeploymentStaged)

	wantSum, wantSize, err := model.Checksum(path)
	assert.NilError(t, err)
	assert.Equal(t, meta.ModelChecksum, wantSum)
	assert.Equal(t, meta.ModelSizeBytes, wantSize)

	features, err := meta.Features()
	assert.NilError(t, err)
	assert.DeepEqual(t, features, []string{"mean_thrust_total", "specific_energy"})

	assert.DeepEqual(t, loader.loadedNames(), []string{"settlement_gbdt"})
	assert.Assert(t, meta.LoadTimeSeconds != nil)
	assert.Equal(t, *meta.LoadTimeSeconds, 1.5)
}

func TestDeployDuplicateArtifactSkipsReload(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	loader := newFakeLoader()
	reg := model.NewRegistry(db, loader, logs.DiscardLogger())
	path := writeArtifact(t, t.TempDir(), "settlement.onnx")

	req := deployRequest("settlement_gbdt", "soft_clay", path)
	first, err := reg.Deploy(ctx, req)
	assert.NilError(t, err)
	assert.Equal(t, len(loader.loadedNames()), 1)

	// The watcher delivers duplicate filesystem events per artifact
	// drop; re-staging identical bytes must not rebuild the session.
	second, err := reg.Deploy(ctx, req)
	assert.NilError(t, err)
	assert.Equal(t, second.ModelChecksum, first.ModelChecksum)
	assert.Equal(t, len(loader.loadedNames()), 1)

	// An activation request on the staged duplicate still goes through.
	req.Activate = true
	activated, err := reg.Deploy(ctx, req)
	assert.NilError(t, err)
	assert.Equal(t, activated.DeploymentStatus, store.DeploymentActive)

	calls := len(loader.loadedNames())
	again, err := reg.Deploy(ctx, req)
	assert.NilError(t, err)
	assert.Equal(t, again.DeploymentStatus, store.DeploymentActive)
	assert.Equal(t, len(loader.loadedNames()), calls)

	// Retrained bytes at the same path force a full redeploy.
	assert.NilError(t, os.WriteFile(path, []byte("retrained-bytes"), 0o644))
	refreshed, err := reg.Deploy(ctx, req)
	assert.NilError(t, err)
	assert.Assert(t, refreshed.ModelChecksum != first.ModelChecksum)
	assert.Assert(t, len(loader.loadedNames()) > calls)
}

func TestDeployWithActivateServesZone(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	reg := model.NewRegistry(db, newFakeLoader(), logs.DiscardLogger())
	dir := t.TempDir()

	req := deployRequest("clay_model", "soft_clay", writeArtifact(t, dir, "clay.onnx"))
	req.Activate = true
	meta, err := reg.Deploy(ctx, req)
	assert.NilError(t, err)
	assert.Equal(t, meta.DeploymentStatus, store.DeploymentActive)

	got, err := reg.ActiveForZone(ctx, "soft_clay")
	assert.NilError(t, err)
	assert.Equal(t, got.ModelName, "clay_model")

	// A fallback model covering every zone serves zones with no
	// dedicated model.
	all := deployRequest("generic_model", store.ZoneAll, writeArtifact(t, dir, "generic.onnx"))
	all.Activate = true
	_, err = reg.Deploy(ctx, all)
	assert.NilError(t, err)

	got, err = reg.ActiveForZone(ctx, "hard_rock")
	assert.NilError(t, err)
	assert.Equal(t, got.ModelName, "generic_model")
}

func TestActivationInvalidatesZoneCache(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	reg := model.NewRegistry(db, newFakeLoader(), logs.DiscardLogger())
	dir := t.TempDir()

	v1 := deployRequest("settle_v1", "soft_clay", writeArtifact(t, dir, "v1.onnx"))
	v1.Activate = true
	_, err := reg.Deploy(ctx, v1)
	assert.NilError(t, err)

	got, err := reg.ActiveForZone(ctx, "soft_clay")
	assert.NilError(t, err)
	assert.Equal(t, got.ModelName, "settle_v1")

	v2 := deployRequest("settle_v2", "soft_clay", writeArtifact(t, dir, "v2.onnx"))
	v2.Activate = true
	_, err = reg.Deploy(ctx, v2)
	assert.NilError(t, err)

	// The cached v1 entry must not survive the promotion.
	got, err = reg.ActiveForZone(ctx, "soft_clay")
	assert.NilError(t, err)
	assert.Equal(t, got.ModelName, "settle_v2")

	old, err := db.Models.ByName(ctx, "settle_v1")
	assert.NilError(t, err)
	assert.Equal(t, old.DeploymentStatus, store.DeploymentRetired)
}

func TestActiveForZoneWithoutModels(t *testing.T) {
	db := openTest(t)
	reg := model.NewRegistry(db, newFakeLoader(), logs.DiscardLogger())

	_, err := reg.ActiveForZone(context.Background(), "soft_clay")
	assert.Assert(t, errdefs.IsCode(err, errdefs.CodeNoActiveModel))
}

func TestDeployLoadFailureMarksModelFailed(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	loader := newFakeLoader()
	loader.failFor["bad_model"] = errors.New("onnx parse failure")
	reg := model.NewRegistry(db, loader, logs.DiscardLogger())

	_, err := reg.Deploy(ctx, deployRequest("bad_model", "soft_clay",
		writeArtifact(t, t.TempDir(), "bad.onnx")))
	assert.ErrorContains(t, err, "onnx parse failure")

	row, err := db.Models.ByName(ctx, "bad_model")
	assert.NilError(t, err)
	assert.Equal(t, row.DeploymentStatus, store.DeploymentFailed)
}

func TestActivateUnknownModel(t *testing.T) {
	db := openTest(t)
	reg := model.NewRegistry(db, newFakeLoader(), logs.DiscardLogger())

	err := reg.Activate(context.Background(), "ghost")
	assert.Assert(t, errdefs.IsCode(err, errdefs.CodeModelUnavailable))
}

func TestRetirePersistsLatencyAndUnloads(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	loader := newFakeLoader()
	reg := model.NewRegistry(db, loader, logs.DiscardLogger())

	req := deployRequest("worker", "soft_clay", writeArtifact(t, t.TempDir(), "worker.onnx"))
	req.Activate = true
	_, err := reg.Deploy(ctx, req)
	assert.NilError(t, err)

	loader.mu.Lock()
	loader.stats["worker"] = model.LatencyStats{Count: 12, MeanMS: 3.5}
	loader.mu.Unlock()

	assert.NilError(t, reg.Retire(ctx, "worker"))

	row, err := db.Models.ByName(ctx, "worker")
	assert.NilError(t, err)
	assert.Equal(t, row.DeploymentStatus, store.DeploymentRetired)
	assert.Assert(t, row.AvgInferenceTimeMS != nil)
	assert.Equal(t, *row.AvgInferenceTimeMS, 3.5)
	assert.DeepEqual(t, loader.unloadedNames(), []string{"worker"})

	_, err = reg.ActiveForZone(ctx, "soft_clay")
	assert.Assert(t, errdefs.IsCode(err, errdefs.CodeNoActiveModel))
}

func TestRollbackActivatesPreviousVersion(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	reg := model.NewRegistry(db, newFakeLoader(), logs.DiscardLogger())
	dir := t.TempDir()

	// The previous version stays registered under its versioned name.
	_, err := reg.Deploy(ctx, deployRequest("settle_1.0.0", store.ZoneAll,
		writeArtifact(t, dir, "settle_v1.onnx")))
	assert.NilError(t, err)

	current := deployRequest("settle", store.ZoneAll, writeArtifact(t, dir, "settle_v2.onnx"))
	current.Version = "2.0.0"
	current.Activate = true
	_, err = reg.Deploy(ctx, current)
	assert.NilError(t, err)

	assert.NilError(t, reg.Rollback(ctx, "settle", "1.0.0"))

	got, err := reg.ActiveForZone(ctx, "soft_clay")
	assert.NilError(t, err)
	assert.Equal(t, got.ModelName, "settle_1.0.0")

	retired, err := db.Models.ByName(ctx, "settle")
	assert.NilError(t, err)
	assert.Equal(t, retired.DeploymentStatus, store.DeploymentRetired)
}

func TestLoadActiveContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	loader := newFakeLoader()
	reg := model.NewRegistry(db, loader, logs.DiscardLogger())
	dir := t.TempDir()

	a := deployRequest("zone_a", "soft_clay", writeArtifact(t, dir, "a.onnx"))
	a.Activate = true
	_, err := reg.Deploy(ctx, a)
	assert.NilError(t, err)

	b := deployRequest("zone_b", "hard_rock", writeArtifact(t, dir, "b.onnx"))
	b.Activate = true
	_, err = reg.Deploy(ctx, b)
	assert.NilError(t, err)

	// Simulate a fresh process: the first artifact now fails to load,
	// the second must still come up.
	restarted := newFakeLoader()
	restarted.failFor["zone_a"] = errors.New("artifact corrupted")
	fresh := model.NewRegistry(db, restarted, logs.DiscardLogger())

	assert.NilError(t, fresh.LoadActive(ctx))
	assert.DeepEqual(t, restarted.loadedNames(), []string{"zone_b"})
}
