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
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/boreline/edge-agent/internal/logs"
)

// Manifest is the sidecar JSON dropped next to an .onnx artifact. The
// watcher refuses artifacts without one; a model with no declared
// feature order cannot be run safely.
type Manifest struct {
	Name                string   `json:"name"`
	Version             string   `json:"version"`
	ModelType           string   `json:"model_type"`
	GeologicalZone      string   `json:"geological_zone"`
	Features            []string `json:"features"`
	OutputFormatVersion string   `json:"output_format_version"`
	ValidationR2        *float64 `json:"validation_r2"`
	ValidationRMSE      *float64 `json:"validation_rmse"`
	ValidationMAE       *float64 `json:"validation_mae"`
	TrainingDataRange   *string  `json:"training_data_range"`
	Activate            bool     `json:"activate"`
}

// ParseManifest decodes and validates a sidecar manifest.
func ParseManifest(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m.Name == "" {
		return nil, errors.New("manifest missing name")
	}
	if m.Version == "" {
		return nil, errors.New("manifest missing version")
	}
	if len(m.Features) == 0 {
		return nil, errors.New("manifest declares no features")
	}
	return &m, nil
}

// Watcher stages ONNX artifacts dropped into the incoming directory.
// Copies land in multiple writes, so staging is debounced per path.
type Watcher struct {
	registry *Registry
	dir      string
	logger   logs.StructuredLogger

	// Debounce is how long a path must stay quiet before staging.
	Debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher returns a watcher over the drop directory.
func NewWatcher(registry *Registry, dir string, logger logs.StructuredLogger) *Watcher {
	return &Watcher{
		registry: registry,
		dir:      dir,
		logger:   logger,
		Debounce: 2 * time.Second,
		pending:  make(map[string]*time.Timer),
	}
}

// Run watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return err
	}
	w.logger.Infof("watching %s for model artifacts", w.dir)

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".onnx") {
				continue
			}
			w.schedule(ctx, event.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Errorf("model watcher: %v", err)
		}
	}
}

// schedule arms (or re-arms) the debounce timer for one artifact path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.Debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.stage(ctx, path)
	})
}

func (w *Watcher) stage(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	raw, err := os.ReadFile(path + ".json")
	if err != nil {
		w.logger.Warnf("artifact %s has no readable manifest, skipping: %v", filepath.Base(path), err)
		return
	}
	m, err := ParseManifest(raw)
	if err != nil {
		w.logger.Warnf("artifact %s manifest malformed, skipping: %v", filepath.Base(path), err)
		return
	}
	_, err = w.registry.Deploy(ctx, DeployRequest{
		Name:                m.Name,
		Version:             m.Version,
		ModelType:           m.ModelType,
		GeologicalZone:      m.GeologicalZone,
		ArtifactPath:        path,
		Features:            m.Features,
		OutputFormatVersion: m.OutputFormatVersion,
		ValidationR2:        m.ValidationR2,
		ValidationRMSE:      m.ValidationRMSE,
		ValidationMAE:       m.ValidationMAE,
		TrainingDataRange:   m.TrainingDataRange,
		Activate:            m.Activate,
	})
	if err != nil {
		w.logger.Errorf("staging artifact %s: %v", filepath.Base(path), err)
		return
	}
	w.logger.Infof("staged model %s version %s from %s", m.Name, m.Version, filepath.Base(path))
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
}
