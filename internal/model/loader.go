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

// Package model manages ONNX artifacts on the edge device: checksum
// verification, session loading and warm-up, run latency accounting,
// the deployment registry, and the drop-directory watcher that stages
// new artifacts.
package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"

	"github.com/boreline/edge-agent/internal/config"
	"github.com/boreline/edge-agent/internal/errdefs"
	"github.com/boreline/edge-agent/internal/logs"
	"github.com/boreline/edge-agent/internal/set"
	"github.com/boreline/edge-agent/internal/store"
)

// Load and run latency thresholds that trigger warnings.
const (
	slowLoadThreshold = 5 * time.Second
	slowRunMS         = 10.0
)

// RawOutput is the result of one session run: each declared output as a
// flat float32 slice, in the model's declared order.
type RawOutput struct {
	Names     []string
	Outputs   map[string][]float32
	LatencyMS float64
}

// Flatten concatenates every output in declared order, which is the
// shape the decode table works on.
func (o *RawOutput) Flatten() []float32 {
	total := 0
	for _, name := range o.Names {
		total += len(o.Outputs[name])
	}
	flat := make([]float32, 0, total)
	for _, name := range o.Names {
		flat = append(flat, o.Outputs[name]...)
	}
	return flat
}

// session wraps one live onnxruntime session and its declared IO.
type session struct {
	meta        *store.ModelMetadata
	inputName   string
	inputDims   []int64
	outputNames []string
	sess        *ort.DynamicAdvancedSession
}

// Loader owns the onnxruntime environment and the live sessions.
type Loader struct {
	cfg    config.Inference
	logger logs.StructuredLogger

	envOnce sync.Once
	envErr  error

	mu        sync.Mutex
	sessions  map[string]*session
	latencies map[string]*Latencies
}

// NewLoader returns a loader. The onnxruntime environment initializes
// lazily on the first Load so a daemon with no deployed models never
// touches the shared library.
func NewLoader(cfg config.Inference, logger logs.StructuredLogger) *Loader {
	return &Loader{
		cfg:       cfg,
		logger:    logger,
		sessions:  make(map[string]*session),
		latencies: make(map[string]*Latencies),
	}
}

func (l *Loader) ensureEnvironment() error {
	l.envOnce.Do(func() {
		if l.cfg.ONNXSharedLibrary != "" {
			ort.SetSharedLibraryPath(l.cfg.ONNXSharedLibrary)
		}
		if !ort.IsInitialized() {
			l.envErr = ort.InitializeEnvironment()
		}
	})
	return l.envErr
}

// Load verifies, opens and optionally warms a session for the model.
// Returns the load duration in seconds. A checksum mismatch or session
// failure leaves no session behind.
func (l *Loader) Load(ctx context.Context, meta *store.ModelMetadata, verifyChecksum, warmUp bool) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	start := time.Now()

	if verifyChecksum {
		sum, _, err := Checksum(meta.OnnxModelPath)
		if err != nil {
			return 0, errdefs.ModelUnavailable(meta.ModelName, err)
		}
		if meta.ModelChecksum != "" && sum != meta.ModelChecksum {
			return 0, errdefs.ChecksumMismatch(meta.OnnxModelPath, meta.ModelChecksum, sum)
		}
	}

	if err := l.ensureEnvironment(); err != nil {
		return 0, errdefs.ModelUnavailable(meta.ModelName, err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(meta.OnnxModelPath)
	if err != nil {
		return 0, errdefs.ModelUnavailable(meta.ModelName, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return 0, errdefs.ModelUnavailable(meta.ModelName, errors.New("model declares no inputs or outputs"))
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return 0, errdefs.ModelUnavailable(meta.ModelName, err)
	}
	defer opts.Destroy()
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return 0, errdefs.ModelUnavailable(meta.ModelName, err)
	}
	if err := opts.SetIntraOpNumThreads(l.cfg.IntraOpThreads); err != nil {
		return 0, errdefs.ModelUnavailable(meta.ModelName, err)
	}
	if err := opts.SetInterOpNumThreads(l.cfg.InterOpThreads); err != nil {
		return 0, errdefs.ModelUnavailable(meta.ModelName, err)
	}

	outputNames := make([]string, len(outputs))
	for i, out := range outputs {
		outputNames[i] = out.Name
	}
	s := &session{
		meta:        meta,
		inputName:   inputs[0].Name,
		inputDims:   concreteDims(inputs[0].Dimensions),
		outputNames: outputNames,
	}
	s.sess, err = ort.NewDynamicAdvancedSession(meta.OnnxModelPath,
		[]string{s.inputName}, s.outputNames, opts)
	if err != nil {
		return 0, errdefs.ModelUnavailable(meta.ModelName, err)
	}

	if warmUp {
		if err := l.warmUp(s); err != nil {
			s.sess.Destroy()
			return 0, errdefs.ModelUnavailable(meta.ModelName, err)
		}
	}

	l.mu.Lock()
	if old, ok := l.sessions[meta.ModelName]; ok {
		old.sess.Destroy()
	}
	l.sessions[meta.ModelName] = s
	if _, ok := l.latencies[meta.ModelName]; !ok {
		l.latencies[meta.ModelName] = NewLatencies(latencyRingSize)
	}
	l.mu.Unlock()

	elapsed := time.Since(start)
	if elapsed > slowLoadThreshold {
		l.logger.Warnf("model %s took %.1fs to load", meta.ModelName, elapsed.Seconds())
	}
	l.logger.Infof("loaded model %s (input %s%v, outputs %v) in %.3fs",
		meta.ModelName, s.inputName, s.inputDims, s.outputNames, elapsed.Seconds())
	return elapsed.Seconds(), nil
}

// warmUp runs one all-zero tensor through the fresh session so the
// first real prediction does not pay the lazy-initialization cost.
func (l *Loader) warmUp(s *session) error {
	shape := ort.NewShape(s.inputDims...)
	input, err := ort.NewEmptyTensor[float32](shape)
	if err != nil {
		return err
	}
	defer input.Destroy()
	outputs := make([]ort.Value, len(s.outputNames))
	if err := s.sess.Run([]ort.Value{input}, outputs); err != nil {
		return err
	}
	for _, out := range outputs {
		if out != nil {
			out.Destroy()
		}
	}
	return nil
}

// Predict runs one [1 x n] feature vector through a loaded session,
// timing the run at microsecond resolution.
func (l *Loader) Predict(name string, features []float32) (*RawOutput, error) {
	l.mu.Lock()
	s, ok := l.sessions[name]
	ring := l.latencies[name]
	l.mu.Unlock()
	if !ok {
		return nil, errdefs.ModelUnavailable(name, errors.New("no session loaded"))
	}

	input, err := ort.NewTensor(ort.NewShape(1, int64(len(features))), features)
	if err != nil {
		return nil, errdefs.ModelUnavailable(name, err)
	}
	defer input.Destroy()

	outputs := make([]ort.Value, len(s.outputNames))
	start := time.Now()
	if err := s.sess.Run([]ort.Value{input}, outputs); err != nil {
		return nil, errdefs.ModelUnavailable(name, err)
	}
	latencyMS := float64(time.Since(start).Microseconds()) / 1000

	result := &RawOutput{
		Names:     s.outputNames,
		Outputs:   make(map[string][]float32, len(outputs)),
		LatencyMS: latencyMS,
	}
	for i, out := range outputs {
		if out == nil {
			continue
		}
		if tensor, ok := out.(*ort.Tensor[float32]); ok {
			data := tensor.GetData()
			copied := make([]float32, len(data))
			copy(copied, data)
			result.Outputs[s.outputNames[i]] = copied
		} else {
			l.logger.Warnf("model %s output %s is not float32, ignoring", name, s.outputNames[i])
		}
		out.Destroy()
	}

	ring.Record(latencyMS)
	if latencyMS > slowRunMS {
		l.logger.Warnf("model %s inference took %.2fms", name, latencyMS)
	}
	return result, nil
}

// Stats returns latency statistics for a model; ok is false when the
// model has never been loaded.
func (l *Loader) Stats(name string) (LatencyStats, bool) {
	l.mu.Lock()
	ring, ok := l.latencies[name]
	l.mu.Unlock()
	if !ok {
		return LatencyStats{}, false
	}
	return ring.Stats(), true
}

// Loaded reports whether a session is live for the model.
func (l *Loader) Loaded(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.sessions[name]
	return ok
}

// LoadedModels lists models with live sessions.
func (l *Loader) LoadedModels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return set.FromMapKeys(l.sessions).Keys()
}

// Unload destroys the model's session. Latency history is retained so
// a retired model's statistics stay inspectable.
func (l *Loader) Unload(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.sessions[name]; ok {
		s.sess.Destroy()
		delete(l.sessions, name)
	}
}

// Close destroys every session and tears down the environment.
func (l *Loader) Close() error {
	var errs error
	l.mu.Lock()
	for name, s := range l.sessions {
		if err := s.sess.Destroy(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("destroying session %s: %w", name, err))
		}
		delete(l.sessions, name)
	}
	l.mu.Unlock()
	if ort.IsInitialized() {
		errs = multierr.Append(errs, ort.DestroyEnvironment())
	}
	return errs
}

// concreteDims replaces dynamic (<= 0) dimensions with 1 so warm-up can
// build a concrete zero tensor.
func concreteDims(dims ort.Shape) []int64 {
	out := make([]int64, len(dims))
	for i, d := range dims {
		if d <= 0 {
			d = 1
		}
		out[i] = d
	}
	return out
}
