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

package inference_test

import (
	"math"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/boreline/edge-agent/internal/inference"
	"github.com/boreline/edge-agent/internal/logs"
	"github.com/boreline/edge-agent/internal/store"
)

func fval(t *testing.T, p *float64) float64 {
	t.Helper()
	assert.Assert(t, p != nil)
	return *p
}

func TestDecodeTwoOutputsByFormatVersion(t *testing.T) {
	logger := logs.DiscardLogger()

	d := inference.Decode("m", []float32{12.3, 0.91}, store.OutputFormatV2Confidence, logger)
	assert.Assert(t, math.Abs(d.Settlement-12.3) < 1e-6)
	assert.Assert(t, math.Abs(fval(t, d.Confidence)-0.91) < 1e-6)
	assert.Assert(t, d.SettlementLower == nil)
	assert.Assert(t, d.SettlementUpper == nil)

	d = inference.Decode("m", []float32{12.3, 9.5}, store.OutputFormatV1LowerBound, logger)
	assert.Assert(t, math.Abs(fval(t, d.SettlementLower)-9.5) < 1e-6)
	assert.Assert(t, d.Confidence == nil)

	// An undeclared format falls back to the legacy lower-bound layout.
	d = inference.Decode("m", []float32{12.3, 9.5}, "", logger)
	assert.Assert(t, math.Abs(fval(t, d.SettlementLower)-9.5) < 1e-6)
	assert.Assert(t, d.Confidence == nil)
}

func TestDecodeSettlementBounds(t *testing.T) {
	logger := logs.DiscardLogger()

	d := inference.Decode("m", []float32{1}, "", logger)
	assert.Equal(t, d.Settlement, 1.0)
	assert.Assert(t, d.SettlementLower == nil)

	d = inference.Decode("m", []float32{1, 0.5, 1.5}, "", logger)
	assert.Equal(t, d.Settlement, 1.0)
	assert.Equal(t, fval(t, d.SettlementLower), 0.5)
	assert.Equal(t, fval(t, d.SettlementUpper), 1.5)
	assert.Assert(t, d.Confidence == nil)

	d = inference.Decode("m", []float32{1, 0.75, 0.5, 1.5}, "", logger)
	assert.Equal(t, fval(t, d.Confidence), 0.75)
	assert.Equal(t, fval(t, d.SettlementLower), 0.5)
	assert.Equal(t, fval(t, d.SettlementUpper), 1.5)
}

func TestDecodeMultiTargetLayouts(t *testing.T) {
	logger := logs.DiscardLogger()

	d := inference.Decode("m", []float32{1, 0.5, 1.5, 2, 1.75, 2.25}, "", logger)
	assert.Equal(t, d.Settlement, 1.0)
	assert.Equal(t, fval(t, d.Displacement), 2.0)
	assert.Equal(t, fval(t, d.DisplacementLower), 1.75)
	assert.Equal(t, fval(t, d.DisplacementUpper), 2.25)
	assert.Assert(t, d.Groundwater == nil)

	// Eight outputs interleave per-target confidences; only the overall
	// one survives decoding.
	d = inference.Decode("m", []float32{1, 0.75, 0.5, 1.5, 2, 0.25, 1.75, 2.25}, "", logger)
	assert.Equal(t, fval(t, d.Confidence), 0.75)
	assert.Equal(t, fval(t, d.Displacement), 2.0)
	assert.Equal(t, fval(t, d.DisplacementLower), 1.75)
	assert.Equal(t, fval(t, d.DisplacementUpper), 2.25)

	d = inference.Decode("m", []float32{1, 0.5, 1.5, 2, 1.75, 2.25, 3, 2.5, 3.5}, "", logger)
	assert.Equal(t, fval(t, d.Groundwater), 3.0)
	assert.Equal(t, fval(t, d.GroundwaterLower), 2.5)
	assert.Equal(t, fval(t, d.GroundwaterUpper), 3.5)
	assert.Assert(t, d.Confidence == nil)

	d = inference.Decode("m",
		[]float32{1, 0.75, 0.5, 1.5, 2, 0.25, 1.75, 2.25, 3, 0.125, 2.5, 3.5}, "", logger)
	assert.Equal(t, fval(t, d.Confidence), 0.75)
	assert.Equal(t, fval(t, d.Displacement), 2.0)
	assert.Equal(t, fval(t, d.Groundwater), 3.0)
	assert.Equal(t, fval(t, d.GroundwaterLower), 2.5)
	assert.Equal(t, fval(t, d.GroundwaterUpper), 3.5)
}

func TestDecodeUnsupportedLength(t *testing.T) {
	logger := logs.DiscardLogger()

	// Five outputs match no known layout; the first is still usable as
	// the settlement estimate.
	d := inference.Decode("m", []float32{7, 1, 2, 3, 4}, "", logger)
	assert.Equal(t, d.Settlement, 7.0)
	assert.Assert(t, d.SettlementLower == nil)
	assert.Assert(t, d.Displacement == nil)

	d = inference.Decode("m", nil, "", logger)
	assert.Equal(t, d.Settlement, 0.0)
}
