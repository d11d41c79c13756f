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

package inference

import (
	"github.com/boreline/edge-agent/internal/errdefs"
	"github.com/boreline/edge-agent/internal/logs"
	"github.com/boreline/edge-agent/internal/store"
)

// Decoded maps a flattened model output onto prediction targets. Nil
// fields were not produced by the model; the record builder synthesizes
// defaults for them.
type Decoded struct {
	Settlement      float64
	SettlementLower *float64
	SettlementUpper *float64
	Confidence      *float64

	Displacement      *float64
	DisplacementLower *float64
	DisplacementUpper *float64

	Groundwater      *float64
	GroundwaterLower *float64
	GroundwaterUpper *float64
}

// Decode interprets a flattened output by length. Two-value outputs are
// ambiguous between [settlement, confidence] and [settlement, lower];
// the model's declared output_format_version disambiguates, and an
// undeclared version is treated as the older lower-bound layout.
func Decode(modelName string, flat []float32, formatVersion string, logger logs.StructuredLogger) Decoded {
	f := func(i int) float64 { return float64(flat[i]) }
	fp := func(i int) *float64 {
		v := float64(flat[i])
		return &v
	}

	var d Decoded
	switch len(flat) {
	case 1:
		d.Settlement = f(0)
	case 2:
		d.Settlement = f(0)
		switch formatVersion {
		case store.OutputFormatV2Confidence:
			d.Confidence = fp(1)
		case store.OutputFormatV1LowerBound:
			d.SettlementLower = fp(1)
		default:
			logger.Warnf("model %s has two outputs but no output_format_version; "+
				"treating the second as a lower bound. If it is a confidence score, "+
				"set output_format_version to %q in model_metadata.",
				modelName, store.OutputFormatV2Confidence)
			d.SettlementLower = fp(1)
		}
	case 3:
		d.Settlement, d.SettlementLower, d.SettlementUpper = f(0), fp(1), fp(2)
	case 4:
		d.Settlement, d.Confidence = f(0), fp(1)
		d.SettlementLower, d.SettlementUpper = fp(2), fp(3)
	case 6:
		d.Settlement, d.SettlementLower, d.SettlementUpper = f(0), fp(1), fp(2)
		d.Displacement, d.DisplacementLower, d.DisplacementUpper = fp(3), fp(4), fp(5)
	case 8:
		// Positions 5 (and 9 in the twelve-output layout) carry
		// per-target confidences some models emit; only the overall
		// confidence is persisted.
		d.Settlement, d.Confidence = f(0), fp(1)
		d.SettlementLower, d.SettlementUpper = fp(2), fp(3)
		d.Displacement, d.DisplacementLower, d.DisplacementUpper = fp(4), fp(6), fp(7)
	case 9:
		d.Settlement, d.SettlementLower, d.SettlementUpper = f(0), fp(1), fp(2)
		d.Displacement, d.DisplacementLower, d.DisplacementUpper = fp(3), fp(4), fp(5)
		d.Groundwater, d.GroundwaterLower, d.GroundwaterUpper = fp(6), fp(7), fp(8)
	case 12:
		d.Settlement, d.Confidence = f(0), fp(1)
		d.SettlementLower, d.SettlementUpper = fp(2), fp(3)
		d.Displacement, d.DisplacementLower, d.DisplacementUpper = fp(4), fp(6), fp(7)
		d.Groundwater, d.GroundwaterLower, d.GroundwaterUpper = fp(8), fp(10), fp(11)
	default:
		if len(flat) == 0 {
			logger.Errorf("model %s produced no outputs", modelName)
			return d
		}
		logger.Warnf("model %s: %v; using the first output as settlement",
			modelName, errdefs.OutputShapeUnsupported(len(flat)))
		d.Settlement = f(0)
	}
	return d
}
