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

// Package features turns ring summaries into model input vectors: raw
// aggregates, geometry-derived indicators, geological context, rolling
// window statistics over recent rings, and min-max normalization.
// Missing values are carried as NaN; substitution happens only at the
// tensor boundary.
package features

import (
	"math"
	"strconv"

	"github.com/boreline/edge-agent/internal/config"
	"github.com/boreline/edge-agent/internal/logs"
	"github.com/boreline/edge-agent/internal/store"
)

// Quality flags stamped on engineered vectors, weakest to strongest.
const (
	QualityNormal               = "normal"
	QualityColdStart            = "cold_start"
	QualityGeologicalIncomplete = "geological_data_incomplete"
)

// Defaults substituted when geological context is absent.
const (
	fallbackOverburdenDepth  = 15.0
	fallbackGroundwaterLevel = -3.0
	fallbackProximity        = 999.0
)

// soilTypes is the closed one-hot vocabulary. Unknown soil encodes as
// all zeros.
var soilTypes = []string{"soft_clay", "sand_silt", "hard_rock", "mixed", "transition"}

// windowedBases are the aggregates that get rolling-window statistics.
var windowedBases = []string{
	"mean_thrust_total",
	"mean_torque_cutterhead",
	"mean_chamber_pressure",
	"mean_advance_rate",
}

// normalizationRanges are the documented per-feature min-max ranges.
// Values are clamped to [0,1]; features outside this set pass through.
var normalizationRanges = map[string][2]float64{
	"mean_thrust_total":      {8000, 18000},
	"mean_torque_cutterhead": {500, 1500},
	"mean_chamber_pressure":  {100, 400},
	"mean_advance_rate":      {10, 60},
	"overburden_depth":       {5, 30},
	"specific_energy":        {0, 100},
}

// Geology is the optional geological context for a ring.
type Geology struct {
	SoilType              string
	OverburdenDepth       *float64
	GroundwaterLevel      *float64
	ProximityToStructures *float64
	GeologicalZone        string
}

// Vector is one engineered feature vector.
type Vector struct {
	RingNumber     int64
	Values         map[string]float64
	Completeness   float64
	QualityFlag    string
	GeologicalZone string
}

// Value returns a named feature, NaN when the vector does not carry it.
func (v *Vector) Value(name string) float64 {
	if val, ok := v.Values[name]; ok {
		return val
	}
	return math.NaN()
}

// Engineer builds feature vectors from aligned rings.
type Engineer struct {
	cfg    config.Features
	geom   config.Geometry
	logger logs.StructuredLogger
}

// NewEngineer returns an engineer sharing the aligner's geometry so the
// derived indicators agree between the summary row and the vector.
func NewEngineer(cfg config.Features, geom config.Geometry, logger logs.StructuredLogger) *Engineer {
	return &Engineer{cfg: cfg, geom: geom, logger: logger}
}

// Engineer computes the full vector for one ring. history holds the
// preceding aligned rings in ascending ring order; geo may be nil.
func (e *Engineer) Engineer(r *store.RingSummary, history []store.RingSummary, geo *Geology) *Vector {
	v := &Vector{
		RingNumber:  r.RingNumber,
		Values:      make(map[string]float64, 48),
		QualityFlag: QualityNormal,
	}
	if r.GeologicalZone != nil {
		v.GeologicalZone = *r.GeologicalZone
	}

	for name, value := range r.Aggregates() {
		v.Values[name] = deref(value)
	}
	e.derive(v)
	e.geological(v, geo)
	e.windowed(v, history)
	e.normalize(v)

	nonNaN := 0
	for _, value := range v.Values {
		if !math.IsNaN(value) {
			nonNaN++
		}
	}
	v.Completeness = float64(nonNaN) / float64(len(v.Values))
	return v
}

// derive recomputes the geometry indicators from the raw aggregates so
// the vector never disagrees with its own inputs, plus the two
// dimensionless ratios. Division by zero or NaN inputs yield NaN.
func (e *Engineer) derive(v *Vector) {
	torque := v.Value("mean_torque_cutterhead")
	advance := v.Value("mean_advance_rate")
	thrust := v.Value("mean_thrust_total")
	chamber := v.Value("mean_chamber_pressure")
	grout := v.Value("grout_volume")

	area := math.Pi * e.geom.DiameterM * e.geom.DiameterM / 4
	vt := area * e.geom.RingWidthM

	se := math.NaN()
	if !math.IsNaN(torque) && !math.IsNaN(advance) && advance > 0 {
		omega := e.geom.CutterheadRPMDefault * 2 * math.Pi / 60
		se = (torque * 1000 * omega) / (area * advance / 1000 / 60) / 1e6
	}
	v.Values["specific_energy"] = se

	gl := math.NaN()
	vlr := math.NaN()
	if !math.IsNaN(grout) {
		gl = vt - grout
		if vt > 0 {
			vlr = 100 * gl / vt
		}
	}
	v.Values["ground_loss_rate"] = gl
	v.Values["volume_loss_ratio"] = vlr

	v.Values["thrust_torque_ratio"] = ratio(thrust, torque)
	v.Values["advance_pressure_ratio"] = ratio(advance, chamber)
}

func (e *Engineer) geological(v *Vector, geo *Geology) {
	incomplete := geo == nil
	soil := ""
	if geo != nil {
		soil = geo.SoilType
		if geo.GeologicalZone != "" {
			v.GeologicalZone = geo.GeologicalZone
		}
	}

	v.Values["overburden_depth"] = geoValue(geo, func(g *Geology) *float64 { return g.OverburdenDepth },
		fallbackOverburdenDepth, &incomplete)
	v.Values["groundwater_level"] = geoValue(geo, func(g *Geology) *float64 { return g.GroundwaterLevel },
		fallbackGroundwaterLevel, &incomplete)
	v.Values["proximity_to_structures"] = geoValue(geo, func(g *Geology) *float64 { return g.ProximityToStructures },
		fallbackProximity, &incomplete)

	for _, s := range soilTypes {
		hot := 0.0
		if s == soil {
			hot = 1.0
		}
		v.Values["soil_type_"+s] = hot
	}

	if incomplete {
		e.logger.Debugf("ring %d: geological context incomplete, using fallback constants", v.RingNumber)
		v.QualityFlag = QualityGeologicalIncomplete
	}
}

// windowed emits moving average, standard deviation and least-squares
// trend per base aggregate over the history window, plus the cumulative
// thrust change. Fewer than three history rings means the statistics
// are not meaningful yet; they are zeroed and the vector flagged
// cold_start unless geological incompleteness already outranks it.
func (e *Engineer) windowed(v *Vector, history []store.RingSummary) {
	n := e.cfg.WindowSize
	if len(history) > n {
		history = history[len(history)-n:]
	}
	suffix := strconv.Itoa(n)

	coldStart := len(history) < 3
	for _, base := range windowedBases {
		rings, values := series(history, base)
		ma, std, trend := 0.0, 0.0, 0.0
		if !coldStart && len(values) >= 3 {
			ma = mean(values)
			std = stddev(values)
			trend = slope(rings, values)
		}
		v.Values[base+"_ma"+suffix] = ma
		v.Values[base+"_std"+suffix] = std
		v.Values[base+"_trend"+suffix] = trend
	}

	change := 0.0
	if !coldStart {
		if _, values := series(history, "mean_thrust_total"); len(values) >= 2 {
			change = values[len(values)-1] - values[0]
		}
	}
	v.Values["cumulative_thrust_change"] = change

	if coldStart {
		e.logger.Debugf("ring %d: %d history rings, window statistics zeroed", v.RingNumber, len(history))
		if v.QualityFlag == QualityNormal {
			v.QualityFlag = QualityColdStart
		}
	}
}

func (e *Engineer) normalize(v *Vector) {
	for name, bounds := range normalizationRanges {
		value, ok := v.Values[name]
		if !ok || math.IsNaN(value) {
			continue
		}
		scaled := (value - bounds[0]) / (bounds[1] - bounds[0])
		v.Values[name] = math.Min(1, math.Max(0, scaled))
	}
}

func deref(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

func ratio(num, den float64) float64 {
	if math.IsNaN(num) || math.IsNaN(den) || den == 0 {
		return math.NaN()
	}
	return num / den
}

func geoValue(geo *Geology, get func(*Geology) *float64, fallback float64, incomplete *bool) float64 {
	if geo != nil {
		if p := get(geo); p != nil {
			return *p
		}
	}
	*incomplete = true
	return fallback
}

// series collects the non-NULL values of one aggregate across history,
// keeping the ring numbers aligned for the trend fit.
func series(history []store.RingSummary, name string) ([]float64, []float64) {
	rings := make([]float64, 0, len(history))
	values := make([]float64, 0, len(history))
	for i := range history {
		if p := history[i].Aggregates()[name]; p != nil {
			rings = append(rings, float64(history[i].RingNumber))
			values = append(values, *p)
		}
	}
	return rings, values
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64) float64 {
	m := mean(values)
	ss := 0.0
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}

// slope is the least-squares regression slope of values against ring
// number. A degenerate x spread yields 0.
func slope(x, y []float64) float64 {
	n := float64(len(x))
	var sx, sy, sxy, sxx float64
	for i := range x {
		sx += x[i]
		sy += y[i]
		sxy += x[i] * y[i]
		sxx += x[i] * x[i]
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}
