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

// Package ring aggregates raw telemetry into per-ring summaries. An
// excavation window is recorded when a ring starts and ends; alignment
// replays the stored PLC, attitude and monitoring rows inside that
// window into one statistics row the feature engineer consumes.
package ring

import (
	"context"
	"math"

	"github.com/boreline/edge-agent/internal/config"
	"github.com/boreline/edge-agent/internal/errdefs"
	"github.com/boreline/edge-agent/internal/logs"
	"github.com/boreline/edge-agent/internal/set"
	"github.com/boreline/edge-agent/internal/store"
)

// Aligner computes ring summaries from raw telemetry.
type Aligner struct {
	db     *store.DB
	cfg    config.Alignment
	logger logs.StructuredLogger
}

// NewAligner returns an aligner over the shared store.
func NewAligner(db *store.DB, cfg config.Alignment, logger logs.StructuredLogger) *Aligner {
	return &Aligner{db: db, cfg: cfg, logger: logger}
}

// Align aggregates every telemetry source for one ring and persists the
// summary in a single update. Insufficient data never aborts alignment;
// it degrades the completeness flag instead. Align is idempotent for
// stable inputs: re-running it recomputes the same row.
func (a *Aligner) Align(ctx context.Context, ringNumber int64) (*store.RingSummary, error) {
	prev, err := a.db.Rings.Get(ctx, ringNumber)
	if err != nil {
		return nil, err
	}
	r := &store.RingSummary{
		RingNumber:     prev.RingNumber,
		StartTime:      prev.StartTime,
		EndTime:        prev.EndTime,
		GeologicalZone: prev.GeologicalZone,
		SyncStatus:     prev.SyncStatus,
		CreatedAt:      prev.CreatedAt,
	}

	values, err := a.plcValues(ctx, ringNumber, r.StartTime, r.EndTime)
	if err != nil {
		return nil, errdefs.Aggregation(ringNumber, err)
	}
	aggs := set.FromSlice(a.cfg.Aggregations)
	for _, channel := range a.cfg.Channels {
		samples := values[channel]
		if len(samples) > int(r.PLCSampleCount) {
			r.PLCSampleCount = int64(len(samples))
		}
		if !assignChannel(r, channel, summarize(samples, aggs)) {
			a.logger.Warnf("ring %d: no summary column for configured channel %q", ringNumber, channel)
		}
	}

	attitude, err := a.db.Telemetry.AttitudeRows(ctx, r.StartTime, r.EndTime)
	if err != nil {
		return nil, errdefs.Aggregation(ringNumber, err)
	}
	r.AttitudeSampleCount = int64(len(attitude))
	a.aggregateAttitude(r, attitude, aggs)

	a.derive(r)

	lagFrom := r.EndTime + a.cfg.Lag.MinOffset().Seconds()
	lagTo := r.EndTime + a.cfg.Lag.MaxOffset().Seconds()
	settlement, n, err := a.db.Telemetry.SettlementMean(ctx, ringNumber, lagFrom, lagTo)
	if err != nil {
		return nil, errdefs.Aggregation(ringNumber, err)
	}
	if n > 0 {
		r.SettlementValue = settlement
	}

	r.DataCompletenessFlag = a.completeness(r)

	if err := a.db.Rings.UpdateAggregates(ctx, r); err != nil {
		return nil, err
	}
	a.logger.Infof("aligned ring %d: plc=%d attitude=%d settlement=%v completeness=%s",
		ringNumber, r.PLCSampleCount, r.AttitudeSampleCount, r.SettlementValue != nil, r.DataCompletenessFlag)
	return r, nil
}

// Realign re-runs alignment for a ring whose settlement lag window has
// since elapsed, filling the lagged target on rings aligned early.
func (a *Aligner) Realign(ctx context.Context, ringNumber int64) (*store.RingSummary, error) {
	return a.Align(ctx, ringNumber)
}

// plcValues queries raw PLC rows under the configured ring filter
// policy. The fallback policy retries without the ring tag when the
// tagged query comes back empty, which tolerates ingestion paths that
// never stamp ring numbers.
func (a *Aligner) plcValues(ctx context.Context, ringNumber int64, from, to float64) (map[string][]float64, error) {
	ringFilter := &ringNumber
	if a.cfg.RingFilter == config.RingFilterTimeOnly {
		ringFilter = nil
	}
	values, err := a.db.Telemetry.PLCValues(ctx, from, to, a.cfg.Channels, a.cfg.QualityFlags, ringFilter)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 && a.cfg.RingFilter == config.RingFilterFallback {
		a.logger.Warnf("ring %d: no ring-tagged plc rows in window, retrying time-only", ringNumber)
		return a.db.Telemetry.PLCValues(ctx, from, to, a.cfg.Channels, a.cfg.QualityFlags, nil)
	}
	return values, nil
}

func (a *Aligner) aggregateAttitude(r *store.RingSummary, rows []store.AttitudeSample, aggs set.Set[string]) {
	var pitch, roll, yaw, hdev, vdev []float64
	for _, row := range rows {
		pitch = appendValue(pitch, row.Pitch)
		roll = appendValue(roll, row.Roll)
		yaw = appendValue(yaw, row.Yaw)
		hdev = appendValue(hdev, row.HorizontalDeviation)
		vdev = appendValue(vdev, row.VerticalDeviation)
	}
	if aggs.Contains("mean") {
		r.MeanPitch = meanOf(pitch)
		r.MeanRoll = meanOf(roll)
		r.MeanYaw = meanOf(yaw)
	}
	if aggs.Contains("max") {
		r.MaxPitch = maxOf(pitch)
		r.MaxRoll = maxOf(roll)
		r.MaxYaw = maxOf(yaw)
		r.HorizontalDeviationMax = maxOf(hdev)
		r.VerticalDeviationMax = maxOf(vdev)
	}
}

// derive computes the geometry-based indicators. Specific energy wants
// torque in kN-m, rotation from the configured cutterhead speed, and
// advance converted from mm/min to m/s; a zero advance rate leaves the
// indicator NULL rather than dividing by it.
func (a *Aligner) derive(r *store.RingSummary) {
	d := a.cfg.Geometry.DiameterM
	area := math.Pi * d * d / 4
	vt := area * a.cfg.Geometry.RingWidthM

	if r.MeanTorqueCutterhead != nil && r.MeanAdvanceRate != nil && *r.MeanAdvanceRate > 0 {
		omega := a.cfg.Geometry.CutterheadRPMDefault * 2 * math.Pi / 60
		v := *r.MeanAdvanceRate / 1000 / 60
		se := (*r.MeanTorqueCutterhead * 1000 * omega) / (area * v) / 1e6
		r.SpecificEnergy = &se
	}
	if r.MeanGroutVolume != nil {
		gl := vt - *r.MeanGroutVolume
		r.GroundLossRate = &gl
		if vt > 0 {
			vlr := 100 * gl / vt
			r.VolumeLossRatio = &vlr
		}
	}
}

func (a *Aligner) completeness(r *store.RingSummary) string {
	plcOK := r.PLCSampleCount >= int64(a.cfg.Completeness.MinPLCSamples)
	attitudeOK := r.AttitudeSampleCount >= int64(a.cfg.Completeness.MinAttitudeSamples)
	settlementOK := r.SettlementValue != nil || !a.cfg.Lag.SettlementRequired
	switch {
	case plcOK && attitudeOK && settlementOK:
		return store.CompletenessComplete
	case plcOK || attitudeOK:
		return store.CompletenessPartial
	default:
		return store.CompletenessIncomplete
	}
}

// channelStats holds the enabled aggregates of one channel. Disabled or
// empty-channel aggregates stay nil and persist as NULL.
type channelStats struct {
	mean, max, min, std *float64
}

func summarize(values []float64, aggs set.Set[string]) channelStats {
	if len(values) == 0 {
		return channelStats{}
	}
	var s channelStats
	if aggs.Contains("mean") {
		s.mean = meanOf(values)
	}
	if aggs.Contains("max") {
		s.max = maxOf(values)
	}
	if aggs.Contains("min") {
		s.min = minOf(values)
	}
	if aggs.Contains("std") {
		s.std = stdOf(values)
	}
	return s
}

func assignChannel(r *store.RingSummary, channel string, s channelStats) bool {
	switch channel {
	case "thrust_total":
		r.MeanThrustTotal, r.MaxThrustTotal, r.MinThrustTotal, r.StdThrustTotal = s.mean, s.max, s.min, s.std
	case "torque_cutterhead":
		r.MeanTorqueCutterhead, r.MaxTorqueCutterhead, r.MinTorqueCutterhead, r.StdTorqueCutterhead = s.mean, s.max, s.min, s.std
	case "chamber_pressure":
		r.MeanChamberPressure, r.MaxChamberPressure, r.MinChamberPressure, r.StdChamberPressure = s.mean, s.max, s.min, s.std
	case "advance_rate":
		r.MeanAdvanceRate, r.MaxAdvanceRate, r.MinAdvanceRate, r.StdAdvanceRate = s.mean, s.max, s.min, s.std
	case "grout_pressure":
		r.MeanGroutPressure, r.MaxGroutPressure, r.MinGroutPressure, r.StdGroutPressure = s.mean, s.max, s.min, s.std
	case "grout_volume":
		r.MeanGroutVolume, r.MaxGroutVolume, r.MinGroutVolume, r.StdGroutVolume = s.mean, s.max, s.min, s.std
	default:
		return false
	}
	return true
}

func appendValue(dst []float64, v *float64) []float64 {
	if v == nil {
		return dst
	}
	return append(dst, *v)
}

func meanOf(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	m := sum / float64(len(values))
	return &m
}

func maxOf(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return &m
}

func minOf(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return &m
}

// stdOf is the population standard deviation.
func stdOf(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	mean := *meanOf(values)
	ss := 0.0
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	s := math.Sqrt(ss / float64(len(values)))
	return &s
}
