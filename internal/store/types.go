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

package store

import (
	"encoding/json"
)

// Data completeness of an aligned ring. Databases migrated from older
// deployments may still carry "acceptable" rows; the purger treats
// those like complete ones.
const (
	CompletenessComplete   = "complete"
	CompletenessPartial    = "partial"
	CompletenessIncomplete = "incomplete"
	CompletenessAcceptable = "acceptable"
)

// Sync state of ring summaries and warning events.
const (
	SyncStatusPending = "pending"
	SyncStatusSynced  = "synced"
)

// Warning severities recognized by the graded response model.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Model deployment lifecycle.
const (
	DeploymentStaged  = "staged"
	DeploymentActive  = "active"
	DeploymentRetired = "retired"
	DeploymentFailed  = "failed"
)

// Output format versions disambiguating two-output models.
const (
	OutputFormatV1LowerBound = "v1_lower_bound"
	OutputFormatV2Confidence = "v2_confidence"
)

// ZoneAll marks a model valid for every geological zone.
const ZoneAll = "all"

// PLCSample is one high-frequency telemetry row.
type PLCSample struct {
	ID              int64    `db:"id"`
	Timestamp       float64  `db:"timestamp"`
	TagName         string   `db:"tag_name"`
	Value           *float64 `db:"value"`
	DataQualityFlag string   `db:"data_quality_flag"`
	RingNumber      *int64   `db:"ring_number"`
}

// AttitudeSample is one shield attitude row.
type AttitudeSample struct {
	ID                  int64    `db:"id"`
	Timestamp           float64  `db:"timestamp"`
	Pitch               *float64 `db:"pitch"`
	Roll                *float64 `db:"roll"`
	Yaw                 *float64 `db:"yaw"`
	HorizontalDeviation *float64 `db:"horizontal_deviation"`
	VerticalDeviation   *float64 `db:"vertical_deviation"`
	RingNumber          *int64   `db:"ring_number"`
}

// MonitoringSample is one external sensor row (settlement points etc).
type MonitoringSample struct {
	ID         int64    `db:"id"`
	Timestamp  float64  `db:"timestamp"`
	SensorType string   `db:"sensor_type"`
	Value      *float64 `db:"value"`
	RingNumber *int64   `db:"ring_number"`
}

// RingSummary is the aggregated record for one tunnel ring. The json
// tags shape the cloud upload payload.
type RingSummary struct {
	RingNumber int64   `db:"ring_number" json:"ring_number"`
	StartTime  float64 `db:"start_time" json:"start_time"`
	EndTime    float64 `db:"end_time" json:"end_time"`

	MeanThrustTotal *float64 `db:"mean_thrust_total" json:"mean_thrust_total"`
	MaxThrustTotal  *float64 `db:"max_thrust_total" json:"max_thrust_total"`
	MinThrustTotal  *float64 `db:"min_thrust_total" json:"min_thrust_total"`
	StdThrustTotal  *float64 `db:"std_thrust_total" json:"std_thrust_total"`

	MeanTorqueCutterhead *float64 `db:"mean_torque_cutterhead" json:"mean_torque_cutterhead"`
	MaxTorqueCutterhead  *float64 `db:"max_torque_cutterhead" json:"max_torque_cutterhead"`
	MinTorqueCutterhead  *float64 `db:"min_torque_cutterhead" json:"min_torque_cutterhead"`
	StdTorqueCutterhead  *float64 `db:"std_torque_cutterhead" json:"std_torque_cutterhead"`

	MeanChamberPressure *float64 `db:"mean_chamber_pressure" json:"mean_chamber_pressure"`
	MaxChamberPressure  *float64 `db:"max_chamber_pressure" json:"max_chamber_pressure"`
	MinChamberPressure  *float64 `db:"min_chamber_pressure" json:"min_chamber_pressure"`
	StdChamberPressure  *float64 `db:"std_chamber_pressure" json:"std_chamber_pressure"`

	MeanAdvanceRate *float64 `db:"mean_advance_rate" json:"mean_advance_rate"`
	MaxAdvanceRate  *float64 `db:"max_advance_rate" json:"max_advance_rate"`
	MinAdvanceRate  *float64 `db:"min_advance_rate" json:"min_advance_rate"`
	StdAdvanceRate  *float64 `db:"std_advance_rate" json:"std_advance_rate"`

	MeanGroutPressure *float64 `db:"mean_grout_pressure" json:"mean_grout_pressure"`
	MaxGroutPressure  *float64 `db:"max_grout_pressure" json:"max_grout_pressure"`
	MinGroutPressure  *float64 `db:"min_grout_pressure" json:"min_grout_pressure"`
	StdGroutPressure  *float64 `db:"std_grout_pressure" json:"std_grout_pressure"`

	MeanGroutVolume *float64 `db:"mean_grout_volume" json:"mean_grout_volume"`
	MaxGroutVolume  *float64 `db:"max_grout_volume" json:"max_grout_volume"`
	MinGroutVolume  *float64 `db:"min_grout_volume" json:"min_grout_volume"`
	StdGroutVolume  *float64 `db:"std_grout_volume" json:"std_grout_volume"`

	MeanPitch              *float64 `db:"mean_pitch" json:"mean_pitch"`
	MeanRoll               *float64 `db:"mean_roll" json:"mean_roll"`
	MeanYaw                *float64 `db:"mean_yaw" json:"mean_yaw"`
	MaxPitch               *float64 `db:"max_pitch" json:"max_pitch"`
	MaxRoll                *float64 `db:"max_roll" json:"max_roll"`
	MaxYaw                 *float64 `db:"max_yaw" json:"max_yaw"`
	HorizontalDeviationMax *float64 `db:"horizontal_deviation_max" json:"horizontal_deviation_max"`
	VerticalDeviationMax   *float64 `db:"vertical_deviation_max" json:"vertical_deviation_max"`

	PLCSampleCount      int64 `db:"plc_sample_count" json:"plc_sample_count"`
	AttitudeSampleCount int64 `db:"attitude_sample_count" json:"attitude_sample_count"`

	SpecificEnergy  *float64 `db:"specific_energy" json:"specific_energy"`
	GroundLossRate  *float64 `db:"ground_loss_rate" json:"ground_loss_rate"`
	VolumeLossRatio *float64 `db:"volume_loss_ratio" json:"volume_loss_ratio"`

	SettlementValue *float64 `db:"settlement_value" json:"settlement_value"`

	DataCompletenessFlag string  `db:"data_completeness_flag" json:"data_completeness_flag"`
	GeologicalZone       *string `db:"geological_zone" json:"geological_zone"`
	SyncStatus           string  `db:"sync_status" json:"sync_status"`
	CreatedAt            int64   `db:"created_at" json:"created_at"`
	UpdatedAt            *int64  `db:"updated_at" json:"updated_at"`
}

// Aggregates exposes the per-channel aggregates under the names the
// feature engineer declares. The grout volume feature keeps its legacy
// short name.
func (r *RingSummary) Aggregates() map[string]*float64 {
	return map[string]*float64{
		"mean_thrust_total":        r.MeanThrustTotal,
		"max_thrust_total":         r.MaxThrustTotal,
		"std_thrust_total":         r.StdThrustTotal,
		"mean_torque_cutterhead":   r.MeanTorqueCutterhead,
		"max_torque_cutterhead":    r.MaxTorqueCutterhead,
		"std_torque_cutterhead":    r.StdTorqueCutterhead,
		"mean_chamber_pressure":    r.MeanChamberPressure,
		"std_chamber_pressure":     r.StdChamberPressure,
		"mean_advance_rate":        r.MeanAdvanceRate,
		"max_advance_rate":         r.MaxAdvanceRate,
		"mean_grout_pressure":      r.MeanGroutPressure,
		"grout_volume":             r.MeanGroutVolume,
		"mean_pitch":               r.MeanPitch,
		"mean_roll":                r.MeanRoll,
		"mean_yaw":                 r.MeanYaw,
		"horizontal_deviation_max": r.HorizontalDeviationMax,
		"vertical_deviation_max":   r.VerticalDeviationMax,
	}
}

// PredictionResult is one persisted inference outcome.
type PredictionResult struct {
	ID             int64   `db:"id" json:"id"`
	RingNumber     int64   `db:"ring_number" json:"ring_number"`
	Timestamp      int64   `db:"timestamp" json:"timestamp"`
	ModelName      string  `db:"model_name" json:"model_name"`
	ModelVersion   string  `db:"model_version" json:"model_version"`
	ModelType      string  `db:"model_type" json:"model_type"`
	GeologicalZone *string `db:"geological_zone" json:"geological_zone"`

	PredictedSettlement float64 `db:"predicted_settlement" json:"predicted_settlement"`
	SettlementLower     float64 `db:"settlement_lower" json:"settlement_lower"`
	SettlementUpper     float64 `db:"settlement_upper" json:"settlement_upper"`

	PredictedDisplacement *float64 `db:"predicted_displacement" json:"predicted_displacement"`
	DisplacementLower     *float64 `db:"displacement_lower" json:"displacement_lower"`
	DisplacementUpper     *float64 `db:"displacement_upper" json:"displacement_upper"`

	PredictedGroundwater *float64 `db:"predicted_groundwater" json:"predicted_groundwater"`
	GroundwaterLower     *float64 `db:"groundwater_lower" json:"groundwater_lower"`
	GroundwaterUpper     *float64 `db:"groundwater_upper" json:"groundwater_upper"`

	PredictionConfidence float64 `db:"prediction_confidence" json:"prediction_confidence"`
	InferenceTimeMS      float64 `db:"inference_time_ms" json:"inference_time_ms"`
	FeatureCompleteness  float64 `db:"feature_completeness" json:"feature_completeness"`
	QualityFlag          string  `db:"quality_flag" json:"quality_flag"`

	ActualSettlement *float64 `db:"actual_settlement" json:"actual_settlement"`
	PredictionError  *float64 `db:"prediction_error" json:"prediction_error"`
	AbsoluteError    *float64 `db:"absolute_error" json:"absolute_error"`

	CreatedAt int64 `db:"created_at" json:"created_at"`
}

// ModelMetadata describes one registered ONNX artifact.
type ModelMetadata struct {
	ID                  int64    `db:"id"`
	ModelName           string   `db:"model_name"`
	ModelVersion        string   `db:"model_version"`
	ModelType           string   `db:"model_type"`
	OnnxModelPath       string   `db:"onnx_model_path"`
	ModelChecksum       string   `db:"model_checksum"`
	ModelSizeBytes      int64    `db:"model_size_bytes"`
	TrainingDate        *int64   `db:"training_date"`
	TrainingDataRange   *string  `db:"training_data_range"`
	GeologicalZone      string   `db:"geological_zone"`
	ValidationR2        *float64 `db:"validation_r2"`
	ValidationRMSE      *float64 `db:"validation_rmse"`
	ValidationMAE       *float64 `db:"validation_mae"`
	FeatureList         string   `db:"feature_list"`
	OutputFormatVersion string   `db:"output_format_version"`
	Hyperparameters     *string  `db:"hyperparameters"`
	DeploymentStatus    string   `db:"deployment_status"`
	CreatedAt           int64    `db:"created_at"`
	DeployedAt          *int64   `db:"deployed_at"`
	RetiredAt           *int64   `db:"retired_at"`
	LoadTimeSeconds     *float64 `db:"load_time_seconds"`
	AvgInferenceTimeMS  *float64 `db:"avg_inference_time_ms"`
}

// Features decodes the ordered feature list.
func (m *ModelMetadata) Features() ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(m.FeatureList), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetFeatures encodes the ordered feature list.
func (m *ModelMetadata) SetFeatures(features []string) error {
	raw, err := json.Marshal(features)
	if err != nil {
		return err
	}
	m.FeatureList = string(raw)
	return nil
}

// PerformanceMetric is one persisted evaluation outcome.
type PerformanceMetric struct {
	ID                  int64    `db:"id" json:"id"`
	ModelName           string   `db:"model_name" json:"model_name"`
	EvaluationDate      int64    `db:"evaluation_date" json:"evaluation_date"`
	DataRange           string   `db:"data_range" json:"data_range"`
	NumPredictions      int64    `db:"num_predictions" json:"num_predictions"`
	R2Score             float64  `db:"r2_score" json:"r2_score"`
	RMSE                float64  `db:"rmse" json:"rmse"`
	MAE                 float64  `db:"mae" json:"mae"`
	MAPE                *float64 `db:"mape" json:"mape"`
	ConfidenceCoverage  float64  `db:"confidence_coverage" json:"confidence_coverage"`
	DriftDetected       bool     `db:"drift_detected" json:"drift_detected"`
	DriftSeverity       string   `db:"drift_severity" json:"drift_severity"`
	BaselineRMSE        *float64 `db:"baseline_rmse" json:"baseline_rmse"`
	RMSEIncreasePercent *float64 `db:"rmse_increase_percent" json:"rmse_increase_percent"`
	TriggeredRetraining bool     `db:"triggered_retraining" json:"triggered_retraining"`
	RetrainingReason    *string  `db:"retraining_reason" json:"retraining_reason"`
}

// Drift severity buckets.
const (
	DriftNone     = "none"
	DriftMinor    = "minor"
	DriftModerate = "moderate"
	DriftSevere   = "severe"
)

// WarningEvent is a graded-response event awaiting upload. Details is
// a JSON document already, so it crosses the wire untouched.
type WarningEvent struct {
	ID           string          `db:"id" json:"id"`
	Timestamp    int64           `db:"timestamp" json:"timestamp"`
	WarningType  string          `db:"warning_type" json:"warning_type"`
	Severity     string          `db:"severity" json:"severity"`
	RingNumber   *int64          `db:"ring_number" json:"ring_number"`
	Message      string          `db:"message" json:"message"`
	Details      json.RawMessage `db:"details" json:"details"`
	Acknowledged bool            `db:"acknowledged" json:"acknowledged"`
	SyncStatus   string          `db:"sync_status" json:"sync_status"`
}

// EvalPair is a prediction joined with its observed actual.
type EvalPair struct {
	RingNumber int64   `db:"ring_number"`
	Predicted  float64 `db:"predicted_settlement"`
	Actual     float64 `db:"actual_settlement"`
	Lower      float64 `db:"settlement_lower"`
	Upper      float64 `db:"settlement_upper"`
	Confidence float64 `db:"prediction_confidence"`
}
