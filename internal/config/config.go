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

// Package config represents the edge agent configuration: one declarative
// YAML document of closed, validated sections. Unknown keys are tolerated
// with a warning; invalid values are fatal at startup.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	yaml "github.com/goccy/go-yaml"

	"github.com/boreline/edge-agent/internal/errdefs"
	"github.com/boreline/edge-agent/internal/logs"
)

type Config struct {
	Device         Device         `yaml:"device" validate:"required"`
	Storage        Storage        `yaml:"storage"`
	Alignment      Alignment      `yaml:"alignment"`
	Features       Features       `yaml:"features"`
	Inference      Inference      `yaml:"inference"`
	Monitoring     Monitoring     `yaml:"monitoring"`
	Sync           Sync           `yaml:"sync"`
	Batching       Batching       `yaml:"batching"`
	Retry          Retry          `yaml:"retry"`
	GradedResponse GradedResponse `yaml:"graded_response"`
	Notifications  Notifications  `yaml:"notifications"`
	Logging        Logging        `yaml:"logging"`
	Server         Server         `yaml:"server"`
}

type Device struct {
	EdgeDeviceID string `yaml:"edge_device_id" validate:"required"`
	ProjectID    string `yaml:"project_id" validate:"required"`
}

type Storage struct {
	DatabasePath string `yaml:"database_path" validate:"required"`
	RawDataDir   string `yaml:"raw_data_dir"`
	ModelsDir    string `yaml:"models_dir"`
}

type Alignment struct {
	Geometry     Geometry     `yaml:"geometry"`
	Channels     []string     `yaml:"channels" validate:"min=1"`
	Aggregations []string     `yaml:"aggregations" validate:"min=1,dive,oneof=mean max min std"`
	QualityFlags []string     `yaml:"quality_flags" validate:"min=1"`
	RingFilter   string       `yaml:"ring_filter" validate:"oneof=ring_and_time time_only fallback"`
	Lag          Lag          `yaml:"lag"`
	Completeness Completeness `yaml:"completeness"`
	PollSeconds  int          `yaml:"poll_seconds" validate:"gte=1"`
}

type Geometry struct {
	DiameterM  float64 `yaml:"diameter_m" validate:"gt=0"`
	RingWidthM float64 `yaml:"ring_width_m" validate:"gt=0"`
	// CutterheadRPMDefault is the single source of truth for the assumed
	// cutterhead speed wherever specific energy is derived.
	CutterheadRPMDefault float64 `yaml:"cutterhead_rpm_default" validate:"gt=0"`
}

type Lag struct {
	MinHours           float64 `yaml:"min_hours" validate:"gte=0"`
	MaxHours           float64 `yaml:"max_hours" validate:"gtefield=MinHours"`
	SettlementRequired bool    `yaml:"settlement_required"`
}

type Completeness struct {
	MinPLCSamples      int `yaml:"min_plc_samples" validate:"gte=0"`
	MinAttitudeSamples int `yaml:"min_attitude_samples" validate:"gte=0"`
}

type Features struct {
	WindowSize   int `yaml:"window_size" validate:"gte=1"`
	HistoryRings int `yaml:"history_rings" validate:"gte=1"`
}

type Inference struct {
	Concurrency       int64   `yaml:"concurrency" validate:"gte=1"`
	DefaultConfidence float64 `yaml:"default_confidence" validate:"gte=0,lte=1"`
	BoundFraction     float64 `yaml:"bound_fraction" validate:"gte=0"`
	IntraOpThreads    int     `yaml:"intra_op_threads" validate:"gte=1"`
	InterOpThreads    int     `yaml:"inter_op_threads" validate:"gte=1"`
	// ONNXSharedLibrary overrides the onnxruntime shared object location.
	ONNXSharedLibrary string `yaml:"onnx_shared_library"`
}

type Monitoring struct {
	MinSamples         int     `yaml:"min_samples" validate:"gte=2"`
	DriftThreshold     float64 `yaml:"drift_threshold" validate:"gt=0"`
	R2Threshold        float64 `yaml:"r2_threshold" validate:"gte=0,lte=1"`
	MonitoringInterval int     `yaml:"monitoring_interval" validate:"gte=1"`
	EvaluationWindow   int     `yaml:"evaluation_window" validate:"gte=2"`
	BackfillSeconds    int     `yaml:"backfill_seconds" validate:"gte=1"`
}

type Sync struct {
	Cloud     Cloud     `yaml:"cloud"`
	Buffer    Buffer    `yaml:"buffer"`
	Intervals Intervals `yaml:"intervals"`
	Network   Network   `yaml:"network"`
	Disk      Disk      `yaml:"disk"`
	Purge     Purge     `yaml:"purge"`
}

type Cloud struct {
	BaseURL    string `yaml:"base_url" validate:"omitempty,url"`
	APIKey     string `yaml:"api_key"`
	HealthPath string `yaml:"health_path"`
}

type Buffer struct {
	MaxSize    int `yaml:"max_size" validate:"gte=1"`
	MaxRetries int `yaml:"max_retries" validate:"gte=1"`
}

type Intervals struct {
	SyncSeconds  int `yaml:"sync_seconds" validate:"gte=1"`
	PurgeSeconds int `yaml:"purge_seconds" validate:"gte=1"`
}

type Network struct {
	CheckSeconds     int `yaml:"check_seconds" validate:"gte=1"`
	TimeoutSeconds   int `yaml:"timeout_seconds" validate:"gte=1"`
	FailureThreshold int `yaml:"failure_threshold" validate:"gte=1"`
}

type Disk struct {
	Paths        []string `yaml:"paths"`
	WarningGB    float64  `yaml:"warning_gb" validate:"gt=0"`
	CriticalGB   float64  `yaml:"critical_gb" validate:"gt=0,ltefield=WarningGB"`
	CheckSeconds int      `yaml:"check_seconds" validate:"gte=1"`
}

type Purge struct {
	RetentionDays int  `yaml:"retention_days" validate:"gte=1"`
	MaxAgeDays    int  `yaml:"max_age_days" validate:"gte=1"`
	DryRun        bool `yaml:"dry_run"`
}

type Batching struct {
	RingBatch       int `yaml:"ring_batch" validate:"gte=1"`
	PredictionBatch int `yaml:"prediction_batch" validate:"gte=1"`
	WarningBatch    int `yaml:"warning_batch" validate:"gte=1"`
}

type Retry struct {
	Ring       RetryPolicy `yaml:"ring"`
	Prediction RetryPolicy `yaml:"prediction"`
	Warning    RetryPolicy `yaml:"warning"`
}

type RetryPolicy struct {
	Max            int     `yaml:"max" validate:"gte=0"`
	Backoff        float64 `yaml:"backoff" validate:"gte=1"`
	TimeoutSeconds int     `yaml:"timeout_seconds" validate:"gte=1"`
}

type GradedResponse struct {
	Priorities        map[string]int `yaml:"priorities"`
	SettlementAlertMM float64        `yaml:"settlement_alert_mm" validate:"gte=0"`
}

// Notification transports are external collaborators; the sections are
// parsed as closed records but the core only reads the priority model.
type Notifications struct {
	MQTT  MQTT  `yaml:"mqtt"`
	Email Email `yaml:"email"`
	SMS   SMS   `yaml:"sms"`
}

type MQTT struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

type Email struct {
	Enabled    bool     `yaml:"enabled"`
	SMTPHost   string   `yaml:"smtp_host"`
	SMTPPort   int      `yaml:"smtp_port"`
	Recipients []string `yaml:"recipients"`
}

type SMS struct {
	Enabled    bool     `yaml:"enabled"`
	Provider   string   `yaml:"provider"`
	Recipients []string `yaml:"recipients"`
}

type Logging struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
}

type Server struct {
	StatusAddr string `yaml:"status_addr"`
}

// Ring filter policies for the aligner's plc_logs query.
const (
	RingFilterRingAndTime = "ring_and_time"
	RingFilterTimeOnly    = "time_only"
	RingFilterFallback    = "fallback"
)

var validate = validator.New()

// Load reads, parses, defaults and validates the agent config file.
func Load(path string, logger logs.StructuredLogger) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.ConfigInvalid(err)
	}
	return Parse(raw, logger)
}

// Parse decodes strictly first so unknown keys surface, then falls back to
// a lenient decode with a warning. Validation failures are fatal.
func Parse(raw []byte, logger logs.StructuredLogger) (*Config, error) {
	c := &Config{}
	if err := yaml.UnmarshalWithOptions(raw, c, yaml.Strict()); err != nil {
		*c = Config{}
		if lenientErr := yaml.Unmarshal(raw, c); lenientErr != nil {
			return nil, errdefs.ConfigInvalid(lenientErr)
		}
		if logger != nil {
			logger.Warnf("config contains unrecognized keys, ignoring: %v", err)
		}
	}
	c.applyDefaults()
	if err := validate.Struct(c); err != nil {
		return nil, errdefs.ConfigInvalid(err)
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Alignment.Geometry.DiameterM == 0 {
		c.Alignment.Geometry.DiameterM = 6.2
	}
	if c.Alignment.Geometry.RingWidthM == 0 {
		c.Alignment.Geometry.RingWidthM = 1.5
	}
	if c.Alignment.Geometry.CutterheadRPMDefault == 0 {
		c.Alignment.Geometry.CutterheadRPMDefault = 2.0
	}
	if len(c.Alignment.Channels) == 0 {
		c.Alignment.Channels = []string{
			"thrust_total", "torque_cutterhead", "chamber_pressure",
			"advance_rate", "grout_pressure", "grout_volume",
		}
	}
	if len(c.Alignment.Aggregations) == 0 {
		c.Alignment.Aggregations = []string{"mean", "max", "min", "std"}
	}
	if len(c.Alignment.QualityFlags) == 0 {
		c.Alignment.QualityFlags = []string{"raw", "interpolated", "calibrated"}
	}
	if c.Alignment.RingFilter == "" {
		c.Alignment.RingFilter = RingFilterRingAndTime
	}
	if c.Alignment.Lag.MinHours == 0 {
		c.Alignment.Lag.MinHours = 6.0
	}
	if c.Alignment.Lag.MaxHours == 0 {
		c.Alignment.Lag.MaxHours = 8.0
	}
	if c.Alignment.Completeness.MinPLCSamples == 0 {
		c.Alignment.Completeness.MinPLCSamples = 100
	}
	if c.Alignment.Completeness.MinAttitudeSamples == 0 {
		c.Alignment.Completeness.MinAttitudeSamples = 10
	}
	if c.Alignment.PollSeconds == 0 {
		c.Alignment.PollSeconds = 30
	}

	if c.Features.WindowSize == 0 {
		c.Features.WindowSize = 10
	}
	if c.Features.HistoryRings == 0 {
		c.Features.HistoryRings = 10
	}

	if c.Inference.Concurrency == 0 {
		c.Inference.Concurrency = 1
	}
	if c.Inference.DefaultConfidence == 0 {
		c.Inference.DefaultConfidence = 0.85
	}
	if c.Inference.BoundFraction == 0 {
		c.Inference.BoundFraction = 0.20
	}
	if c.Inference.IntraOpThreads == 0 {
		c.Inference.IntraOpThreads = 2
	}
	if c.Inference.InterOpThreads == 0 {
		c.Inference.InterOpThreads = 2
	}

	if c.Monitoring.MinSamples == 0 {
		c.Monitoring.MinSamples = 20
	}
	if c.Monitoring.DriftThreshold == 0 {
		c.Monitoring.DriftThreshold = 0.20
	}
	if c.Monitoring.R2Threshold == 0 {
		c.Monitoring.R2Threshold = 0.90
	}
	if c.Monitoring.MonitoringInterval == 0 {
		c.Monitoring.MonitoringInterval = 50
	}
	if c.Monitoring.EvaluationWindow == 0 {
		c.Monitoring.EvaluationWindow = 50
	}
	if c.Monitoring.BackfillSeconds == 0 {
		c.Monitoring.BackfillSeconds = 300
	}

	if c.Sync.Cloud.HealthPath == "" {
		c.Sync.Cloud.HealthPath = "/health"
	}
	if c.Sync.Buffer.MaxSize == 0 {
		c.Sync.Buffer.MaxSize = 10000
	}
	if c.Sync.Buffer.MaxRetries == 0 {
		c.Sync.Buffer.MaxRetries = 3
	}
	if c.Sync.Intervals.SyncSeconds == 0 {
		c.Sync.Intervals.SyncSeconds = 60
	}
	if c.Sync.Intervals.PurgeSeconds == 0 {
		c.Sync.Intervals.PurgeSeconds = 3600
	}
	if c.Sync.Network.CheckSeconds == 0 {
		c.Sync.Network.CheckSeconds = 30
	}
	if c.Sync.Network.TimeoutSeconds == 0 {
		c.Sync.Network.TimeoutSeconds = 10
	}
	if c.Sync.Network.FailureThreshold == 0 {
		c.Sync.Network.FailureThreshold = 3
	}
	if c.Sync.Disk.WarningGB == 0 {
		c.Sync.Disk.WarningGB = 5.0
	}
	if c.Sync.Disk.CriticalGB == 0 {
		c.Sync.Disk.CriticalGB = 2.0
	}
	if c.Sync.Disk.CheckSeconds == 0 {
		c.Sync.Disk.CheckSeconds = 300
	}
	if len(c.Sync.Disk.Paths) == 0 {
		paths := []string{}
		if c.Storage.RawDataDir != "" {
			paths = append(paths, c.Storage.RawDataDir)
		}
		if c.Storage.DatabasePath != "" {
			paths = append(paths, c.Storage.DatabasePath)
		}
		c.Sync.Disk.Paths = paths
	}
	if c.Sync.Purge.RetentionDays == 0 {
		c.Sync.Purge.RetentionDays = 30
	}
	if c.Sync.Purge.MaxAgeDays == 0 {
		c.Sync.Purge.MaxAgeDays = 90
	}

	if c.Batching.RingBatch == 0 {
		c.Batching.RingBatch = 50
	}
	if c.Batching.PredictionBatch == 0 {
		c.Batching.PredictionBatch = 100
	}
	if c.Batching.WarningBatch == 0 {
		c.Batching.WarningBatch = 20
	}

	c.Retry.Ring = c.Retry.Ring.withDefaults(3, 2.0, 30)
	c.Retry.Prediction = c.Retry.Prediction.withDefaults(3, 2.0, 30)
	c.Retry.Warning = c.Retry.Warning.withDefaults(5, 1.5, 45)

	if len(c.GradedResponse.Priorities) == 0 {
		c.GradedResponse.Priorities = map[string]int{
			"critical": 10, "high": 5, "medium": 2, "low": 1,
		}
	}
	if c.GradedResponse.SettlementAlertMM == 0 {
		c.GradedResponse.SettlementAlertMM = 20.0
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 30
	}

	if c.Server.StatusAddr == "" {
		c.Server.StatusAddr = "127.0.0.1:9464"
	}
}

func (p RetryPolicy) withDefaults(max int, backoff float64, timeoutSeconds int) RetryPolicy {
	if p.Max == 0 {
		p.Max = max
	}
	if p.Backoff == 0 {
		p.Backoff = backoff
	}
	if p.TimeoutSeconds == 0 {
		p.TimeoutSeconds = timeoutSeconds
	}
	return p
}

func (l Lag) MinOffset() time.Duration {
	return time.Duration(l.MinHours * float64(time.Hour))
}

func (l Lag) MaxOffset() time.Duration {
	return time.Duration(l.MaxHours * float64(time.Hour))
}

func (i Intervals) SyncInterval() time.Duration {
	return time.Duration(i.SyncSeconds) * time.Second
}

func (i Intervals) PurgeInterval() time.Duration {
	return time.Duration(i.PurgeSeconds) * time.Second
}

func (n Network) CheckInterval() time.Duration {
	return time.Duration(n.CheckSeconds) * time.Second
}

func (n Network) Timeout() time.Duration {
	return time.Duration(n.TimeoutSeconds) * time.Second
}

func (d Disk) CheckInterval() time.Duration {
	return time.Duration(d.CheckSeconds) * time.Second
}

func (p RetryPolicy) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (a Alignment) PollInterval() time.Duration {
	return time.Duration(a.PollSeconds) * time.Second
}

func (m Monitoring) BackfillInterval() time.Duration {
	return time.Duration(m.BackfillSeconds) * time.Second
}
