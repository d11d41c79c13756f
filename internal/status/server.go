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

// Package status serves the agent's localhost introspection endpoints:
// a liveness probe, a JSON status snapshot and Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/boreline/edge-agent/internal/cloudsync"
	"github.com/boreline/edge-agent/internal/config"
	"github.com/boreline/edge-agent/internal/inference"
	"github.com/boreline/edge-agent/internal/logs"
)

const shutdownTimeout = 5 * time.Second

// Server is the localhost status endpoint. It binds nothing until Run
// is called and holds no state beyond the snapshot sources, so it can
// be constructed before the pipeline starts.
type Server struct {
	addr    string
	device  config.Device
	inf     inferenceSource
	sync    syncSource
	logger  logs.StructuredLogger
	handler http.Handler
	started time.Time
}

// NewServer routes /healthz, /status and /metrics over the given
// snapshot sources. Metrics live in a private registry so the agent
// never leaks into (or collides with) the default one.
func NewServer(cfg *config.Config, inf inferenceSource, sync syncSource, rings ringCounter, predictions predictionCounter, logger logs.StructuredLogger) *Server {
	s := &Server{
		addr:    cfg.Server.StatusAddr,
		device:  cfg.Device,
		inf:     inf,
		sync:    sync,
		logger:  logger,
		started: time.Now(),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewCollector(rings, predictions, inf, sync, logger),
	)

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	s.handler = r
	return s
}

// Handler exposes the routed handler; Run serves it.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves on the configured address until ctx is cancelled, then
// drains in-flight requests before returning.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.handler}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Infof("status server listening on %s", s.addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "ok")
}

type statusResponse struct {
	EdgeDeviceID  string            `json:"edge_device_id"`
	ProjectID     string            `json:"project_id"`
	Time          int64             `json:"time"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Inference     *inference.Status `json:"inference"`
	Sync          *cloudsync.Stats  `json:"sync"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inf, err := s.inf.Status(ctx)
	if err != nil {
		s.logger.Errorf("status: inference snapshot: %v", err)
		http.Error(w, "inference status unavailable", http.StatusInternalServerError)
		return
	}
	syncStats, err := s.sync.Stats(ctx)
	if err != nil {
		s.logger.Errorf("status: sync snapshot: %v", err)
		http.Error(w, "sync status unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := statusResponse{
		EdgeDeviceID:  s.device.EdgeDeviceID,
		ProjectID:     s.device.ProjectID,
		Time:          time.Now().Unix(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Inference:     inf,
		Sync:          syncStats,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debugf("status: writing response: %v", err)
	}
}
