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

// Package cloudsync moves locally persisted rows to the cloud API and
// keeps the edge node healthy while the uplink is down. It owns the
// durable upload queue and its per-type uploaders, the connectivity
// and disk monitors, and the retention purger for raw CSV exports.
package cloudsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/boreline/edge-agent/internal/config"
	"github.com/boreline/edge-agent/internal/errdefs"
	"github.com/boreline/edge-agent/internal/logs"
	"github.com/boreline/edge-agent/internal/store"
)

// Cloud API routes, one per queued item type.
const (
	ringSummariesPath = "/api/ring-summaries"
	predictionsPath   = "/api/predictions"
	warningEventsPath = "/api/warning-events"
)

// severityRank orders warning uploads most urgent first. A payload
// without a recognizable severity sorts with the low ones.
var severityRank = map[string]int{
	store.SeverityCritical: 0,
	store.SeverityHigh:     1,
	store.SeverityMedium:   2,
	store.SeverityLow:      3,
}

// Uploader posts batches of one item type to its cloud endpoint,
// retrying transient failures with exponential backoff. A 400 means
// the server will never accept the payload and a 401 or 403 means the
// credentials are bad; both come back as tagged errors without
// retrying so the caller can decide what happens to the queued rows.
type Uploader struct {
	client *http.Client
	device config.Device
	apiKey string
	url    string
	field  string
	policy config.RetryPolicy
	// bySeverity pre-sorts the batch so the server sees the most
	// urgent warnings first even if it truncates the request.
	bySeverity bool
	logger     logs.StructuredLogger
}

// NewUploaders builds the per-type uploaders over one pooled client.
// Batch sizes stay with the manager; the retry shape lives here.
func NewUploaders(cfg *config.Config, logger logs.StructuredLogger) map[string]*Uploader {
	client := cleanhttp.DefaultPooledClient()
	base := strings.TrimRight(cfg.Sync.Cloud.BaseURL, "/")
	mk := func(path, field string, policy config.RetryPolicy, bySeverity bool) *Uploader {
		return &Uploader{
			client:     client,
			device:     cfg.Device,
			apiKey:     cfg.Sync.Cloud.APIKey,
			url:        base + path,
			field:      field,
			policy:     policy,
			bySeverity: bySeverity,
			logger:     logger,
		}
	}
	return map[string]*Uploader{
		store.ItemTypeRingSummary: mk(ringSummariesPath, "rings", cfg.Retry.Ring, false),
		store.ItemTypePrediction:  mk(predictionsPath, "predictions", cfg.Retry.Prediction, false),
		store.ItemTypeWarning:     mk(warningEventsPath, "warnings", cfg.Retry.Warning, true),
	}
}

// Upload posts one batch. The items are row payloads already encoded
// by the queueing side; they cross the wire untouched inside the
// device envelope.
func (u *Uploader) Upload(ctx context.Context, items []json.RawMessage) error {
	if len(items) == 0 {
		return nil
	}
	if u.bySeverity {
		items = orderBySeverity(items)
	}
	body, err := json.Marshal(map[string]any{
		"edge_device_id": u.device.EdgeDeviceID,
		"project_id":     u.device.ProjectID,
		u.field:          items,
	})
	if err != nil {
		return err
	}
	return backoff.RetryNotify(func() error {
		return u.post(ctx, body)
	}, u.newBackOff(ctx), func(err error, wait time.Duration) {
		u.logger.Debugf("upload to %s failed, retrying in %s: %v", u.url, wait.Round(time.Millisecond), err)
	})
}

// newBackOff translates the retry policy: Max counts attempts, not
// retries, and the multiplier stretches the pause between them.
func (u *Uploader) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = u.policy.Backoff
	b.MaxElapsedTime = 0
	var retries uint64
	if u.policy.Max > 1 {
		retries = uint64(u.policy.Max - 1)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

func (u *Uploader) post(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, u.policy.Timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if u.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.apiKey)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		// Status 0 marks a transport failure with no response at all.
		return errdefs.SyncTransient(0, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusBadRequest:
		return backoff.Permanent(errdefs.SyncPermanent(resp.StatusCode))
	case http.StatusUnauthorized, http.StatusForbidden:
		return backoff.Permanent(errdefs.SyncAuth(resp.StatusCode))
	default:
		return errdefs.SyncTransient(resp.StatusCode, nil)
	}
}

// orderBySeverity reorders warning payloads critical first without
// re-encoding them. The sort is stable so equal severities keep their
// queue order.
func orderBySeverity(items []json.RawMessage) []json.RawMessage {
	type ranked struct {
		rank int
		item json.RawMessage
	}
	rs := make([]ranked, len(items))
	for i, item := range items {
		var probe struct {
			Severity string `json:"severity"`
		}
		rank := severityRank[store.SeverityLow]
		if json.Unmarshal(item, &probe) == nil {
			if r, ok := severityRank[probe.Severity]; ok {
				rank = r
			}
		}
		rs[i] = ranked{rank: rank, item: item}
	}
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].rank < rs[j].rank })
	out := make([]json.RawMessage, len(items))
	for i := range rs {
		out[i] = rs[i].item
	}
	return out
}
