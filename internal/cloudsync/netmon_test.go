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

package cloudsync_test

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/boreline/edge-agent/internal/cloudsync"
	"github.com/boreline/edge-agent/internal/config"
	"github.com/boreline/edge-agent/internal/logs"
	"gotest.tools/v3/assert"
)

func TestNetworkMonitorHysteresis(t *testing.T) {
	cloud := newFakeCloud(200)
	cloud.setHealthy(false)
	srv := httptest.NewServer(cloud)
	defer srv.Close()

	var mu sync.Mutex
	var transitions []bool
	onChange := func(online bool) {
		mu.Lock()
		transitions = append(transitions, online)
		mu.Unlock()
	}

	mon := cloudsync.NewNetworkMonitor(
		config.Cloud{BaseURL: srv.URL, APIKey: "secret", HealthPath: "/health"},
		config.Network{CheckSeconds: 300, TimeoutSeconds: 2, FailureThreshold: 3},
		onChange, logs.DiscardLogger())

	ctx := context.Background()

	// Offline until proven otherwise.
	assert.Equal(t, mon.Online(), false)
	assert.Equal(t, mon.Check(ctx), false)

	// One success brings the link up.
	cloud.setHealthy(true)
	assert.Equal(t, mon.Check(ctx), true)

	// Short blips are tolerated; the threshold takes it down.
	cloud.setHealthy(false)
	assert.Equal(t, mon.Check(ctx), true)
	assert.Equal(t, mon.Check(ctx), true)
	assert.Equal(t, mon.Check(ctx), false)

	mu.Lock()
	defer mu.Unlock()
	assert.DeepEqual(t, transitions, []bool{true, false})

	stats := mon.Stats()
	assert.Equal(t, stats.Online, false)
	assert.Equal(t, stats.ConsecutiveFailures, 3)
	assert.Equal(t, stats.TotalChecks, int64(6))
}

func TestNetworkMonitorFailureResetOnSuccess(t *testing.T) {
	cloud := newFakeCloud(200)
	srv := httptest.NewServer(cloud)
	defer srv.Close()

	mon := cloudsync.NewNetworkMonitor(
		config.Cloud{BaseURL: srv.URL, APIKey: "secret", HealthPath: "/health"},
		config.Network{CheckSeconds: 300, TimeoutSeconds: 2, FailureThreshold: 3},
		nil, logs.DiscardLogger())

	ctx := context.Background()
	assert.Equal(t, mon.Check(ctx), true)

	// Two failures, then a success: the failure streak starts over.
	cloud.setHealthy(false)
	mon.Check(ctx)
	mon.Check(ctx)
	cloud.setHealthy(true)
	assert.Equal(t, mon.Check(ctx), true)

	cloud.setHealthy(false)
	assert.Equal(t, mon.Check(ctx), true)
	assert.Equal(t, mon.Check(ctx), true)
	assert.Equal(t, mon.Check(ctx), false)
}

func TestNetworkMonitorUnreachableHostStaysOffline(t *testing.T) {
	srv := httptest.NewServer(newFakeCloud(200))
	url := srv.URL
	srv.Close() // nothing listens here anymore

	mon := cloudsync.NewNetworkMonitor(
		config.Cloud{BaseURL: url, APIKey: "secret", HealthPath: "/health"},
		config.Network{CheckSeconds: 300, TimeoutSeconds: 1, FailureThreshold: 3},
		nil, logs.DiscardLogger())

	assert.Equal(t, mon.Check(context.Background()), false)
	assert.Equal(t, mon.Online(), false)
}
