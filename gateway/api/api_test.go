// Copyright 2025 Probemesh Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probemesh/gateway/gateway"
	"github.com/probemesh/gateway/gateway/api"
	"github.com/probemesh/gateway/gateway/dispatch"
	"github.com/probemesh/gateway/private/broker"
	"github.com/probemesh/gateway/private/storage/db"
	"github.com/probemesh/gateway/private/storage/sqlite"
)

const agentKey = "agent-secret"

type fakeRegistry struct {
	agents map[string]broker.Agent
}

func (r *fakeRegistry) ResolveAgent(ctx context.Context, agentID string) (broker.Agent, error) {
	agent, ok := r.agents[agentID]
	if !ok {
		return broker.Agent{}, broker.ErrAgentNotFound
	}
	return agent, nil
}

func (r *fakeRegistry) Agents(ctx context.Context) ([]broker.Agent, error) {
	agents := make([]broker.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	return agents, nil
}

type fakePublisher struct{}

func (fakePublisher) Publish(ctx context.Context, agentID, measurementID string,
	payload []byte) error {

	return nil
}

var apiMemDBCount atomic.Int64

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	path := fmt.Sprintf("file:api_test_%d", apiMemDBCount.Add(1))
	backend, err := sqlite.New(path, 10000, &db.SqliteConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	registry := &fakeRegistry{agents: map[string]broker.Agent{
		"agent-1": {ID: "agent-1", Hostname: "probe-fra-1"},
	}}
	g := &gateway.Gateway{
		Dispatcher: &dispatch.Dispatcher{
			DB:        backend,
			Registry:  registry,
			Publisher: fakePublisher{},
			Attempts:  1,
			Backoff:   time.Millisecond,
		},
		Quota:    backend,
		Tracker:  backend,
		Registry: registry,
	}
	server := &api.Server{Gateway: g, Auth: api.BearerAuth{}, AgentKey: agentKey}
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

const submitBody = `{
	"agents": [{"id": "agent-1"}],
	"probes": [
		["1.1.1.1", 33434, 443, 64, "icmp"],
		["8.8.8.8", 33434, 53, 32, "udp"],
		["2001:4860:4860::8888", 33434, 443, 64, "icmp"]
	]
}`

func TestSubmitStatusProgressFlow(t *testing.T) {
	ts := newServer(t)

	resp, body := doJSON(t, "POST", ts.URL+"/api/probes", "alice", submitBody)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.EqualValues(t, 3, body["probes"])
	assert.EqualValues(t, 1, body["agents"])
	mid, ok := body["id"].(string)
	require.True(t, ok)

	resp, body = doJSON(t, "GET", ts.URL+"/api/measurements/"+mid, "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, body["expected_probes"])
	assert.Equal(t, false, body["measurement_complete"])

	// Agent callback completes the measurement.
	req, err := http.NewRequest("POST",
		ts.URL+"/agent-api/measurements/"+mid+"/progress",
		strings.NewReader(`{"agent_id": "agent-1", "sent_probes": 3}`))
	require.NoError(t, err)
	req.Header.Set("X-Agent-Key", agentKey)
	presp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer presp.Body.Close()
	require.Equal(t, http.StatusOK, presp.StatusCode)
	var progress map[string]any
	require.NoError(t, json.NewDecoder(presp.Body).Decode(&progress))
	assert.Equal(t, true, progress["complete"])

	resp, body = doJSON(t, "GET", ts.URL+"/api/measurements/"+mid, "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["measurement_complete"])

	resp, body = doJSON(t, "GET", ts.URL+"/api/usage", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, body["used"])
}

func TestSubmitRejections(t *testing.T) {
	ts := newServer(t)

	// No credentials.
	resp, _ := doJSON(t, "POST", ts.URL+"/api/probes", "", submitBody)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Malformed probe tuple.
	resp, body := doJSON(t, "POST", ts.URL+"/api/probes", "alice", `{
		"agents": [{"id": "agent-1"}],
		"probes": [["1.1.1.1", 33434, 443, 64, "gopher"]]
	}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "protocol")

	// Unknown agent fails closed.
	resp, body = doJSON(t, "POST", ts.URL+"/api/probes", "alice", `{
		"agents": [{"id": "agent-x"}],
		"probes": [["1.1.1.1", 33434, 443, 64, "icmp"]]
	}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "unknown agent")
}

func TestQuotaExceededResponse(t *testing.T) {
	ts := newServer(t)

	big := make([]string, 0, 10001)
	for i := 0; i < 10001; i++ {
		big = append(big, fmt.Sprintf(`["10.0.%d.%d", 33434, 443, 64, "udp"]`, i/256, i%256))
	}
	bodyJSON := `{"agents": [{"id": "agent-1"}], "probes": [` + strings.Join(big, ",") + `]}`

	resp, body := doJSON(t, "POST", ts.URL+"/api/probes", "alice", bodyJSON)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.EqualValues(t, 10000, body["limit"])
	assert.EqualValues(t, 10001, body["requested"])
}

func TestMeasurementNotFound(t *testing.T) {
	ts := newServer(t)

	resp, _ := doJSON(t, "GET", ts.URL+"/api/measurements/nope", "alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentEndpoints(t *testing.T) {
	ts := newServer(t)

	resp, body := doJSON(t, "GET", ts.URL+"/api/agents", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	agents, ok := body["agents"].([]any)
	require.True(t, ok)
	assert.Len(t, agents, 1)

	resp, body = doJSON(t, "GET", ts.URL+"/api/agent/agent-1", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "probe-fra-1", body["hostname"])

	resp, _ = doJSON(t, "GET", ts.URL+"/api/agent/agent-x", "alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentKeyGate(t *testing.T) {
	ts := newServer(t)

	for _, key := range []string{"", "wrong"} {
		req, err := http.NewRequest("POST",
			ts.URL+"/agent-api/measurements/m-1/progress",
			strings.NewReader(`{"agent_id": "agent-1", "sent_probes": 1}`))
		require.NoError(t, err)
		if key != "" {
			req.Header.Set("X-Agent-Key", key)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	// Valid key but unknown measurement: consistency violation, rejected.
	req, err := http.NewRequest("POST",
		ts.URL+"/agent-api/measurements/m-1/progress",
		strings.NewReader(`{"agent_id": "agent-1", "sent_probes": 1}`))
	require.NoError(t, err)
	req.Header.Set("X-Agent-Key", agentKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
