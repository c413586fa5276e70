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

// Package api exposes the gateway over HTTP: a client API for submissions,
// status and usage queries, and an agent API for progress callbacks.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/probemesh/gateway/gateway"
	"github.com/probemesh/gateway/gateway/dispatch"
	"github.com/probemesh/gateway/gateway/quota"
	"github.com/probemesh/gateway/gateway/tracker"
	"github.com/probemesh/gateway/pkg/log"
	"github.com/probemesh/gateway/pkg/probe"
	"github.com/probemesh/gateway/private/broker"
	"github.com/probemesh/gateway/private/storage/db"
)

// Authenticator resolves a request to the caller's raw identity. The
// identity is hashed before any accounting; it is never persisted as-is.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// BearerAuth treats the bearer token as the raw identity. Suitable when an
// upstream proxy has already verified the token.
type BearerAuth struct{}

// Authenticate implements Authenticator.
func (BearerAuth) Authenticate(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// Server serves the client and agent APIs.
type Server struct {
	Gateway *gateway.Gateway
	Auth    Authenticator
	// AgentKey is the pre-shared key gating the agent API.
	AgentKey string
}

// Router builds the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/probes", s.submitProbes)
		r.Get("/measurements/{id}", s.measurementStatus)
		r.Get("/usage", s.usageStats)
		r.Get("/agents", s.listAgents)
		r.Get("/agent/{id}", s.getAgent)
	})
	r.Route("/agent-api", func(r chi.Router) {
		r.Use(s.agentKeyGate)
		r.Post("/measurements/{id}/progress", s.reportProgress)
	})
	return r
}

type submitRequest struct {
	Agents []gateway.AgentMeta `json:"agents"`
	Probes []probe.Tuple       `json:"probes"`
}

func (s *Server) submitProbes(w http.ResponseWriter, r *http.Request) {
	rawIdentity, err := s.Auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	result, err := s.Gateway.SubmitProbes(r.Context(), rawIdentity, req.Agents, req.Probes)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) measurementStatus(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Auth.Authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	status, err := s.Gateway.MeasurementStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) usageStats(w http.ResponseWriter, r *http.Request) {
	rawIdentity, err := s.Auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	stats, err := s.Gateway.UsageStats(r.Context(), rawIdentity)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Auth.Authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	agents, err := s.Gateway.Agents(r.Context())
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]broker.Agent{"agents": agents})
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Auth.Authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	agent, err := s.Gateway.Agent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type progressRequest struct {
	AgentID    string `json:"agent_id"`
	SentProbes int64  `json:"sent_probes"`
}

type progressResponse struct {
	MeasurementID string `json:"measurement_id"`
	AgentID       string `json:"agent_id"`
	SentProbes    int64  `json:"sent_probes"`
	Complete      bool   `json:"complete"`
}

func (s *Server) reportProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	measurementID := chi.URLParam(r, "id")
	row, err := s.Gateway.ReportAgentProgress(r.Context(), measurementID,
		req.AgentID, req.SentProbes)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progressResponse{
		MeasurementID: measurementID,
		AgentID:       req.AgentID,
		SentProbes:    row.SentProbes,
		Complete:      row.IsComplete,
	})
}

func (s *Server) agentKeyGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Agent-Key")
		if s.AgentKey == "" ||
			subtle.ConstantTimeCompare([]byte(key), []byte(s.AgentKey)) != 1 {

			writeError(w, http.StatusUnauthorized, "invalid agent key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeGatewayError maps the error taxonomy to HTTP statuses. Validation,
// quota and routing failures disclose their reason; infrastructure errors
// are reported as retriable without leaking store or broker details.
func (s *Server) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	var exceeded *quota.ExceededError
	switch {
	case errors.As(err, &exceeded):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":     "probe quota exceeded",
			"used":      exceeded.Used,
			"limit":     exceeded.Limit,
			"requested": exceeded.Requested,
		})
	case errors.Is(err, probe.ErrMalformed):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrUnknownAgent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, broker.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, "agent not found")
	case errors.Is(err, tracker.ErrMeasurementNotFound):
		writeError(w, http.StatusNotFound, "measurement not found")
	case errors.Is(err, tracker.ErrUnknownAgent):
		writeError(w, http.StatusNotFound, "unknown measurement/agent pair")
	case errors.Is(err, db.ErrInvalidInputData):
		writeError(w, http.StatusBadRequest, "invalid input")
	default:
		log.FromCtx(r.Context()).Error("Request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, retry later")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(body)
}
