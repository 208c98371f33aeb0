// Package common holds small shared infrastructure helpers used by the
// service binaries.
package common

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthServer exposes liveness and readiness probes on a dedicated port so
// orchestration platforms can gate traffic on service readiness.
type HealthServer struct {
	server *http.Server
	ready  *atomic.Bool
}

// NewHealthServer constructs a HealthServer and begins listening in the
// background. The ready flag is flipped by the owning service once its
// dependencies (bus, store) are connected.
func NewHealthServer(ready *atomic.Bool) *HealthServer {
	hs := &HealthServer{ready: ready}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", hs.handleHealth)
	mux.HandleFunc("/v1/readiness", hs.handleReadiness)

	hs.server = &http.Server{
		Addr:         ":8081",
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() { _ = hs.server.ListenAndServe() }()

	return hs
}

// Server returns the underlying HTTP server for shutdown control.
func (hs *HealthServer) Server() *http.Server { return hs.server }

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (hs *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if hs.ready == nil || !hs.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
