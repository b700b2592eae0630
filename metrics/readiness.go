package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ReadyServer serves HTTP 200 once the control listener is bound and
// accepting clients. Intended for k8s readiness checks.
type ReadyServer struct {
	mu         sync.RWMutex
	ready      bool
	readySince time.Time
}

// NewReadyServer starts in the not-ready state.
func NewReadyServer() *ReadyServer {
	return &ReadyServer{}
}

// SetReady marks the process ready to take traffic. Called by the server
// after its control listener is bound.
func (rs *ReadyServer) SetReady() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.ready {
		rs.ready = true
		rs.readySince = time.Now()
	}
}

// SetNotReady flips readiness off during graceful shutdown so load
// balancers drain before listeners close.
func (rs *ReadyServer) SetNotReady() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.ready = false
	rs.readySince = time.Time{}
}

type readyBody struct {
	Status     int    `json:"status"`
	ReadySince string `json:"readySince,omitempty"`
}

// ServeHTTP responds with HTTP 200 if the control listener is up.
func (rs *ReadyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	statusCode, since := rs.makeResponse()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body := readyBody{Status: statusCode}
	if !since.IsZero() {
		body.ReadySince = since.UTC().Format(time.RFC3339)
	}
	msg, err := json.Marshal(body)
	if err != nil {
		fmt.Fprintf(w, `{"error": "%s"}`, err)
		return
	}
	_, _ = w.Write(msg)
}

// This is the bulk of the logic for ServeHTTP, broken into its own pure
// function to make unit testing easy.
func (rs *ReadyServer) makeResponse() (statusCode int, readySince time.Time) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if rs.ready {
		return http.StatusOK, rs.readySince
	}
	return http.StatusServiceUnavailable, time.Time{}
}
