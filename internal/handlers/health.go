package handlers

import (
	"net/http"
	"time"

	"github.com/m1theusr/k8s-easy-start-lab/internal/orchestrator"
)

var startedAt = time.Now()

type healthResponse struct {
	Status         string  `json:"status"`
	Timestamp      string  `json:"timestamp"`
	Uptime         float64 `json:"uptime"`
	ContainerCount int     `json:"containerCount"`
	SessionCount   int     `json:"sessionCount"`
	Runtime        string  `json:"runtime,omitempty"`
}

// HealthCheck reports liveness. containerCount is the number of sessions
// that currently own a sandbox container.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Uptime:    time.Since(startedAt).Seconds(),
	}
	if mgr := Lifecycle; mgr != nil {
		resp.ContainerCount = mgr.Registry().ContainerCount()
		resp.SessionCount = mgr.Registry().Len()
	}
	if rt := orchestrator.Get(); rt != nil {
		resp.Runtime = rt.BackendName()
	}
	writeJSON(w, http.StatusOK, resp)
}
