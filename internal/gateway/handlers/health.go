package handlers

import (
	"context"
	"net/http"
	"time"
)

// HostStatus is the last known state of the host API.
type HostStatus struct {
	Healthy   bool      `json:"healthy"`
	Version   string    `json:"version,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// HealthSource reports what the health endpoint shows.
type HealthSource interface {
	SessionsInRecovery() int
	HostStatus(ctx context.Context) (HostStatus, bool)
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status             string      `json:"status"`
	Version            string      `json:"version"`
	Uptime             int64       `json:"uptime"`
	SessionsInRecovery int         `json:"sessions_in_recovery"`
	Host               *HostStatus `json:"host,omitempty"`
}

// HealthHandler reports the service as ok while it runs. A host that failed
// its last check degrades the status without failing the request.
func HealthHandler(version string, started time.Time, src HealthSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  "ok",
			Version: version,
			Uptime:  int64(time.Since(started).Seconds()),
		}

		if src != nil {
			resp.SessionsInRecovery = src.SessionsInRecovery()
			if host, ok := src.HostStatus(r.Context()); ok {
				resp.Host = &host
				if !host.Healthy {
					resp.Status = "degraded"
				}
			}
		}

		SendJSON(w, http.StatusOK, resp)
	}
}
