package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResponse represents a comprehensive health check response
type HealthCheckResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Version   string                 `json:"version"`
	GitCommit string                 `json:"git_commit,omitempty"`
	BuildTime string                 `json:"build_time,omitempty"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]HealthCheck `json:"checks"`
	System    SystemInfo             `json:"system"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HealthCheck represents an individual health check
type HealthCheck struct {
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	LastChecked string       `json:"last_checked"`
	Duration    string       `json:"duration,omitempty"`
}

// SystemInfo contains system information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	NumCPU        int    `json:"num_cpu"`
	MemoryAlloc   uint64 `json:"memory_alloc_bytes"`
	GCCycles      uint32 `json:"gc_cycles"`
}

// handleHealthCheck reports service health with a database check
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	dbCheck := s.checkDatabaseHealth(r.Context())
	status := dbCheck.Status

	resp := HealthCheckResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Checks:    map[string]HealthCheck{"database": dbCheck},
		System:    systemInfo(),
		RequestID: middleware.GetReqID(r.Context()),
	}

	code := http.StatusOK
	if status == HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

// handleReadiness reports ready once the database answers
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	check := s.checkDatabaseHealth(r.Context())
	if check.Status == HealthStatusUnhealthy {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "not_ready",
			"message": check.Message,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

// handleLiveness reports that the process is serving
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) checkDatabaseHealth(ctx context.Context) HealthCheck {
	start := time.Now()
	check := HealthCheck{Status: HealthStatusHealthy}
	if s.db == nil {
		check.Status = HealthStatusDegraded
		check.Message = "database not configured"
	} else {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			check.Status = HealthStatusUnhealthy
			check.Message = err.Error()
		}
	}
	check.LastChecked = time.Now().UTC().Format(time.RFC3339)
	check.Duration = time.Since(start).String()
	return check
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		MemoryAlloc:   m.Alloc,
		GCCycles:      m.NumGC,
	}
}
