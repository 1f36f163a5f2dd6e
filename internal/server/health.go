package server

import (
	"context"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

// MemoryWarnPercent is the host memory usage above which /healthz reports a
// warning.
const MemoryWarnPercent = 90.0

// MemoryProbe returns host memory usage as a percentage.
type MemoryProbe func(ctx context.Context) (float64, error)

func hostMemoryUsage(ctx context.Context) (float64, error) {
	stat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return stat.UsedPercent, nil
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type memoryStatus struct {
	Status      string  `json:"status"`
	UsedPercent float64 `json:"usedPercent,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
	Memory     memoryStatus      `json:"memory"`
}

// health reports the datastore and host memory. Only an unreachable
// datastore degrades the response; memory pressure is advisory.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	status := http.StatusOK

	store := componentStatus{Component: "datastore", Status: "ok"}
	if err := s.store.Ping(ctx); err != nil {
		store.Status = "degraded"
		store.Error = err.Error()
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	resp.Components = append(resp.Components, store)

	used, err := s.memoryProbe(ctx)
	switch {
	case err != nil:
		requestLogger(r, s.logger).Debug("memory probe failed", "error", err)
		resp.Memory = memoryStatus{Status: "unknown"}
	case used >= MemoryWarnPercent:
		resp.Memory = memoryStatus{Status: "warning", UsedPercent: used}
	default:
		resp.Memory = memoryStatus{Status: "ok", UsedPercent: used}
	}

	writeJSON(w, status, resp)
}
