package api

import (
	"context"
	"net/http"
)

type healthResponse struct {
	Status      string            `json:"status"`
	StorageType string            `json:"storage_type"`
	Components  []componentStatus `json:"components"`
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK

	checks, healthy := h.Files.Health(ctx)
	if !healthy {
		overallStatus = "degraded"
		statusCode = http.StatusServiceUnavailable
	}
	components := make([]componentStatus, 0, len(checks))
	for _, check := range checks {
		components = append(components, componentStatus{
			Component: check.Component,
			Status:    check.Status,
			Error:     check.Error,
		})
	}
	return components, overallStatus, statusCode
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, healthResponse{
		Status:      status,
		StorageType: string(h.Files.StorageType()),
		Components:  components,
	})
}
