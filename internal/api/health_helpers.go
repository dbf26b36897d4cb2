package api

import (
	"context"
	"net/http"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "healthy"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 2)
	if h.Admission != nil {
		components = append(components, recordComponent("admission", h.Admission.Ping(ctx)))
	}
	if h.Workspaces != nil {
		components = append(components, recordComponent("workspace", h.Workspaces.Ping()))
	}

	return components, overallStatus, statusCode
}
