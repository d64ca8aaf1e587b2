package handlers

import (
	"net/http"
	"strings"

	"iinaplus/bridge/backend/httpapi"
	"iinaplus/bridge/backend/router"
)

type maintenanceModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &maintenanceModule{deps: deps}
	})
}

func (m *maintenanceModule) Prefix() string {
	return m.deps.Config.APIBase + "/maintenance"
}

func (m *maintenanceModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/status", Summary: "Maintenance status and job history", Handler: m.status},
		{Method: http.MethodPost, Pattern: "/cleanup", Summary: "Queue upstream error log cleanup", Handler: m.cleanupNow},
		{Method: http.MethodPost, Pattern: "/vacuum", Summary: "Queue sqlite vacuum", Handler: m.vacuumNow},
	}
}

func (m *maintenanceModule) status(w http.ResponseWriter, r *http.Request) {
	if m.deps.Maintenance == nil {
		httpapi.Error(w, -1, "maintenance service not available", http.StatusOK)
		return
	}
	status, err := m.deps.Maintenance.Status(r.Context())
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	historyLimit := parseIntAnyOrDefault(r.URL.Query().Get("historyLimit"), 40)
	if historyLimit >= 0 && len(status.History) > historyLimit {
		status.History = status.History[:historyLimit]
	}
	httpapi.OK(w, status)
}

func (m *maintenanceModule) cleanupNow(w http.ResponseWriter, r *http.Request) {
	if m.deps.Maintenance == nil {
		httpapi.Error(w, -1, "maintenance service not available", http.StatusOK)
		return
	}
	var req struct {
		Days   int  `json:"days"`
		Vacuum bool `json:"vacuum"`
	}
	if r.ContentLength > 0 {
		if err := httpapi.DecodeJSON(r, &req); err != nil {
			httpapi.Error(w, -1, err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		req.Days = parseIntAnyOrDefault(r.URL.Query().Get("days"), 0)
		req.Vacuum = strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("vacuum")), "true")
	}
	jobID, err := m.deps.Maintenance.QueueCleanup(req.Days, req.Vacuum, "manual")
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	httpapi.OK(w, map[string]any{
		"message": "queued",
		"jobId":   jobID,
	})
}

func (m *maintenanceModule) vacuumNow(w http.ResponseWriter, r *http.Request) {
	if m.deps.Maintenance == nil {
		httpapi.Error(w, -1, "maintenance service not available", http.StatusOK)
		return
	}
	jobID, err := m.deps.Maintenance.QueueVacuum("manual")
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	httpapi.OK(w, map[string]any{
		"message": "queued",
		"jobId":   jobID,
	})
}
