package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iinaplus/bridge/backend/httpapi"
	"iinaplus/bridge/backend/router"
)

type diagnosticsModule struct {
	deps    *router.Dependencies
	metrics http.Handler
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &diagnosticsModule{deps: deps, metrics: promhttp.Handler()}
	})
}

func (m *diagnosticsModule) Prefix() string {
	return ""
}

func (m *diagnosticsModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: m.deps.Config.APIBase + "/diagnostics/upstream-errors", Summary: "Recent upstream failures", Description: "Query limit (default 100) and endpoint keyword.", Handler: m.upstreamErrors},
		{Method: http.MethodGet, Pattern: "/metrics", Summary: "Prometheus metrics", Handler: m.metrics.ServeHTTP},
	}
}

func (m *diagnosticsModule) upstreamErrors(w http.ResponseWriter, r *http.Request) {
	if m.deps.Store == nil {
		httpapi.Error(w, -1, "store not available", http.StatusOK)
		return
	}
	limit := parseIntAnyOrDefault(r.URL.Query().Get("limit"), 100)
	items, err := m.deps.Store.ListUpstreamErrorLogs(r.Context(), limit, r.URL.Query().Get("endpoint"))
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	httpapi.OK(w, items)
}

func parseIntAnyOrDefault(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return value
}
