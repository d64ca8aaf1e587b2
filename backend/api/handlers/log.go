package handlers

import (
	"net/http"

	"iinaplus/bridge/backend/httpapi"
	"iinaplus/bridge/backend/router"
)

type logModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &logModule{deps: deps}
	})
}

func (m *logModule) Prefix() string {
	return m.deps.Config.APIBase + "/logs"
}

func (m *logModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/", Summary: "Tail of the debug log file", Description: "Query lines (default 200). Empty when debug logging is off.", Handler: m.tail},
	}
}

func (m *logModule) tail(w http.ResponseWriter, r *http.Request) {
	if m.deps.Logger == nil {
		httpapi.Error(w, -1, "logger not available", http.StatusOK)
		return
	}
	lines, err := m.deps.Logger.Tail(parseIntAnyOrDefault(r.URL.Query().Get("lines"), 200))
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	httpapi.OK(w, map[string]any{
		"file":  m.deps.Logger.FilePath(),
		"lines": lines,
	})
}
