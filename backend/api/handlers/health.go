package handlers

import (
	"net/http"
	"runtime"
	"time"

	"iinaplus/bridge/backend/httpapi"
	"iinaplus/bridge/backend/router"
	"iinaplus/bridge/backend/service/danmaku"
)

type healthModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &healthModule{deps: deps}
	})
}

func (m *healthModule) Prefix() string {
	return m.deps.Config.APIBase
}

func (m *healthModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/health", Summary: "Health check", Handler: m.health},
		{Method: http.MethodGet, Pattern: "/danmaku/registrations", Summary: "Registered feeds and their sessions", Handler: m.registrations},
	}
}

func (m *healthModule) health(w http.ResponseWriter, r *http.Request) {
	type payload struct {
		Status        string `json:"status"`
		Now           string `json:"now"`
		GoVersion     string `json:"goVersion"`
		Registrations int    `json:"registrations"`
		Matched       int    `json:"matched"`
		Pending       int    `json:"pending"`
	}
	out := payload{
		Status:    "ok",
		Now:       time.Now().Format(time.RFC3339),
		GoVersion: runtime.Version(),
	}
	if m.deps.Registry != nil {
		snap := m.deps.Registry.Snapshot()
		out.Registrations = len(snap.Entries)
		out.Pending = snap.Pending
		for _, e := range snap.Entries {
			if e.State == danmaku.StateMatched {
				out.Matched++
			}
		}
	}
	httpapi.OK(w, out)
}

func (m *healthModule) registrations(w http.ResponseWriter, r *http.Request) {
	if m.deps.Registry == nil {
		httpapi.Error(w, -1, "danmaku registry not available", http.StatusOK)
		return
	}
	httpapi.OK(w, m.deps.Registry.Snapshot())
}
