package handlers

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"iinaplus/bridge/backend/httpapi"
	"iinaplus/bridge/backend/router"
	"iinaplus/bridge/backend/service/resolver"
)

type danmakuModule struct {
	deps     *router.Dependencies
	upgrader websocket.Upgrader
	files    http.Handler
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &danmakuModule{
			deps: deps,
			upgrader: websocket.Upgrader{
				ReadBufferSize:  4096,
				WriteBufferSize: 4096,
				// The overlay page is loaded from file or a player webview, so its
				// origin is arbitrary. The listener only accepts loopback peers.
				CheckOrigin: func(*http.Request) bool { return true },
			},
			files: http.StripPrefix("/danmaku/", http.FileServer(http.Dir(deps.AssetsDir))),
		}
	})
}

func (m *danmakuModule) Prefix() string {
	return ""
}

func (m *danmakuModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/danmaku/*", Summary: "Overlay page and comment files", Handler: m.serveFiles},
		{Method: http.MethodGet, Pattern: "/danmaku-websocket", Summary: "Overlay websocket", Description: "The first text frame must carry the registration id.", Handler: m.websocket},
		{Method: http.MethodPost, Pattern: "/danmaku/open", Summary: "Register a danmaku feed", Description: "Body url=<page url>&id=<registration id>.", Handler: m.open},
		{Method: http.MethodPost, Pattern: "/danmaku/close", Summary: "Unregister a danmaku feed", Description: "Body id=<registration id>.", Handler: m.close},
	}
}

func (m *danmakuModule) serveFiles(w http.ResponseWriter, r *http.Request) {
	if m.deps.AssetsDir == "" {
		http.NotFound(w, r)
		return
	}
	m.files.ServeHTTP(w, r)
}

func (m *danmakuModule) websocket(w http.ResponseWriter, r *http.Request) {
	if m.deps.Registry == nil {
		httpapi.BadRequest(w)
		return
	}
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[danmaku][warn] websocket upgrade failed: %v", err)
		return
	}
	m.deps.Registry.Serve(conn)
}

func (m *danmakuModule) open(w http.ResponseWriter, r *http.Request) {
	params, err := httpapi.BodyParams(r)
	if err != nil || params["url"] == "" || params["id"] == "" || m.deps.Registry == nil {
		httpapi.BadRequest(w)
		return
	}
	target := resolver.Classify(params["url"])
	if err := m.deps.Registry.Register(params["id"], target.Site, params["url"]); err != nil {
		log.Printf("[danmaku][warn] register id=%s url=%s failed: %v", params["id"], params["url"], err)
		httpapi.BadRequest(w)
		return
	}
	httpapi.Empty(w)
}

func (m *danmakuModule) close(w http.ResponseWriter, r *http.Request) {
	params, err := httpapi.BodyParams(r)
	if err != nil || params["id"] == "" || m.deps.Registry == nil {
		httpapi.BadRequest(w)
		return
	}
	if !m.deps.Registry.Unregister(params["id"]) {
		log.Printf("[danmaku] close for unknown id=%s", params["id"])
	}
	httpapi.Empty(w)
}
