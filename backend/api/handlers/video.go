package handlers

import (
	"log"
	"net/http"

	"iinaplus/bridge/backend/httpapi"
	"iinaplus/bridge/backend/media"
	"iinaplus/bridge/backend/router"
)

// videoModule serves the player's resolve routes. They answer 200 with a body or an
// empty 400, nothing else.
type videoModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &videoModule{deps: deps}
	})
}

func (m *videoModule) Prefix() string {
	return "/video"
}

func (m *videoModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodPost, Pattern: "/", Summary: "Resolve a page url", Description: "Body url=<page url>. Returns the resolved media as pretty JSON.", Handler: m.resolve},
		{Method: http.MethodPost, Pattern: "/danmakuurl", Summary: "Danmaku url of a page", Description: "Body url=<page url>.", Handler: m.danmakuURL},
		{Method: http.MethodPost, Pattern: "/iinaurl", Summary: "Player launch url", Description: "Body url=<page url>&type=normal|danmaku|plugin.", Handler: m.launchURL},
	}
}

func (m *videoModule) resolveFromBody(r *http.Request) (*media.ResolvedMedia, map[string]string, bool) {
	params, err := httpapi.BodyParams(r)
	if err != nil {
		log.Printf("[video][warn] read body failed: %v", err)
		return nil, nil, false
	}
	rawURL := params["url"]
	if rawURL == "" || m.deps.Resolver == nil {
		return nil, params, false
	}
	result, err := m.deps.Resolver.ResolveSync(r.Context(), rawURL)
	if err != nil {
		log.Printf("[video][warn] resolve %s failed: %v", rawURL, err)
		return nil, params, false
	}
	return result, params, true
}

func (m *videoModule) resolve(w http.ResponseWriter, r *http.Request) {
	result, _, ok := m.resolveFromBody(r)
	if !ok {
		httpapi.BadRequest(w)
		return
	}
	httpapi.PrettyJSON(w, result)
}

func (m *videoModule) danmakuURL(w http.ResponseWriter, r *http.Request) {
	result, _, ok := m.resolveFromBody(r)
	if !ok || result.DanmakuURL == "" {
		httpapi.BadRequest(w)
		return
	}
	httpapi.Text(w, result.DanmakuURL)
}

func (m *videoModule) launchURL(w http.ResponseWriter, r *http.Request) {
	result, params, ok := m.resolveFromBody(r)
	if !ok {
		httpapi.BadRequest(w)
		return
	}
	label, ok := result.BestLabel()
	if !ok {
		httpapi.BadRequest(w)
		return
	}
	launch, ok := result.LaunchURL(label, media.ParseLaunchType(params["type"]))
	if !ok {
		httpapi.BadRequest(w)
		return
	}
	httpapi.Text(w, launch)
}
