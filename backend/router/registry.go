package router

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"iinaplus/bridge/backend/config"
	"iinaplus/bridge/backend/httpapi"
	"iinaplus/bridge/backend/logging"
	"iinaplus/bridge/backend/media"
	"iinaplus/bridge/backend/service/danmaku"
	"iinaplus/bridge/backend/service/maintenance"
	"iinaplus/bridge/backend/store"
)

// Resolver is the blocking side of the resolution pipeline.
type Resolver interface {
	ResolveSync(ctx context.Context, rawURL string) (*media.ResolvedMedia, error)
}

type Dependencies struct {
	Config      config.Config
	ConfigMgr   *config.Manager
	Store       *store.Store
	Resolver    Resolver
	Registry    *danmaku.Registry
	Maintenance *maintenance.Service
	Logger      *logging.Manager
	// AssetsDir holds the materialized overlay page and generated comment files.
	AssetsDir string
}

type Route struct {
	Method      string
	Pattern     string
	Summary     string
	Description string
	Handler     http.HandlerFunc
}

type Module interface {
	Prefix() string
	Routes() []Route
}

type Factory func(*Dependencies) Module

var (
	registryMu sync.Mutex
	registry   []Factory
)

func Register(factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, factory)
}

func Build(deps *Dependencies) (http.Handler, []Route) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httpapi.LoopbackOnly)
	r.Use(httpapi.CORS(deps.Config.AllowOrigin))
	r.Use(httpapi.Logging)

	routes := make([]Route, 0, 32)
	modules := instantiateModules(deps)
	for _, mod := range modules {
		prefix := normalizePrefix(mod.Prefix())
		for _, rt := range mod.Routes() {
			method := strings.ToUpper(strings.TrimSpace(rt.Method))
			path := normalizePath(prefix, rt.Pattern)
			bind(r, method, path, rt.Handler)
			routes = append(routes, Route{
				Method:      method,
				Pattern:     path,
				Summary:     rt.Summary,
				Description: rt.Description,
			})
		}
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Pattern == routes[j].Pattern {
			return routes[i].Method < routes[j].Method
		}
		return routes[i].Pattern < routes[j].Pattern
	})
	return r, routes
}

func instantiateModules(deps *Dependencies) []Module {
	registryMu.Lock()
	defer registryMu.Unlock()
	modules := make([]Module, 0, len(registry))
	for _, factory := range registry {
		modules = append(modules, factory(deps))
	}
	return modules
}

func bind(r chi.Router, method string, path string, handler http.HandlerFunc) {
	switch method {
	case http.MethodGet:
		r.Get(path, handler)
	case http.MethodPost:
		r.Post(path, handler)
	default:
		r.MethodFunc(method, path, handler)
	}
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}

func normalizePath(prefix string, pattern string) string {
	if pattern == "" || pattern == "/" {
		if prefix == "" {
			return "/"
		}
		return prefix
	}
	if !strings.HasPrefix(pattern, "/") {
		pattern = "/" + pattern
	}
	return prefix + pattern
}
