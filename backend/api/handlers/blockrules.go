package handlers

import (
	"errors"
	"net/http"
	"strings"

	"iinaplus/bridge/backend/httpapi"
	"iinaplus/bridge/backend/router"
	"iinaplus/bridge/backend/service/feed"
	"iinaplus/bridge/backend/store"
)

// blockRulesModule edits the persisted comment block rules. Changes apply to feeds
// registered afterwards.
type blockRulesModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &blockRulesModule{deps: deps}
	})
}

func (m *blockRulesModule) Prefix() string {
	return m.deps.Config.APIBase + "/danmaku/block-rules"
}

func (m *blockRulesModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/", Summary: "List block rules", Description: "Query enabled=true lists enabled rules only.", Handler: m.list},
		{Method: http.MethodPost, Pattern: "/", Summary: "Save a block rule", Description: "JSON {kind, pattern, enabled}. Kind is keyword, regex or user.", Handler: m.save},
		{Method: http.MethodPost, Pattern: "/delete", Summary: "Delete a block rule", Handler: m.delete},
		{Method: http.MethodPost, Pattern: "/import", Summary: "Import the configured block list file", Handler: m.importFile},
	}
}

func (m *blockRulesModule) list(w http.ResponseWriter, r *http.Request) {
	if m.deps.Store == nil {
		httpapi.Error(w, -1, "store not available", http.StatusOK)
		return
	}
	enabledOnly := strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("enabled")), "true")
	items, err := m.deps.Store.ListDanmakuBlockRules(r.Context(), enabledOnly)
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	httpapi.OK(w, items)
}

func (m *blockRulesModule) save(w http.ResponseWriter, r *http.Request) {
	if m.deps.Store == nil {
		httpapi.Error(w, -1, "store not available", http.StatusOK)
		return
	}
	var req struct {
		Kind    string `json:"kind"`
		Pattern string `json:"pattern"`
		Enabled *bool  `json:"enabled"`
	}
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusBadRequest)
		return
	}
	rule := store.DanmakuBlockRule{Kind: store.BlockRuleKind(req.Kind), Pattern: req.Pattern, Enabled: true}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if rule.Kind == store.BlockRuleRegex {
		if _, err := feed.NewFilter([]store.DanmakuBlockRule{rule}); err != nil {
			httpapi.Error(w, -1, err.Error(), http.StatusBadRequest)
			return
		}
	}
	saved, err := m.deps.Store.SaveDanmakuBlockRule(r.Context(), rule)
	if err != nil {
		status := http.StatusOK
		if errors.Is(err, store.ErrInvalidBlockRule) {
			status = http.StatusBadRequest
		}
		httpapi.Error(w, -1, err.Error(), status)
		return
	}
	httpapi.OK(w, saved)
}

func (m *blockRulesModule) delete(w http.ResponseWriter, r *http.Request) {
	if m.deps.Store == nil {
		httpapi.Error(w, -1, "store not available", http.StatusOK)
		return
	}
	var req struct {
		ID int64 `json:"id"`
	}
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusBadRequest)
		return
	}
	if err := m.deps.Store.DeleteDanmakuBlockRule(r.Context(), req.ID); err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	httpapi.OKMessage(w, "deleted")
}

func (m *blockRulesModule) importFile(w http.ResponseWriter, r *http.Request) {
	if m.deps.Store == nil {
		httpapi.Error(w, -1, "store not available", http.StatusOK)
		return
	}
	cfg := m.deps.Config
	if m.deps.ConfigMgr != nil {
		cfg = m.deps.ConfigMgr.Current()
	}
	if !cfg.BlockListEnabled() {
		httpapi.Error(w, 1, "no block list file configured", http.StatusOK)
		return
	}
	count, err := feed.ImportBlockListFile(r.Context(), m.deps.Store, cfg.BlockListFile)
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	httpapi.OK(w, map[string]int{"imported": count})
}
