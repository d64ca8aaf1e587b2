package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"iinaplus/bridge/backend/config"
	"iinaplus/bridge/backend/httpapi"
	"iinaplus/bridge/backend/router"
)

type runtimeConfigModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &runtimeConfigModule{deps: deps}
	})
}

func (m *runtimeConfigModule) Prefix() string {
	return m.deps.Config.APIBase
}

func (m *runtimeConfigModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/config", Summary: "Get runtime config", Handler: m.getConfig},
		{Method: http.MethodPost, Pattern: "/config", Summary: "Save runtime config and hot reload", Description: "Overlay style changes are pushed to every matched session.", Handler: m.saveConfig},
		{Method: http.MethodPost, Pattern: "/config/reload", Summary: "Reload config from file", Handler: m.reloadConfig},
	}
}

func (m *runtimeConfigModule) getConfig(w http.ResponseWriter, r *http.Request) {
	if m.deps.ConfigMgr == nil {
		httpapi.Error(w, -1, "config manager not available", http.StatusOK)
		return
	}
	cfg := m.deps.ConfigMgr.Current()
	httpapi.OK(w, map[string]any{
		"config":         cfg,
		"configFile":     cfg.ConfigFile,
		"hotReloadNotes": runtimeHotReloadNotes(),
	})
}

func (m *runtimeConfigModule) saveConfig(w http.ResponseWriter, r *http.Request) {
	if m.deps.ConfigMgr == nil {
		httpapi.Error(w, -1, "config manager not available", http.StatusOK)
		return
	}
	oldCfg := m.deps.ConfigMgr.Current()
	nextCfg, err := decodeConfigPatch(r, oldCfg)
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusBadRequest)
		return
	}
	saved, err := m.deps.ConfigMgr.Save(nextCfg)
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	restartFields := restartRequiredChangedFields(oldCfg, saved)
	httpapi.OK(w, map[string]any{
		"config":          saved,
		"configFile":      saved.ConfigFile,
		"requiresRestart": len(restartFields) > 0,
		"restartFields":   restartFields,
		"hotReloadNotes":  runtimeHotReloadNotes(),
	})
}

func (m *runtimeConfigModule) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if m.deps.ConfigMgr == nil {
		httpapi.Error(w, -1, "config manager not available", http.StatusOK)
		return
	}
	oldCfg := m.deps.ConfigMgr.Current()
	cfg, err := m.deps.ConfigMgr.ReloadFromDisk()
	if err != nil {
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
		return
	}
	restartFields := restartRequiredChangedFields(oldCfg, cfg)
	httpapi.OK(w, map[string]any{
		"config":          cfg,
		"configFile":      cfg.ConfigFile,
		"requiresRestart": len(restartFields) > 0,
		"restartFields":   restartFields,
		"hotReloadNotes":  runtimeHotReloadNotes(),
	})
}

func decodeConfigPatch(r *http.Request, base config.Config) (config.Config, error) {
	var req map[string]any
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		return base, err
	}

	if value, ok := getInt(req, "port"); ok {
		base.Port = value
	}
	if value, ok := getString(req, "dataDir"); ok {
		base.DataDir = value
	}
	if value, ok := getString(req, "dbPath"); ok {
		base.DBPath = value
	}
	if value, ok := getString(req, "apiBase"); ok {
		base.APIBase = value
	}
	if value, ok := getString(req, "allowOrigin"); ok {
		base.AllowOrigin = value
	}
	if value, ok := getBool(req, "enableDebugLogs"); ok {
		base.EnableDebugLogs = value
	}
	if value, ok := getBool(req, "debugMode"); ok {
		base.DebugMode = value
		base.EnableDebugLogs = value
	}
	if value, ok := getString(req, "overlayMode"); ok {
		base.OverlayMode = value
	}
	if value, ok := getString(req, "danmakuFontFamily"); ok {
		base.FontFamily = value
	}
	if value, ok := getInt(req, "danmakuFontSize"); ok {
		base.FontSize = value
	}
	if value, ok := getString(req, "danmakuFontWeight"); ok {
		base.FontWeight = value
	}
	if value, ok := getFloat(req, "dmSpeed"); ok {
		base.DanmakuSpeed = value
	}
	if value, ok := getFloat(req, "dmOpacity"); ok {
		base.DanmakuOpacity = value
	}
	if value, ok := getStringList(req, "dmBlockTypes"); ok {
		base.DanmakuBlockTypes = value
	}
	if value, ok := getString(req, "dmBlockListFile"); ok {
		base.BlockListFile = value
	}
	if value, ok := getInt(req, "resolveTimeoutSec"); ok {
		base.ResolveTimeoutSec = value
	}
	if value, ok := getInt(req, "pendingTimeoutSec"); ok {
		base.PendingTimeoutSec = value
	}
	if value, ok := getInt(req, "cacheTtlSec"); ok {
		base.CacheTTLSec = value
	}
	if value, ok := getInt(req, "cacheMaxEntries"); ok {
		base.CacheMaxEntries = value
	}
	if value, ok := getInt(req, "workerPoolSize"); ok {
		base.WorkerPoolSize = value
	}
	if value, ok := getInt(req, "upstreamRatePerSec"); ok {
		base.UpstreamRatePerSec = value
	}
	if value, ok := getInt(req, "errorLogRetentionDays"); ok {
		base.ErrorLogRetentionDays = value
	}
	return base, nil
}

func restartRequiredChangedFields(oldCfg config.Config, newCfg config.Config) []string {
	result := make([]string, 0, 8)
	appendIfChanged := func(name string, oldValue string, newValue string) {
		if strings.TrimSpace(oldValue) != strings.TrimSpace(newValue) {
			result = append(result, name)
		}
	}
	appendIfChanged("apiBase", oldCfg.APIBase, newCfg.APIBase)
	appendIfChanged("dataDir", oldCfg.DataDir, newCfg.DataDir)
	appendIfChanged("dbPath", oldCfg.DBPath, newCfg.DBPath)
	appendIfChanged("allowOrigin", oldCfg.AllowOrigin, newCfg.AllowOrigin)
	if oldCfg.Port != newCfg.Port {
		result = append(result, "port")
	}
	if oldCfg.ResolveTimeoutSec != newCfg.ResolveTimeoutSec {
		result = append(result, "resolveTimeoutSec")
	}
	if oldCfg.PendingTimeoutSec != newCfg.PendingTimeoutSec {
		result = append(result, "pendingTimeoutSec")
	}
	if oldCfg.CacheTTLSec != newCfg.CacheTTLSec {
		result = append(result, "cacheTtlSec")
	}
	if oldCfg.CacheMaxEntries != newCfg.CacheMaxEntries {
		result = append(result, "cacheMaxEntries")
	}
	if oldCfg.WorkerPoolSize != newCfg.WorkerPoolSize {
		result = append(result, "workerPoolSize")
	}
	if oldCfg.UpstreamRatePerSec != newCfg.UpstreamRatePerSec {
		result = append(result, "upstreamRatePerSec")
	}
	return result
}

func runtimeHotReloadNotes() []string {
	return []string{
		"Overlay font, size, speed and opacity changes are pushed to every matched session immediately.",
		"overlayMode and dmBlockTypes apply to sessions matched after the change.",
		"debugMode/enableDebugLogs hot apply to data/log file logging.",
		"errorLogRetentionDays applies on the next automatic cleanup.",
		"All other fields are persisted, but restart is required before they fully apply.",
	}
}

func getString(payload map[string]any, key string) (string, bool) {
	value, ok := payload[key]
	if !ok {
		return "", false
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

func getInt(payload map[string]any, key string) (int, bool) {
	value, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case float64:
		return int(v), true
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func getFloat(payload map[string]any, key string) (float64, bool) {
	value, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case float64:
		return v, true
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func getBool(payload map[string]any, key string) (bool, bool) {
	value, ok := payload[key]
	if !ok {
		return false, false
	}
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		lower := strings.ToLower(strings.TrimSpace(v))
		if lower == "true" || lower == "1" || lower == "yes" {
			return true, true
		}
		if lower == "false" || lower == "0" || lower == "no" {
			return false, true
		}
	}
	return false, false
}

// getStringList accepts a JSON array or a comma separated string.
func getStringList(payload map[string]any, key string) ([]string, bool) {
	value, ok := payload[key]
	if !ok {
		return nil, false
	}
	var raw []string
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			raw = append(raw, fmt.Sprintf("%v", item))
		}
	case string:
		raw = strings.Split(v, ",")
	default:
		return nil, false
	}
	items := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items, true
}
