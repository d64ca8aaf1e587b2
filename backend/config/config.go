package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	OverlayDanmaku = "danmaku"
	OverlayPlugin  = "plugin"
	OverlayNone    = "none"

	defaultPort = 19080
)

// Config holds runtime options and the overlay preferences pushed to player sessions.
type Config struct {
	Port            int    `json:"port"`
	DataDir         string `json:"dataDir"`
	DBPath          string `json:"dbPath"`
	APIBase         string `json:"apiBase"`
	AllowOrigin     string `json:"allowOrigin"`
	DebugMode       bool   `json:"debugMode"`
	EnableDebugLogs bool   `json:"enableDebugLogs"`

	OverlayMode       string   `json:"overlayMode"`
	FontFamily        string   `json:"danmakuFontFamily"`
	FontSize          int      `json:"danmakuFontSize"`
	FontWeight        string   `json:"danmakuFontWeight"`
	DanmakuSpeed      float64  `json:"dmSpeed"`
	DanmakuOpacity    float64  `json:"dmOpacity"`
	DanmakuBlockTypes []string `json:"dmBlockTypes"`
	BlockListFile     string   `json:"dmBlockListFile"`

	ResolveTimeoutSec     int `json:"resolveTimeoutSec"`
	PendingTimeoutSec     int `json:"pendingTimeoutSec"`
	CacheTTLSec           int `json:"cacheTtlSec"`
	CacheMaxEntries       int `json:"cacheMaxEntries"`
	WorkerPoolSize        int `json:"workerPoolSize"`
	UpstreamRatePerSec    int `json:"upstreamRatePerSec"`
	ErrorLogRetentionDays int `json:"errorLogRetentionDays"`

	ConfigFile string `json:"configFile"`
}

// ListenAddr is always a loopback address.
func (c Config) ListenAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(c.Port))
}

func (c Config) AssetsDir() string {
	return filepath.Join(c.DataDir, "danmaku")
}

func (c Config) BlockListEnabled() bool {
	return strings.TrimSpace(c.BlockListFile) != ""
}

func resolveConfigFilePath(explicit string) (string, error) {
	path := strings.TrimSpace(explicit)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("IINAPLUS_CONFIG_FILE"))
	}
	if path == "" {
		path = filepath.FromSlash("./data/config.json")
	}
	return filepath.Abs(path)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	if parsed <= 0 {
		return fallback
	}
	return parsed
}

func envFloatOrDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envListOrDefault(key string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	items := make([]string, 0, 4)
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func defaultConfig(configFile string) Config {
	baseDir := filepath.Dir(configFile)
	cfg := Config{
		Port:                  envIntOrDefault("IINAPLUS_PORT", defaultPort),
		DataDir:               envOrDefault("IINAPLUS_DATA_DIR", baseDir),
		APIBase:               envOrDefault("IINAPLUS_API_BASE", "/api/v1"),
		AllowOrigin:           envOrDefault("IINAPLUS_ALLOW_ORIGIN", "*"),
		DebugMode:             strings.EqualFold(envOrDefault("IINAPLUS_DEBUG", "false"), "true"),
		EnableDebugLogs:       strings.EqualFold(envOrDefault("IINAPLUS_DEBUG", "false"), "true"),
		OverlayMode:           envOrDefault("IINAPLUS_OVERLAY_MODE", OverlayDanmaku),
		FontFamily:            envOrDefault("IINAPLUS_DM_FONT_FAMILY", "PingFang SC"),
		FontSize:              envIntOrDefault("IINAPLUS_DM_FONT_SIZE", 25),
		FontWeight:            envOrDefault("IINAPLUS_DM_FONT_WEIGHT", "Regular"),
		DanmakuSpeed:          envFloatOrDefault("IINAPLUS_DM_SPEED", 680),
		DanmakuOpacity:        envFloatOrDefault("IINAPLUS_DM_OPACITY", 1),
		DanmakuBlockTypes:     envListOrDefault("IINAPLUS_DM_BLOCK_TYPES", []string{}),
		BlockListFile:         envOrDefault("IINAPLUS_DM_BLOCK_LIST_FILE", ""),
		ResolveTimeoutSec:     envIntOrDefault("IINAPLUS_RESOLVE_TIMEOUT_SEC", 15),
		PendingTimeoutSec:     envIntOrDefault("IINAPLUS_PENDING_TIMEOUT_SEC", 30),
		CacheTTLSec:           envIntOrDefault("IINAPLUS_CACHE_TTL_SEC", 60),
		CacheMaxEntries:       envIntOrDefault("IINAPLUS_CACHE_MAX_ENTRIES", 256),
		WorkerPoolSize:        envIntOrDefault("IINAPLUS_WORKER_POOL_SIZE", 8),
		UpstreamRatePerSec:    envIntOrDefault("IINAPLUS_UPSTREAM_RATE", 10),
		ErrorLogRetentionDays: envIntOrDefault("IINAPLUS_ERROR_LOG_RETENTION_DAYS", 7),
		ConfigFile:            configFile,
	}
	cfg = normalizeConfig(cfg, configFile)
	cfg.ConfigFile = configFile
	return cfg
}

func normalizeConfig(cfg Config, configFile string) Config {
	configDir := filepath.Dir(configFile)
	cfg.ConfigFile = configFile

	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = defaultPort
	}
	if strings.TrimSpace(cfg.APIBase) == "" {
		cfg.APIBase = "/api/v1"
	}
	if !strings.HasPrefix(cfg.APIBase, "/") {
		cfg.APIBase = "/" + cfg.APIBase
	}
	cfg.APIBase = strings.TrimSuffix(cfg.APIBase, "/")
	if cfg.APIBase == "" {
		cfg.APIBase = "/api/v1"
	}
	if strings.TrimSpace(cfg.AllowOrigin) == "" {
		cfg.AllowOrigin = "*"
	}
	if cfg.DebugMode {
		cfg.EnableDebugLogs = true
	}
	cfg.DebugMode = cfg.EnableDebugLogs

	switch strings.ToLower(strings.TrimSpace(cfg.OverlayMode)) {
	case OverlayPlugin:
		cfg.OverlayMode = OverlayPlugin
	case OverlayNone:
		cfg.OverlayMode = OverlayNone
	default:
		cfg.OverlayMode = OverlayDanmaku
	}
	if strings.TrimSpace(cfg.FontFamily) == "" {
		cfg.FontFamily = "PingFang SC"
	}
	if cfg.FontSize <= 0 {
		cfg.FontSize = 25
	}
	if strings.TrimSpace(cfg.FontWeight) == "" {
		cfg.FontWeight = "Regular"
	}
	if cfg.DanmakuSpeed <= 0 {
		cfg.DanmakuSpeed = 680
	}
	if cfg.DanmakuOpacity <= 0 || cfg.DanmakuOpacity > 1 {
		cfg.DanmakuOpacity = 1
	}
	if cfg.DanmakuBlockTypes == nil {
		cfg.DanmakuBlockTypes = []string{}
	}
	if cfg.ResolveTimeoutSec <= 0 {
		cfg.ResolveTimeoutSec = 15
	}
	if cfg.PendingTimeoutSec <= 0 {
		cfg.PendingTimeoutSec = 30
	}
	if cfg.CacheTTLSec <= 0 {
		cfg.CacheTTLSec = 60
	}
	if cfg.CacheMaxEntries <= 0 {
		cfg.CacheMaxEntries = 256
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 8
	}
	if cfg.UpstreamRatePerSec <= 0 {
		cfg.UpstreamRatePerSec = 10
	}
	if cfg.ErrorLogRetentionDays <= 0 {
		cfg.ErrorLogRetentionDays = 7
	}

	cfg.DataDir = absPathWithBase(cfg.DataDir, configDir)
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = configDir
	}
	cfg.DBPath = absPathWithBase(cfg.DBPath, configDir)
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "db", "bridge.db")
	}
	cfg.BlockListFile = absPathWithBase(cfg.BlockListFile, configDir)
	return cfg
}

func absPathWithBase(target string, base string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return ""
	}
	if filepath.IsAbs(target) {
		return target
	}
	if base == "" {
		if abs, err := filepath.Abs(target); err == nil {
			return abs
		}
		return target
	}
	if abs, err := filepath.Abs(filepath.Join(base, target)); err == nil {
		return abs
	}
	return filepath.Join(base, target)
}
