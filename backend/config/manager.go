package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"
)

// ChangeListener receives the published config before and after a change.
type ChangeListener func(prev Config, next Config)

// Override adjusts a loaded config before it is published. Overrides are never
// written back to the config file.
type Override func(*Config)

type Manager struct {
	path string

	mu sync.RWMutex
	// file is the config as read from disk, before overrides.
	file       Config
	cfg        Config
	modTime    time.Time
	size       int64
	listeners  []ChangeListener
	overrides  []Override
	watchStop  chan struct{}
	watchDone  chan struct{}
	watchEvery time.Duration
}

// NewManager loads the config file at path, or at the IINAPLUS_CONFIG_FILE / default
// location when path is empty, creating it with defaults when missing.
func NewManager(path string, overrides ...Override) (*Manager, error) {
	path, err := resolveConfigFilePath(path)
	if err != nil {
		return nil, err
	}
	cfg, info, err := loadOrCreateConfig(path)
	if err != nil {
		return nil, err
	}
	manager := &Manager{
		path:       path,
		modTime:    info.ModTime(),
		size:       info.Size(),
		listeners:  make([]ChangeListener, 0),
		overrides:  overrides,
		watchEvery: 2 * time.Second,
		file:       cfg,
	}
	manager.cfg = manager.withOverrides(cfg)
	return manager, nil
}

func (m *Manager) withOverrides(cfg Config) Config {
	for _, override := range m.overrides {
		if override != nil {
			override(&cfg)
		}
	}
	return normalizeConfig(cfg, m.path)
}

func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) AddListener(listener ChangeListener) {
	if listener == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Save writes cfg to disk and publishes it. Fields the caller left at their
// overridden value keep the file's value on disk.
func (m *Manager) Save(cfg Config) (Config, error) {
	cfg = normalizeConfig(cfg, m.path)
	cfg.ConfigFile = m.path
	m.mu.RLock()
	onDisk := restoreOverridden(cfg, m.cfg, m.file)
	m.mu.RUnlock()
	if err := writeConfigFile(m.path, onDisk); err != nil {
		return Config{}, err
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return Config{}, err
	}
	m.applyConfig(onDisk, info)
	return m.Current(), nil
}

// restoreOverridden copies from file every field where next still equals the
// published value and the published value came from an override.
func restoreOverridden(next Config, published Config, file Config) Config {
	out := next
	outValue := reflect.ValueOf(&out).Elem()
	nextValue := reflect.ValueOf(next)
	publishedValue := reflect.ValueOf(published)
	fileValue := reflect.ValueOf(file)
	for i := 0; i < outValue.NumField(); i++ {
		nextField := nextValue.Field(i).Interface()
		publishedField := publishedValue.Field(i).Interface()
		if !reflect.DeepEqual(nextField, publishedField) {
			continue
		}
		if reflect.DeepEqual(publishedField, fileValue.Field(i).Interface()) {
			continue
		}
		outValue.Field(i).Set(fileValue.Field(i))
	}
	return out
}

func (m *Manager) ReloadFromDisk() (Config, error) {
	cfg, info, err := readConfigFile(m.path)
	if err != nil {
		return Config{}, err
	}
	m.applyConfig(cfg, info)
	return cfg, nil
}

func (m *Manager) StartWatching() {
	m.mu.Lock()
	if m.watchStop != nil {
		m.mu.Unlock()
		return
	}
	m.watchStop = make(chan struct{})
	m.watchDone = make(chan struct{})
	stop := m.watchStop
	done := m.watchDone
	interval := m.watchEvery
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := m.tryReloadOnFileChange(); err != nil {
					log.Printf("[config][warn] hot reload failed: %v", err)
				}
			}
		}
	}()
}

func (m *Manager) StopWatching() {
	m.mu.Lock()
	stop := m.watchStop
	done := m.watchDone
	m.watchStop = nil
	m.watchDone = nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	if done != nil {
		<-done
	}
}

// tryReloadOnFileChange reloads when the file's size or mtime moved. A deleted
// file is written back from the last file config rather than reset to defaults.
func (m *Manager) tryReloadOnFileChange() error {
	info, err := os.Stat(m.path)
	if os.IsNotExist(err) {
		m.mu.RLock()
		file := m.file
		m.mu.RUnlock()
		log.Printf("[config][warn] config file %s disappeared, writing it back", m.path)
		if err := writeConfigFile(m.path, file); err != nil {
			return err
		}
		info, err = os.Stat(m.path)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.modTime = info.ModTime()
		m.size = info.Size()
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}

	m.mu.RLock()
	unchanged := info.ModTime().Equal(m.modTime) && info.Size() == m.size
	m.mu.RUnlock()
	if unchanged {
		return nil
	}
	cfg, readInfo, err := readConfigFile(m.path)
	if err != nil {
		return err
	}
	m.applyConfig(cfg, readInfo)
	return nil
}

func (m *Manager) applyConfig(file Config, info os.FileInfo) {
	cfg := m.withOverrides(file)
	cfg.ConfigFile = m.path

	m.mu.Lock()
	prev := m.cfg
	changed := !reflect.DeepEqual(prev, cfg)
	m.file = file
	m.cfg = cfg
	if info != nil {
		m.modTime = info.ModTime()
		m.size = info.Size()
	}
	listeners := make([]ChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if !changed {
		return
	}
	for _, listener := range listeners {
		func(l ChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[config][warn] listener panic: %v", r)
				}
			}()
			l(prev, cfg)
		}(listener)
	}
}

func loadOrCreateConfig(path string) (Config, os.FileInfo, error) {
	cfg, info, err := readConfigFile(path)
	if err == nil {
		return cfg, info, nil
	}
	if !os.IsNotExist(err) {
		return Config{}, nil, err
	}
	cfg = defaultConfig(path)
	if err := writeConfigFile(path, cfg); err != nil {
		return Config{}, nil, err
	}
	info, err = os.Stat(path)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, info, nil
}

func readConfigFile(path string) (Config, os.FileInfo, error) {
	if path == "" {
		return Config{}, nil, errors.New("empty config path")
	}
	bytes, err := os.ReadFile(path)
	if err != nil {
		return Config{}, nil, err
	}
	cfg := defaultConfig(path)
	if len(bytes) > 0 {
		if err := json.Unmarshal(bytes, &cfg); err != nil {
			return Config{}, nil, err
		}
	}
	cfg = normalizeConfig(cfg, path)
	cfg.ConfigFile = path
	info, err := os.Stat(path)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, info, nil
}

func writeConfigFile(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty config path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	cfg = normalizeConfig(cfg, path)
	cfg.ConfigFile = path
	body, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o644)
}
