package logging

import (
	"bufio"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"iinaplus/bridge/backend/config"
)

// Manager points the standard logger at stdout, teeing into a dated file under
// DataDir/log while debug logging is enabled.
type Manager struct {
	mu       sync.Mutex
	file     *os.File
	filePath string
	logDir   string
	enabled  bool
	now      func() time.Time
}

func New(cfg config.Config) (*Manager, error) {
	manager := &Manager{now: time.Now}
	if err := manager.Update(cfg); err != nil {
		return nil, err
	}
	return manager, nil
}

func (m *Manager) Update(cfg config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !(cfg.EnableDebugLogs || cfg.DebugMode) {
		m.closeLocked()
		m.logDir = ""
		return nil
	}
	dataDir := strings.TrimSpace(cfg.DataDir)
	if dataDir == "" {
		dataDir = "data"
	}
	m.logDir = filepath.Join(dataDir, "log")
	return m.openLocked()
}

// Rotate reopens the log file when the day changed since it was opened.
func (m *Manager) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled || m.logDir == "" || m.filePath == m.targetPathLocked() {
		return nil
	}
	return m.openLocked()
}

func (m *Manager) FilePath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filePath
}

func (m *Manager) targetPathLocked() string {
	return filepath.Join(m.logDir, "iinaplus-"+m.now().Format("20060102")+".log")
}

func (m *Manager) openLocked() error {
	if err := os.MkdirAll(m.logDir, 0o755); err != nil {
		return err
	}
	targetPath := m.targetPathLocked()
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if m.file != nil && m.filePath == targetPath {
		log.SetOutput(io.MultiWriter(os.Stdout, m.file))
		m.enabled = true
		return nil
	}
	file, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		m.closeLocked()
		return err
	}
	if m.file != nil {
		_ = m.file.Close()
	}
	m.file = file
	m.filePath = targetPath
	m.enabled = true
	log.SetOutput(io.MultiWriter(os.Stdout, file))
	log.Printf("[logger] debug file logging enabled: %s", targetPath)
	return nil
}

func (m *Manager) closeLocked() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(os.Stdout)
	if m.file != nil {
		_ = m.file.Close()
		m.file = nil
	}
	m.filePath = ""
	m.enabled = false
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	file := m.file
	m.file = nil
	m.closeLocked()
	if file == nil {
		return nil
	}
	return file.Close()
}

// Tail returns up to n trailing lines of the current debug log file. It returns nil
// when file logging is off.
func (m *Manager) Tail(n int) ([]string, error) {
	path := m.FilePath()
	if path == "" || n <= 0 {
		return nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	return ring, scanner.Err()
}
