package service

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/audiolibrelab/cyclerec/internal/audio"
	"github.com/audiolibrelab/cyclerec/internal/config"
	"github.com/audiolibrelab/cyclerec/internal/cycle"
)

// Service represents the core cyclerec service interface
type Service interface {
	// Control operations
	Activate() (cycle.Snapshot, error)
	Suspend()
	OnPlaybackCompleted()

	// State operations
	Status() cycle.Snapshot
	Subscribe(fn func(cycle.Snapshot)) (cancel func())

	// Information operations
	GetConfig() *config.Config
	GetBackendType() audio.BackendType
	GetTargetInfo() (*TargetInfo, error)
	ListSources() ([]string, error)
	GetLastError() string

	// Close releases any open device
	Close()
}

// TargetInfo describes the recording file on disk
type TargetInfo struct {
	Path         string    `json:"path"`
	Exists       bool      `json:"exists"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	ModTime      time.Time `json:"mod_time,omitempty"`
	ModTimeHuman string    `json:"mod_time_human,omitempty"`
	Playable     bool      `json:"playable"`
}

// CycleService is the main service implementation
type CycleService struct {
	cfg        *config.Config
	backend    audio.Backend
	controller *cycle.Controller

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a service with the backend selected by cfg
func New(cfg *config.Config) Service {
	return NewWithBackend(cfg, audio.NewBackend(cfg))
}

// NewWithBackend creates a service around an already constructed backend
func NewWithBackend(cfg *config.Config, backend audio.Backend) *CycleService {
	targetPath := cfg.TargetPath()
	slog.Debug("Creating service", "backend", backend.GetType(), "path", targetPath)

	return &CycleService{
		cfg:        cfg,
		backend:    backend,
		controller: cycle.New(targetPath, backend),
	}
}

// Activate presses the single control
func (s *CycleService) Activate() (cycle.Snapshot, error) {
	slog.Debug("Service.Activate called")
	s.clearLastError()

	snap, err := s.controller.Activate()
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to %v", err))
		return snap, err
	}
	if snap.LastError != "" {
		s.setLastError(snap.LastError)
	}
	return snap, nil
}

// Suspend releases devices when the host view becomes inactive
func (s *CycleService) Suspend() {
	s.controller.Suspend()
	if snap := s.controller.Snapshot(); snap.LastError != "" {
		s.setLastError(snap.LastError)
	}
}

// OnPlaybackCompleted forwards an external end-of-stream notification
func (s *CycleService) OnPlaybackCompleted() {
	s.controller.OnPlaybackCompleted()
}

// Status returns the current controller snapshot
func (s *CycleService) Status() cycle.Snapshot {
	return s.controller.Snapshot()
}

// Subscribe registers fn for every published snapshot
func (s *CycleService) Subscribe(fn func(cycle.Snapshot)) (cancel func()) {
	return s.controller.Subscribe(fn)
}

// GetConfig returns the current configuration
func (s *CycleService) GetConfig() *config.Config {
	return s.cfg
}

// GetBackendType returns the active audio backend
func (s *CycleService) GetBackendType() audio.BackendType {
	return s.backend.GetType()
}

// GetTargetInfo returns what is currently stored at the target path
func (s *CycleService) GetTargetInfo() (*TargetInfo, error) {
	info := &TargetInfo{Path: s.controller.TargetPath()}

	stat, err := os.Stat(info.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return info, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", info.Path, err)
	}

	info.Exists = true
	info.Size = stat.Size()
	info.SizeHuman = formatBytes(stat.Size())
	info.ModTime = stat.ModTime()
	info.ModTimeHuman = stat.ModTime().Format("2006-01-02 15:04:05")
	info.Playable = audio.ValidateContainer(info.Path) == nil
	return info, nil
}

// ListSources returns the capture sources the backend can see
func (s *CycleService) ListSources() ([]string, error) {
	return s.backend.ListSources()
}

// Close releases any open device
func (s *CycleService) Close() {
	slog.Debug("Closing service")
	s.controller.Suspend()
}

// GetLastError returns the last error message (thread-safe)
func (s *CycleService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *CycleService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *CycleService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
