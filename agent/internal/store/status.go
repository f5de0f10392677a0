package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pilot-net/huawei-manager/pkg/types"
)

// MetricsSource provides the metrics snapshot embedded in each status.
type MetricsSource interface {
	Snapshot(deviceID string) (types.DeviceMetrics, bool)
}

// Mirror receives a copy of every status written to disk.
type Mirror interface {
	PublishStatus(ctx context.Context, deviceID string, status types.DeviceStatus) error
}

// StatusConfig configures a StatusStore.
type StatusConfig struct {
	Path          string        // Aggregate status file
	Dir           string        // Directory for per-device dashboard files
	Metrics       MetricsSource // Optional
	Mirror        Mirror        // Optional
	MirrorTimeout time.Duration // Per publish (default: 2s)
	Logger        *slog.Logger
	Now           func() time.Time
	Writer        *FileWriter
}

// StatusStore holds the latest state of each device for the UI.
type StatusStore struct {
	path          string
	dir           string
	metrics       MetricsSource
	mirror        Mirror
	mirrorTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time
	writer        *FileWriter

	mu      sync.Mutex
	devices map[string]types.DeviceStatus
	daemon  *types.DaemonInfo
}

// NewStatusStore creates an empty status store.
func NewStatusStore(cfg StatusConfig) *StatusStore {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Writer == nil {
		cfg.Writer = NewFileWriter()
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = 2 * time.Second
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Dir(cfg.Path)
	}
	return &StatusStore{
		path:          cfg.Path,
		dir:           cfg.Dir,
		metrics:       cfg.Metrics,
		mirror:        cfg.Mirror,
		mirrorTimeout: cfg.MirrorTimeout,
		logger:        cfg.Logger.With("component", "status_store"),
		now:           cfg.Now,
		writer:        cfg.Writer,
		devices:       make(map[string]types.DeviceStatus),
	}
}

// Update stamps last_update, embeds the device's metrics and rewrites the
// aggregate file.
func (s *StatusStore) Update(deviceID string, status types.DeviceStatus) error {
	status.LastUpdate = s.now().Unix()
	status.Metrics = nil
	if s.metrics != nil {
		if m, ok := s.metrics.Snapshot(deviceID); ok {
			status.Metrics = &m
		}
	}

	s.mu.Lock()
	s.devices[deviceID] = status.Clone()
	err := s.persistLocked()
	s.mu.Unlock()

	if err == nil && s.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.mirrorTimeout)
		defer cancel()
		if merr := s.mirror.PublishStatus(ctx, deviceID, status); merr != nil {
			s.logger.Debug("status mirror failed", "device", deviceID, "error", merr)
		}
	}
	return err
}

// SetDaemon records daemon health and rewrites the aggregate file.
func (s *StatusStore) SetDaemon(info types.DaemonInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daemon = &info
	return s.persistLocked()
}

// Get returns a copy of a device's last status.
func (s *StatusStore) Get(deviceID string) (types.DeviceStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.devices[deviceID]
	if !ok {
		return types.DeviceStatus{}, false
	}
	return st.Clone(), true
}

// DashboardPath is the per-device file for deviceID.
func (s *StatusStore) DashboardPath(deviceID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("huawei-manager-status_%s.json", sanitizeID(deviceID)))
}

// SaveDashboard writes the device's latest modem snapshot to its own file.
// Only the owning monitor writes this file, so no store lock is taken.
func (s *StatusStore) SaveDashboard(deviceID string, data any) error {
	now := s.now()
	doc := types.DashboardDocument{
		Success:   true,
		Data:      data,
		Cached:    true,
		Timestamp: float64(now.UnixMilli()) / 1000,
	}
	path := s.DashboardPath(deviceID)
	if err := s.writer.WriteJSON(path, doc); err != nil {
		s.logger.Error("failed to save dashboard", "device", deviceID, "path", path, "error", err)
		return err
	}
	return nil
}

func (s *StatusStore) persistLocked() error {
	doc := types.StatusDocument{
		Devices: make(map[string]types.DeviceStatus, len(s.devices)),
		Daemon:  s.daemon,
	}
	for id, st := range s.devices {
		doc.Devices[id] = st
	}

	if err := s.writer.WriteJSON(s.path, doc); err != nil {
		s.logger.Error("failed to save status", "path", s.path, "error", err)
		return err
	}
	return nil
}

// sanitizeID keeps the section id as the UI knows it ("@device[0]"
// included) and only replaces characters that would leave the directory.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		default:
			return r
		}
	}, id)
}
