// Package store persists per-device metrics and status as flat JSON files.
//
// # Consistency
//
// Each store owns one map keyed by device id and one mutex. Every mutation
// and the file write that follows it happen under that mutex, so two devices
// persisting at the same instant cannot lose each other's update. Files are
// replaced atomically (see FileWriter). There is no consistency across the
// metrics and status files.
//
// # Failure Policy
//
//   - Load failure: warn and start empty
//   - Write failure: log, keep the in-memory state authoritative; the next
//     successful write heals the file
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pilot-net/huawei-manager/pkg/types"
)

const dateLayout = "2006-01-02"

// MetricsConfig configures a MetricsStore.
type MetricsConfig struct {
	Path   string           // Aggregate metrics file
	Logger *slog.Logger     // Logger (optional)
	Now    func() time.Time // Clock (optional, for tests)
	Writer *FileWriter      // Writer (optional)
}

// MetricsStore holds durable reconnect counters and IP history.
type MetricsStore struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
	writer *FileWriter

	mu      sync.Mutex
	devices map[string]*types.DeviceMetrics
}

// NewMetricsStore creates an empty store. Call Load to read the file.
func NewMetricsStore(cfg MetricsConfig) *MetricsStore {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Writer == nil {
		cfg.Writer = NewFileWriter()
	}
	return &MetricsStore{
		path:    cfg.Path,
		logger:  cfg.Logger.With("component", "metrics_store"),
		now:     cfg.Now,
		writer:  cfg.Writer,
		devices: make(map[string]*types.DeviceMetrics),
	}
}

// Load replaces the in-memory state with the file contents. A missing or
// unreadable file leaves the store empty and returns the error.
func (s *MetricsStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.devices = make(map[string]*types.DeviceMetrics)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading metrics file: %w", err)
	}

	var doc types.MetricsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing metrics file: %w", err)
	}

	for id, m := range doc.Devices {
		m := m.Clone()
		s.devices[id] = &m
	}

	s.logger.Info("loaded metrics", "devices", len(s.devices), "path", s.path)
	return nil
}

// Init registers a device. Existing entries keep their counters but get the
// new name and a rolled daily counter.
func (s *MetricsStore) Init(deviceID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := s.today()
	m, ok := s.devices[deviceID]
	if !ok {
		s.devices[deviceID] = &types.DeviceMetrics{
			Name:           name,
			ReconnectsDate: today,
			IPHistory:      []types.IPHistoryEntry{},
		}
		return
	}

	m.Name = name
	s.rollover(m, today)
}

// RecordReconnect counts a reconnect attempt and clears target_found_at.
func (s *MetricsStore) RecordReconnect(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.devices[deviceID]
	if !ok {
		s.logger.Warn("reconnect for unknown device ignored", "device", deviceID)
		return nil
	}

	s.rollover(m, s.today())
	m.ReconnectsToday++
	m.ReconnectsTotal++
	m.TargetFoundAt = nil

	return s.persistLocked()
}

// RecordTargetFound notes that ip matched the target set. An IP change
// closes the previous interval into the history.
func (s *MetricsStore) RecordTargetFound(deviceID, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.devices[deviceID]
	if !ok {
		s.logger.Warn("target found for unknown device ignored", "device", deviceID)
		return nil
	}

	now := s.now()
	if m.TargetFoundAt == nil {
		m.TargetFoundAt = types.UnixPtr(now)
	}

	if m.CurrentIP != ip {
		if m.CurrentIP != "" && m.CurrentIPSince != nil {
			m.IPHistory = append(m.IPHistory, types.IPHistoryEntry{
				IP:       m.CurrentIP,
				Start:    *m.CurrentIPSince,
				End:      now.Unix(),
				Duration: now.Unix() - *m.CurrentIPSince,
			})
			if n := len(m.IPHistory); n > types.MaxIPHistory {
				m.IPHistory = append([]types.IPHistoryEntry(nil), m.IPHistory[n-types.MaxIPHistory:]...)
			}
		}
		m.CurrentIP = ip
		m.CurrentIPSince = types.UnixPtr(now)
	}

	return s.persistLocked()
}

// Snapshot returns a copy of a device's metrics.
func (s *MetricsStore) Snapshot(deviceID string) (types.DeviceMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.devices[deviceID]
	if !ok {
		return types.DeviceMetrics{}, false
	}
	return m.Clone(), true
}

// PersistAll writes the whole store.
func (s *MetricsStore) PersistAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *MetricsStore) persistLocked() error {
	doc := types.MetricsDocument{
		Devices:  make(map[string]types.DeviceMetrics, len(s.devices)),
		LastSave: s.now().Unix(),
	}
	for id, m := range s.devices {
		doc.Devices[id] = *m
	}

	if err := s.writer.WriteJSON(s.path, doc); err != nil {
		s.logger.Error("failed to save metrics", "path", s.path, "error", err)
		return err
	}
	return nil
}

func (s *MetricsStore) rollover(m *types.DeviceMetrics, today string) {
	if m.ReconnectsDate != today {
		m.ReconnectsToday = 0
		m.ReconnectsDate = today
	}
}

func (s *MetricsStore) today() string {
	return s.now().Format(dateLayout)
}
