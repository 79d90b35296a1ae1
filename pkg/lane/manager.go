package lane

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fatihaltiok/timus/internal/observability"
	"github.com/fatihaltiok/timus/pkg/toolcontract"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// ManagerConfig holds lane manager configuration
type ManagerConfig struct {
	MaxLanes        int           `json:"max_lanes" mapstructure:"max_lanes"`
	IdleTimeout     time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	JanitorSchedule string        `json:"janitor_schedule" mapstructure:"janitor_schedule"` // cron spec, e.g. "@every 1m"
	Lane            Config        `json:"lane" mapstructure:"lane"`
}

// DefaultManagerConfig returns default manager configuration
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxLanes:        100,
		IdleTimeout:     30 * time.Minute,
		JanitorSchedule: "@every 1m",
		Lane:            DefaultConfig(),
	}
}

// Report aggregates every live lane.
type Report struct {
	Lanes         int            `json:"lanes"`
	ByStatus      map[Status]int `json:"by_status"`
	QueueDepth    int            `json:"queue_depth"`
	TotalCalls    int64          `json:"total_calls"`
	SuccessCalls  int64          `json:"success_calls"`
	FailedCalls   int64          `json:"failed_calls"`
	ParallelCalls int64          `json:"parallel_calls"`
	TotalDuration time.Duration  `json:"total_duration"`
	Evicted       int            `json:"evicted"`
	Snapshots     []Snapshot     `json:"snapshots"`
}

// Manager owns the table of lanes, one per id.
type Manager struct {
	cfg      ManagerConfig
	registry *toolcontract.Registry
	lanes    map[string]*Lane
	evicted  int
	onRemove func(id string)
	mu       sync.Mutex

	cron   *cron.Cron
	cronMu sync.Mutex
}

// NewManager creates a lane manager whose lanes execute through registry.
func NewManager(registry *toolcontract.Registry, cfg ManagerConfig) *Manager {
	defaults := DefaultManagerConfig()
	if cfg.MaxLanes <= 0 {
		cfg.MaxLanes = defaults.MaxLanes
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.JanitorSchedule == "" {
		cfg.JanitorSchedule = defaults.JanitorSchedule
	}

	observability.EnsureRegistered()

	return &Manager{
		cfg:      cfg,
		registry: registry,
		lanes:    make(map[string]*Lane),
	}
}

// GetOrCreate returns the lane for id, creating it when needed. When the manager is full, idle
// lanes past IdleTimeout are evicted first; if that frees nothing the error wraps
// toolcontract.ErrCapacityExceeded.
func (m *Manager) GetOrCreate(id string) (*Lane, error) {
	if id == "" {
		return nil, fmt.Errorf("lane id cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.lanes[id]; ok {
		if !l.IsClosed() {
			return l, nil
		}
		delete(m.lanes, id)
		m.removedLocked(id)
	}

	if len(m.lanes) >= m.cfg.MaxLanes {
		m.evictIdleLocked()
	}
	if len(m.lanes) >= m.cfg.MaxLanes {
		log.Warn().
			Str("lane", id).
			Int("lanes", len(m.lanes)).
			Int("max", m.cfg.MaxLanes).
			Msg("Lane capacity exceeded")
		return nil, fmt.Errorf("%w: %d lanes active (max %d) and none idle for %s",
			toolcontract.ErrCapacityExceeded, len(m.lanes), m.cfg.MaxLanes, m.cfg.IdleTimeout)
	}

	l := New(id, m.registry, m.cfg.Lane)
	m.lanes[id] = l
	observability.SetActiveLanes(len(m.lanes))

	log.Debug().Str("lane", id).Int("lanes", len(m.lanes)).Msg("Lane created")
	return l, nil
}

// OnRemove registers fn to run whenever a lane leaves the table, whether closed, evicted or
// replaced after a direct Lane.Close. fn runs synchronously and must not call the Manager.
func (m *Manager) OnRemove(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemove = fn
}

func (m *Manager) removedLocked(id string) {
	if m.onRemove != nil {
		m.onRemove(id)
	}
}

// Get returns the lane for id if it exists.
func (m *Manager) Get(id string) (*Lane, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lanes[id]
	return l, ok
}

// Close closes and removes the lane for id. It returns false if no such lane exists.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	l, ok := m.lanes[id]
	if ok {
		delete(m.lanes, id)
		observability.SetActiveLanes(len(m.lanes))
		m.removedLocked(id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	l.Close()
	return true
}

// CloseAll closes every lane.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	lanes := m.lanes
	m.lanes = make(map[string]*Lane)
	for id := range lanes {
		m.removedLocked(id)
	}
	m.mu.Unlock()

	for _, l := range lanes {
		l.Close()
	}
	observability.SetActiveLanes(0)
}

// EvictIdle drops lanes that were closed directly and closes lanes that have been idle (or idle
// after a failure) for at least IdleTimeout. It returns how many lanes were removed.
func (m *Manager) EvictIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictIdleLocked()
}

func (m *Manager) evictIdleLocked() int {
	removed, evicted := 0, 0
	for id, l := range m.lanes {
		if l.IsClosed() {
			delete(m.lanes, id)
			m.removedLocked(id)
			removed++
			continue
		}

		idle, ok := l.idleFor()
		if !ok || idle < m.cfg.IdleTimeout {
			continue
		}
		l.Close()
		delete(m.lanes, id)
		m.removedLocked(id)
		evicted++

		log.Debug().Str("lane", id).Dur("idle", idle).Msg("Idle lane evicted")
	}

	if evicted > 0 {
		m.evicted += evicted
		observability.RecordLaneEvictions(evicted)
	}
	if removed+evicted > 0 {
		observability.SetActiveLanes(len(m.lanes))
	}
	return removed + evicted
}

// Count returns the number of live lanes
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lanes)
}

// IDs returns the ids of live lanes, sorted
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.lanes))
	for id := range m.lanes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Report aggregates the state of every live lane.
func (m *Manager) Report() Report {
	m.mu.Lock()
	lanes := make([]*Lane, 0, len(m.lanes))
	for _, l := range m.lanes {
		lanes = append(lanes, l)
	}
	evicted := m.evicted
	m.mu.Unlock()

	report := Report{
		Lanes:     len(lanes),
		ByStatus:  make(map[Status]int),
		Evicted:   evicted,
		Snapshots: make([]Snapshot, 0, len(lanes)),
	}
	for _, l := range lanes {
		snap := l.Snapshot()
		report.ByStatus[snap.Status]++
		report.QueueDepth += snap.QueueDepth
		report.TotalCalls += snap.Stats.TotalCalls
		report.SuccessCalls += snap.Stats.SuccessCalls
		report.FailedCalls += snap.Stats.FailedCalls
		report.ParallelCalls += snap.Stats.ParallelCalls
		report.TotalDuration += snap.Stats.TotalDuration
		report.Snapshots = append(report.Snapshots, snap)
	}
	sort.Slice(report.Snapshots, func(i, j int) bool {
		return report.Snapshots[i].ID < report.Snapshots[j].ID
	})

	return report
}
