package lane

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// StartJanitor evicts idle lanes on a cron schedule. An empty schedule uses
// ManagerConfig.JanitorSchedule.
func (m *Manager) StartJanitor(schedule string) error {
	if schedule == "" {
		schedule = m.cfg.JanitorSchedule
	}

	m.cronMu.Lock()
	defer m.cronMu.Unlock()

	if m.cron != nil {
		return fmt.Errorf("janitor already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, m.sweep); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	c.Start()
	m.cron = c

	log.Info().Str("schedule", schedule).Msg("Lane janitor started")
	return nil
}

// StopJanitor stops the janitor and waits for a running sweep to finish.
func (m *Manager) StopJanitor() {
	m.cronMu.Lock()
	c := m.cron
	m.cron = nil
	m.cronMu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	log.Info().Msg("Lane janitor stopped")
}

func (m *Manager) sweep() {
	if n := m.EvictIdle(); n > 0 {
		log.Info().Int("evicted", n).Int("lanes", m.Count()).Msg("Janitor evicted idle lanes")
	}
}
