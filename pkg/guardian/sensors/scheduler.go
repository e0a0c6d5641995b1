package sensors

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SchedulerConfig holds the polling settings. The heightened values apply
// while sensitivity is raised.
type SchedulerConfig struct {
	Interval             time.Duration `mapstructure:"interval"`
	HeightenedInterval   time.Duration `mapstructure:"heightened_interval"`
	ValidationFrequency  int           `mapstructure:"validation_frequency"`
	HeightenedValidation int           `mapstructure:"heightened_validation"`
}

// DefaultSchedulerConfig returns the default polling settings
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:             30 * time.Second,
		HeightenedInterval:   5 * time.Second,
		ValidationFrequency:  1,
		HeightenedValidation: 4,
	}
}

// CycleFunc runs one monitoring cycle
type CycleFunc func(ctx context.Context) error

// Scheduler runs the monitoring cycle periodically. Raising sensitivity
// switches to the heightened interval and validation frequency.
type Scheduler struct {
	mu         sync.Mutex
	cfg        SchedulerConfig
	heightened bool
	cycle      CycleFunc
	changed    chan struct{}
}

// NewScheduler creates a scheduler for the given cycle
func NewScheduler(cfg SchedulerConfig, cycle CycleFunc) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.HeightenedInterval <= 0 || cfg.HeightenedInterval > cfg.Interval {
		cfg.HeightenedInterval = min(defaults.HeightenedInterval, cfg.Interval)
	}
	if cfg.ValidationFrequency <= 0 {
		cfg.ValidationFrequency = defaults.ValidationFrequency
	}
	if cfg.HeightenedValidation < cfg.ValidationFrequency {
		cfg.HeightenedValidation = max(defaults.HeightenedValidation, cfg.ValidationFrequency)
	}

	return &Scheduler{
		cfg:     cfg,
		cycle:   cycle,
		changed: make(chan struct{}, 1),
	}
}

// SetCycle replaces the cycle function. It must be called before Run.
func (s *Scheduler) SetCycle(cycle CycleFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycle = cycle
}

// IncreaseSensitivity switches to the heightened interval and validation
// frequency. Repeated calls leave the heightened settings unchanged.
func (s *Scheduler) IncreaseSensitivity(ctx context.Context) error {
	return s.setHeightened(ctx, true)
}

// ResetSensitivity restores the configured polling settings
func (s *Scheduler) ResetSensitivity(ctx context.Context) error {
	return s.setHeightened(ctx, false)
}

func (s *Scheduler) setHeightened(ctx context.Context, heightened bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	changed := s.heightened != heightened
	s.heightened = heightened
	s.mu.Unlock()

	if !changed {
		return nil
	}
	s.notify()

	msg := "Monitoring sensitivity reset"
	if heightened {
		msg = "Monitoring sensitivity increased"
	}
	log.Info().
		Dur("interval", s.Interval()).
		Int("validation_frequency", s.ValidationFrequency()).
		Msg(msg)
	return nil
}

// Heightened reports whether sensitivity is raised
func (s *Scheduler) Heightened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heightened
}

// Interval returns the current polling interval
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heightened {
		return s.cfg.HeightenedInterval
	}
	return s.cfg.Interval
}

// ValidationFrequency returns how many readings each cycle validates
func (s *Scheduler) ValidationFrequency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heightened {
		return s.cfg.HeightenedValidation
	}
	return s.cfg.ValidationFrequency
}

// Run executes the cycle immediately and then on every tick until ctx is
// cancelled. Cycle errors are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	cycle := s.cycle
	s.mu.Unlock()
	if cycle == nil {
		return errors.New("scheduler has no cycle function")
	}

	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()

	s.runCycle(ctx, cycle)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Monitoring scheduler stopped")
			return nil
		case <-s.changed:
			ticker.Reset(s.Interval())
		case <-ticker.C:
			s.runCycle(ctx, cycle)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context, cycle CycleFunc) {
	if err := cycle(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Monitoring cycle failed")
	}
}

func (s *Scheduler) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}
