package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Maintenance defaults.
const (
	// DefaultMaintenanceInterval is how often expired entries are swept.
	DefaultMaintenanceInterval = time.Minute
	// DefaultPressureThreshold is the fill ratio that triggers aggressive cleanup.
	DefaultPressureThreshold = 0.85
	// DefaultTargetRatio is the occupancy aggressive cleanup drives down to.
	DefaultTargetRatio = 0.6
)

// Maintenance periodically sweeps expired entries and escalates to
// aggressive cleanup under memory pressure. It is owned by whoever creates
// it: started explicitly, stopped explicitly, never leaked across session
// resets.
type Maintenance struct {
	manager           *Manager
	interval          time.Duration
	pressureThreshold float64
	targetRatio       float64
	cancel            context.CancelFunc
	done              chan struct{}
	mu                sync.Mutex
	running           bool
}

// NewMaintenance creates a maintenance service with default policy.
func NewMaintenance(manager *Manager) *Maintenance {
	return NewMaintenanceWithInterval(manager, DefaultMaintenanceInterval)
}

// NewMaintenanceWithInterval creates a maintenance service with a custom interval.
func NewMaintenanceWithInterval(manager *Manager, interval time.Duration) *Maintenance {
	if interval <= 0 {
		interval = DefaultMaintenanceInterval
	}
	return &Maintenance{
		manager:           manager,
		interval:          interval,
		pressureThreshold: DefaultPressureThreshold,
		targetRatio:       DefaultTargetRatio,
	}
}

// Start begins periodic maintenance. Idempotent.
func (s *Maintenance) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	maintCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(maintCtx)

	return nil
}

// Stop halts maintenance and waits for the sweep goroutine to finish.
func (s *Maintenance) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// IsRunning reports whether maintenance is active.
func (s *Maintenance) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// run executes the sweep loop until the context is canceled.
func (s *Maintenance) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		if s.done != nil {
			close(s.done)
		}
		s.mu.Unlock()
	}()

	logger := slog.Default().With(slog.String("component", "cache.maintenance"))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx, logger)

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "Cache maintenance stopping")
			return
		case <-ticker.C:
			s.sweep(ctx, logger)
		}
	}
}

// sweep performs one maintenance pass.
func (s *Maintenance) sweep(ctx context.Context, logger *slog.Logger) {
	removed := s.manager.RemoveExpired()
	if removed > 0 {
		logger.InfoContext(ctx, "Swept expired cache entries", slog.Int("removed", removed))
	}

	if pressure := s.manager.Pressure(); pressure >= s.pressureThreshold {
		evicted := s.manager.AggressiveCleanup(s.targetRatio)
		logger.WarnContext(ctx, "Cache pressure triggered aggressive cleanup",
			slog.Float64("pressure", pressure),
			slog.Int("evicted", evicted),
		)
	}
}
