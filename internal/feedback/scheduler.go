package feedback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RepairScheduler periodically re-indexes interactions whose embedding is
// pending.
//
// All public methods are safe for concurrent use.
type RepairScheduler struct {
	store     *Store
	interval  time.Duration
	batchSize int
	timeout   time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	logger *zap.Logger
}

// SchedulerOption configures a RepairScheduler.
type SchedulerOption func(*RepairScheduler)

// WithInterval sets the time between repair passes. Defaults to 5 minutes.
func WithInterval(interval time.Duration) SchedulerOption {
	return func(s *RepairScheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithBatchSize caps the rows handled per pass. Defaults to 100.
func WithBatchSize(n int) SchedulerOption {
	return func(s *RepairScheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// NewRepairScheduler creates a scheduler. Call Start to begin.
func NewRepairScheduler(store *Store, logger *zap.Logger, opts ...SchedulerOption) (*RepairScheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &RepairScheduler{
		store:     store,
		interval:  5 * time.Minute,
		batchSize: 100,
		timeout:   2 * time.Minute,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the background loop. Starting a running scheduler is an error.
func (s *RepairScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	s.logger.Info("embedding repair scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("batch_size", s.batchSize),
	)
	go s.run(s.stopCh, s.done)
	return nil
}

// Stop signals the loop to exit and waits for an in-flight pass to finish.
// Stopping a stopped scheduler is a no-op.
func (s *RepairScheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("embedding repair scheduler stopped")
	return nil
}

// Running reports whether the loop is active.
func (s *RepairScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *RepairScheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("repair scheduler panicked, recovering",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeRepair(stop)
		case <-stop:
			return
		}
	}
}

func (s *RepairScheduler) safeRepair(stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("repair pass panicked, continuing",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := s.store.Repair(ctx, s.batchSize); err != nil {
		s.logger.Error("embedding repair pass failed", zap.Error(err))
	}
}
