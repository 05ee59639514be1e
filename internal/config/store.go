package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/thejerf/abtime"

	"github.com/sufield/cosign/internal/core/domain"
	cerrors "github.com/sufield/cosign/internal/core/errors"
	"github.com/sufield/cosign/internal/core/ports"
)

// ConfigPollTimer identifies the store's ticker to abtime.ManualTime.
const ConfigPollTimer = 200

// DefaultMonitorInterval is used until a valid document sets one.
const DefaultMonitorInterval = 30 * time.Second

// ReloadRecorder receives reload results.
type ReloadRecorder interface {
	RecordConfigReload(success bool)
}

// Options configure a Store.
type Options struct {
	Clock   abtime.AbstractTime
	Logger  *slog.Logger
	Metrics ReloadRecorder
}

// Store holds the current settings generation loaded from a file.
//
// Readers get an immutable snapshot. A failed reload keeps the previous
// snapshot; before the first successful load the store is invalid.
type Store struct {
	path   string
	loader *Loader
	clock  abtime.AbstractTime
	logger *slog.Logger
	metric ReloadRecorder

	mu         sync.RWMutex
	current    *domain.Settings
	generation uint64
	lastTried  time.Time
	missing    bool
	lastErr    error

	// reloadMu serializes reloads so listeners see generations in order.
	reloadMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []ports.ConfigListener

	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
	started  bool
}

// NewStore creates a store for path. Nothing is read until Reload or Start.
func NewStore(path string, opts Options) *Store {
	s := &Store{
		path:    filepath.Clean(path),
		clock:   opts.Clock,
		logger:  opts.Logger,
		metric:  opts.Metrics,
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if s.clock == nil {
		s.clock = abtime.NewRealTime()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("config", s.path)
	s.loader = NewLoader(s.logger)
	return s
}

// Path returns the watched file.
func (s *Store) Path() string { return s.path }

// Settings returns the current snapshot, or ErrConfigInvalid if no document
// has loaded successfully.
func (s *Store) Settings() (*domain.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, cerrors.NewDomainError(cerrors.ErrConfigInvalid, s.lastErr)
	}
	return s.current, nil
}

// IsValid reports whether a snapshot is installed.
func (s *Store) IsValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil
}

// LastError returns the error of the most recent failed load, if any.
func (s *Store) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Subscribe registers a listener for future generations. Listeners run
// while Settings callers are blocked, so they must use the settings they are
// given and not call back into the store.
func (s *Store) Subscribe(l ports.ConfigListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Reload reads and installs the file now. Listener errors are returned but
// do not undo the install.
func (s *Store) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.reloadLocked(ctx)
}

func (s *Store) reloadLocked(ctx context.Context) error {
	info, statErr := os.Stat(s.path)
	if info != nil {
		s.mu.Lock()
		s.lastTried = info.ModTime()
		s.mu.Unlock()
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.recordFailure(fmt.Errorf("read %s: %w", s.path, err), statErr != nil)
		return s.LastError()
	}

	settings, err := s.loader.Parse(s.path, data)
	if err != nil {
		s.recordFailure(err, false)
		return err
	}

	// Readers stay excluded until every listener has seen the generation.
	s.mu.Lock()
	s.generation++
	settings.Generation = s.generation
	s.current = settings
	s.lastErr = nil
	s.missing = false
	notifyErr := s.notify(ctx, settings)
	s.mu.Unlock()

	if s.metric != nil {
		s.metric.RecordConfigReload(true)
	}
	s.logger.Info("configuration loaded",
		"generation", settings.Generation,
		"servers", len(settings.ServerHosts),
		"rules", settings.Rules.Len())

	return notifyErr
}

func (s *Store) recordFailure(err error, missing bool) {
	s.mu.Lock()
	s.lastErr = err
	s.missing = missing
	valid := s.current != nil
	s.mu.Unlock()

	if s.metric != nil {
		s.metric.RecordConfigReload(false)
	}
	if valid {
		s.logger.Error("configuration reload failed, keeping previous generation", "error", err)
	} else {
		s.logger.Error("configuration load failed", "error", err)
	}
}

func (s *Store) notify(ctx context.Context, settings *domain.Settings) error {
	s.listenersMu.RLock()
	listeners := append([]ports.ConfigListener(nil), s.listeners...)
	s.listenersMu.RUnlock()

	var errs []error
	for _, l := range listeners {
		if err := l.OnConfigUpdate(ctx, settings); err != nil {
			s.logger.Warn("config listener failed", "generation", settings.Generation, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Poll reloads when the file's modification time differs from the last
// attempt, or when the file disappeared while a generation is installed.
func (s *Store) Poll(ctx context.Context) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	s.mu.RLock()
	lastTried, valid, missing := s.lastTried, s.current != nil, s.missing
	s.mu.RUnlock()

	info, err := os.Stat(s.path)
	switch {
	case err != nil && valid && !missing:
		s.logger.Warn("configuration file disappeared", "error", err)
	case err != nil:
		return
	case info.ModTime().Equal(lastTried):
		return
	}
	_ = s.reloadLocked(ctx)
}

// MonitorInterval returns the poll interval of the current generation.
func (s *Store) MonitorInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || s.current.MonitorInterval <= 0 {
		return DefaultMonitorInterval
	}
	return s.current.MonitorInterval
}

// Start polls the file until ctx is done or Stop is called. The ticker is
// recreated when a reload changes the interval.
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		defer close(s.stopped)
		for {
			interval := s.MonitorInterval()
			ticker := s.clock.NewTicker(interval, ConfigPollTimer)
			s.logger.Debug("configuration monitor started", "interval", interval)
			if !s.pollUntilIntervalChanges(ctx, ticker, interval) {
				ticker.Stop()
				return
			}
			ticker.Stop()
		}
	}()
}

// pollUntilIntervalChanges returns false when the monitor should exit.
func (s *Store) pollUntilIntervalChanges(ctx context.Context, ticker abtime.Ticker, interval time.Duration) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.stopCh:
			return false
		case <-ticker.Channel():
			s.Poll(ctx)
			if s.MonitorInterval() != interval {
				return true
			}
		}
	}
}

// Stop ends monitoring. It is safe to call more than once or without Start.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if started {
		<-s.stopped
	}
}
