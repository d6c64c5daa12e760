// Package connwatch tracks whether the external services a turn
// depends on (meme provider, speech endpoint, Postgres, MQTT broker)
// are reachable. Each service is probed on its own goroutine: failures
// back off exponentially, successes settle into a steady poll. The
// results feed /health, and every up/down transition is published on
// the event bus.
//
// This is separate from httpkit's transport retry, which only smooths
// over sub-second dial failures inside a single request.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/moodmender/internal/events"
)

// Probe reports nil when the service answered.
type Probe func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// RetryMin is the first delay after a failure (default 2s). It
	// doubles on each consecutive failure up to RetryMax (default 60s).
	RetryMin time.Duration
	RetryMax time.Duration
	// Interval is the delay between probes of a healthy service
	// (default 60s).
	Interval time.Duration
	// Timeout bounds one probe (default 10s).
	Timeout time.Duration
}

// DefaultSchedule returns 2s..60s backoff with a one minute poll.
func DefaultSchedule() Schedule {
	return Schedule{
		RetryMin: 2 * time.Second,
		RetryMax: time.Minute,
		Interval: time.Minute,
		Timeout:  10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.RetryMin <= 0 {
		s.RetryMin = d.RetryMin
	}
	if s.RetryMax < s.RetryMin {
		s.RetryMax = max(d.RetryMax, s.RetryMin)
	}
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// Status is the JSON view of one watched service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"consecutive_failures"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

type service struct {
	name     string
	probe    Probe
	schedule Schedule

	mu     sync.Mutex
	status Status
	// checked is closed after the first probe completes.
	checked chan struct{}
}

// Monitor owns the watched services.
type Monitor struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	services map[string]*service
	wg       sync.WaitGroup
	cancel   []context.CancelFunc
}

// NewMonitor returns an empty Monitor. bus may be nil.
func NewMonitor(bus *events.Bus, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
		services: make(map[string]*service),
	}
}

// Watch starts probing name until ctx is cancelled or Stop is called.
// Watching a name twice replaces nothing; the second call is ignored.
func (m *Monitor) Watch(ctx context.Context, name string, probe Probe, schedule Schedule) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.services[name]; dup || probe == nil {
		m.logger.Warn("ignoring watch registration", "service", name, "duplicate", dup)
		return
	}
	svc := &service{
		name:     name,
		probe:    probe,
		schedule: schedule.withDefaults(),
		status:   Status{Name: name},
		checked:  make(chan struct{}),
	}
	m.services[name] = svc

	watchCtx, cancel := context.WithCancel(ctx)
	m.cancel = append(m.cancel, cancel)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(watchCtx, svc)
	}()
}

func (m *Monitor) run(ctx context.Context, svc *service) {
	delay := svc.schedule.RetryMin
	first := true
	for {
		err := m.check(ctx, svc)
		if first {
			close(svc.checked)
			first = false
		}

		wait := svc.schedule.Interval
		if err != nil {
			wait = delay
			delay = min(delay*2, svc.schedule.RetryMax)
		} else {
			delay = svc.schedule.RetryMin
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe and records the outcome, publishing an event
// when readiness changes. The initial failure counts as a change.
func (m *Monitor) check(ctx context.Context, svc *service) error {
	probeCtx, cancel := context.WithTimeout(ctx, svc.schedule.Timeout)
	err := svc.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	svc.mu.Lock()
	wasReady := svc.status.Ready
	firstCheck := svc.status.LastCheck.IsZero()
	svc.status.LastCheck = time.Now()
	if err != nil {
		svc.status.Ready = false
		svc.status.Failures++
		svc.status.LastError = err.Error()
	} else {
		svc.status.Ready = true
		svc.status.Failures = 0
		svc.status.LastError = ""
	}
	failures := svc.status.Failures
	svc.mu.Unlock()

	switch {
	case err == nil && !wasReady:
		m.logger.Info("service reachable", "service", svc.name)
		m.bus.Emit(events.SourceWatch, events.KindServiceUp, map[string]any{"service": svc.name})
	case err != nil && (wasReady || firstCheck):
		m.logger.Warn("service unreachable", "service", svc.name, "error", err)
		m.bus.Emit(events.SourceWatch, events.KindServiceDown, map[string]any{"service": svc.name, "error": err.Error()})
	case err != nil:
		m.logger.Debug("service still unreachable", "service", svc.name, "failures", failures, "error", err)
	}
	return err
}

// WaitChecked blocks until every watched service has been probed once
// or ctx ends.
func (m *Monitor) WaitChecked(ctx context.Context) error {
	m.mu.RLock()
	pending := make([]chan struct{}, 0, len(m.services))
	for _, svc := range m.services {
		pending = append(pending, svc.checked)
	}
	m.mu.RUnlock()

	for _, ch := range pending {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Status returns every watched service, sorted by name.
func (m *Monitor) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.services))
	for _, svc := range m.services {
		svc.mu.Lock()
		out = append(out, svc.status)
		svc.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched service is ready.
func (m *Monitor) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop cancels every watcher and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancels := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	m.wg.Wait()
}
