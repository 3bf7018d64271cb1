package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultInitialRecheck is the pause between the first reading and the one
// that decides the initial state. Platforms often misreport right at startup.
const DefaultInitialRecheck = 500 * time.Millisecond

// Drainer replays deferred work once the backend is reachable again.
type Drainer interface {
	Drain(ctx context.Context)
}

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	InitialRecheck time.Duration
	Logger         *zap.Logger
}

// Monitor feeds provider readings into a Machine and triggers a drain each
// time the state flips to Connected.
type Monitor struct {
	machine  *Machine
	provider Provider
	drainer  Drainer
	recheck  time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	started bool
	unsub   func()
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor wires a provider to a machine. drainer may be nil.
func NewMonitor(machine *Machine, provider Provider, drainer Drainer, opts MonitorOptions) *Monitor {
	if opts.InitialRecheck < 0 {
		opts.InitialRecheck = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Monitor{
		machine:  machine,
		provider: provider,
		drainer:  drainer,
		recheck:  opts.InitialRecheck,
		logger:   opts.Logger,
	}
}

// Start takes a first reading, waits the recheck interval and takes a second
// reading that sets the initial state. It then follows provider changes until
// Stop. Start returns once the initial state is known.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	first := m.fetch(ctx)
	m.logger.Debug("initial reading",
		zap.Bool("connected", first.Connected),
		zap.Bool("internet_reachable", first.InternetReachable))

	if m.recheck > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.recheck):
		}
	}
	m.apply(m.fetch(ctx))

	unsub := m.provider.Subscribe(m.apply)
	m.mu.Lock()
	m.unsub = unsub
	m.mu.Unlock()
	m.logger.Info("connectivity monitor started", zap.String("state", string(m.machine.Current())))
	return nil
}

// Refresh takes a reading now and applies it.
func (m *Monitor) Refresh(ctx context.Context) State {
	m.apply(m.fetch(ctx))
	return m.machine.Current()
}

// State returns the current connectivity state.
func (m *Monitor) State() State {
	return m.machine.Current()
}

// Stop unsubscribes from the provider and waits for a running drain to finish
// or for ctx to expire.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	unsub, cancel := m.unsub, m.cancel
	m.unsub = nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) fetch(ctx context.Context) Reading {
	r, err := m.provider.Fetch(ctx)
	if err != nil {
		m.logger.Warn("connectivity fetch failed", zap.Error(err))
		return Reading{}
	}
	return r
}

func (m *Monitor) apply(r Reading) {
	to := Disconnected
	if r.Online() {
		to = Connected
	}
	changed, err := m.machine.Transition(to)
	if err != nil {
		m.logger.Error("connectivity transition rejected", zap.Error(err))
		return
	}
	if !changed {
		return
	}
	m.logger.Info("connectivity changed", zap.String("state", string(to)))
	if to == Connected {
		m.drain()
	}
}

func (m *Monitor) drain() {
	if m.drainer == nil {
		return
	}
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.drainer.Drain(ctx)
	}()
}
