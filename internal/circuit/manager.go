package circuit

import (
	"context"
	"sort"
	"sync"

	"github.com/phrazzld/taskd/internal/config"
)

// SettingsFromConfig converts configured breaker defaults.
func SettingsFromConfig(cfg config.BreakerConfig) Settings {
	return Settings{
		FailureThreshold:     cfg.FailureThreshold,
		MaxFailuresPerMinute: cfg.MaxFailuresPerMinute,
		RecoveryTimeout:      cfg.RecoveryTimeout,
		SuccessThreshold:     cfg.SuccessThreshold,
		CallTimeout:          cfg.CallTimeout,
	}.withDefaults()
}

// Manager is a registry of breakers keyed by resource name. Breakers are
// created on first use and live as long as the manager.
type Manager struct {
	defaults Settings
	opts     []Option

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewManager creates an empty registry. opts are applied to every breaker it creates.
func NewManager(defaults Settings, opts ...Option) *Manager {
	return &Manager{
		defaults: defaults.withDefaults(),
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it with the default settings if needed.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, m.defaults, m.opts...)
	m.breakers[name] = b
	return b
}

// Configure registers a breaker for name with its own settings, replacing any existing one.
func (m *Manager) Configure(name string, settings Settings) *Breaker {
	b := NewBreaker(name, settings, m.opts...)

	m.mu.Lock()
	m.breakers[name] = b
	m.mu.Unlock()
	return b
}

// Call runs fn through the breaker for name.
func (m *Manager) Call(ctx context.Context, name string, fn func(context.Context) error) error {
	return m.Get(name).Call(ctx, fn)
}

// Reset closes the named breaker. It reports false if no such breaker exists.
func (m *Manager) Reset(name string) bool {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// States returns a snapshot of every breaker, ordered by name.
func (m *Manager) States() []Snapshot {
	m.mu.RLock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
