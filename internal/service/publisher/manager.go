package publisher

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Manager is the registry of platform clients and their configuration,
// keyed by platform name.
type Manager struct {
	mu         sync.RWMutex
	publishers map[string]Publisher
	configs    map[string]Config
	logger     *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		publishers: make(map[string]Publisher),
		configs:    make(map[string]Config),
		logger:     logger.Named("publisher"),
	}
}

func (m *Manager) Register(pub Publisher, cfg Config) error {
	name := pub.Name()
	if err := pub.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config for platform %s: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.publishers[name]; exists {
		return fmt.Errorf("publisher for platform %s already registered", name)
	}
	m.publishers[name] = pub
	m.configs[name] = cfg

	m.logger.Info("Publisher registered", zap.String("platform", name))
	return nil
}

func (m *Manager) Get(name string) (Publisher, Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pub, ok := m.publishers[name]
	if !ok {
		return nil, Config{}, fmt.Errorf("publisher for platform %s not found", name)
	}
	cfg := m.configs[name]
	if !cfg.Enabled {
		return nil, Config{}, fmt.Errorf("platform %s is disabled", name)
	}
	return pub, cfg, nil
}

func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.publishers))
	for name := range m.publishers {
		names = append(names, name)
	}
	return names
}
