package registry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Source is the dynamic agent store: published definitions keyed by publisher,
// name and exact version.
type Source interface {
	// Fetch returns one exact version. Unknown agents or versions yield ErrNotFound.
	Fetch(ctx context.Context, publisher, name, version string) (*AgentDefinition, error)
	// Versions lists every published version of an agent.
	Versions(ctx context.Context, publisher, name string) ([]VersionInfo, error)
}

// MemorySource is an in-process Source with a publish API.
type MemorySource struct {
	mu     sync.RWMutex
	agents map[string]map[string]*AgentDefinition // publisher/name -> version -> def
	fetchN int
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{agents: make(map[string]map[string]*AgentDefinition)}
}

// Publish stores a definition. Publishing an existing version is rejected
// because versions are immutable.
func (m *MemorySource) Publish(def AgentDefinition) error {
	if def.Publisher == "" {
		return fmt.Errorf("publisher is required")
	}
	if err := Validate(&def); err != nil {
		return err
	}
	version := canonicalVersion(def.Version)
	if version == "" {
		return fmt.Errorf("agent %s: published definitions need a semantic version", def.ID)
	}
	def.Version = version
	if def.PublishedAt.IsZero() {
		def.PublishedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := def.Publisher + "/" + def.ID
	if m.agents[key] == nil {
		m.agents[key] = make(map[string]*AgentDefinition)
	}
	if _, exists := m.agents[key][version]; exists {
		return fmt.Errorf("agent %s@%s already published", key, version)
	}
	m.agents[key][version] = &def
	return nil
}

// Fetch implements Source.
func (m *MemorySource) Fetch(_ context.Context, publisher, name, version string) (*AgentDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchN++

	def, ok := m.agents[publisher+"/"+name][version]
	if !ok {
		return nil, ErrNotFound
	}
	return def, nil
}

// Versions implements Source.
func (m *MemorySource) Versions(_ context.Context, publisher, name string) ([]VersionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.agents[publisher+"/"+name]
	out := make([]VersionInfo, 0, len(versions))
	for v, def := range versions {
		out = append(out, VersionInfo{Version: v, PublishedAt: def.PublishedAt})
	}
	return out, nil
}

// FetchCount returns how many times Fetch was called.
func (m *MemorySource) FetchCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fetchN
}
