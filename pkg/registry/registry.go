package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultPublisher is used when Config.DefaultPublisher is empty.
const DefaultPublisher = "codebuff"

// Config configures a Registry.
type Config struct {
	// Static definitions compiled into (or loaded at start of) the process, keyed by id.
	Static []*AgentDefinition
	// DefaultPublisher replaces the publisher of bare names that miss the static and local sets.
	DefaultPublisher string
	// Source serves published definitions. Nil means only static and local definitions resolve.
	Source Source
	Logger zerolog.Logger
}

// Registry resolves agent identifiers. The pinned-version cache lives as long as
// the Registry and is safe for concurrent use.
type Registry struct {
	static           map[string]*AgentDefinition
	defaultPublisher string
	source           Source
	logger           zerolog.Logger

	cache      sync.Map // "publisher/name@version" -> *AgentDefinition
	cacheCount atomic.Int64
}

// New creates a Registry.
func New(cfg Config) (*Registry, error) {
	if cfg.DefaultPublisher == "" {
		cfg.DefaultPublisher = DefaultPublisher
	}

	static := make(map[string]*AgentDefinition, len(cfg.Static))
	for _, def := range cfg.Static {
		if err := Validate(def); err != nil {
			return nil, err
		}
		if _, dup := static[def.ID]; dup {
			return nil, fmt.Errorf("duplicate static agent %q", def.ID)
		}
		static[def.ID] = def
	}

	return &Registry{
		static:           static,
		defaultPublisher: cfg.DefaultPublisher,
		source:           cfg.Source,
		logger:           cfg.Logger.With().Str("component", "registry").Logger(),
	}, nil
}

// Static returns the static definitions.
func (r *Registry) Static() []*AgentDefinition {
	out := make([]*AgentDefinition, 0, len(r.static))
	for _, def := range r.static {
		out = append(out, def)
	}
	return out
}

// Resolve maps an identifier to a definition. local holds the caller's
// session-local definitions keyed by id and may be nil.
func (r *Registry) Resolve(ctx context.Context, raw string, local map[string]*AgentDefinition) (def *AgentDefinition, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerRegistry, "registry.resolve",
		attribute.String("agent.identifier", raw))
	defer func() { tracing.EndSpan(span, err) }()

	id := ParseIdentifier(raw)
	if id.Name == "" {
		observability.RecordResolve("miss")
		return nil, &NotFoundError{Identifier: raw}
	}

	if id.Publisher == "" {
		if def := matchVersion(r.static[id.Name], id); def != nil {
			observability.RecordResolve("static")
			return def, nil
		}
		if def := matchVersion(local[id.Name], id); def != nil {
			observability.RecordResolve("local")
			return def, nil
		}
		id.Publisher = r.defaultPublisher
	}

	if r.source == nil {
		observability.RecordResolve("miss")
		return nil, &NotFoundError{Identifier: raw}
	}

	version := id.Version
	if version == "" {
		version, err = r.latestVersion(ctx, id)
		if err != nil {
			observability.RecordResolve("miss")
			return nil, wrapNotFound(raw, err)
		}
	}

	def, err = r.fetchVersion(ctx, id.Publisher, id.Name, version)
	if err != nil {
		observability.RecordResolve("miss")
		return nil, wrapNotFound(raw, err)
	}

	r.logger.Debug().
		Str("identifier", raw).
		Str("resolved", def.FullID()).
		Msg("Agent resolved")
	return def, nil
}

// fetchVersion returns an exact version, going through the cache. Two tasks
// racing on a miss may both fetch; LoadOrStore keeps the first stored value.
func (r *Registry) fetchVersion(ctx context.Context, publisher, name, version string) (*AgentDefinition, error) {
	key := publisher + "/" + name + "@" + version
	if v, ok := r.cache.Load(key); ok {
		observability.RecordResolve("cache")
		return v.(*AgentDefinition), nil
	}

	def, err := r.source.Fetch(ctx, publisher, name, version)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, ErrNotFound
	}

	actual, loaded := r.cache.LoadOrStore(key, def)
	if !loaded {
		observability.SetRegistryCacheEntries(int(r.cacheCount.Add(1)))
	}
	observability.RecordResolve("source")
	return actual.(*AgentDefinition), nil
}

// latestVersion picks the highest semantic version, breaking ties by the most
// recent publish time. Unparseable advertised versions are skipped.
func (r *Registry) latestVersion(ctx context.Context, id Identifier) (string, error) {
	versions, err := r.source.Versions(ctx, id.Publisher, id.Name)
	if err != nil {
		return "", err
	}

	var (
		best       VersionInfo
		bestParsed *semver.Version
	)
	for _, v := range versions {
		parsed, err := semver.NewVersion(v.Version)
		if err != nil {
			r.logger.Warn().
				Str("agent", id.Publisher+"/"+id.Name).
				Str("version", v.Version).
				Msg("Skipping unparseable published version")
			continue
		}
		if bestParsed == nil {
			best, bestParsed = v, parsed
			continue
		}
		switch cmp := parsed.Compare(bestParsed); {
		case cmp > 0:
			best, bestParsed = v, parsed
		case cmp == 0 && v.PublishedAt.After(best.PublishedAt):
			best, bestParsed = v, parsed
		}
	}

	if bestParsed == nil {
		return "", ErrNotFound
	}
	return best.Version, nil
}

// CacheSize returns the number of cached pinned definitions.
func (r *Registry) CacheSize() int {
	return int(r.cacheCount.Load())
}

func matchVersion(def *AgentDefinition, id Identifier) *AgentDefinition {
	if def == nil {
		return nil
	}
	if id.Pinned() && canonicalVersion(def.Version) != id.Version {
		return nil
	}
	return def
}

func wrapNotFound(raw string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return &NotFoundError{Identifier: raw}
	}
	return &NotFoundError{Identifier: raw, Err: err}
}
