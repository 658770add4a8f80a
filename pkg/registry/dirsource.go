package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DirSource serves published definitions from a directory tree laid out as
// <root>/<publisher>/<name>/<version>.yaml (or .json). When watching, version
// listings come from an index kept current by fsnotify; otherwise every listing
// scans the directory.
type DirSource struct {
	root   string
	logger zerolog.Logger

	mu      sync.RWMutex
	index   map[string][]VersionInfo // publisher/name -> versions
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewDirSource creates a DirSource rooted at root, creating the directory if needed.
func NewDirSource(root string, logger zerolog.Logger) (*DirSource, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create agents dir: %w", err)
	}
	return &DirSource{
		root:   root,
		logger: logger.With().Str("component", "agent-dir-source").Logger(),
	}, nil
}

// Fetch implements Source.
func (s *DirSource) Fetch(_ context.Context, publisher, name, version string) (*AgentDefinition, error) {
	if !safeSegment(publisher) || !safeSegment(name) || !safeSegment(version) {
		return nil, ErrNotFound
	}

	dir := filepath.Join(s.root, publisher, name)
	for _, path := range s.versionFiles(dir, version) {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}

		def, err := ParseDefinition(data, formatOf(path))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		def.Publisher = publisher
		def.Version = fileVersion(filepath.Base(path))
		if def.PublishedAt.IsZero() {
			if info, err := os.Stat(path); err == nil {
				def.PublishedAt = info.ModTime()
			}
		}
		return def, nil
	}
	return nil, ErrNotFound
}

// Versions implements Source.
func (s *DirSource) Versions(_ context.Context, publisher, name string) ([]VersionInfo, error) {
	if !safeSegment(publisher) || !safeSegment(name) {
		return nil, nil
	}

	s.mu.RLock()
	if s.index != nil {
		versions := append([]VersionInfo(nil), s.index[publisher+"/"+name]...)
		s.mu.RUnlock()
		return versions, nil
	}
	s.mu.RUnlock()

	return s.scanAgent(publisher, name)
}

// Agents lists every published agent, keyed by "publisher/name".
func (s *DirSource) Agents() (map[string][]VersionInfo, error) {
	publishers, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents dir: %w", err)
	}

	out := make(map[string][]VersionInfo)
	for _, p := range publishers {
		if !p.IsDir() {
			continue
		}
		names, err := os.ReadDir(filepath.Join(s.root, p.Name()))
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			if !n.IsDir() {
				continue
			}
			versions, err := s.scanAgent(p.Name(), n.Name())
			if err != nil {
				return nil, err
			}
			if len(versions) > 0 {
				out[p.Name()+"/"+n.Name()] = versions
			}
		}
	}
	return out, nil
}

// Publish writes def as a new version file. Existing versions are never overwritten.
func (s *DirSource) Publish(def AgentDefinition) error {
	if def.Publisher == "" || !safeSegment(def.Publisher) {
		return fmt.Errorf("invalid publisher %q", def.Publisher)
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
		def.PublishedAt = time.Now().UTC()
	}

	dir := filepath.Join(s.root, def.Publisher, def.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create agent dir: %w", err)
	}

	data, err := yaml.Marshal(&def)
	if err != nil {
		return fmt.Errorf("failed to encode definition: %w", err)
	}

	path := filepath.Join(dir, version+".yaml")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("agent %s/%s@%s already published", def.Publisher, def.ID, version)
		}
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	// Keep the index current for callers that publish and resolve immediately.
	s.refresh(def.Publisher, def.ID)
	return nil
}

// Watch builds the version index and keeps it current until Stop is called.
func (s *DirSource) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	index := make(map[string][]VersionInfo)
	err = filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			return err
		}
		if publisher, name, ok := s.agentDir(path); ok {
			versions, err := s.scanAgent(publisher, name)
			if err != nil {
				return err
			}
			index[publisher+"/"+name] = versions
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch agents dir: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.index = index
	s.watcher = watcher
	s.done = done
	s.mu.Unlock()

	go s.eventLoop(watcher, done)

	s.logger.Info().
		Str("path", s.root).
		Int("agents", len(index)).
		Msg("Agent directory watcher started")
	return nil
}

// Stop stops watching. Listings fall back to directory scans.
func (s *DirSource) Stop() error {
	s.mu.Lock()
	watcher, done := s.watcher, s.done
	s.watcher = nil
	s.index = nil
	s.mu.Unlock()

	if watcher == nil {
		return nil
	}
	close(done)
	if err := watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (s *DirSource) eventLoop(watcher *fsnotify.Watcher, done chan struct{}) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("Watcher error")

		case <-done:
			return
		}
	}
}

func (s *DirSource) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = watcher.Add(event.Name)
			// Files may land before the watch is registered.
			if publisher, name, ok := s.agentDir(event.Name); ok {
				s.refresh(publisher, name)
			}
			return
		}
	}

	publisher, name, ok := s.agentDir(filepath.Dir(event.Name))
	if !ok {
		return
	}
	s.refresh(publisher, name)
	s.logger.Debug().
		Str("agent", publisher+"/"+name).
		Str("op", event.Op.String()).
		Msg("Agent versions changed")
}

func (s *DirSource) refresh(publisher, name string) {
	versions, err := s.scanAgent(publisher, name)
	if err != nil {
		s.logger.Warn().Err(err).Str("agent", publisher+"/"+name).Msg("Failed to rescan agent versions")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index != nil {
		s.index[publisher+"/"+name] = versions
	}
}

func (s *DirSource) scanAgent(publisher, name string) ([]VersionInfo, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, publisher, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	versions := make([]VersionInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || formatOf(entry.Name()) == "" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		versions = append(versions, VersionInfo{
			Version:     fileVersion(entry.Name()),
			PublishedAt: info.ModTime(),
		})
	}
	return versions, nil
}

// versionFiles lists candidate files for version: the exact names first, then any
// file whose name canonicalizes to it (1.2.yaml for 1.2.0).
func (s *DirSource) versionFiles(dir, version string) []string {
	var paths []string
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		paths = append(paths, filepath.Join(dir, version+ext))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return paths
	}
	for _, entry := range entries {
		if entry.IsDir() || formatOf(entry.Name()) == "" {
			continue
		}
		stem := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if stem != version && fileVersion(entry.Name()) == version {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	return paths
}

// fileVersion is the canonical semver of a version file's name, or the bare
// name when it is not semver.
func fileVersion(fileName string) string {
	stem := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	if v := canonicalVersion(stem); v != "" {
		return v
	}
	return stem
}

// agentDir reports whether dir is <root>/<publisher>/<name>.
func (s *DirSource) agentDir(dir string) (publisher, name string, ok bool) {
	rel, err := filepath.Rel(s.root, dir)
	if err != nil {
		return "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || parts[0] == "." || parts[0] == ".." {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func safeSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
