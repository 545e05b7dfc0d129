package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/poltergeist/deployer/pkg/logger"
	"github.com/poltergeist/deployer/pkg/types"
)

// Store reads and atomically replaces per-environment manifests under
// <stateDir>/manifests
type Store struct {
	dir    string
	logger logger.Logger
	mu     sync.Mutex
}

// NewStore creates a manifest store rooted at stateDir
func NewStore(stateDir string, log logger.Logger) *Store {
	if log == nil {
		log = logger.Discard()
	}
	return &Store{
		dir:    filepath.Join(stateDir, "manifests"),
		logger: log,
	}
}

// Path returns the manifest file of an environment
func (s *Store) Path(env string) string {
	return filepath.Join(s.dir, env+".json")
}

// Load reads the manifest of env. A missing manifest is reported as
// types.ErrNoPreviousManifest.
func (s *Store) Load(env string) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(env)
}

// Save atomically replaces the manifest of env. When the file list is
// unchanged the previous timestamp is kept, so the written bytes are
// identical to what is already on disk.
func (s *Store) Save(env string, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, err := s.load(env); err == nil && prev.SameFiles(m) {
		m.DeploymentTimestamp = prev.DeploymentTimestamp
	}
	m.Version = FormatVersion

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	data = append(data, '\n')

	file := s.Path(env)
	tempFile := file + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tempFile, file); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename manifest: %w", err)
	}

	s.logger.Debug("Manifest saved",
		logger.WithField("env", env),
		logger.WithField("files", len(m.Files)))
	return nil
}

// Remove deletes the manifest of env, forcing the next run to be full
func (s *Store) Remove(env string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path(env)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove manifest: %w", err)
	}
	return nil
}

// Environments lists the environments that have a stored manifest
func (s *Store) Environments() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read manifest directory: %w", err)
	}

	var envs []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		envs = append(envs, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(envs)
	return envs, nil
}

func (s *Store) load(env string) (*Manifest, error) {
	data, err := os.ReadFile(s.Path(env))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.ErrNoPreviousManifest
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", s.Path(env), err)
	}
	if m.Version > FormatVersion {
		return nil, fmt.Errorf("manifest %s has unsupported version %d", s.Path(env), m.Version)
	}
	return &m, nil
}
