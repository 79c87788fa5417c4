// Package scripts manages the saved script library. Each script is a source
// file plus a YAML manifest with description, interpreter and an optional cron
// schedule, kept side by side under a single directory.
package scripts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/invopop/jsonschema"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Manifest describes a saved script
type Manifest struct {
	Name        string    `yaml:"name" json:"name" jsonschema:"required,description=Script name, unique in the library"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty" jsonschema:"description=Free-form description"`
	Interpreter string    `yaml:"interpreter,omitempty" json:"interpreter,omitempty" jsonschema:"description=Interpreter binary, falls back to the service default"`
	Schedule    string    `yaml:"schedule,omitempty" json:"schedule,omitempty" jsonschema:"description=Optional cron spec for scheduled runs"`
	CreatedAt   time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt   time.Time `yaml:"updated_at" json:"updated_at"`
}

// Store keeps scripts on disk, thread safe
type Store struct {
	location string
	mu       sync.Mutex
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ErrNotFound returned for unknown script names
var ErrNotFound = fmt.Errorf("script not found")

// NewStore makes a script store under location, creating the directory
func NewStore(location string) (*Store, error) {
	if err := os.MkdirAll(location, 0o700); err != nil {
		return nil, fmt.Errorf("can't make scripts location %s: %w", location, err)
	}
	return &Store{location: location}, nil
}

// Save writes the script source and its manifest, overwriting an existing
// script with the same name. Validates the name and the cron schedule.
func (s *Store) Save(m Manifest, source string) error {
	if !nameRe.MatchString(m.Name) {
		return fmt.Errorf("invalid script name %q", m.Name)
	}
	if strings.TrimSpace(source) == "" {
		return fmt.Errorf("empty script source")
	}
	if m.Schedule != "" {
		if _, err := cron.ParseStandard(m.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", m.Schedule, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	m.UpdatedAt = now
	if prev, err := s.manifest(m.Name); err == nil {
		m.CreatedAt = prev.CreatedAt
	} else {
		m.CreatedAt = now
	}

	if err := os.WriteFile(s.sourcePath(m.Name), []byte(source), 0o600); err != nil {
		return fmt.Errorf("can't write script %s: %w", m.Name, err)
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("can't marshal manifest for %s: %w", m.Name, err)
	}
	if err := os.WriteFile(s.manifestPath(m.Name), data, 0o600); err != nil {
		return fmt.Errorf("can't write manifest for %s: %w", m.Name, err)
	}
	log.Printf("[INFO] saved script %q", m.Name)
	return nil
}

// Get returns the manifest and source of a saved script
func (s *Store) Get(name string) (Manifest, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.manifest(name)
	if err != nil {
		return Manifest{}, "", err
	}
	src, err := os.ReadFile(s.sourcePath(name))
	if err != nil {
		return Manifest{}, "", fmt.Errorf("can't read script %s: %w", name, err)
	}
	return m, string(src), nil
}

// List returns manifests of all saved scripts sorted by name
func (s *Store) List() ([]Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.location)
	if err != nil {
		return nil, fmt.Errorf("can't read scripts location: %w", err)
	}

	var res []Manifest
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yml") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".yml")
		m, err := s.manifest(name)
		if err != nil {
			log.Printf("[WARN] skipping unreadable manifest %s: %v", entry.Name(), err)
			continue
		}
		res = append(res, m)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

// Delete removes the script and its manifest
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.manifest(name); err != nil {
		return err
	}
	if err := os.Remove(s.manifestPath(name)); err != nil {
		return fmt.Errorf("can't remove manifest for %s: %w", name, err)
	}
	if err := os.Remove(s.sourcePath(name)); err != nil {
		return fmt.Errorf("can't remove script %s: %w", name, err)
	}
	log.Printf("[INFO] deleted script %q", name)
	return nil
}

// manifest reads and parses a single manifest, caller must hold the lock
func (s *Store) manifest(name string) (Manifest, error) {
	if !nameRe.MatchString(name) {
		return Manifest{}, fmt.Errorf("invalid script name %q: %w", name, ErrNotFound)
	}
	data, err := os.ReadFile(s.manifestPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, fmt.Errorf("script %q: %w", name, ErrNotFound)
		}
		return Manifest{}, fmt.Errorf("can't read manifest for %s: %w", name, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("can't parse manifest for %s: %w", name, err)
	}
	return m, nil
}

func (s *Store) sourcePath(name string) string {
	return filepath.Join(s.location, name+".script")
}

func (s *Store) manifestPath(name string) string {
	return filepath.Join(s.location, name+".yml")
}

// Schema generates a JSON schema for script manifests
func Schema() ([]byte, error) {
	schema := jsonschema.Reflect(&Manifest{})
	schema.Title = "Script Manifest Schema"
	schema.Description = "Schema for saved script manifests"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}
