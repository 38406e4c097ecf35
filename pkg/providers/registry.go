package providers

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Manifest is the metadata file describing an installed provider. Discovery
// reads one manifest.yaml per provider directory.
type Manifest struct {
	// Name is the provider name environments reference.
	Name string `yaml:"name"`

	// Version is the provider release version.
	Version string `yaml:"version,omitempty"`

	// Description says what the provider provisions.
	Description string `yaml:"description,omitempty"`

	// Binary is the provider executable, resolved relative to the
	// manifest directory unless absolute.
	Binary string `yaml:"binary"`
}

// Validate checks the manifest names a provider and a binary.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("provider manifest has no name")
	}
	if m.Binary == "" {
		return fmt.Errorf("provider manifest %s has no binary", m.Name)
	}
	return nil
}

// Registry resolves provider names to providers. Binaries come from the
// settings map, from manifest discovery, or from a per-environment
// override; tests and embedded providers can register Provider values
// directly.
type Registry struct {
	mu        sync.RWMutex
	binaries  map[string]string
	instances map[string]Provider
	logger    zerolog.Logger
}

// NewRegistry creates a registry seeded with the configured name-to-binary
// map.
func NewRegistry(binaries map[string]string, logger zerolog.Logger) *Registry {
	r := &Registry{
		binaries:  make(map[string]string, len(binaries)),
		instances: make(map[string]Provider),
		logger:    logger.With().Str("component", "provider-registry").Logger(),
	}
	for name, binary := range binaries {
		r.binaries[name] = binary
	}
	return r
}

// Register adds an in-process provider instance. It wins over a configured
// binary of the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[p.Name()] = p
}

// Resolve returns the provider for name. A non-empty binary overrides any
// configured path for this resolution only.
func (r *Registry) Resolve(name, binary string) (Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("provider name is required")
	}

	if binary != "" {
		if err := checkBinary(binary); err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		return NewExecProvider(name, binary, r.logger)
	}

	r.mu.RLock()
	instance, registered := r.instances[name]
	configured, hasBinary := r.binaries[name]
	r.mu.RUnlock()

	if registered {
		return instance, nil
	}
	if !hasBinary {
		return nil, &UnknownProviderError{Name: name, Known: r.Names()}
	}
	if err := checkBinary(configured); err != nil {
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}
	return NewExecProvider(name, configured, r.logger)
}

// Names returns every resolvable provider name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.binaries)+len(r.instances))
	for name := range r.binaries {
		seen[name] = true
	}
	for name := range r.instances {
		seen[name] = true
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Discover walks dir for manifest.yaml files and registers each described
// provider. Already-known names are left alone so settings keep
// precedence; a missing directory is not an error.
func (r *Registry) Discover(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to access provider directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("provider path is not a directory: %s", dir)
	}

	count := 0
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != "manifest.yaml" {
			return nil
		}

		manifest, err := loadManifest(path)
		if err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("Skipping provider manifest")
			return nil
		}

		binary := manifest.Binary
		if !filepath.IsAbs(binary) {
			binary = filepath.Join(filepath.Dir(path), binary)
		}

		r.mu.Lock()
		_, known := r.binaries[manifest.Name]
		if !known {
			_, known = r.instances[manifest.Name]
		}
		if !known {
			r.binaries[manifest.Name] = binary
			count++
		}
		r.mu.Unlock()

		if known {
			r.logger.Debug().
				Str("provider", manifest.Name).
				Msg("Provider already registered, manifest ignored")
			return nil
		}

		r.logger.Debug().
			Str("provider", manifest.Name).
			Str("version", manifest.Version).
			Str("binary", binary).
			Msg("Provider discovered")
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan provider directory: %w", err)
	}

	r.logger.Info().
		Int("count", count).
		Str("dir", dir).
		Msg("Provider discovery completed")

	return nil
}

// loadManifest reads and validates one provider manifest.
func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// checkBinary verifies the provider binary exists and is executable.
func checkBinary(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("provider binary not found: %s", path)
		}
		return fmt.Errorf("failed to stat provider binary: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("provider binary is a directory: %s", path)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("provider binary is not executable: %s", path)
	}
	return nil
}

// UnknownProviderError reports a provider name with no registered instance
// and no configured binary.
type UnknownProviderError struct {
	// Name is the unresolvable provider name.
	Name string

	// Known lists the resolvable names.
	Known []string
}

// Error implements the error interface.
func (e *UnknownProviderError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("unknown provider %q (none configured)", e.Name)
	}
	return fmt.Sprintf("unknown provider %q (known: %s)", e.Name, strings.Join(e.Known, ", "))
}
