// Package profile manages the catalog of lab environment templates and
// the resource quotas and sub-services each template launches.
package profile

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/labdev/labdev/internal/common/logger"
	v1 "github.com/labdev/labdev/pkg/api/v1"
)

// ServiceSpec declares one sub-service launched inside a lab environment.
type ServiceSpec struct {
	Name         string   `json:"name"`
	Command      []string `json:"command"`
	Port         int      `json:"port"`
	LivenessPath string   `json:"liveness_path"`
	Required     bool     `json:"required"`
}

// Validate checks the spec is launchable: a name, a command to exec,
// and a usable port.
func (s ServiceSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if len(s.Command) == 0 {
		return fmt.Errorf("service %q has no command", s.Name)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("service %q has invalid port %d", s.Name, s.Port)
	}
	return nil
}

// Profile is an immutable environment template: container image,
// resource quotas, and the ordered list of sub-services to launch.
type Profile struct {
	Name          string           `json:"name"`
	Description   string           `json:"description"`
	Image         string           `json:"image"`
	Tag           string           `json:"tag"`
	Quota         v1.ResourceQuota `json:"quota"`
	Services      []ServiceSpec    `json:"services"`
	StartupWindow time.Duration    `json:"startup_window,omitempty"` // overrides the global default when set
	Enabled       bool             `json:"enabled"`
}

// ImageRef returns the image reference including tag.
func (p *Profile) ImageRef() string {
	if p.Tag == "" {
		return p.Image
	}
	return fmt.Sprintf("%s:%s", p.Image, p.Tag)
}

// Service returns the spec for a named sub-service.
func (p *Profile) Service(name string) (ServiceSpec, bool) {
	for _, svc := range p.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceSpec{}, false
}

// RequiredServices returns the sub-services that must be ready before a
// session counts as running.
func (p *Profile) RequiredServices() []ServiceSpec {
	required := make([]ServiceSpec, 0, len(p.Services))
	for _, svc := range p.Services {
		if svc.Required {
			required = append(required, svc)
		}
	}
	return required
}

// Registry is the static catalog of available profiles.
type Registry struct {
	profiles map[string]*Profile
	mu       sync.RWMutex
	logger   *logger.Logger
}

// NewRegistry creates an empty profile registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		profiles: make(map[string]*Profile),
		logger:   log.WithFields(zap.String("component", "profile-registry")),
	}
}

// LoadDefaults registers the built-in profiles.
func (r *Registry) LoadDefaults() {
	for _, p := range DefaultProfiles() {
		if err := r.Register(p); err != nil {
			r.logger.Warn("skipping default profile", zap.String("profile", p.Name), zap.Error(err))
		}
	}
}

// Register validates and adds a profile to the catalog.
func (r *Registry) Register(p *Profile) error {
	if err := validateProfile(p); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.profiles[p.Name]; exists {
		return fmt.Errorf("profile %q already registered", p.Name)
	}
	r.profiles[p.Name] = p

	r.logger.Debug("registered profile",
		zap.String("profile", p.Name),
		zap.Int("services", len(p.Services)))
	return nil
}

// Get returns an enabled profile by name.
func (r *Registry) Get(name string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile %q not found", name)
	}
	if !p.Enabled {
		return nil, fmt.Errorf("profile %q is disabled", name)
	}
	return p, nil
}

// List returns all registered profiles.
func (r *Registry) List() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		result = append(result, p)
	}
	return result
}

func validateProfile(p *Profile) error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.Image == "" {
		return fmt.Errorf("profile %q: image is required", p.Name)
	}
	if len(p.Services) == 0 {
		return fmt.Errorf("profile %q: at least one service is required", p.Name)
	}

	seen := make(map[string]bool, len(p.Services))
	ports := make(map[int]string, len(p.Services))
	for _, svc := range p.Services {
		if err := svc.Validate(); err != nil {
			return fmt.Errorf("profile %q: %w", p.Name, err)
		}
		if seen[svc.Name] {
			return fmt.Errorf("profile %q: duplicate service %q", p.Name, svc.Name)
		}
		seen[svc.Name] = true
		if other, taken := ports[svc.Port]; taken {
			return fmt.Errorf("profile %q: services %q and %q share port %d", p.Name, other, svc.Name, svc.Port)
		}
		ports[svc.Port] = svc.Name
	}
	return nil
}
