package reference

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowforge/orchestrator-core/internal/collaborators"
)

// defaultRoles is the closed set of built-in role ids.
var defaultRoles = []collaborators.RoleConfiguration{
	{RoleID: "architect", ProviderProfile: "default", Mode: "plan"},
	{RoleID: "primary-coder", ProviderProfile: "default", Mode: "code"},
	{RoleID: "secondary-coder", ProviderProfile: "default", Mode: "code"},
	{RoleID: "code-sceptic", ProviderProfile: "default", Mode: "review"},
	{RoleID: "documentation-writer", ProviderProfile: "default", Mode: "write"},
	{RoleID: "debugger", ProviderProfile: "default", Mode: "fix"},
}

// StaticRoleRegistry implements RoleRegistry over the built-in closed role
// set plus any user-defined roles registered at runtime.
type StaticRoleRegistry struct {
	mu    sync.RWMutex
	roles map[string]collaborators.RoleConfiguration

	listeners map[int]func(collaborators.RoleRegistryEvent)
	nextID    int
}

// NewStaticRoleRegistry creates a registry pre-loaded with the default roles.
func NewStaticRoleRegistry() *StaticRoleRegistry {
	r := &StaticRoleRegistry{
		roles:     map[string]collaborators.RoleConfiguration{},
		listeners: map[int]func(collaborators.RoleRegistryEvent){},
	}
	for _, role := range defaultRoles {
		r.roles[role.RoleID] = role
	}
	return r
}

func (r *StaticRoleRegistry) GetProviderProfileForRole(role string) (string, error) {
	cfg, err := r.GetRoleConfiguration(role)
	if err != nil {
		return "", err
	}
	return cfg.ProviderProfile, nil
}

func (r *StaticRoleRegistry) GetModeForRole(role string) (string, error) {
	cfg, err := r.GetRoleConfiguration(role)
	if err != nil {
		return "", err
	}
	return cfg.Mode, nil
}

func (r *StaticRoleRegistry) GetRoleConfiguration(roleID string) (collaborators.RoleConfiguration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.roles[roleID]
	if !ok {
		return collaborators.RoleConfiguration{}, fmt.Errorf("role %q not found", roleID)
	}
	return cfg, nil
}

func (r *StaticRoleRegistry) AddCustomRole(cfg collaborators.RoleConfiguration) error {
	r.mu.Lock()
	if _, exists := r.roles[cfg.RoleID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("role %q already registered", cfg.RoleID)
	}
	cfg.Custom = true
	r.roles[cfg.RoleID] = cfg
	r.mu.Unlock()

	r.emit(collaborators.RoleRegistryEvent{Type: collaborators.CustomRoleAdded, Role: cfg})
	return nil
}

func (r *StaticRoleRegistry) DeleteCustomRole(roleID string) error {
	r.mu.Lock()
	cfg, ok := r.roles[roleID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("role %q not found", roleID)
	}
	if !cfg.Custom {
		r.mu.Unlock()
		return fmt.Errorf("role %q is built-in and cannot be deleted", roleID)
	}
	delete(r.roles, roleID)
	r.mu.Unlock()

	r.emit(collaborators.RoleRegistryEvent{Type: collaborators.CustomRoleDeleted, Role: cfg})
	return nil
}

func (r *StaticRoleRegistry) Subscribe(handler func(collaborators.RoleRegistryEvent)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = handler
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *StaticRoleRegistry) emit(ev collaborators.RoleRegistryEvent) {
	r.mu.RLock()
	listeners := make([]func(collaborators.RoleRegistryEvent), 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// StaticProviderSettings is a trivial ProviderSettingsManager/
// OrchestrationConfigService pair returning one fixed profile per id.
type StaticProviderSettings struct {
	mu       sync.RWMutex
	profiles map[string]collaborators.ProviderProfile
}

// NewStaticProviderSettings creates a settings manager with one seeded
// "default" profile.
func NewStaticProviderSettings() *StaticProviderSettings {
	return &StaticProviderSettings{
		profiles: map[string]collaborators.ProviderProfile{
			"default": {ID: "default", Provider: "anthropic", Model: "default"},
		},
	}
}

func (s *StaticProviderSettings) GetProfile(ctx context.Context, id string) (collaborators.ProviderProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.profiles[id]
	if !ok {
		return collaborators.ProviderProfile{}, fmt.Errorf("provider profile %q not found", id)
	}
	return profile, nil
}

func (s *StaticProviderSettings) GetProviderSettingsForRole(ctx context.Context, role string, psm collaborators.ProviderSettingsManager) (collaborators.ProviderProfile, error) {
	return psm.GetProfile(ctx, "default")
}
