package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Settings is the backend-specific configuration of one repository binding.
type Settings struct {
	Type      string            `mapstructure:"type" json:"type"`
	Bucket    string            `mapstructure:"bucket" json:"bucket,omitempty"`
	Prefix    string            `mapstructure:"prefix" json:"prefix,omitempty"`
	Region    string            `mapstructure:"region" json:"region,omitempty"`
	Endpoint  string            `mapstructure:"endpoint" json:"endpoint,omitempty"`
	AccessKey string            `mapstructure:"access_key" json:"access_key,omitempty"`
	SecretKey string            `mapstructure:"secret_key" json:"secret_key,omitempty"`
	UseSSL    bool              `mapstructure:"use_ssl" json:"use_ssl,omitempty"`
	Path      string            `mapstructure:"path" json:"path,omitempty"`
	RemoteURL string            `mapstructure:"remote_url" json:"remote_url,omitempty"`
	Branch    string            `mapstructure:"branch" json:"branch,omitempty"`
	Username  string            `mapstructure:"username" json:"username,omitempty"`
	Token     string            `mapstructure:"token" json:"token,omitempty"`
	Options   map[string]string `mapstructure:"options" json:"options,omitempty"`
}

// Factory opens a backend from its settings.
type Factory func(ctx context.Context, s Settings) (Client, error)

// Registry maps backend type names to factories. A repository selects its
// backend once, by name, when the client starts.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Open(ctx context.Context, s Settings) (Client, error) {
	r.mu.RLock()
	f, ok := r.factories[s.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider type %q (known: %v)", s.Type, r.Types())
	}
	c, err := f(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("open %s provider: %w", s.Type, err)
	}
	return c, nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
