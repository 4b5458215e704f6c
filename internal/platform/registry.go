package platform

import (
	"fmt"

	"github.com/kanshi-ai/kanshi/internal/model"
)

// Registry resolves providers to their clients.
type Registry struct {
	clients map[model.Provider]Client
}

// NewRegistry builds a registry from the given clients.
func NewRegistry(clients ...Client) *Registry {
	m := make(map[model.Provider]Client, len(clients))
	for _, c := range clients {
		m[c.Provider()] = c
	}
	return &Registry{clients: m}
}

// Get returns the client for a provider.
func (r *Registry) Get(provider model.Provider) (Client, error) {
	c, ok := r.clients[provider]
	if !ok {
		return nil, fmt.Errorf("platform: no client registered for provider %q", provider)
	}
	return c, nil
}
