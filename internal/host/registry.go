package host

import (
	"fmt"
	"sync"
)

// Registry manages the clients for the enumerated host set. The primary
// host is the image host galleries upload to; the rest are file hosts.
type Registry struct {
	clients map[string]*Client
	image   map[string]*ImageClient
	primary string
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		image:   make(map[string]*ImageClient),
	}
}

// Register adds a file-host client.
func (r *Registry) Register(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[c.HostID()]; exists {
		return fmt.Errorf("host '%s' already registered", c.HostID())
	}
	r.clients[c.HostID()] = c
	return nil
}

// RegisterImage adds an image-host client. The first image host registered
// becomes primary by default.
func (r *Registry) RegisterImage(c *ImageClient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.image[c.HostID()]; exists {
		return fmt.Errorf("image host '%s' already registered", c.HostID())
	}
	r.image[c.HostID()] = c
	if r.primary == "" {
		r.primary = c.HostID()
	}
	return nil
}

// Get returns a file-host client by id.
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[id]
	return c, ok
}

// Image returns an image-host client by id, falling back to the primary
// when id is empty.
func (r *Registry) Image(id string) (*ImageClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == "" {
		id = r.primary
	}
	c, ok := r.image[id]
	return c, ok
}

// All returns every registered file-host client.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// SetPrimary selects the primary image host.
func (r *Registry) SetPrimary(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.image[id]; !exists {
		return fmt.Errorf("image host '%s' not found", id)
	}
	r.primary = id
	return nil
}
