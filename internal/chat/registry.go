package chat

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Registry is the authoritative set of live clients, keyed by client ID.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Add inserts c. Adding a client that is already registered is a no-op.
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	if _, exists := r.clients[c.ID]; exists {
		r.mu.Unlock()
		return
	}
	r.clients[c.ID] = c
	n := len(r.clients)
	ConnectedClients.Set(float64(n))
	r.mu.Unlock()

	r.logger.Info("client registered", "username", c.Username, "client_id", c.ID, "clients", n)
}

// Remove deletes c and reports whether it was present. The broadcaster's
// eviction and the session's own cleanup may both call it for one client.
func (r *Registry) Remove(c *Client) bool {
	r.mu.Lock()
	if _, ok := r.clients[c.ID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.clients, c.ID)
	n := len(r.clients)
	ConnectedClients.Set(float64(n))
	r.mu.Unlock()

	r.logger.Info("client removed", "username", c.Username, "client_id", c.ID, "clients", n)
	return true
}

// Snapshot returns a copy of the current membership, ordered by username
// then ID. The caller may iterate it without holding the registry lock.
func (r *Registry) Snapshot() []*Client {
	r.mu.Lock()
	snap := lo.Values(r.clients)
	r.mu.Unlock()

	sort.Slice(snap, func(i, j int) bool {
		if snap[i].Username != snap[j].Username {
			return snap[i].Username < snap[j].Username
		}
		return snap[i].ID < snap[j].ID
	})
	return snap
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Usernames lists the display names of the current members in snapshot order.
func (r *Registry) Usernames() []string {
	return lo.Map(r.Snapshot(), func(c *Client, _ int) string {
		return c.Username
	})
}
