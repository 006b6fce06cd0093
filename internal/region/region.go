// Package region models deployment regions and their roles.
package region

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Role identifies what part a region plays in the topology.
type Role string

const (
	RolePrimary    Role = "primary"
	RoleStandbyHot Role = "standby_hot"
	// RoleStandbyCold regions replicate but are never eligible for
	// automatic promotion.
	RoleStandbyCold Role = "standby_cold"
)

// Region is one deployment region. Role is mutated only by the
// coordinator through Registry.SetPrimary.
type Region struct {
	Name                string    `json:"name"`
	Role                Role      `json:"role"`
	HealthEndpoints     []string  `json:"health_endpoints"`
	DatabaseInstanceID  string    `json:"database_instance_id"`
	Endpoint            string    `json:"endpoint"`
	Priority            int       `json:"priority"`
	HealthScore         float64   `json:"health_score"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Registry holds all known regions. It is the single writer for region
// roles; observability consumers only read copies.
type Registry struct {
	mu      sync.RWMutex
	regions map[string]*Region
}

// NewRegistry creates a registry from the bootstrap region set. Exactly
// one region must carry RolePrimary.
func NewRegistry(regions []*Region) (*Registry, error) {
	if len(regions) == 0 {
		return nil, fmt.Errorf("region: at least one region required")
	}

	m := make(map[string]*Region, len(regions))
	primaries := 0
	for _, r := range regions {
		if r.Name == "" {
			return nil, fmt.Errorf("region: name required")
		}
		if _, dup := m[r.Name]; dup {
			return nil, fmt.Errorf("region: duplicate region %q", r.Name)
		}
		if r.Role == RolePrimary {
			primaries++
		}
		cp := *r
		m[r.Name] = &cp
	}
	if primaries != 1 {
		return nil, fmt.Errorf("region: exactly one primary required, got %d", primaries)
	}

	return &Registry{regions: m}, nil
}

// Get returns a copy of the named region.
func (g *Registry) Get(name string) (Region, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.regions[name]
	if !ok {
		return Region{}, false
	}
	return *r, true
}

// Primary returns the current primary region.
func (g *Registry) Primary() Region {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.regions {
		if r.Role == RolePrimary {
			return *r
		}
	}
	// NewRegistry and SetPrimary preserve the single-primary invariant,
	// so this is unreachable.
	return Region{}
}

// HotStandbys returns standby-hot regions ordered by priority
// (lowest value first), then name for a stable order.
func (g *Registry) HotStandbys() []Region {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Region
	for _, r := range g.regions {
		if r.Role == RoleStandbyHot {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// List returns copies of all regions.
func (g *Registry) List() []Region {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Region, 0, len(g.regions))
	for _, r := range g.regions {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetPrimary swaps the primary role to the named region in one step:
// the old primary becomes a hot standby and the target becomes primary.
// Only the failover coordinator calls this, under the lease.
func (g *Registry) SetPrimary(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	target, ok := g.regions[name]
	if !ok {
		return fmt.Errorf("region: unknown region %q", name)
	}
	if target.Role == RolePrimary {
		return nil
	}
	if target.Role == RoleStandbyCold {
		return fmt.Errorf("region: cold standby %q cannot become primary", name)
	}

	for _, r := range g.regions {
		if r.Role == RolePrimary {
			r.Role = RoleStandbyHot
		}
	}
	target.Role = RolePrimary
	return nil
}

// SetRole changes a region's role without touching the primary. Used
// when reattaching a recovered region as standby.
func (g *Registry) SetRole(name string, role Role) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.regions[name]
	if !ok {
		return fmt.Errorf("region: unknown region %q", name)
	}
	if role == RolePrimary {
		return fmt.Errorf("region: use SetPrimary to change the primary")
	}
	r.Role = role
	return nil
}

// RecordHealth updates the mutable health fields for a region.
func (g *Registry) RecordHealth(name string, score float64, heartbeat time.Time, consecutiveFailures int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.regions[name]
	if !ok {
		return
	}
	r.HealthScore = score
	r.ConsecutiveFailures = consecutiveFailures
	if !heartbeat.IsZero() {
		r.LastHeartbeat = heartbeat
	}
}
