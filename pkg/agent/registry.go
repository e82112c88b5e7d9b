package agent

import (
	"fmt"
	"sync"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

// Role classifies an agent within the company.
type Role string

const (
	RoleFacilitator      Role = "facilitator"
	RoleManager          Role = "manager"
	RoleWorker           Role = "worker"
	RoleQualityAuthority Role = "quality_authority"
)

// Well-known agent ids.
const (
	FacilitatorID      = "coo_pm"
	ManagerID          = "cto_manager"
	QualityAuthorityID = "quality_authority"
)

// WorkerID returns the roster id for a worker type.
func WorkerID(wt models.WorkerType) string {
	return "worker_" + string(wt)
}

// Agent is one roster entry.
type Agent struct {
	ID         string            `json:"id"`
	Role       Role              `json:"role"`
	WorkerType models.WorkerType `json:"workerType,omitempty"`
	Expertise  []string          `json:"expertise,omitempty"`
}

// Registry holds the agent roster in registration order.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// DefaultRegistry returns the standard company roster: one
// facilitator, one manager, one quality authority, one worker per
// worker type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	seed := []Agent{
		{ID: FacilitatorID, Role: RoleFacilitator, Expertise: []string{"facilitation", "planning", "coordination"}},
		{ID: ManagerID, Role: RoleManager, Expertise: []string{"management", "architecture", "decision"}},
		{ID: QualityAuthorityID, Role: RoleQualityAuthority, Expertise: []string{"quality", "compliance", "standards"}},
		{ID: WorkerID(models.WorkerTypeResearch), Role: RoleWorker, WorkerType: models.WorkerTypeResearch, Expertise: []string{"research", "analysis", "investigation"}},
		{ID: WorkerID(models.WorkerTypeDesign), Role: RoleWorker, WorkerType: models.WorkerTypeDesign, Expertise: []string{"architecture", "design", "modeling"}},
		{ID: WorkerID(models.WorkerTypeDesigner), Role: RoleWorker, WorkerType: models.WorkerTypeDesigner, Expertise: []string{"ui", "ux", "design"}},
		{ID: WorkerID(models.WorkerTypeDeveloper), Role: RoleWorker, WorkerType: models.WorkerTypeDeveloper, Expertise: []string{"implementation", "coding", "debugging"}},
		{ID: WorkerID(models.WorkerTypeTest), Role: RoleWorker, WorkerType: models.WorkerTypeTest, Expertise: []string{"testing", "verification", "quality"}},
		{ID: WorkerID(models.WorkerTypeReviewer), Role: RoleWorker, WorkerType: models.WorkerTypeReviewer, Expertise: []string{"review", "quality", "standards"}},
	}
	for i := range seed {
		// The seed roster is well-formed; Register cannot fail here.
		_ = r.Register(seed[i])
	}
	return r
}

// Register adds an agent to the roster.
func (r *Registry) Register(a Agent) error {
	if a.ID == "" {
		return fmt.Errorf("agent registry: id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID]; exists {
		return fmt.Errorf("agent registry: %s already registered", a.ID)
	}
	copied := a
	r.agents[a.ID] = &copied
	r.order = append(r.order, a.ID)
	return nil
}

// Get returns the agent by id.
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// All returns every agent in registration order.
func (r *Registry) All() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// ByRole returns agents with the given role in registration order.
func (r *Registry) ByRole(role Role) []*Agent {
	var out []*Agent
	for _, a := range r.All() {
		if a.Role == role {
			out = append(out, a)
		}
	}
	return out
}

// Workers returns every worker agent in registration order.
func (r *Registry) Workers() []*Agent {
	return r.ByRole(RoleWorker)
}

// WorkerFor returns the worker agent handling the given worker type.
func (r *Registry) WorkerFor(wt models.WorkerType) (*Agent, bool) {
	for _, a := range r.Workers() {
		if a.WorkerType == wt {
			return a, true
		}
	}
	return nil, false
}

// ByExpertise returns agents whose expertise intersects the keywords,
// in registration order.
func (r *Registry) ByExpertise(keywords []string) []*Agent {
	var out []*Agent
	for _, a := range r.All() {
		if expertiseMatches(a.Expertise, keywords) {
			out = append(out, a)
		}
	}
	return out
}

func expertiseMatches(expertise, keywords []string) bool {
	for _, e := range expertise {
		for _, k := range keywords {
			if e == k {
				return true
			}
		}
	}
	return false
}
