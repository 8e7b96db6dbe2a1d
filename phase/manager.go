package phase

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrSealed         = errors.New("phase manager: sealed")
	ErrDuplicatePhase = errors.New("phase manager: duplicate phase")
	ErrPriorityOrder  = errors.New("phase manager: priorities must be strictly increasing")
)

// Manager owns the ordered phase lists for each flow. Lists can be extended
// through Insert until Seal is called; after that they are read-only.
type Manager struct {
	mu     sync.RWMutex
	flows  map[Flow][]Phase
	sealed bool
}

// NewManager creates a manager seeded with the default phase lists. The
// fault flows start as copies of the in and out lists.
func NewManager() *Manager {
	in := sequence(defaultIn)
	out := sequence(defaultOutPhases())
	return &Manager{
		flows: map[Flow][]Phase{
			In:       in,
			Out:      out,
			InFault:  clone(in),
			OutFault: clone(out),
		},
	}
}

// NewManagerWithPhases creates a manager from explicit lists. Each list must
// have unique names and strictly increasing priorities.
func NewManagerWithPhases(in, out []Phase) (*Manager, error) {
	if err := validate(in); err != nil {
		return nil, fmt.Errorf("invalid in phases: %w", err)
	}
	if err := validate(out); err != nil {
		return nil, fmt.Errorf("invalid out phases: %w", err)
	}
	return &Manager{
		flows: map[Flow][]Phase{
			In:       clone(in),
			Out:      clone(out),
			InFault:  clone(in),
			OutFault: clone(out),
		},
	}, nil
}

// InPhases returns a copy of the inbound phase list
func (m *Manager) InPhases() []Phase {
	return m.Phases(In)
}

// OutPhases returns a copy of the outbound phase list
func (m *Manager) OutPhases() []Phase {
	return m.Phases(Out)
}

// InFaultPhases returns a copy of the inbound fault phase list
func (m *Manager) InFaultPhases() []Phase {
	return m.Phases(InFault)
}

// OutFaultPhases returns a copy of the outbound fault phase list
func (m *Manager) OutFaultPhases() []Phase {
	return m.Phases(OutFault)
}

// Phases returns a copy of the list for flow
func (m *Manager) Phases(flow Flow) []Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(m.flows[flow])
}

// Lookup finds a phase by name within a flow
func (m *Manager) Lookup(flow Flow, name string) (Phase, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.flows[flow] {
		if p.Name == name {
			return p, true
		}
	}
	return Phase{}, false
}

// Insert adds a phase to a flow at the position given by its priority
func (m *Manager) Insert(flow Flow, p Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealed {
		return ErrSealed
	}
	phases := m.flows[flow]
	for _, existing := range phases {
		if existing.Name == p.Name {
			return fmt.Errorf("%w: %s in %s", ErrDuplicatePhase, p.Name, flow)
		}
		if existing.Priority == p.Priority {
			return fmt.Errorf("%w: %s and %s share priority %d", ErrPriorityOrder, existing.Name, p.Name, p.Priority)
		}
	}
	phases = append(clone(phases), p)
	sort.Slice(phases, func(i, j int) bool { return phases[i].Priority < phases[j].Priority })
	m.flows[flow] = phases
	return nil
}

// Seal makes the manager read-only
func (m *Manager) Seal() {
	m.mu.Lock()
	m.sealed = true
	m.mu.Unlock()
}

// Sealed reports whether Seal has been called
func (m *Manager) Sealed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sealed
}

func validate(phases []Phase) error {
	seen := make(map[string]struct{}, len(phases))
	for i, p := range phases {
		if _, ok := seen[p.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicatePhase, p.Name)
		}
		seen[p.Name] = struct{}{}
		if i > 0 && p.Priority <= phases[i-1].Priority {
			return fmt.Errorf("%w: %s after %s", ErrPriorityOrder, p.Name, phases[i-1].Name)
		}
	}
	return nil
}

func clone(phases []Phase) []Phase {
	out := make([]Phase, len(phases))
	copy(out, phases)
	return out
}
