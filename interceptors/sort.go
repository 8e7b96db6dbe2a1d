package interceptors

import (
	"github.com/glimte/phasechain/contracts"
	"github.com/glimte/phasechain/phase"
)

// entry is one position in an assembled chain
type entry struct {
	ic       Interceptor
	phase    phase.Phase
	seq      int
	executed bool
}

// assemble groups interceptors by phase and orders each phase with the
// before/after hints. Ties go to the lower registration sequence.
func assemble(phases []phase.Phase, items []*entry) ([]*entry, error) {
	index := make(map[string]int, len(phases))
	for i, p := range phases {
		index[p.Name] = i
	}

	groups := make([][]*entry, len(phases))
	ids := make(map[string]struct{}, len(items))
	for _, e := range items {
		id := e.ic.ID()
		i, ok := index[e.ic.Phase()]
		if !ok {
			return nil, &contracts.ChainAssemblyError{Phase: e.ic.Phase(), Interceptor: id, Reason: "unknown phase"}
		}
		if _, dup := ids[id]; dup {
			return nil, &contracts.ChainAssemblyError{Phase: e.ic.Phase(), Interceptor: id, Reason: "duplicate interceptor id"}
		}
		ids[id] = struct{}{}
		e.phase = phases[i]
		groups[i] = append(groups[i], e)
	}

	ordered := make([]*entry, 0, len(items))
	for i, group := range groups {
		sorted, err := orderPhase(group)
		if err != nil {
			err.Phase = phases[i].Name
			return nil, err
		}
		ordered = append(ordered, sorted...)
	}
	return ordered, nil
}

// orderPhase runs Kahn's algorithm over one phase. Hints naming IDs outside
// the group are ignored.
func orderPhase(group []*entry) ([]*entry, *contracts.ChainAssemblyError) {
	if len(group) < 2 {
		return group, nil
	}

	pos := make(map[string]int, len(group))
	for i, e := range group {
		pos[e.ic.ID()] = i
	}

	edges := make([][]int, len(group))
	indegree := make([]int, len(group))
	seen := make(map[[2]int]struct{})
	link := func(from, to int) {
		if from == to {
			return
		}
		key := [2]int{from, to}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		edges[from] = append(edges[from], to)
		indegree[to]++
	}
	for i, e := range group {
		for _, id := range e.ic.Before() {
			if j, ok := pos[id]; ok {
				link(i, j)
			}
		}
		for _, id := range e.ic.After() {
			if j, ok := pos[id]; ok {
				link(j, i)
			}
		}
	}

	done := make([]bool, len(group))
	sorted := make([]*entry, 0, len(group))
	for len(sorted) < len(group) {
		next := -1
		for i := range group {
			if done[i] || indegree[i] > 0 {
				continue
			}
			if next == -1 || group[i].seq < group[next].seq {
				next = i
			}
		}
		if next == -1 {
			var cycle []string
			for i, e := range group {
				if !done[i] {
					cycle = append(cycle, e.ic.ID())
				}
			}
			return nil, &contracts.ChainAssemblyError{Cycle: cycle}
		}
		done[next] = true
		sorted = append(sorted, group[next])
		for _, to := range edges[next] {
			indegree[to]--
		}
	}
	return sorted, nil
}
