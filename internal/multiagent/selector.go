package multiagent

import "sort"

// FindBestAgentForCapability returns the selectable peer advertising
// capability with the lowest reported load, ties broken by agent_id. These
// selector functions are synchronous, deterministic, and never call the
// model: they back both the LLM router's candidate lookup and direct use
// from tests.
func FindBestAgentForCapability(r *Registry, capability string) (Entry, bool) {
	candidates := r.ListCapable(capability)
	if len(candidates) == 0 {
		return Entry{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		li, lj := loadOf(candidates[i]), loadOf(candidates[j])
		if li != lj {
			return li < lj
		}
		return candidates[i].Status.AgentID < candidates[j].Status.AgentID
	})
	return candidates[0], true
}

// FindAgentByID returns the entry for id iff it is currently selectable.
func FindAgentByID(r *Registry, id string) (Entry, bool) {
	e, ok := r.Get(id)
	if !ok || !r.isSelectable(e) {
		return Entry{}, false
	}
	return e, true
}

func loadOf(e Entry) float64 {
	if e.Status.Load == nil {
		return 0
	}
	return *e.Status.Load
}
