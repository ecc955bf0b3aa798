package domain

import "sort"

// Discover extracts the agent and submolt names referenced by entities, sorted
// and deduplicated per phase.
func Discover(entities []Entity) map[Phase][]string {
	agents := map[string]bool{}
	submolts := map[string]bool{}
	for _, e := range entities {
		if e.AuthorID != "" {
			agents[e.AuthorID] = true
		}
		if e.SubmoltID != "" {
			submolts[e.SubmoltID] = true
		}
	}

	out := map[Phase][]string{}
	if len(agents) > 0 {
		out[PhaseAgents] = sortedKeys(agents)
	}
	if len(submolts) > 0 {
		out[PhaseSubmolts] = sortedKeys(submolts)
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
