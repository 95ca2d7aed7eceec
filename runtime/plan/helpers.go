package plan

import "sort"

// StepReady reports whether the step is dispatchable: todo status, no held
// lease, and every dependency present in the done set.
func StepReady(s *Step, done map[string]struct{}) bool {
	if s.Status != StepTodo {
		return false
	}
	if s.LeaseOwner != "" {
		return false
	}
	for _, dep := range s.Dependencies {
		if _, ok := done[dep]; !ok {
			return false
		}
	}
	return true
}

// ParallelGroups buckets steps by their parallel-group tag. Untagged steps are
// omitted. Buckets preserve order-index ordering.
func ParallelGroups(steps []Step) map[string][]Step {
	groups := make(map[string][]Step)
	for _, s := range steps {
		if s.ParallelGroup == "" {
			continue
		}
		groups[s.ParallelGroup] = append(groups[s.ParallelGroup], s)
	}
	for tag := range groups {
		bucket := groups[tag]
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].OrderIndex < bucket[j].OrderIndex })
		groups[tag] = bucket
	}
	return groups
}

// EffectivePriority combines step and plan priority: step priority, plus 3 for
// critical steps, plus a tenth of the plan priority, clamped to [0,10].
func EffectivePriority(s *Step, p *Plan) float64 {
	score := float64(s.Priority)
	if s.Critical {
		score += 3
	}
	score += float64(p.Priority) * 0.1
	if score < 0 {
		return 0
	}
	if score > 10 {
		return 10
	}
	return score
}
