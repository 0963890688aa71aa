package diff

import "sort"

// ApplyPolicy resolves every conflict of the plan with an automatic policy.
// PolicyAsk leaves the conflicts untouched.
func ApplyPolicy(plan *Plan, policy Policy) {
	var r Resolution
	switch policy {
	case PolicyKeepLocal:
		r = KeepLocal
	case PolicyKeepRemote:
		r = KeepRemote
	default:
		return
	}

	resolutions := make(map[string]Resolution, len(plan.Conflicts))
	for _, c := range plan.Conflicts {
		resolutions[c.FileID] = r
	}
	plan.Actions = append(plan.Actions, Resolve(plan, resolutions)...)
	sortActions(plan.Actions)
}

// Resolve removes the conflicts named in resolutions from the plan and returns
// the actions that carry out the decisions. Conflicts absent from the map, or
// with an unknown resolution, stay in the plan.
func Resolve(plan *Plan, resolutions map[string]Resolution) []*Action {
	var actions []*Action
	var remaining []*Conflict
	for _, c := range plan.Conflicts {
		r, ok := resolutions[c.FileID]
		if !ok {
			remaining = append(remaining, c)
			continue
		}
		a, err := c.Action(r)
		if err != nil {
			remaining = append(remaining, c)
			continue
		}
		actions = append(actions, a)
	}
	plan.Conflicts = remaining
	sortActions(actions)
	return actions
}

func sortActions(actions []*Action) {
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].FileID < actions[j].FileID
	})
}
