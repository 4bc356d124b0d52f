package ml

import "pointerguard/shared/types"

// Action is the semantic category an event is assigned to.
type Action int

const (
	ActionMove Action = iota
	ActionClick
	ActionDoubleClick
	ActionDrag
	ActionScroll
)

// actionNames orders categories for feature naming.
var actionNames = []string{"move", "click", "double_click", "drag", "scroll"}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "unknown"
}

// pressGroup is one press with its matching release (when found) and every
// event in between.
type pressGroup struct {
	button     string
	start, end int
	action     Action
}

// classifyActions labels every event and returns the press groups found.
// A press looks ahead for the release of the same button; travel above
// dragThreshold in between makes it a drag. A release with no press before it
// counts as a click on its own. Two adjacent click groups of the same button
// whose gap is within cutoff are relabelled as one double click.
func classifyActions(t *track, dragThreshold, cutoff float64) ([]Action, []pressGroup) {
	n := t.len()
	labels := make([]Action, n)
	var groups []pressGroup

	for i := 0; i < n; {
		switch t.kinds[i] {
		case types.EventWheel:
			labels[i] = ActionScroll
		case types.EventMove:
			labels[i] = ActionMove
		case types.EventButtonUp:
			labels[i] = ActionClick
			groups = append(groups, pressGroup{button: t.buttons[i], start: i, end: i, action: ActionClick})
		case types.EventButtonDown:
			end := i
			for k := i + 1; k < n; k++ {
				if t.kinds[k] == types.EventButtonDown {
					break
				}
				if t.kinds[k] == types.EventButtonUp && t.buttons[k] == t.buttons[i] {
					end = k
					break
				}
			}
			travel := 0.0
			for k := i + 1; k <= end; k++ {
				travel += t.distance[k]
			}
			action := ActionClick
			if travel > dragThreshold {
				action = ActionDrag
			}
			for k := i; k <= end; k++ {
				if t.kinds[k] != types.EventWheel {
					labels[k] = action
				} else {
					labels[k] = ActionScroll
				}
			}
			groups = append(groups, pressGroup{button: t.buttons[i], start: i, end: end, action: action})
			i = end + 1
			continue
		}
		i++
	}

	for g := 0; g+1 < len(groups); g++ {
		a, b := groups[g], groups[g+1]
		if a.action != ActionClick || b.action != ActionClick || a.button != b.button {
			continue
		}
		if t.ts[b.start]-t.ts[a.end] > cutoff {
			continue
		}
		travel := 0.0
		for k := a.end + 1; k <= b.start; k++ {
			travel += t.distance[k]
		}
		if travel > dragThreshold {
			continue
		}
		for k := a.start; k <= b.end; k++ {
			if labels[k] != ActionScroll {
				labels[k] = ActionDoubleClick
			}
		}
		groups[g].action = ActionDoubleClick
		groups[g+1].action = ActionDoubleClick
		groups[g].end = b.end
		groups = append(groups[:g+1], groups[g+2:]...)
	}
	return labels, groups
}

// assignInstances numbers action instances by scanning backward. A new
// instance begins whenever the category changes, at every press group start,
// and inside move or scroll runs whenever the gap between events exceeds
// cutoff. Ids are returned in ascending time order starting at 0.
func assignInstances(t *track, labels []Action, groups []pressGroup, cutoff float64) ([]int, int) {
	n := len(labels)
	if n == 0 {
		return nil, 0
	}
	groupStart := make([]bool, n)
	for _, g := range groups {
		groupStart[g.start] = true
	}

	ids := make([]int, n)
	id := 0
	for i := n - 1; i >= 0; i-- {
		if i < n-1 {
			next := i + 1
			split := labels[i] != labels[next]
			if !split {
				switch labels[i] {
				case ActionMove, ActionScroll:
					split = t.ts[next]-t.ts[i] > cutoff
				default:
					split = groupStart[next]
				}
			}
			if split {
				id++
			}
		}
		ids[i] = id
	}
	for i := range ids {
		ids[i] = id - ids[i]
	}
	return ids, id + 1
}
