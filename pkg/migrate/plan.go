package migrate

// Action is what the driver will do with a subvolume.
type Action string

const (
	ActionTransfer Action = "transfer"
	ActionSkip     Action = "skip"
)

// PlanEntry is the decision for one subvolume. Reason is set for
// ActionSkip.
type PlanEntry struct {
	Name   string
	Action Action
	Reason string
}

// Plan is the ordered list of decisions for a run. The driver executes it
// as-is, without re-evaluating policy, so what plan mode prints is exactly
// what a run would do.
type Plan struct {
	Entries []PlanEntry
}

// TransferCount returns how many entries the driver will actually move.
func (p *Plan) TransferCount() int {
	n := 0
	for _, e := range p.Entries {
		if e.Action == ActionTransfer {
			n++
		}
	}
	return n
}

// BuildPlan applies the skip policy to an enumeration, preserving its
// order. An empty enumeration is rejected before any mutation can happen.
func BuildPlan(names []string, policy SkipPolicy) (*Plan, error) {
	if len(names) == 0 {
		return nil, ErrNoSubvolumes
	}

	plan := &Plan{Entries: make([]PlanEntry, 0, len(names))}
	for _, name := range names {
		if skip, reason := policy.Match(name); skip {
			plan.Entries = append(plan.Entries, PlanEntry{Name: name, Action: ActionSkip, Reason: reason})
			continue
		}
		plan.Entries = append(plan.Entries, PlanEntry{Name: name, Action: ActionTransfer})
	}
	return plan, nil
}
