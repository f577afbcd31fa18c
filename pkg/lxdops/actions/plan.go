package actions

// Instance is the minimum the planner needs to know about an instance
type Instance struct {
	Name    string
	Project string
	Status  Status
}

// Planned pairs an instance with the concrete action to send for it
type Planned struct {
	Instance Instance
	Action   Action
}

// Plan maps desired over a selection and drops instances for which the
// transition is not meaningful. skipped holds those, in input order.
func Plan(desired Action, instances []Instance) (planned []Planned, skipped []Instance) {
	planned = make([]Planned, 0, len(instances))
	for _, inst := range instances {
		concrete, ok := Map(desired, inst.Status)
		if !ok {
			skipped = append(skipped, inst)
			continue
		}
		planned = append(planned, Planned{Instance: inst, Action: concrete})
	}
	return planned, skipped
}

// Available returns the desired actions that apply to at least one
// instance of the selection, used to enable bulk action buttons.
func Available(instances []Instance) []Action {
	var out []Action
	for _, desired := range Desired {
		for _, inst := range instances {
			if _, ok := Map(desired, inst.Status); ok {
				out = append(out, desired)
				break
			}
		}
	}
	return out
}
