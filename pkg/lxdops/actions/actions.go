// Package actions maps what a user asks for onto the instance state action
// the API accepts from the instance's current status.
package actions

// Action is an instance state change, either desired by the user or sent to the API
type Action string

const (
	Start    Action = "start"
	Stop     Action = "stop"
	Restart  Action = "restart"
	Freeze   Action = "freeze"
	Unfreeze Action = "unfreeze"
)

// Status is an instance lifecycle status as reported by the server
type Status string

const (
	Running  Status = "Running"
	Frozen   Status = "Frozen"
	Stopped  Status = "Stopped"
	Starting Status = "Starting"
	Freezing Status = "Freezing"
	Stopping Status = "Stopping"
	Error    Status = "Error"
)

// Desired lists the actions a user can request, in display order
var Desired = []Action{Start, Restart, Freeze, Stop}

// Statuses lists every status the table knows about
var Statuses = []Status{Running, Frozen, Stopped, Starting, Freezing, Stopping, Error}

var transitions = map[Action]map[Status]Action{
	Start: {
		Frozen:  Unfreeze,
		Stopped: Start,
	},
	Restart: {
		Freezing: Restart,
		Running:  Restart,
	},
	Freeze: {
		Running: Freeze,
	},
	Stop: {
		Freezing: Stop,
		Running:  Stop,
		Starting: Stop,
		Frozen:   Stop,
	},
}

// Map returns the concrete action for desired from status. ok is false when
// the transition makes no sense and the instance should be skipped.
func Map(desired Action, status Status) (Action, bool) {
	concrete, ok := transitions[desired][status]
	return concrete, ok
}

// IsDesired reports whether a is something a user can request
func IsDesired(a Action) bool {
	_, ok := transitions[a]
	return ok
}

// PastTense is the label used in notifications, e.g. "3 instances stopped"
func PastTense(a Action) string {
	switch a {
	case Start:
		return "started"
	case Stop:
		return "stopped"
	case Restart:
		return "restarted"
	case Freeze:
		return "frozen"
	case Unfreeze:
		return "resumed"
	default:
		return string(a)
	}
}

// Progressive is the label shown while an action is in flight
func Progressive(a Action) string {
	switch a {
	case Start:
		return "Starting"
	case Stop:
		return "Stopping"
	case Restart:
		return "Restarting"
	case Freeze:
		return "Freezing"
	case Unfreeze:
		return "Resuming"
	default:
		return string(a)
	}
}
