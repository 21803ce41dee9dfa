package lifecycle

// State is a readiness state. Primary states are stable between triggers;
// transitional states are observable only while a handler runs.
type State string

const (
	Unconfigured    State = "unconfigured"
	Inactive        State = "inactive"
	Active          State = "active"
	Finalized       State = "finalized"
	ErrorProcessing State = "error_processing"

	Configuring  State = "configuring"
	Activating   State = "activating"
	Deactivating State = "deactivating"
	CleaningUp   State = "cleaning_up"
	ShuttingDown State = "shutting_down"
)

// IsTransitional reports whether s only exists while a handler is running.
func (s State) IsTransitional() bool {
	switch s {
	case Configuring, Activating, Deactivating, CleaningUp, ShuttingDown:
		return true
	default:
		return false
	}
}

// Trigger names an external lifecycle request.
type Trigger string

const (
	TriggerConfigure  Trigger = "configure"
	TriggerActivate   Trigger = "activate"
	TriggerDeactivate Trigger = "deactivate"
	TriggerCleanup    Trigger = "cleanup"
	TriggerShutdown   Trigger = "shutdown"
	TriggerFault      Trigger = "fault"
)

// ParseTrigger maps external names onto the triggers accepted by Transition.
func ParseTrigger(raw string) (Trigger, bool) {
	switch t := Trigger(raw); t {
	case TriggerConfigure, TriggerActivate, TriggerDeactivate, TriggerCleanup, TriggerShutdown:
		return t, true
	default:
		return "", false
	}
}
