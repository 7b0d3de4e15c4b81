package extension

// State is the lifecycle state of a plugin.
type State int

// Plugin states. Error is terminal for the current process run: an
// errored plugin is excluded from further activation attempts.
const (
	// StateNotLoaded - manifest discovered, code not loaded.
	StateNotLoaded State = iota

	// StateLoaded - entry point resolved and loaded, not activated.
	StateLoaded

	// StateActivating - activation in progress.
	StateActivating

	// StateActive - entry point ran successfully.
	StateActive

	// StateDeactivating - deactivation in progress.
	StateDeactivating

	// StateDeactivated - deactivated cleanly.
	StateDeactivated

	// StateError - failed; terminal until process restart.
	StateError
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateNotLoaded:
		return "not-loaded"
	case StateLoaded:
		return "loaded"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateDeactivating:
		return "deactivating"
	case StateDeactivated:
		return "deactivated"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Live reports whether the plugin may own live contributions.
func (s State) Live() bool {
	return s == StateActivating || s == StateActive
}
