// Package radio tracks the local Bluetooth radio's availability and
// gates advertise/scan requests on it.
package radio

// State represents the radio's availability. Transitions are pushed by
// the platform; advertise/scan/connect are only valid in PoweredOn.
type State int

const (
	StateUnknown State = iota
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

// String returns the string representation of the State
func (s State) String() string {
	switch s {
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "poweredOff"
	case StatePoweredOn:
		return "poweredOn"
	default:
		return "unknown"
	}
}

// Ready reports whether radio operations are valid in this state.
func (s State) Ready() bool {
	return s == StatePoweredOn
}
