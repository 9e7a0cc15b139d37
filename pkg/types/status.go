package types

// Status is the three-way (plus startup/empty) state surfaced for targets and
// host aggregates.
type Status string

const (
	StatusConnected    Status = "Connected"
	StatusPartial      Status = "Partially Connected"
	StatusDisconnected Status = "Disconnected"
	// StatusNotConnected is the startup state before a target has produced a
	// sample.
	StatusNotConnected Status = "Not Connected"
	// StatusUnknown is reported for an aggregate with no members.
	StatusUnknown Status = "Unknown"
)

// Problem reports whether the status should arm alert tracking. Unknown is
// deliberately not a problem state: an empty coordinator set says nothing
// about the host.
func (s Status) Problem() bool {
	switch s {
	case StatusDisconnected, StatusNotConnected, StatusPartial:
		return true
	}
	return false
}
