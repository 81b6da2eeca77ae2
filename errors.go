package valveautomation

import "errors"

// Error kinds surfaced by the controller. Wrapped errors carry context; match
// them with errors.Is.
var (
	// ErrConfig marks a malformed or ambiguous electrode assignment.
	ErrConfig = errors.New("config error")
	// ErrStorage marks a read or write failure of the assignment table or step log.
	ErrStorage = errors.New("storage error")
	// ErrLink marks an unavailable valve controller channel or a failed write.
	ErrLink = errors.New("link error")
	// ErrDevice marks a failed capacitance read.
	ErrDevice = errors.New("device error")
	// ErrSessionInProgress is returned when a step is applied while another session runs.
	ErrSessionInProgress = errors.New("valve automation session already in progress")
)

// ErrLinkClosed is returned by Send on a closed link. It matches ErrLink.
var ErrLinkClosed = &linkClosedError{}

type linkClosedError struct{}

func (*linkClosedError) Error() string { return "link error: valve link closed" }

func (*linkClosedError) Is(target error) bool { return target == ErrLink }
