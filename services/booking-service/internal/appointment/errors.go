package appointment

import "fmt"

// StateError reports an operation invoked from a status that does not
// permit it. The aggregate is left unchanged.
type StateError struct {
	Op     string
	Status Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s appointment with status %s", e.Op, e.Status)
}

// IsStateError reports whether err is a transition rejection.
func IsStateError(err error) bool {
	_, ok := err.(*StateError)
	return ok
}
