package periodic

import "fmt"

// PanicError reports a task that panicked. The runner keeps going.
type PanicError struct {
	Task  string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.Task, e.Value)
}
