package asynqtask

import "fmt"

var (
	ErrUnknownBackend   = fmt.Errorf("unknown task backend")
	ErrMalformedPayload = fmt.Errorf("malformed task payload")
	ErrInvalidTaskName  = fmt.Errorf("task identifier must not be empty")
)
