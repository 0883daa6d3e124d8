package inference

import (
	"errors"
	"fmt"
)

var (
	// ErrThrottled marks a rate-limit rejection from the remote service.
	ErrThrottled = errors.New("inference throttled")
	// ErrEmptyConversation is returned when there is nothing to send.
	ErrEmptyConversation = errors.New("conversation has no messages")
)

// RemoteError describes a failed call to the remote service.
type RemoteError struct {
	Provider  string
	Status    int
	Message   string
	Throttled bool
	Err       error
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrThrottled) match throttled remote errors.
func (e *RemoteError) Is(target error) bool {
	return target == ErrThrottled && e.Throttled
}
