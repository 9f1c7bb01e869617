package ipc

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConnected   = errors.New("ipc: not connected")
	ErrConnectionLost = errors.New("ipc: connection lost")
	ErrTimeout        = errors.New("ipc: request timed out")
	ErrRouterClosed   = errors.New("ipc: router closed")
)

// TimeoutError is returned when no correlated response arrived in time.
type TimeoutError struct {
	Action string
	ID     string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ipc %s request %s timed out after %s", e.Action, e.ID, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
