package hub

import (
	"errors"
	"fmt"
)

// Domain errors surfaced by the hub and its collaborators.
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrRoomNotFound     = errors.New("room not found")
	ErrValidation       = errors.New("validation failed")
	ErrSlowConsumer     = errors.New("slow consumer")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrSessionClosed    = errors.New("session closed")
	ErrShutdown         = errors.New("hub shutting down")
)

// ValidationError describes content rejected before it reached the store.
// It matches ErrValidation with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Is lets callers test for ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// reasonLabel maps a termination cause to a short metrics label.
func reasonLabel(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, ErrSlowConsumer):
		return "slow_consumer"
	case errors.Is(err, ErrHeartbeatTimeout):
		return "heartbeat_timeout"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	default:
		return "transport"
	}
}
