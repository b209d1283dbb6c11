package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks frames missing a required field.
	ErrValidation = errors.New("invalid message")
	// ErrNotFound marks operations naming an unknown participant.
	ErrNotFound = errors.New("user not found")
	// ErrConflict marks registration of a name already in use.
	ErrConflict = errors.New("name already registered")
	// ErrMediaService wraps failures reported by the media server.
	ErrMediaService = errors.New("media service failure")
	// ErrTransport marks a send on a closed or saturated connection.
	ErrTransport = errors.New("transport send failed")
)

func ValidationError(cause error) error {
	return fmt.Errorf("%w: %v", ErrValidation, cause)
}

func NotFoundError(name string) error {
	return fmt.Errorf("%w: user '%s' is not registered", ErrNotFound, name)
}

func MediaError(op string, cause error) error {
	return fmt.Errorf("%w: %s: %v", ErrMediaService, op, cause)
}
