package config

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateMiner = errors.New("miner name already exists")
	ErrMinerNotFound  = errors.New("miner not found")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
