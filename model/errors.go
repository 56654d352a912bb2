package model

import "errors"

var (
	// ErrInvalidSpec is returned when a submitted run cannot be normalized.
	ErrInvalidSpec = errors.New("invalid run spec")
	// ErrNotFound is returned for unknown run identifiers.
	ErrNotFound = errors.New("run not found")
	// ErrInternal marks unexpected failures while wiring a run.
	ErrInternal = errors.New("failed to start run")
)
