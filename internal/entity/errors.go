package entity

import "errors"

var (
	// ErrDuplicateEntity is returned by Add for an already registered unique id.
	ErrDuplicateEntity = errors.New("entity: duplicate unique id")

	// ErrNotFound is returned for an unknown unique id.
	ErrNotFound = errors.New("entity: not found")
)
