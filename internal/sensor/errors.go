package sensor

import "errors"

var (
	// ErrDeviceNotFound is returned when an adapter's device is missing from
	// the device state.
	ErrDeviceNotFound = errors.New("sensor: device not found")

	// ErrUnknownKind is returned for a Protect sub-kind outside the fixed set.
	ErrUnknownKind = errors.New("sensor: unknown sensor kind")

	// ErrDuplicateEntity is returned when two adapters share a unique id.
	ErrDuplicateEntity = errors.New("sensor: duplicate entity")
)
