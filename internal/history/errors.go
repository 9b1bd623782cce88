package history

import "errors"

var (
	// ErrDisabled indicates InfluxDB history is disabled in configuration.
	ErrDisabled = errors.New("history: disabled in configuration")

	// ErrConnectionFailed indicates the initial connection attempt failed.
	ErrConnectionFailed = errors.New("history: connection failed")
)
