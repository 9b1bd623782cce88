// Package nest provides a public facade re-exporting core types
// for external consumers of this module.
package nest

import (
	"context"
	"log/slog"

	nestcore "github.com/trymwestin/nestd/internal/core/nest"
	"github.com/trymwestin/nestd/internal/core/state"
	"github.com/trymwestin/nestd/internal/entity"
	"github.com/trymwestin/nestd/internal/sensor"
)

// Re-export core types for external use.
type (
	// Device is the last known record for one Nest device.
	Device = state.Device
	// DeviceKind identifies a Nest product family.
	DeviceKind = state.DeviceKind
	// CameraEvent is one entry of a camera's event feed.
	CameraEvent = state.CameraEvent
	// Snapshot is a consistent copy of all device state.
	Snapshot = state.Snapshot
	// Event represents a state change event.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// Provider owns the shared device state and its refresh throttle.
	Provider = nestcore.Provider
	// Client talks to the Nest cloud.
	Client = nestcore.Client
	// Entity is a polled sensor adapter.
	Entity = sensor.Entity
	// Kind is the sensor kind half of an entity's identity.
	Kind = sensor.Kind
	// Source is what sensor adapters read device state from.
	Source = sensor.Provider
	// AddEntitiesFunc registers a batch of entities with a host.
	AddEntitiesFunc = sensor.AddEntitiesFunc
	// EntityState is the last polled state of one entity.
	EntityState = entity.State
	// Descriptor is the static identity of one entity.
	Descriptor = entity.Descriptor
)

// Setup builds every sensor adapter for the devices src knows about and
// registers them through add.
func Setup(ctx context.Context, src Source, add AddEntitiesFunc, log *slog.Logger) error {
	return sensor.Setup(ctx, src, add, log)
}

// Device kind constants.
const (
	KindTemperatureSensor = state.KindTemperatureSensor
	KindProtect           = state.KindProtect
	KindCamera            = state.KindCamera
)

// Sensor kind constants.
const (
	KindTemperature        = sensor.KindTemperature
	KindCOStatus           = sensor.KindCOStatus
	KindSmokeStatus        = sensor.KindSmokeStatus
	KindBatteryHealthState = sensor.KindBatteryHealthState
	KindEvents             = sensor.KindEvents
	KindDetection          = sensor.KindDetection
)

// Event type constants.
const (
	EventRefreshed     = state.EventRefreshed
	EventRefreshFailed = state.EventRefreshFailed
	EventEntityAdded   = state.EventEntityAdded
	EventEntityState   = state.EventEntityState
)
