package sensor

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/trymwestin/nestd/internal/core/state"
)

// base carries the identity every adapter shares.
type base struct {
	provider Provider
	deviceID string
}

func (b base) DeviceID() string { return b.deviceID }

func (b base) Update(ctx context.Context) error { return b.provider.Update(ctx) }

func (b base) device() (state.Device, error) {
	d, ok := b.provider.Device(b.deviceID)
	if !ok {
		return state.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, b.deviceID)
	}
	return d, nil
}

func (b base) name(suffix string) (string, error) {
	d, err := b.device()
	if err != nil {
		return "", err
	}
	return d.Name + " " + suffix, nil
}

// --- Temperature ---

// Temperature reports a temperature sensor's reading in °C.
type Temperature struct{ base }

// NewTemperature creates a temperature adapter for deviceID.
func NewTemperature(p Provider, deviceID string) *Temperature {
	return &Temperature{base{provider: p, deviceID: deviceID}}
}

func (s *Temperature) UniqueID() string    { return s.deviceID }
func (s *Temperature) Kind() Kind          { return KindTemperature }
func (s *Temperature) DeviceClass() string { return "temperature" }
func (s *Temperature) Unit() string        { return "°C" }

func (s *Temperature) Name() (string, error) { return s.name("Temperature") }

func (s *Temperature) State() (any, error) {
	d, err := s.device()
	if err != nil {
		return nil, err
	}
	if d.Temperature == nil {
		return nil, nil
	}
	return *d.Temperature, nil
}

func (s *Temperature) Attributes() (map[string]any, error) {
	d, err := s.device()
	if err != nil {
		return nil, err
	}
	attrs := map[string]any{}
	if d.BatteryLevel != nil {
		attrs["battery_level"] = *d.BatteryLevel
	}
	return attrs, nil
}

// --- Protect ---

// Protect reports one status field of a Nest Protect.
type Protect struct {
	base
	kind Kind
}

// NewProtect creates a Protect adapter for one of ProtectKinds.
func NewProtect(p Provider, deviceID string, kind Kind) (*Protect, error) {
	if !slices.Contains(ProtectKinds, kind) {
		return nil, fmt.Errorf("%w: protect %q", ErrUnknownKind, kind)
	}
	return &Protect{base: base{provider: p, deviceID: deviceID}, kind: kind}, nil
}

func (s *Protect) UniqueID() string    { return s.deviceID + "_" + string(s.kind) }
func (s *Protect) Kind() Kind          { return s.kind }
func (s *Protect) DeviceClass() string { return "" }
func (s *Protect) Unit() string        { return "" }

func (s *Protect) Name() (string, error) { return s.name(string(s.kind)) }

func (s *Protect) State() (any, error) {
	d, err := s.device()
	if err != nil {
		return nil, err
	}
	var v *int
	switch s.kind {
	case KindCOStatus:
		v = d.COStatus
	case KindSmokeStatus:
		v = d.SmokeStatus
	case KindBatteryHealthState:
		v = d.BatteryHealthState
	}
	if v == nil {
		return nil, nil
	}
	return *v, nil
}

func (s *Protect) Attributes() (map[string]any, error) {
	if _, err := s.device(); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

// --- Camera events ---

// CameraEvent reports when the camera's most recent event started.
type CameraEvent struct{ base }

// NewCameraEvent creates an event feed adapter for a camera.
func NewCameraEvent(p Provider, deviceID string) *CameraEvent {
	return &CameraEvent{base{provider: p, deviceID: deviceID}}
}

func (s *CameraEvent) UniqueID() string    { return s.deviceID }
func (s *CameraEvent) Kind() Kind          { return KindEvents }
func (s *CameraEvent) DeviceClass() string { return "timestamp" }
func (s *CameraEvent) Unit() string        { return "" }

func (s *CameraEvent) Name() (string, error) { return s.name("Events") }

func (s *CameraEvent) State() (any, error) {
	d, err := s.device()
	if err != nil {
		return nil, err
	}
	ev, ok := lastEvent(d.Events)
	if !ok || ev.StartTime.IsZero() {
		return nil, nil
	}
	return ev.StartTime.UTC().Format(time.RFC3339), nil
}

func (s *CameraEvent) Attributes() (map[string]any, error) {
	d, err := s.device()
	if err != nil {
		return nil, err
	}
	events := make([]map[string]any, 0, len(d.Events))
	for _, ev := range d.Events {
		events = append(events, eventAttributes(ev))
	}
	attrs := map[string]any{"events": events}
	if ev, ok := lastEvent(d.Events); ok {
		attrs["last_event"] = eventAttributes(ev)
	}
	return attrs, nil
}

// --- Camera detection ---

// CameraDetection reports what the camera's most recent event detected.
type CameraDetection struct{ base }

// NewCameraDetection creates a detection adapter for a camera.
func NewCameraDetection(p Provider, deviceID string) *CameraDetection {
	return &CameraDetection{base{provider: p, deviceID: deviceID}}
}

func (s *CameraDetection) UniqueID() string    { return s.deviceID + "_detection" }
func (s *CameraDetection) Kind() Kind          { return KindDetection }
func (s *CameraDetection) DeviceClass() string { return "" }
func (s *CameraDetection) Unit() string        { return "" }

func (s *CameraDetection) Name() (string, error) { return s.name("Detection") }

func (s *CameraDetection) State() (any, error) {
	d, err := s.device()
	if err != nil {
		return nil, err
	}
	ev, ok := lastEvent(d.Events)
	if !ok {
		return nil, nil
	}
	if t, ok := at(ev.Types, 0); ok {
		return t, nil
	}
	return nil, nil
}

func (s *CameraDetection) Attributes() (map[string]any, error) {
	d, err := s.device()
	if err != nil {
		return nil, err
	}
	ev, ok := lastEvent(d.Events)
	if !ok {
		return map[string]any{}, nil
	}
	attrs := eventAttributes(ev)
	for i, key := range []string{"type1", "type2", "type3"} {
		if t, ok := at(ev.Types, i); ok {
			attrs[key] = t
		}
	}
	if z, ok := at(ev.ZoneIDs, 0); ok {
		attrs["zone1"] = z
	}
	return attrs, nil
}

// --- Helpers ---

func lastEvent(events []state.CameraEvent) (state.CameraEvent, bool) {
	return at(events, len(events)-1)
}

// at returns s[i] when i is in range.
func at[T any](s []T, i int) (T, bool) {
	var zero T
	if i < 0 || i >= len(s) {
		return zero, false
	}
	return s[i], true
}

func eventAttributes(ev state.CameraEvent) map[string]any {
	attrs := map[string]any{
		"important": ev.Important,
		"types":     append([]string{}, ev.Types...),
		"zone_ids":  append([]int{}, ev.ZoneIDs...),
	}
	if ev.ID != "" {
		attrs["id"] = ev.ID
	}
	if !ev.StartTime.IsZero() {
		attrs["start_time"] = ev.StartTime.UTC().Format(time.RFC3339)
	}
	if !ev.EndTime.IsZero() {
		attrs["end_time"] = ev.EndTime.UTC().Format(time.RFC3339)
	}
	if ev.FaceName != "" {
		attrs["face_name"] = ev.FaceName
	}
	return attrs
}

var (
	_ Entity = (*Temperature)(nil)
	_ Entity = (*Protect)(nil)
	_ Entity = (*CameraEvent)(nil)
	_ Entity = (*CameraDetection)(nil)
)
