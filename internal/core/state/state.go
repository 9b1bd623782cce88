package state

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DeviceKind identifies the Nest product family a device belongs to.
type DeviceKind string

const (
	KindTemperatureSensor DeviceKind = "temperature_sensor"
	KindProtect           DeviceKind = "protect"
	KindCamera            DeviceKind = "camera"
)

// CameraEvent is one entry of a camera's event feed.
type CameraEvent struct {
	ID        string    `json:"id,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	FaceName  string    `json:"face_name,omitempty"`
	Important bool      `json:"is_important"`
	Types     []string  `json:"types"`
	ZoneIDs   []int     `json:"zone_ids"`
}

// Device is the last known record for a single Nest device. Fields a device
// family does not report stay nil.
type Device struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Kind               DeviceKind    `json:"kind"`
	Temperature        *float64      `json:"temperature,omitempty"`
	BatteryLevel       *float64      `json:"battery_level,omitempty"`
	COStatus           *int          `json:"co_status,omitempty"`
	SmokeStatus        *int          `json:"smoke_status,omitempty"`
	BatteryHealthState *int          `json:"battery_health_state,omitempty"`
	Events             []CameraEvent `json:"events,omitempty"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Snapshot is a copy of the whole device state.
type Snapshot struct {
	Devices            map[string]Device `json:"devices"`
	TemperatureSensors []string          `json:"temperature_sensors"`
	Protects           []string          `json:"protects"`
	Cameras            []string          `json:"cameras"`
	RefreshedAt        time.Time         `json:"refreshed_at"`
}

// NewSnapshot indexes devices by id and fills the per-kind id collections in
// a stable order.
func NewSnapshot(devices []Device, refreshedAt time.Time) Snapshot {
	snap := Snapshot{
		Devices:     make(map[string]Device, len(devices)),
		RefreshedAt: refreshedAt,
	}
	for _, d := range devices {
		snap.Devices[d.ID] = d
		switch d.Kind {
		case KindTemperatureSensor:
			snap.TemperatureSensors = append(snap.TemperatureSensors, d.ID)
		case KindProtect:
			snap.Protects = append(snap.Protects, d.ID)
		case KindCamera:
			snap.Cameras = append(snap.Cameras, d.ID)
		}
	}
	sort.Strings(snap.TemperatureSensors)
	sort.Strings(snap.Protects)
	sort.Strings(snap.Cameras)
	return snap
}

// EventType identifies event categories.
type EventType string

const (
	EventRefreshed     EventType = "refreshed"
	EventRefreshFailed EventType = "refresh_failed"
	EventEntityAdded   EventType = "entity_added"
	EventEntityState   EventType = "entity_state"
)

// Event represents a state change.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Reader provides read-only access to device state.
type Reader interface {
	Device(id string) (Device, bool)
	TemperatureSensors() []string
	Protects() []string
	Cameras() []string
	Snapshot() Snapshot
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers. Slow subscribers lose events
// rather than block the publisher.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function. The
// channel is closed on unsubscribe.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// --- Store ---

// Store holds the current device state with thread-safe access. Replace is
// the only mutator.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
	bus  *EventBus
	log  *slog.Logger
}

// NewStore creates an empty store wired to the event bus.
func NewStore(bus *EventBus, log *slog.Logger) *Store {
	return &Store{
		snap: Snapshot{Devices: map[string]Device{}},
		bus:  bus,
		log:  log,
	}
}

// Device returns the record for id.
func (s *Store) Device(id string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.snap.Devices[id]
	return d, ok
}

// TemperatureSensors returns the ids of all known temperature sensors.
func (s *Store) TemperatureSensors() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.snap.TemperatureSensors...)
}

// Protects returns the ids of all known Protect detectors.
func (s *Store) Protects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.snap.Protects...)
}

// Cameras returns the ids of all known cameras.
func (s *Store) Cameras() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.snap.Cameras...)
}

// RefreshedAt returns when the state was last replaced.
func (s *Store) RefreshedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.RefreshedAt
}

// Snapshot returns a copy of all state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

func (s *Store) copyLocked() Snapshot {
	devices := make(map[string]Device, len(s.snap.Devices))
	for k, v := range s.snap.Devices {
		devices[k] = v
	}
	return Snapshot{
		Devices:            devices,
		TemperatureSensors: append([]string(nil), s.snap.TemperatureSensors...),
		Protects:           append([]string(nil), s.snap.Protects...),
		Cameras:            append([]string(nil), s.snap.Cameras...),
		RefreshedAt:        s.snap.RefreshedAt,
	}
}

// Replace swaps in a freshly fetched snapshot and announces it on the bus.
// Records are never modified in place, so readers holding an older Device
// keep a consistent view.
func (s *Store) Replace(snap Snapshot) {
	if snap.Devices == nil {
		snap.Devices = map[string]Device{}
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()

	s.log.Debug("device state replaced", "devices", len(snap.Devices), "refreshed_at", snap.RefreshedAt)
	s.bus.Publish(Event{Type: EventRefreshed, Data: len(snap.Devices)})
}

// Restore loads a cached snapshot without announcing it.
func (s *Store) Restore(snap Snapshot) {
	if snap.Devices == nil {
		snap.Devices = map[string]Device{}
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

// Ensure Store implements Reader.
var _ Reader = (*Store)(nil)
