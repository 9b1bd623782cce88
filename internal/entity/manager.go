// Package entity is the host side of the sensor contract: it registers
// adapters, polls them on a timer and keeps their last read state.
package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ttlcache "github.com/jellydator/ttlcache/v2"

	"github.com/trymwestin/nestd/internal/core/state"
	"github.com/trymwestin/nestd/internal/metrics"
	"github.com/trymwestin/nestd/internal/sensor"
)

// Descriptor is the static description of a registered entity.
type Descriptor struct {
	UniqueID    string      `json:"unique_id"`
	DeviceID    string      `json:"device_id"`
	Kind        sensor.Kind `json:"kind"`
	Name        string      `json:"name"`
	DeviceClass string      `json:"device_class,omitempty"`
	Unit        string      `json:"unit_of_measurement,omitempty"`
}

// State is the result of the last poll of one entity.
type State struct {
	Descriptor
	State       any            `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Available   bool           `json:"available"`
	LastUpdated time.Time      `json:"last_updated,omitempty"`
}

// Recorder persists entity descriptors and poll results.
type Recorder interface {
	Record(ctx context.Context, d Descriptor) error
	Seen(ctx context.Context, uniqueID, state string, at time.Time) error
}

// Config controls polling.
type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration // polled states older than this read as unavailable

	// Idle, if set, runs on polls that find no registered entity so the
	// device state keeps refreshing until sensors appear.
	Idle func(ctx context.Context) error
}

// Manager registers entities and polls them.
type Manager struct {
	cfg     Config
	bus     *state.EventBus
	rec     Recorder
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	entities []sensor.Entity
	descs    map[string]Descriptor

	pollMu sync.Mutex
	states *ttlcache.Cache
}

// NewManager creates a manager. rec and m may be nil.
func NewManager(cfg Config, bus *state.EventBus, rec Recorder, m *metrics.Metrics, log *slog.Logger) *Manager {
	states := ttlcache.NewCache()
	if cfg.StaleAfter > 0 {
		if err := states.SetTTL(cfg.StaleAfter); err != nil {
			log.Warn("failed to set entity state TTL, states never go stale", "stale_after", cfg.StaleAfter, "error", err)
		}
	}
	// Reads must not keep a stale state alive.
	states.SkipTTLExtensionOnHit(true)

	return &Manager{
		cfg:     cfg,
		bus:     bus,
		rec:     rec,
		metrics: m,
		log:     log,
		now:     time.Now,
		descs:   make(map[string]Descriptor),
		states:  states,
	}
}

// Add registers entities. It is the sensor.AddEntitiesFunc of the daemon.
// The whole batch is rejected if any unique id is already registered.
func (m *Manager) Add(entities []sensor.Entity) error {
	m.mu.Lock()
	batch := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		id := e.UniqueID()
		_, known := m.descs[id]
		_, repeated := batch[id]
		if known || repeated {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicateEntity, id)
		}
		batch[id] = struct{}{}
	}

	added := make([]Descriptor, 0, len(entities))
	for _, e := range entities {
		d := describe(e)
		m.entities = append(m.entities, e)
		m.descs[d.UniqueID] = d
		added = append(added, d)
	}
	total := len(m.entities)
	m.mu.Unlock()

	m.metrics.SetEntities(total)
	for _, d := range added {
		if m.rec != nil {
			if err := m.rec.Record(context.Background(), d); err != nil {
				m.log.Warn("failed to record entity", "unique_id", d.UniqueID, "error", err)
			}
		}
		m.bus.Publish(state.Event{Type: state.EventEntityAdded, Data: d})
		m.log.Info("entity added", "unique_id", d.UniqueID, "name", d.Name, "kind", d.Kind)
	}
	return nil
}

func describe(e sensor.Entity) Descriptor {
	name, err := e.Name()
	if err != nil {
		name = e.UniqueID()
	}
	return Descriptor{
		UniqueID:    e.UniqueID(),
		DeviceID:    e.DeviceID(),
		Kind:        e.Kind(),
		Name:        name,
		DeviceClass: e.DeviceClass(),
		Unit:        e.Unit(),
	}
}

// Has reports whether uniqueID is registered.
func (m *Manager) Has(uniqueID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.descs[uniqueID]
	return ok
}

// Descriptors returns every registered entity in registration order.
func (m *Manager) Descriptors() []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Descriptor, 0, len(m.entities))
	for _, e := range m.entities {
		out = append(out, m.descs[e.UniqueID()])
	}
	return out
}

// State returns the last polled state of an entity. A registered entity that
// has not been polled within StaleAfter reads as unavailable.
func (m *Manager) State(uniqueID string) (State, error) {
	m.mu.RLock()
	d, ok := m.descs[uniqueID]
	m.mu.RUnlock()
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrNotFound, uniqueID)
	}

	v, err := m.states.Get(uniqueID)
	if errors.Is(err, ttlcache.ErrNotFound) {
		return State{Descriptor: d}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("entity: state %s: %w", uniqueID, err)
	}
	return v.(State), nil
}

// States returns the state of every registered entity in registration order.
func (m *Manager) States() []State {
	descs := m.Descriptors()
	out := make([]State, 0, len(descs))
	for _, d := range descs {
		st, err := m.State(d.UniqueID)
		if err != nil {
			st = State{Descriptor: d}
		}
		out = append(out, st)
	}
	return out
}

// Run polls immediately and then every Interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.Interval <= 0 {
		return fmt.Errorf("entity: poll interval must be positive, got %v", m.cfg.Interval)
	}

	m.PollOnce(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.PollOnce(ctx)
		}
	}
}

// PollOnce updates and reads every entity once, in registration order, and
// returns how many could not be read. With nothing registered it runs
// Config.Idle instead. Concurrent calls are serialised.
func (m *Manager) PollOnce(ctx context.Context) int {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	m.mu.RLock()
	entities := append([]sensor.Entity(nil), m.entities...)
	m.mu.RUnlock()

	if len(entities) == 0 && m.cfg.Idle != nil {
		if err := m.cfg.Idle(ctx); err != nil {
			m.log.Warn("idle refresh failed", "error", err)
		}
		return 0
	}

	failed := 0
	for _, e := range entities {
		if ctx.Err() != nil {
			return failed
		}
		st, err := m.poll(ctx, e)
		m.metrics.ObservePoll(string(e.Kind()), err)
		if err != nil {
			failed++
			m.log.Warn("entity poll failed", "unique_id", e.UniqueID(), "error", err)
		}

		if err := m.states.Set(st.UniqueID, st); err != nil {
			m.log.Warn("failed to cache entity state", "unique_id", st.UniqueID, "error", err)
		}
		if m.rec != nil && st.Available {
			if err := m.rec.Seen(ctx, st.UniqueID, FormatState(st.State), st.LastUpdated); err != nil {
				m.log.Warn("failed to record entity poll", "unique_id", st.UniqueID, "error", err)
			}
		}
		m.bus.Publish(state.Event{Type: state.EventEntityState, Data: st})
	}
	return failed
}

func (m *Manager) poll(ctx context.Context, e sensor.Entity) (State, error) {
	m.mu.RLock()
	st := State{Descriptor: m.descs[e.UniqueID()]}
	m.mu.RUnlock()
	st.LastUpdated = m.now()

	if err := e.Update(ctx); err != nil {
		return st, err
	}
	name, err := e.Name()
	if err != nil {
		return st, err
	}
	v, err := e.State()
	if err != nil {
		return st, err
	}
	attrs, err := e.Attributes()
	if err != nil {
		return st, err
	}

	st.Name = name
	st.State = v
	st.Attributes = attrs
	st.Available = true
	return st, nil
}

// Close releases the state cache.
func (m *Manager) Close() error {
	return m.states.Close()
}

// FormatState renders a state value as text; absent states are empty.
func FormatState(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return fmt.Sprintf("%g", s)
	default:
		return fmt.Sprint(s)
	}
}
