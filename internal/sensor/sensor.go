// Package sensor projects Nest device state into polled sensor entities.
//
// Setup builds one adapter per (device, kind) pair and hands them to the
// host's AddEntitiesFunc. Adapters hold only their identity and a reference
// to the shared Provider; every read goes through Provider.Device, and the
// only mutation is the Provider's own Update.
package sensor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/trymwestin/nestd/internal/core/state"
)

// Kind is the sensor kind half of an adapter's identity.
type Kind string

const (
	KindTemperature        Kind = "temperature"
	KindCOStatus           Kind = "co_status"
	KindSmokeStatus        Kind = "smoke_status"
	KindBatteryHealthState Kind = "battery_health_state"
	KindEvents             Kind = "events"
	KindDetection          Kind = "detection"
)

// ProtectKinds is the fixed, ordered set of Protect sub-kinds.
var ProtectKinds = []Kind{KindCOStatus, KindSmokeStatus, KindBatteryHealthState}

// Entity is the contract the host polls.
//
// State returns nil when the value is absent; that is not an error.
type Entity interface {
	UniqueID() string
	DeviceID() string
	Kind() Kind
	Name() (string, error)
	State() (any, error)
	Attributes() (map[string]any, error)
	DeviceClass() string
	Unit() string
	Update(ctx context.Context) error
}

// Provider is the shared device state adapters read from.
type Provider interface {
	Device(id string) (state.Device, bool)
	TemperatureSensors() []string
	Protects() []string
	Cameras() []string
	Update(ctx context.Context) error
}

// AddEntitiesFunc registers a group of entities with the host.
type AddEntitiesFunc func(entities []Entity) error

// group is the set of adapters one add call registers.
type group struct {
	name     string
	entities []Entity
}

// build constructs the adapters for every device p knows about, one group per
// device family, in temperature, protect, camera order.
func build(p Provider) ([]group, error) {
	var temps []Entity
	for _, id := range p.TemperatureSensors() {
		temps = append(temps, NewTemperature(p, id))
	}

	var protects []Entity
	for _, id := range p.Protects() {
		for _, k := range ProtectKinds {
			s, err := NewProtect(p, id, k)
			if err != nil {
				return nil, err
			}
			protects = append(protects, s)
		}
	}

	var cams []Entity
	for _, id := range p.Cameras() {
		cams = append(cams, NewCameraEvent(p, id), NewCameraDetection(p, id))
	}

	return []group{
		{name: "temperature", entities: temps},
		{name: "protect", entities: protects},
		{name: "camera", entities: cams},
	}, nil
}

// Setup constructs the adapters for every known device and registers them,
// one add call per device family. Identities are checked across all groups
// before the first add, so a duplicate registers nothing.
func Setup(ctx context.Context, p Provider, add AddEntitiesFunc, log *slog.Logger) error {
	groups, err := build(p)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{})
	for _, g := range groups {
		for _, e := range g.entities {
			if _, dup := seen[e.UniqueID()]; dup {
				return fmt.Errorf("%w: %s", ErrDuplicateEntity, e.UniqueID())
			}
			seen[e.UniqueID()] = struct{}{}
		}
	}

	if err := register(groups, add, log); err != nil {
		return err
	}
	log.Debug("sensor setup complete", "entities", len(seen))
	return ctx.Err()
}

// Sync registers adapters for devices that appeared since the last Setup or
// Sync. known reports whether an identity is already registered. It returns
// the number of entities added.
func Sync(ctx context.Context, p Provider, known func(uniqueID string) bool, add AddEntitiesFunc, log *slog.Logger) (int, error) {
	groups, err := build(p)
	if err != nil {
		return 0, err
	}

	added := 0
	seen := make(map[string]struct{})
	for i, g := range groups {
		fresh := g.entities[:0:0]
		for _, e := range g.entities {
			if _, dup := seen[e.UniqueID()]; dup || known(e.UniqueID()) {
				continue
			}
			seen[e.UniqueID()] = struct{}{}
			fresh = append(fresh, e)
		}
		groups[i].entities = fresh
		added += len(fresh)
	}

	if err := register(groups, add, log); err != nil {
		return 0, err
	}
	return added, ctx.Err()
}

// Watch runs Sync after every successful refresh read from events until ctx
// is done or events is closed.
func Watch(ctx context.Context, events <-chan state.Event, p Provider, known func(uniqueID string) bool, add AddEntitiesFunc, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Type != state.EventRefreshed {
				continue
			}
			n, err := Sync(ctx, p, known, add, log)
			if err != nil {
				log.Warn("sensor sync failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("new sensors registered", "entities", n)
			}
		}
	}
}

func register(groups []group, add AddEntitiesFunc, log *slog.Logger) error {
	for _, g := range groups {
		if len(g.entities) == 0 {
			continue
		}
		for _, e := range g.entities {
			log.Info("adding sensor", "group", g.name, "unique_id", e.UniqueID(), "device_id", e.DeviceID())
		}
		if err := add(g.entities); err != nil {
			return fmt.Errorf("sensor: add %s entities: %w", g.name, err)
		}
	}
	return nil
}
