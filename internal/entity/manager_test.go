package entity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/trymwestin/nestd/internal/core/state"
	"github.com/trymwestin/nestd/internal/logging"
	"github.com/trymwestin/nestd/internal/sensor"
)

func testLogger() *slog.Logger {
	return logging.Discard()
}

type fakeEntity struct {
	id        string
	state     any
	updateErr error
	stateErr  error
	updates   int
}

func (f *fakeEntity) UniqueID() string                    { return f.id }
func (f *fakeEntity) DeviceID() string                    { return "dev-" + f.id }
func (f *fakeEntity) Kind() sensor.Kind                   { return sensor.KindTemperature }
func (f *fakeEntity) Name() (string, error)               { return "Entity " + f.id, nil }
func (f *fakeEntity) State() (any, error)                 { return f.state, f.stateErr }
func (f *fakeEntity) Attributes() (map[string]any, error) { return map[string]any{"k": "v"}, nil }
func (f *fakeEntity) DeviceClass() string                 { return "temperature" }
func (f *fakeEntity) Unit() string                        { return "°C" }
func (f *fakeEntity) Update(context.Context) error {
	f.updates++
	return f.updateErr
}

type fakeRecorder struct {
	mu       sync.Mutex
	recorded []Descriptor
	seen     map[string]string
}

func (r *fakeRecorder) Record(_ context.Context, d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, d)
	return nil
}

func (r *fakeRecorder) Seen(_ context.Context, id, st string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = map[string]string{}
	}
	r.seen[id] = st
	return nil
}

func newTestManager(t *testing.T, cfg Config, rec Recorder) (*Manager, *state.EventBus) {
	t.Helper()
	bus := state.NewEventBus(testLogger())
	m := NewManager(cfg, bus, rec, nil, testLogger())
	t.Cleanup(func() { _ = m.Close() })
	return m, bus
}

func TestManager_AddRejectsDuplicates(t *testing.T) {
	rec := &fakeRecorder{}
	m, bus := newTestManager(t, Config{Interval: time.Second}, rec)
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	if err := m.Add([]sensor.Entity{&fakeEntity{id: "a"}, &fakeEntity{id: "b"}}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := m.Add([]sensor.Entity{&fakeEntity{id: "c"}, &fakeEntity{id: "a"}}); !errors.Is(err, ErrDuplicateEntity) {
		t.Errorf("Add() duplicate error = %v, want ErrDuplicateEntity", err)
	}
	if err := m.Add([]sensor.Entity{&fakeEntity{id: "d"}, &fakeEntity{id: "d"}}); !errors.Is(err, ErrDuplicateEntity) {
		t.Errorf("Add() repeated-in-batch error = %v, want ErrDuplicateEntity", err)
	}

	descs := m.Descriptors()
	if len(descs) != 2 || descs[0].UniqueID != "a" || descs[1].Name != "Entity b" {
		t.Errorf("Descriptors() = %+v", descs)
	}
	if len(rec.recorded) != 2 {
		t.Errorf("recorded %d descriptors, want 2", len(rec.recorded))
	}
	for i := 0; i < 2; i++ {
		if evt := <-ch; evt.Type != state.EventEntityAdded {
			t.Errorf("event %d = %q, want %q", i, evt.Type, state.EventEntityAdded)
		}
	}
}

func TestManager_PollOnce(t *testing.T) {
	rec := &fakeRecorder{}
	m, bus := newTestManager(t, Config{Interval: time.Second, StaleAfter: time.Minute}, rec)

	ok := &fakeEntity{id: "ok", state: 21.5}
	broken := &fakeEntity{id: "broken", updateErr: errors.New("offline")}
	absent := &fakeEntity{id: "absent"}
	if err := m.Add([]sensor.Entity{ok, broken, absent}); err != nil {
		t.Fatal(err)
	}

	ch, unsub := bus.Subscribe(8)
	defer unsub()

	if failed := m.PollOnce(context.Background()); failed != 1 {
		t.Errorf("PollOnce() failed = %d, want 1", failed)
	}

	tests := []struct {
		id        string
		available bool
		state     any
	}{
		{"ok", true, 21.5},
		{"broken", false, nil},
		{"absent", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			st, err := m.State(tt.id)
			if err != nil {
				t.Fatalf("State() error = %v", err)
			}
			if st.Available != tt.available || st.State != tt.state {
				t.Errorf("State() = %+v, want available=%v state=%v", st, tt.available, tt.state)
			}
			if st.LastUpdated.IsZero() {
				t.Error("LastUpdated not set")
			}
		})
	}

	for i := 0; i < 3; i++ {
		if evt := <-ch; evt.Type != state.EventEntityState {
			t.Errorf("event %d = %q, want %q", i, evt.Type, state.EventEntityState)
		}
	}
	if rec.seen["ok"] != "21.5" {
		t.Errorf("recorded state = %q, want 21.5", rec.seen["ok"])
	}
	if _, ok := rec.seen["broken"]; ok {
		t.Error("unavailable entity recorded as seen")
	}
}

// recoveringProvider fails its first refresh and reports one temperature
// sensor once a refresh succeeds.
type recoveringProvider struct {
	mu      sync.Mutex
	updates int
	ready   bool
}

func (p *recoveringProvider) Device(id string) (state.Device, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready || id != "kr-1" {
		return state.Device{}, false
	}
	temp := 20.0
	return state.Device{ID: "kr-1", Name: "Office", Kind: state.KindTemperatureSensor, Temperature: &temp}, true
}

func (p *recoveringProvider) TemperatureSensors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return nil
	}
	return []string{"kr-1"}
}

func (p *recoveringProvider) Protects() []string { return nil }
func (p *recoveringProvider) Cameras() []string  { return nil }

func (p *recoveringProvider) Update(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates++
	if p.updates == 1 {
		return errors.New("upstream down")
	}
	p.ready = true
	return nil
}

func TestManager_IdlePollRecoversFromEmptySetup(t *testing.T) {
	p := &recoveringProvider{}
	var m *Manager
	m, _ = newTestManager(t, Config{
		Interval:   time.Second,
		StaleAfter: time.Minute,
		Idle: func(ctx context.Context) error {
			if err := p.Update(ctx); err != nil {
				return err
			}
			_, err := sensor.Sync(ctx, p, m.Has, m.Add, testLogger())
			return err
		},
	}, nil)

	if err := p.Update(context.Background()); err == nil {
		t.Fatal("first refresh should fail")
	}
	if err := sensor.Setup(context.Background(), p, m.Add, testLogger()); err != nil {
		t.Fatal(err)
	}
	if n := len(m.Descriptors()); n != 0 {
		t.Fatalf("entities after failed setup = %d, want 0", n)
	}

	for i := 0; i < 3; i++ {
		m.PollOnce(context.Background())
	}

	p.mu.Lock()
	updates := p.updates
	p.mu.Unlock()
	if updates < 2 {
		t.Errorf("provider updates = %d, want the idle poll to retry", updates)
	}
	if !m.Has("kr-1") {
		t.Fatalf("descriptors = %+v, want kr-1 registered after recovery", m.Descriptors())
	}
	st, err := m.State("kr-1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Available || st.State != 20.0 {
		t.Errorf("State(kr-1) = %+v, want available 20", st)
	}
}

func TestManager_StaleStateReadsUnavailable(t *testing.T) {
	m, _ := newTestManager(t, Config{Interval: time.Second, StaleAfter: 50 * time.Millisecond}, nil)
	if err := m.Add([]sensor.Entity{&fakeEntity{id: "a", state: "x"}}); err != nil {
		t.Fatal(err)
	}

	st, _ := m.State("a")
	if st.Available {
		t.Error("never-polled entity reported available")
	}

	m.PollOnce(context.Background())
	if st, _ := m.State("a"); !st.Available {
		t.Fatal("freshly polled entity reported unavailable")
	}

	time.Sleep(150 * time.Millisecond)
	st, err := m.State("a")
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if st.Available || st.Name != "Entity a" {
		t.Errorf("stale State() = %+v, want unavailable with descriptor", st)
	}

	if _, err := m.State("unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("State(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestManager_RunPollsUntilCancelled(t *testing.T) {
	m, _ := newTestManager(t, Config{Interval: 10 * time.Millisecond}, nil)
	e := &fakeEntity{id: "a", state: 1}
	if err := m.Add([]sensor.Entity{e}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	if err := m.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want deadline exceeded", err)
	}

	m.pollMu.Lock()
	updates := e.updates
	m.pollMu.Unlock()
	if updates < 2 {
		t.Errorf("entity updated %d times, want at least 2", updates)
	}
}

func TestManager_RunRejectsZeroInterval(t *testing.T) {
	m, _ := newTestManager(t, Config{}, nil)
	if err := m.Run(context.Background()); err == nil {
		t.Error("Run() with zero interval should fail")
	}
}

func TestFormatState(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"person", "person"},
		{21.5, "21.5"},
		{2, "2"},
	}
	for _, tt := range tests {
		if got := FormatState(tt.in); got != tt.want {
			t.Errorf("FormatState(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
