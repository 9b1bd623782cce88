package sensor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trymwestin/nestd/internal/core/state"
	"github.com/trymwestin/nestd/internal/logging"
)

func testLogger() *slog.Logger {
	return logging.Discard()
}

func ptr[T any](v T) *T { return &v }

type fakeProvider struct {
	devices map[string]state.Device
	temps   []string
	protect []string
	cams    []string
	updates atomic.Int32
	err     error
}

func (f *fakeProvider) Device(id string) (state.Device, bool) {
	d, ok := f.devices[id]
	return d, ok
}
func (f *fakeProvider) TemperatureSensors() []string { return f.temps }
func (f *fakeProvider) Protects() []string           { return f.protect }
func (f *fakeProvider) Cameras() []string            { return f.cams }
func (f *fakeProvider) Update(context.Context) error {
	f.updates.Add(1)
	return f.err
}

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		devices: map[string]state.Device{
			"kr-1": {ID: "kr-1", Name: "Office", Kind: state.KindTemperatureSensor, Temperature: ptr(21.5), BatteryLevel: ptr(2.8)},
			"kr-2": {ID: "kr-2", Name: "Bedroom", Kind: state.KindTemperatureSensor},
			"tp-1": {ID: "tp-1", Name: "Hallway", Kind: state.KindProtect, COStatus: ptr(0), SmokeStatus: ptr(2)},
			"cam1": {ID: "cam1", Name: "Front", Kind: state.KindCamera},
			"cam2": {ID: "cam2", Name: "Garden", Kind: state.KindCamera, Events: []state.CameraEvent{
				{ID: "1", StartTime: t0, Types: []string{"motion"}},
				{ID: "2", StartTime: t0.Add(time.Minute), EndTime: t0.Add(2 * time.Minute), FaceName: "Sam", Important: true, Types: []string{"a", "b", "c"}, ZoneIDs: []int{4, 5}},
			}},
		},
		temps:   []string{"kr-1", "kr-2"},
		protect: []string{"tp-1"},
		cams:    []string{"cam1", "cam2"},
	}
}

func TestSetup_OneAdapterPerDeviceKind(t *testing.T) {
	p := newFakeProvider()
	var groups [][]Entity
	add := func(es []Entity) error {
		groups = append(groups, es)
		return nil
	}

	if err := Setup(context.Background(), p, add, testLogger()); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("add called %d times, want 3", len(groups))
	}

	tests := []struct {
		name  string
		group []Entity
		want  []string
	}{
		{"temperature", groups[0], []string{"kr-1", "kr-2"}},
		{"protect", groups[1], []string{"tp-1_co_status", "tp-1_smoke_status", "tp-1_battery_health_state"}},
		{"camera", groups[2], []string{"cam1", "cam1_detection", "cam2", "cam2_detection"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if len(tt.group) != len(tt.want) {
				t.Fatalf("got %d entities, want %d", len(tt.group), len(tt.want))
			}
			for i, e := range tt.group {
				if e.UniqueID() != tt.want[i] {
					t.Errorf("entity %d UniqueID = %q, want %q", i, e.UniqueID(), tt.want[i])
				}
			}
		})
	}

	seen := map[string]bool{}
	for _, g := range groups {
		for _, e := range g {
			if seen[e.UniqueID()] {
				t.Errorf("duplicate UniqueID %q", e.UniqueID())
			}
			seen[e.UniqueID()] = true
		}
	}
}

func TestSetup_SkipsEmptyGroups(t *testing.T) {
	p := &fakeProvider{cams: []string{"cam1"}, devices: map[string]state.Device{"cam1": {ID: "cam1", Name: "Front"}}}
	calls := 0
	err := Setup(context.Background(), p, func([]Entity) error { calls++; return nil }, testLogger())
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("add called %d times, want 1", calls)
	}
}

func TestSetup_DuplicateIdentity(t *testing.T) {
	// A temperature sensor and a camera sharing an id collide on UniqueID.
	p := newFakeProvider()
	p.cams = []string{"kr-1"}

	calls := 0
	err := Setup(context.Background(), p, func([]Entity) error { calls++; return nil }, testLogger())
	if !errors.Is(err, ErrDuplicateEntity) {
		t.Errorf("Setup() error = %v, want ErrDuplicateEntity", err)
	}
	if calls != 0 {
		t.Errorf("add called %d times before the duplicate was rejected, want 0", calls)
	}
}

func TestSync_AddsOnlyNewDevices(t *testing.T) {
	p := &fakeProvider{devices: map[string]state.Device{}}
	registered := map[string]bool{}
	known := func(id string) bool { return registered[id] }
	add := func(es []Entity) error {
		for _, e := range es {
			registered[e.UniqueID()] = true
		}
		return nil
	}

	// Nothing known yet: the first refresh failed.
	if err := Setup(context.Background(), p, add, testLogger()); err != nil {
		t.Fatal(err)
	}
	if len(registered) != 0 {
		t.Fatalf("registered = %v, want none", registered)
	}

	full := newFakeProvider()
	p.devices, p.temps, p.protect, p.cams = full.devices, full.temps, full.protect, full.cams
	n, err := Sync(context.Background(), p, known, add, testLogger())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if n != 9 || len(registered) != 9 {
		t.Errorf("Sync() added %d, registered %d, want 9", n, len(registered))
	}

	n, err = Sync(context.Background(), p, known, add, testLogger())
	if err != nil || n != 0 {
		t.Errorf("second Sync() = %d, %v, want 0, nil", n, err)
	}

	p.cams = append(p.cams, "cam3")
	p.devices["cam3"] = state.Device{ID: "cam3", Name: "Drive", Kind: state.KindCamera}
	n, err = Sync(context.Background(), p, known, add, testLogger())
	if err != nil || n != 2 {
		t.Errorf("Sync() after new camera = %d, %v, want 2, nil", n, err)
	}
	if !registered["cam3"] || !registered["cam3_detection"] {
		t.Errorf("new camera adapters missing: %v", registered)
	}
}

func TestWatch_SyncsOnRefresh(t *testing.T) {
	p := newFakeProvider()
	events := make(chan state.Event, 2)
	added := make(chan int, 4)
	add := func(es []Entity) error { added <- len(es); return nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		Watch(ctx, events, p, func(string) bool { return false }, add, testLogger())
		close(done)
	}()

	events <- state.Event{Type: state.EventEntityState}
	events <- state.Event{Type: state.EventRefreshed}

	got := 0
	for i := 0; i < 3; i++ {
		select {
		case n := <-added:
			got += n
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d entities", got)
		}
	}
	if got != 9 {
		t.Errorf("entities added = %d, want 9", got)
	}

	close(events)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after events closed")
	}
}

func TestSetup_PropagatesAddError(t *testing.T) {
	boom := errors.New("host rejected")
	err := Setup(context.Background(), newFakeProvider(), func([]Entity) error { return boom }, testLogger())
	if !errors.Is(err, boom) {
		t.Errorf("Setup() error = %v, want %v", err, boom)
	}
}

func TestNewProtect_UnknownKind(t *testing.T) {
	if _, err := NewProtect(newFakeProvider(), "tp-1", KindEvents); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("NewProtect() error = %v, want ErrUnknownKind", err)
	}
}

func TestTemperature(t *testing.T) {
	p := newFakeProvider()
	s := NewTemperature(p, "kr-1")

	name, err := s.Name()
	if err != nil || name != "Office Temperature" {
		t.Errorf("Name() = %q, %v", name, err)
	}
	if v, err := s.State(); err != nil || v != 21.5 {
		t.Errorf("State() = %v, %v", v, err)
	}
	attrs, err := s.Attributes()
	if err != nil || attrs["battery_level"] != 2.8 {
		t.Errorf("Attributes() = %v, %v", attrs, err)
	}
	if s.DeviceClass() != "temperature" || s.Unit() != "°C" {
		t.Errorf("class/unit = %q/%q", s.DeviceClass(), s.Unit())
	}

	unreported := NewTemperature(p, "kr-2")
	if v, err := unreported.State(); err != nil || v != nil {
		t.Errorf("unreported State() = %v, %v, want nil", v, err)
	}
	if attrs, _ := unreported.Attributes(); len(attrs) != 0 {
		t.Errorf("unreported Attributes() = %v, want empty", attrs)
	}
}

func TestProtect(t *testing.T) {
	p := newFakeProvider()
	tests := []struct {
		kind      Kind
		wantName  string
		wantState any
	}{
		{KindCOStatus, "Hallway co_status", 0},
		{KindSmokeStatus, "Hallway smoke_status", 2},
		{KindBatteryHealthState, "Hallway battery_health_state", nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			s, err := NewProtect(p, "tp-1", tt.kind)
			if err != nil {
				t.Fatal(err)
			}
			if name, _ := s.Name(); name != tt.wantName {
				t.Errorf("Name() = %q, want %q", name, tt.wantName)
			}
			got, err := s.State()
			if err != nil || got != tt.wantState {
				t.Errorf("State() = %v, %v, want %v", got, err, tt.wantState)
			}
		})
	}
}

func TestCamera_EmptyEventsSoftFail(t *testing.T) {
	p := newFakeProvider()

	for _, e := range []Entity{NewCameraEvent(p, "cam1"), NewCameraDetection(p, "cam1")} {
		t.Run(e.UniqueID(), func(t *testing.T) {
			v, err := e.State()
			if err != nil {
				t.Fatalf("State() error = %v, want nil", err)
			}
			if v != nil {
				t.Errorf("State() = %v, want nil", v)
			}
			if _, err := e.Attributes(); err != nil {
				t.Errorf("Attributes() error = %v", err)
			}
		})
	}
}

func TestCameraEvent_LastEvent(t *testing.T) {
	s := NewCameraEvent(newFakeProvider(), "cam2")

	if name, _ := s.Name(); name != "Garden Events" {
		t.Errorf("Name() = %q", name)
	}
	if v, _ := s.State(); v != "2024-03-01T10:01:00Z" {
		t.Errorf("State() = %v, want last event start", v)
	}
	attrs, err := s.Attributes()
	if err != nil {
		t.Fatal(err)
	}
	if events, ok := attrs["events"].([]map[string]any); !ok || len(events) != 2 {
		t.Errorf("events attribute = %v", attrs["events"])
	}
	last, ok := attrs["last_event"].(map[string]any)
	if !ok || last["id"] != "2" {
		t.Errorf("last_event attribute = %v", attrs["last_event"])
	}
}

func TestCameraDetection_Decompose(t *testing.T) {
	s := NewCameraDetection(newFakeProvider(), "cam2")

	if v, _ := s.State(); v != "a" {
		t.Errorf("State() = %v, want a", v)
	}
	attrs, err := s.Attributes()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"type1":      "a",
		"type2":      "b",
		"type3":      "c",
		"zone1":      4,
		"face_name":  "Sam",
		"important":  true,
		"start_time": "2024-03-01T10:01:00Z",
		"end_time":   "2024-03-01T10:02:00Z",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("attrs[%q] = %v, want %v", k, attrs[k], v)
		}
	}
}

func TestCameraDetection_ShortSequences(t *testing.T) {
	tests := []struct {
		name      string
		event     state.CameraEvent
		wantState any
		absent    []string
	}{
		{"no types", state.CameraEvent{StartTime: t0}, nil, []string{"type1", "type2", "type3", "zone1"}},
		{"one type", state.CameraEvent{StartTime: t0, Types: []string{"person"}}, "person", []string{"type2", "type3"}},
		{"two types", state.CameraEvent{StartTime: t0, Types: []string{"person", "face"}, ZoneIDs: []int{1}}, "person", []string{"type3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{devices: map[string]state.Device{
				"cam": {ID: "cam", Name: "Cam", Events: []state.CameraEvent{tt.event}},
			}}
			s := NewCameraDetection(p, "cam")

			v, err := s.State()
			if err != nil || v != tt.wantState {
				t.Errorf("State() = %v, %v, want %v", v, err, tt.wantState)
			}
			attrs, err := s.Attributes()
			if err != nil {
				t.Fatalf("Attributes() error = %v", err)
			}
			for _, k := range tt.absent {
				if _, ok := attrs[k]; ok {
					t.Errorf("attrs[%q] present, want absent", k)
				}
			}
		})
	}
}

func TestAdapters_MissingDevice(t *testing.T) {
	p := &fakeProvider{devices: map[string]state.Device{}}
	protect, _ := NewProtect(p, "gone", KindCOStatus)

	for _, e := range []Entity{NewTemperature(p, "gone"), protect, NewCameraEvent(p, "gone"), NewCameraDetection(p, "gone")} {
		t.Run(e.UniqueID(), func(t *testing.T) {
			if _, err := e.Name(); !errors.Is(err, ErrDeviceNotFound) {
				t.Errorf("Name() error = %v, want ErrDeviceNotFound", err)
			}
			if _, err := e.State(); !errors.Is(err, ErrDeviceNotFound) {
				t.Errorf("State() error = %v, want ErrDeviceNotFound", err)
			}
			if _, err := e.Attributes(); !errors.Is(err, ErrDeviceNotFound) {
				t.Errorf("Attributes() error = %v, want ErrDeviceNotFound", err)
			}
		})
	}
}

func TestUpdate_DelegatesToProvider(t *testing.T) {
	p := newFakeProvider()
	entities := []Entity{NewTemperature(p, "kr-1"), NewCameraEvent(p, "cam1")}
	for _, e := range entities {
		if err := e.Update(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if got := p.updates.Load(); got != 2 {
		t.Errorf("provider updates = %d, want 2", got)
	}

	p.err = errors.New("offline")
	if err := entities[0].Update(context.Background()); !errors.Is(err, p.err) {
		t.Errorf("Update() error = %v, want provider error", err)
	}
}
