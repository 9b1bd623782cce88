package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/trymwestin/nestd/internal/config"
	"github.com/trymwestin/nestd/internal/core/state"
	"github.com/trymwestin/nestd/internal/entity"
	"github.com/trymwestin/nestd/internal/logging"
	"github.com/trymwestin/nestd/internal/sensor"
)

func testLogger() *slog.Logger {
	return logging.Discard()
}

type fakeSource struct {
	descs  []entity.Descriptor
	states []entity.State
}

func (f fakeSource) Descriptors() []entity.Descriptor { return f.descs }
func (f fakeSource) States() []entity.State           { return f.states }

func testPublisher() *HAPublisher {
	cfg := config.MQTTConfig{TopicPrefix: "nestd", DiscoveryPrefix: "homeassistant", NodeID: "home"}
	return NewHAPublisher(cfg, fakeSource{}, nil, state.NewEventBus(testLogger()), testLogger())
}

func TestTopics(t *testing.T) {
	p := testPublisher()
	tests := []struct {
		got, want string
	}{
		{p.topic("cam1/state"), "nestd/home/cam1/state"},
		{p.availabilityTopic(), "nestd/home/status"},
		{p.commandTopic(), "nestd/home/refresh/set"},
		{p.discoveryTopic("sensor", "tp-1_co_status"), "homeassistant/sensor/home/tp-1_co_status/config"},
		{p.discoveryTopic("button", "refresh"), "homeassistant/button/home/refresh/config"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestObjectID(t *testing.T) {
	tests := map[string]string{
		"kr-1":             "kr-1",
		"cam1_detection":   "cam1_detection",
		"AA:BB/cc+#":       "AA_BB_cc__",
		"18B43000 418B2C4": "18B43000_418B2C4",
	}
	for in, want := range tests {
		if got := objectID(in); got != want {
			t.Errorf("objectID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDiscoveryConfig(t *testing.T) {
	p := testPublisher()

	temp := p.discoveryConfig(entity.Descriptor{
		UniqueID: "kr-1", DeviceID: "kr-1", Kind: sensor.KindTemperature,
		Name: "Office Temperature", DeviceClass: "temperature", Unit: "°C",
	})
	if temp["state_topic"] != "nestd/home/kr-1/state" || temp["json_attributes_topic"] != "nestd/home/kr-1/attributes" {
		t.Errorf("topics = %v / %v", temp["state_topic"], temp["json_attributes_topic"])
	}
	if temp["unique_id"] != "nestd_kr-1" || temp["device_class"] != "temperature" || temp["state_class"] != "measurement" {
		t.Errorf("temperature config = %v", temp)
	}
	dev := temp["device"].(map[string]interface{})
	if dev["model"] != "Temperature Sensor" {
		t.Errorf("device = %v", dev)
	}

	det := p.discoveryConfig(entity.Descriptor{UniqueID: "cam1_detection", DeviceID: "cam1", Kind: sensor.KindDetection, Name: "Front Detection"})
	if _, ok := det["device_class"]; ok {
		t.Error("detection config carries a device_class")
	}
	if _, ok := det["unit_of_measurement"]; ok {
		t.Error("detection config carries a unit")
	}
	if _, err := json.Marshal(det); err != nil {
		t.Errorf("marshal discovery config: %v", err)
	}

	btn := p.buttonConfig()
	if btn["command_topic"] != "nestd/home/refresh/set" {
		t.Errorf("button command_topic = %v", btn["command_topic"])
	}
}

func TestStatePayload(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, "None"},
		{21.456, "21.46"},
		{20.0, "20"},
		{2, "2"},
		{"2024-03-01T10:00:00Z", "2024-03-01T10:00:00Z"},
	}
	for _, tt := range tests {
		if got := statePayload(tt.in); got != tt.want {
			t.Errorf("statePayload(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHandleEvent_WithoutClient(t *testing.T) {
	p := testPublisher()
	// Publishing without a connection is a no-op and must not panic.
	p.handleEvent(state.Event{Type: state.EventEntityAdded, Data: entity.Descriptor{UniqueID: "kr-1"}})
	p.handleEvent(state.Event{Type: state.EventEntityState, Data: entity.State{Descriptor: entity.Descriptor{UniqueID: "kr-1"}, Available: true, State: 1.0}})
	p.handleEvent(state.Event{Type: state.EventEntityState, Data: "wrong type"})
	p.handleEvent(state.Event{Type: state.EventRefreshed})
}

func TestStubPublisher(t *testing.T) {
	s := NewStubPublisher(testLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}
