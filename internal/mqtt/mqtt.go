// Package mqtt publishes entities to Home Assistant over MQTT.
// It defines the Publisher interface and includes both a StubPublisher (no-op)
// and a full HAPublisher that connects to an MQTT broker, publishes HA
// auto-discovery configs for every registered entity, exposes a refresh
// button, and forwards entity states from the EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trymwestin/nestd/internal/config"
	"github.com/trymwestin/nestd/internal/core/state"
	"github.com/trymwestin/nestd/internal/entity"
	"github.com/trymwestin/nestd/internal/sensor"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends entity discovery and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// EntitySource lists registered entities and their last polled states.
type EntitySource interface {
	Descriptors() []entity.Descriptor
	States() []entity.State
}

// RefreshFunc forces a device refresh and re-polls every entity.
type RefreshFunc func(ctx context.Context) error

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs for every
// entity, relays the refresh button, and forwards entity states from the
// EventBus.
type HAPublisher struct {
	cfg      config.MQTTConfig
	entities EntitySource
	refresh  RefreshFunc
	bus      *state.EventBus
	log      *slog.Logger

	client pahomqtt.Client

	unsub func() // EventBus unsubscribe
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg config.MQTTConfig, entities EntitySource, refresh RefreshFunc, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	return &HAPublisher{
		cfg:      cfg,
		entities: entities,
		refresh:  refresh,
		bus:      bus,
		log:      log,
		stopC:    make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker and starts listening on the EventBus.
// Discovery and state are published from the on-connect handler so they are
// repeated after every reconnect.
func (p *HAPublisher) Start(_ context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(fmt.Sprintf("nestd-%s", p.cfg.NodeID)).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(p.availabilityTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	evtCh, unsub := p.bus.Subscribe(256)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop publishes offline availability, disconnects and stops the event loop.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	close(p.stopC)
	if p.unsub != nil {
		p.unsub()
	}
	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		p.publish(p.availabilityTopic(), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// ---------------------------------------------------------------------------
// onConnect – called on every (re)connect
// ---------------------------------------------------------------------------

func (p *HAPublisher) onConnect() {
	p.publish(p.availabilityTopic(), "online", true)
	p.publishDiscovery()

	token := p.client.Subscribe(p.commandTopic(), 1, p.handleRefreshCmd)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("failed to subscribe to command topic", "topic", p.commandTopic(), "error", err)
	}

	// HA birth message: re-announce everything after a Home Assistant restart.
	p.client.Subscribe(p.cfg.DiscoveryPrefix+"/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.publishDiscovery()
			p.publishFullState()
		}
	})

	p.publishFullState()
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

var unsafeObjectChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// objectID turns an entity unique id into an MQTT-safe object id.
func objectID(uniqueID string) string {
	return unsafeObjectChars.ReplaceAllString(uniqueID, "_")
}

// discoveryTopic builds the HA auto-discovery topic.
func (p *HAPublisher) discoveryTopic(component, object string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", p.cfg.DiscoveryPrefix, component, p.cfg.NodeID, object)
}

// deviceInfo returns the HA device block grouping a Nest device's entities.
func deviceInfo(d entity.Descriptor) map[string]interface{} {
	model := "Camera"
	switch d.Kind {
	case sensor.KindTemperature:
		model = "Temperature Sensor"
	case sensor.KindCOStatus, sensor.KindSmokeStatus, sensor.KindBatteryHealthState:
		model = "Protect"
	}
	return map[string]interface{}{
		"identifiers":  []string{"nest_" + d.DeviceID},
		"name":         "Nest " + model + " " + d.DeviceID,
		"manufacturer": "Google Nest",
		"model":        model,
	}
}

// discoveryConfig builds the sensor discovery payload for one entity.
func (p *HAPublisher) discoveryConfig(d entity.Descriptor) map[string]interface{} {
	obj := objectID(d.UniqueID)
	cfg := map[string]interface{}{
		"name":                  d.Name,
		"unique_id":             "nestd_" + obj,
		"object_id":             obj,
		"state_topic":           p.topic(obj + "/state"),
		"json_attributes_topic": p.topic(obj + "/attributes"),
		"availability_mode":     "all",
		"availability": []map[string]interface{}{
			{"topic": p.availabilityTopic()},
			{"topic": p.topic(obj + "/availability")},
		},
		"device": deviceInfo(d),
	}
	if d.DeviceClass != "" {
		cfg["device_class"] = d.DeviceClass
	}
	if d.Unit != "" {
		cfg["unit_of_measurement"] = d.Unit
		cfg["state_class"] = "measurement"
	}
	return cfg
}

// buttonConfig builds the discovery payload of the refresh button.
func (p *HAPublisher) buttonConfig() map[string]interface{} {
	return map[string]interface{}{
		"name":          "Nest Refresh",
		"unique_id":     fmt.Sprintf("nestd_%s_refresh", p.cfg.NodeID),
		"command_topic": p.commandTopic(),
		"payload_press": "PRESS",
		"availability":  map[string]interface{}{"topic": p.availabilityTopic()},
		"device": map[string]interface{}{
			"identifiers":  []string{"nestd_" + p.cfg.NodeID},
			"name":         "nestd",
			"manufacturer": "Google Nest",
		},
	}
}

func (p *HAPublisher) publishDiscovery() {
	for _, d := range p.entities.Descriptors() {
		p.publishEntityDiscovery(d)
	}
	p.publishDiscoveryConfig("button", "refresh", p.buttonConfig())
}

func (p *HAPublisher) publishEntityDiscovery(d entity.Descriptor) {
	p.publishDiscoveryConfig("sensor", objectID(d.UniqueID), p.discoveryConfig(d))
}

func (p *HAPublisher) publishDiscoveryConfig(component, object string, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", object, "error", err)
		return
	}
	p.publish(p.discoveryTopic(component, object), string(data), true)
}

// ---------------------------------------------------------------------------
// Refresh command
// ---------------------------------------------------------------------------

func (p *HAPublisher) handleRefreshCmd(_ pahomqtt.Client, _ pahomqtt.Message) {
	p.log.Info("MQTT command: refresh")
	if p.refresh == nil {
		return
	}
	// Paho runs handlers on its own goroutine; polling can take a while.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := p.refresh(ctx); err != nil {
			p.log.Error("refresh command failed", "error", err)
		}
	}()
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

func (p *HAPublisher) publishFullState() {
	for _, st := range p.entities.States() {
		p.publishState(st)
	}
}

func (p *HAPublisher) publishState(st entity.State) {
	obj := objectID(st.UniqueID)
	p.publish(p.topic(obj+"/availability"), availability(st.Available), true)
	if !st.Available {
		return
	}
	p.publish(p.topic(obj+"/state"), statePayload(st.State), true)

	attrs := st.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		p.log.Error("failed to marshal attributes", "unique_id", st.UniqueID, "error", err)
		return
	}
	p.publish(p.topic(obj+"/attributes"), string(data), true)
}

// statePayload renders a state for a HA MQTT sensor; "None" reads as unknown.
func statePayload(v any) string {
	switch s := v.(type) {
	case nil:
		return "None"
	case float64:
		return strconv.FormatFloat(roundTo2(s), 'f', -1, 64)
	default:
		return entity.FormatState(s)
	}
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventEntityAdded:
		d, ok := evt.Data.(entity.Descriptor)
		if !ok {
			p.log.Warn("unexpected data type for entity_added")
			return
		}
		p.publishEntityDiscovery(d)

	case state.EventEntityState:
		st, ok := evt.Data.(entity.State)
		if !ok {
			p.log.Warn("unexpected data type for entity_state")
			return
		}
		p.publishState(st)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// topic builds a full topic path: {prefix}/{node_id}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, p.cfg.NodeID, suffix)
}

func (p *HAPublisher) availabilityTopic() string { return p.topic("status") }

func (p *HAPublisher) commandTopic() string { return p.topic("refresh/set") }

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func availability(ok bool) string {
	if ok {
		return "online"
	}
	return "offline"
}

func roundTo2(v float64) float64 {
	return math.Round(v*100) / 100
}
