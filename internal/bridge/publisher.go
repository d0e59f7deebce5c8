// Package bridge publishes tracked people to Home Assistant over MQTT.
// Every person appears as a presence binary_sensor plus a last
// activation sensor, with availability tracking through a will message.
package bridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/presenced/internal/accessory"
	"github.com/dokzlo13/presenced/internal/config"
	"github.com/dokzlo13/presenced/internal/eventbus"
)

const (
	payloadOn  = "ON"
	payloadOff = "OFF"
	unknown    = "unknown"
)

// message is a single publish.
type message struct {
	topic   string
	payload []byte
	retain  bool
}

// Publisher manages the MQTT connection and keeps HA in sync with the
// trackers.
type Publisher struct {
	cfg         config.MQTTConfig
	device      DeviceInfo
	instanceID  string
	accessories map[string]*accessory.Accessory
	order       []string

	mu sync.RWMutex
	cm *autopaho.ConnectionManager
	// connCtx scopes the broker connection; it outlives the Start ctx so
	// Stop can still publish "offline" and disconnect cleanly.
	connCtx    context.Context
	connCancel context.CancelFunc
}

// New creates a Publisher but does not connect. Call Start to begin.
func New(cfg config.MQTTConfig, instanceID string, accessories []*accessory.Accessory) *Publisher {
	p := &Publisher{
		cfg:         cfg,
		instanceID:  instanceID,
		device:      NewDeviceInfo(instanceID, cfg.DeviceName, accessory.Manufacturer),
		accessories: make(map[string]*accessory.Accessory, len(accessories)),
	}
	for _, a := range accessories {
		if _, dup := p.accessories[a.Name()]; dup {
			log.Warn().Str("person", a.Name()).Msg("MQTT skipping duplicate person name")
			continue
		}
		p.accessories[a.Name()] = a
		p.order = append(p.order, a.Name())
	}
	return p
}

// Start connects to the broker and runs the periodic refresh loop. It
// blocks until ctx is cancelled; the connection itself stays up until
// Stop. Discovery and current states are published on every (re-)connect.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			log.Info().Str("broker", p.cfg.Broker).Msg("MQTT connected to broker")
			p.publish(connCtx, cm, p.discoveryMessages())
			p.publish(connCtx, cm, []message{p.availabilityMessage("online")})
			p.publish(connCtx, cm, p.allStateMessages(connCtx))
		},
		OnConnectError: func(err error) {
			log.Warn().Err(err).Msg("MQTT connection error")
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "presenced-" + slug(p.cfg.DeviceName),
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(connCtx, pahoCfg)
	if err != nil {
		connCancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}

	p.mu.Lock()
	p.cm = cm
	p.connCtx = connCtx
	p.connCancel = connCancel
	p.mu.Unlock()

	awaitCtx, awaitCancel := context.WithTimeout(ctx, 30*time.Second)
	defer awaitCancel()
	if err := cm.AwaitConnection(awaitCtx); err != nil {
		// autopaho keeps retrying in the background
		log.Warn().Err(err).Msg("MQTT initial connection timed out, will retry in background")
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline", disconnects and releases the connection.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.RLock()
	cm, cancel := p.cm, p.connCancel
	p.mu.RUnlock()

	if cm == nil {
		return nil
	}
	defer cancel()

	p.publish(ctx, cm, []message{p.availabilityMessage("offline")})
	return cm.Disconnect(ctx)
}

// HandleEvent publishes the new state of the person an event is about.
// It is subscribed to the event bus.
func (p *Publisher) HandleEvent(e eventbus.Event) {
	p.mu.RLock()
	cm, ctx := p.cm, p.connCtx
	p.mu.RUnlock()

	if cm == nil {
		return
	}
	a, ok := p.accessories[e.Presence.Name]
	if !ok {
		return
	}
	p.publish(ctx, cm, p.stateMessages(ctx, a))
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "presenced/" + slug(p.cfg.DeviceName)
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(person, entity string) string {
	return p.baseTopic() + "/" + slug(person) + "/" + entity
}

func (p *Publisher) discoveryTopic(component, person, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + slug(p.cfg.DeviceName) + "/" + slug(person) + "_" + entity + "/config"
}

func (p *Publisher) uniqueID(person, entity string) string {
	return p.instanceID + "_" + slug(person) + "_" + entity
}

// --- Payloads ---

func (p *Publisher) availabilityMessage(status string) message {
	return message{topic: p.availabilityTopic(), payload: []byte(status), retain: true}
}

func (p *Publisher) discoveryMessages() []message {
	var msgs []message
	for _, name := range p.order {
		configs := []struct {
			component string
			entity    string
			cfg       EntityConfig
		}{
			{
				component: "binary_sensor",
				entity:    "presence",
				cfg: EntityConfig{
					Name:              name,
					UniqueID:          p.uniqueID(name, "presence"),
					StateTopic:        p.stateTopic(name, "presence"),
					AvailabilityTopic: p.availabilityTopic(),
					Device:            p.device,
					DeviceClass:       "presence",
					PayloadOn:         payloadOn,
					PayloadOff:        payloadOff,
				},
			},
			{
				component: "sensor",
				entity:    "last_activation",
				cfg: EntityConfig{
					Name:              name + " " + accessory.LastActivation.Name,
					UniqueID:          p.uniqueID(name, "last_activation"),
					StateTopic:        p.stateTopic(name, "last_activation"),
					AvailabilityTopic: p.availabilityTopic(),
					Device:            p.device,
					UnitOfMeasurement: "s",
					StateClass:        "measurement",
					Icon:              "mdi:account-clock",
					EntityCategory:    "diagnostic",
				},
			},
		}

		for _, c := range configs {
			payload, err := json.Marshal(c.cfg)
			if err != nil {
				log.Error().Err(err).Str("person", name).Str("entity", c.entity).Msg("MQTT marshal discovery payload")
				continue
			}
			msgs = append(msgs, message{
				topic:   p.discoveryTopic(c.component, name, c.entity),
				payload: payload,
				retain:  true,
			})
		}
	}
	return msgs
}

func (p *Publisher) stateMessages(ctx context.Context, a *accessory.Accessory) []message {
	presence := payloadOff
	if a.ContactState() == accessory.ContactDetected {
		presence = payloadOn
	}

	lastActivation := unknown
	secs, ok, err := a.LastActivation(ctx)
	if err != nil {
		log.Warn().Err(err).Str("person", a.Name()).Msg("Failed to read last activation")
	} else if ok {
		lastActivation = strconv.FormatUint(uint64(secs), 10)
	}

	return []message{
		{topic: p.stateTopic(a.Name(), "presence"), payload: []byte(presence), retain: true},
		{topic: p.stateTopic(a.Name(), "last_activation"), payload: []byte(lastActivation), retain: true},
	}
}

func (p *Publisher) allStateMessages(ctx context.Context) []message {
	var msgs []message
	for _, name := range p.order {
		msgs = append(msgs, p.stateMessages(ctx, p.accessories[name])...)
	}
	return msgs
}

func (p *Publisher) publish(ctx context.Context, cm *autopaho.ConnectionManager, msgs []message) {
	for _, m := range msgs {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   m.topic,
			Payload: m.payload,
			QoS:     1,
			Retain:  m.retain,
		}); err != nil {
			log.Warn().Err(err).Str("topic", m.topic).Msg("MQTT publish failed")
		} else {
			log.Trace().Str("topic", m.topic).Msg("MQTT published")
		}
	}
}

// --- Periodic refresh ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := p.cfg.PublishInterval.Duration()
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.RLock()
			cm := p.cm
			p.mu.RUnlock()
			p.publish(ctx, cm, p.allStateMessages(ctx))
		}
	}
}
