package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/dynsched/pkg/log"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher is the part of a NATS connection the forwarder needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ConnectNATS opens a NATS connection that keeps reconnecting
func ConnectNATS(url string) (*nats.Conn, error) {
	logger := log.WithComponent("events")
	nc, err := nats.Connect(url,
		nats.Name("dynsched"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// Forwarder copies every broker event to NATS as JSON on the subject
// <prefix>.<event type>, e.g. dynsched.service.removed.
type Forwarder struct {
	broker *Broker
	pub    Publisher
	prefix string
	sub    Subscriber
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewForwarder creates a new forwarder
func NewForwarder(broker *Broker, pub Publisher, prefix string) *Forwarder {
	if prefix == "" {
		prefix = "dynsched"
	}
	return &Forwarder{
		broker: broker,
		pub:    pub,
		prefix: prefix,
		logger: log.WithComponent("events"),
	}
}

// Subject returns the NATS subject for an event type
func (f *Forwarder) Subject(t EventType) string {
	return f.prefix + "." + string(t)
}

// Start subscribes to the broker and forwards in the background
func (f *Forwarder) Start() {
	f.sub = f.broker.Subscribe()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for event := range f.sub {
			f.forward(event)
		}
	}()
}

// Stop unsubscribes and waits for the forwarding loop to exit
func (f *Forwarder) Stop() {
	if f.sub == nil {
		return
	}
	f.broker.Unsubscribe(f.sub)
	f.wg.Wait()
}

func (f *Forwarder) forward(event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		f.logger.Error().Err(err).Str("event_id", event.ID).Msg("Failed to marshal event")
		return
	}
	if err := f.pub.Publish(f.Subject(event.Type), data); err != nil {
		f.logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("Failed to publish event")
	}
}
