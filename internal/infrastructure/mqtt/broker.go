// Package mqtt realizes the event broker on an MQTT topic. Every queue
// event travels on one shared topic with QoS 1 and is fanned out to
// local subscribers; the paho client reconnects on its own and the
// connect handler restores the subscription each time.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/flowerpower-dev/flowerpower/internal/backend"
	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/infrastructure/memory"
	"github.com/flowerpower-dev/flowerpower/internal/repository"
)

var _ repository.EventBroker = (*Broker)(nil)

// EventTopic is the topic all queue events travel on.
const EventTopic = "flowerpower/worker"

const (
	eventQoS       = 1
	connectTimeout = 5 * time.Second
	// quiesce grants in-flight messages this many milliseconds on
	// disconnect.
	quiesce = 250
)

// Broker publishes events to the MQTT topic and fans incoming messages
// out to local subscribers.
type Broker struct {
	client paho.Client
	logger *slog.Logger
	local  *memory.Broker
}

// NewBroker connects to the MQTT broker named by the descriptor and
// subscribes to the event topic.
func NewBroker(ctx context.Context, desc *backend.Descriptor, logger *slog.Logger) (*Broker, error) {
	b := &Broker{
		logger: logger.With("component", "mqtt-events"),
		local:  memory.NewBroker(logger),
	}

	scheme := "tcp"
	if desc.SSL {
		scheme = "ssl"
	}
	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, desc.Host, desc.Port)).
		SetClientID("flowerpower-" + uuid.NewString()[:8]).
		SetUsername(desc.Username).
		SetPassword(desc.Password).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetOrderMatters(false)
	opts.SetOnConnectHandler(func(c paho.Client) {
		token := c.Subscribe(EventTopic, eventQoS, b.receive)
		token.Wait()
		if err := token.Error(); err != nil {
			b.logger.Error("subscribe failed", "topic", EventTopic, "error", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		b.logger.Warn("connection lost, reconnecting", "error", err)
	})

	b.client = paho.NewClient(opts)
	token := b.client.Connect()
	select {
	case <-ctx.Done():
		b.client.Disconnect(0)
		return nil, ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt: %w", err)
	}
	return b, nil
}

func (b *Broker) Publish(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = repository.Retry(ctx, repository.PublishRetries, func() error {
		token := b.client.Publish(EventTopic, eventQoS, false, body)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-token.Done():
		}
		return token.Error()
	})
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *Broker) Subscribe(eventType domain.EventType, handler repository.EventHandler) (repository.Subscription, error) {
	return b.local.Subscribe(eventType, handler)
}

func (b *Broker) receive(_ paho.Client, msg paho.Message) {
	b.dispatch(msg.Payload())
}

// dispatch decodes one wire payload and hands it to local subscribers.
func (b *Broker) dispatch(payload []byte) {
	var event domain.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		b.logger.Warn("dropping malformed event", "error", err)
		return
	}
	if err := b.local.Publish(context.Background(), event); err != nil {
		b.logger.Warn("dropping event", "type", event.Type, "error", err)
	}
}

func (b *Broker) Close() error {
	b.client.Disconnect(quiesce)
	return b.local.Close()
}
