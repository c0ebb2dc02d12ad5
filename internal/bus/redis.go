// Package bus carries the two pub/sub channels of the pipeline over Redis:
// the per-country fan-out of creation messages and the shared confirmation
// channel. The country suffix on the fan-out channel is the routing
// attribute; a subscriber only ever receives its own country's traffic.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/medibook/appointment-pipeline/internal/appointment"
)

type RedisBus struct {
	client         *redis.Client
	fanoutPrefix   string
	confirmChannel string
}

func NewRedisBus(client *redis.Client, fanoutPrefix, confirmChannel string) *RedisBus {
	return &RedisBus{
		client:         client,
		fanoutPrefix:   fanoutPrefix,
		confirmChannel: confirmChannel,
	}
}

// FanoutChannel builds the country-routed channel name, e.g.
// "appointments.created.PE".
func FanoutChannel(prefix string, country appointment.CountryISO) string {
	return fmt.Sprintf("%s.%s", prefix, country)
}

func (b *RedisBus) PublishCreated(ctx context.Context, msg appointment.FanoutMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode fanout message: %w", err)
	}

	channel := FanoutChannel(b.fanoutPrefix, msg.CountryISO)
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) PublishProcessed(ctx context.Context, ev appointment.ConfirmationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode confirmation event: %w", err)
	}

	if err := b.client.Publish(ctx, b.confirmChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.confirmChannel, err)
	}
	return nil
}

// SubscribeCreated consumes the fan-out channel for one country until ctx is
// cancelled. Handler errors are logged, not retried; redelivery is the
// publisher side's concern (reconciler sweep).
func (b *RedisBus) SubscribeCreated(ctx context.Context, country appointment.CountryISO, handler func(context.Context, appointment.FanoutMessage) error) error {
	channel := FanoutChannel(b.fanoutPrefix, country)
	sub := b.client.Subscribe(ctx, channel)
	defer sub.Close()

	log.Printf("subscribed to %s", channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", channel)
			}
			var msg appointment.FanoutMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				log.Printf("drop malformed message on %s: %v", channel, err)
				continue
			}
			if err := handler(ctx, msg); err != nil {
				log.Printf("handle message %s on %s: %v", msg.AppointmentID, channel, err)
			}
		}
	}
}

// SubscribeProcessed consumes the confirmation channel until ctx is
// cancelled.
func (b *RedisBus) SubscribeProcessed(ctx context.Context, handler func(context.Context, appointment.ConfirmationEvent) error) error {
	sub := b.client.Subscribe(ctx, b.confirmChannel)
	defer sub.Close()

	log.Printf("subscribed to %s", b.confirmChannel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", b.confirmChannel)
			}
			var ev appointment.ConfirmationEvent
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				log.Printf("drop malformed event on %s: %v", b.confirmChannel, err)
				continue
			}
			if err := handler(ctx, ev); err != nil {
				log.Printf("handle confirmation %s: %v", ev.AppointmentID, err)
			}
		}
	}
}
