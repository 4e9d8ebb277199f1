// Package events provides the in-process event bus used to fan out registry
// change notifications and broadcast envelopes.
//
// The bus is a thin wrapper around a watermill gochannel pub/sub: every
// subscriber of a category receives every message published to it. There is no
// selective delivery - broadcast targeting stays advisory metadata inside the
// envelope and recipients self-filter.
package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
)

// subscriberBuffer bounds how many undelivered messages a slow subscriber can
// hold before publishes to it block.
const subscriberBuffer = 64

// Bus is a fan-out publish/subscribe channel for event categories.
type Bus struct {
	pubSub *gochannel.GoChannel
	log    zerolog.Logger
}

// New creates an in-process event bus.
func New(log zerolog.Logger) *Bus {
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: subscriberBuffer},
		NewWatermillAdapter(log),
	)

	return &Bus{
		pubSub: pubSub,
		log:    log,
	}
}

// Publish publishes payload under the given event category. Delivery is
// fire-and-forget: subscribers that disconnect simply stop receiving.
func (b *Bus) Publish(category string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.pubSub.Publish(category, msg)
}

// Subscribe returns a channel of messages published under the given category.
// The subscription ends when ctx is cancelled. Consumers must Ack each message.
func (b *Bus) Subscribe(ctx context.Context, category string) (<-chan *message.Message, error) {
	return b.pubSub.Subscribe(ctx, category)
}

// Close shuts down the bus and terminates all subscriptions.
func (b *Bus) Close() error {
	return b.pubSub.Close()
}
