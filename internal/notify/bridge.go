package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DefaultChannel    = "threadmod:events"
	defaultOutboxSize = 256
)

type BridgeOptions struct {
	Channel string
	// Origin tags events from this instance so they are not delivered twice.
	Origin string
	Outbox int
}

// Bridge relays events between instances over Redis pub/sub. Local
// publishes are queued on a bounded outbox and sent by a background
// goroutine. A full outbox drops its oldest event rather than stall
// moderation, matching the subscriber queues.
type Bridge struct {
	client   *redis.Client
	notifier *Notifier
	logger   zerolog.Logger
	channel  string
	origin   string
	outbox   chan Event
	ready    chan struct{}
}

func NewBridge(client *redis.Client, n *Notifier, logger zerolog.Logger, opts BridgeOptions) *Bridge {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.Outbox <= 0 {
		opts.Outbox = defaultOutboxSize
	}
	b := &Bridge{
		client:   client,
		notifier: n,
		logger:   logger,
		channel:  opts.Channel,
		origin:   opts.Origin,
		outbox:   make(chan Event, opts.Outbox),
		ready:    make(chan struct{}),
	}
	n.SetForwarder(b)
	return b
}

func (b *Bridge) Forward(ev Event) {
	ev.Origin = b.origin
	for {
		select {
		case b.outbox <- ev:
			return
		default:
		}
		select {
		case dropped := <-b.outbox:
			b.logger.Warn().Str("comment_id", dropped.CommentID).Msg("event outbox full, dropping oldest event")
		default:
		}
	}
}

// Ready is closed once the bridge is subscribed.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// Run subscribes to the channel and relays in both directions until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	close(b.ready)

	go b.sendLoop(ctx)

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn().Err(err).Msg("discarding malformed event")
				continue
			}
			if ev.Origin == b.origin {
				continue
			}
			b.notifier.Deliver(ev)
		}
	}
}

func (b *Bridge) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.outbox:
			payload, err := json.Marshal(ev)
			if err != nil {
				b.logger.Error().Err(err).Msg("encode event")
				continue
			}
			if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
				b.logger.Warn().Err(err).Str("comment_id", ev.CommentID).Msg("publish event")
			}
		}
	}
}
