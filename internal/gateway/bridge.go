package gateway

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const bridgeChannel = "station:gateway:fanout"

// Envelope is one fan-out event crossing instance boundaries. Data carries
// the already-encoded frame so remote instances deliver bytes verbatim.
type Envelope struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// Bridge fans events out across gateway instances. Presence stays local to
// each instance; the bridge only extends room delivery.
type Bridge interface {
	Publish(envelope Envelope) error
	Subscribe(handler func(Envelope)) error
	Close() error
}

// RedisBridge implements Bridge over redis pub/sub.
type RedisBridge struct {
	client *redis.Client
	logger *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisBridge constructs a bridge sharing an existing redis client.
func NewRedisBridge(client *redis.Client, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{client: client, logger: logger}
}

// Publish sends the envelope to every subscribed instance, including this one.
func (b *RedisBridge) Publish(envelope Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return b.client.Publish(context.Background(), bridgeChannel, payload).Err()
}

// Subscribe starts the receive loop. Malformed envelopes are logged and skipped.
func (b *RedisBridge) Subscribe(handler func(Envelope)) error {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, bridgeChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		return err
	}

	b.cancel = cancel
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		defer pubsub.Close()
		channel := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-channel:
				if !ok {
					return
				}
				var envelope Envelope
				if err := json.Unmarshal([]byte(message.Payload), &envelope); err != nil {
					b.logger.Warn("discarding malformed bridge envelope", zap.Error(err))
					continue
				}
				handler(envelope)
			}
		}
	}()
	return nil
}

// Close stops the receive loop.
func (b *RedisBridge) Close() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	return nil
}
