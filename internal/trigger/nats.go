package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBus carries trigger events over a JetStream stream so multiple
// worker processes can consume the same dispatch signals.
type NATSBus struct {
	logger *zap.Logger
	conn   *nats.Conn
	js     nats.JetStreamContext
	stream string
	subs   []*nats.Subscription
}

func NewNATSBus(url, stream string, logger *zap.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	bus := &NATSBus{
		logger: logger.Named("trigger"),
		conn:   conn,
		js:     js,
		stream: stream,
	}

	if err := bus.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}

	return bus, nil
}

func (b *NATSBus) ensureStream() error {
	_, err := b.js.StreamInfo(b.stream)
	if err == nil {
		b.logger.Info("Using existing trigger stream", zap.String("name", b.stream))
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:     b.stream,
		Subjects: []string{"relay.>"},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  -1,
	})
	if err != nil {
		return fmt.Errorf("failed to create trigger stream: %w", err)
	}
	b.logger.Info("Created trigger stream", zap.String("name", b.stream))
	return nil
}

func (b *NATSBus) Enqueue(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// MsgId makes redelivery of the same event a broker-side duplicate.
	if _, err := b.js.Publish(evt.Subject, data, nats.MsgId(evt.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(subject string, handler Handler) error {
	durable := durableName(subject)
	sub, err := b.js.QueueSubscribe(subject, durable, func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			b.logger.Error("Failed to unmarshal trigger event",
				zap.String("subject", subject),
				zap.Error(err))
			return
		}
		handler(context.Background(), evt)
	}, nats.Durable(durable))
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.subs = append(b.subs, sub)
	return nil
}

func (b *NATSBus) Close() error {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	b.conn.Close()
	return nil
}

func durableName(subject string) string {
	return strings.ReplaceAll(subject, ".", "-") + "-consumer"
}
