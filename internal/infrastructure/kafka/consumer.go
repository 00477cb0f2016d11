package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"livechat-ws/internal/broadcast"
	"livechat-ws/internal/domain"
)

// RemoteDeliverer receives envelopes published by other instances.
type RemoteDeliverer interface {
	DeliverRemote(env broadcast.Envelope) bool
}

// EventConsumer reads the shared event topic and hands other instances'
// envelopes to the local router. Each instance uses its own group id so
// every instance sees every event.
type EventConsumer struct {
	reader  *kafka.Reader
	handler RemoteDeliverer
	log     *slog.Logger
}

func NewEventConsumer(brokers []string, groupID, topic string, handler RemoteDeliverer, log *slog.Logger) *EventConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 100 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		MaxWait:        100 * time.Millisecond,
	})
	return &EventConsumer{reader: reader, handler: handler, log: log}
}

// Start consumes in the background until ctx is cancelled.
func (c *EventConsumer) Start(ctx context.Context) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("kafka consumer panicked", "panic", r)
			}
		}()
		for {
			m, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					c.log.Info("kafka consumer stopping")
					return
				}
				if errors.Is(err, kafka.RebalanceInProgress) || errors.Is(err, kafka.LeaderNotAvailable) {
					c.log.Info("kafka group is rebalancing, continuing", "error", err)
					continue
				}
				c.log.Error("read kafka message", "error", err)
				continue
			}
			c.handle(m.Value)
		}
	}()
}

func (c *EventConsumer) handle(value []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("recovered while handling relayed event", "panic", r)
		}
	}()
	env, err := decode(value)
	if err != nil {
		c.log.Error("drop relayed event", "error", err)
		return
	}
	c.handler.DeliverRemote(env)
}

// decode parses an envelope and checks its payload against the event
// schema before it reaches any client.
func decode(value []byte) (broadcast.Envelope, error) {
	var env broadcast.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if len(env.Rooms) == 0 {
		return env, fmt.Errorf("envelope %s has no rooms", env.ID)
	}
	if _, err := domain.DecodeEvent(env.Type, env.Data); err != nil {
		return env, err
	}
	return env, nil
}

func (c *EventConsumer) Close() error {
	return c.reader.Close()
}
