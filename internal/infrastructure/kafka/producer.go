package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"livechat-ws/internal/broadcast"
)

const defaultQueueSize = 1024

// EventProducer relays locally published envelopes to the other instances.
// Messages are keyed by session id so one session's events share a
// partition and keep their order.
type EventProducer struct {
	writer messageWriter
	log    *slog.Logger

	queue   chan broadcast.Envelope
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
}

// messageWriter is the part of kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewEventProducer(brokers []string, topic string, log *slog.Logger) *EventProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		BatchTimeout: time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newEventProducer(writer, log, defaultQueueSize)
}

func newEventProducer(w messageWriter, log *slog.Logger, queueSize int) *EventProducer {
	p := &EventProducer{
		writer: w,
		log:    log,
		queue:  make(chan broadcast.Envelope, queueSize),
		done:   make(chan struct{}),
	}
	return p
}

// Start runs the writer loop until ctx is cancelled or Close is called.
// Close drains the queue, so it must run before ctx is cancelled.
func (p *EventProducer) Start(ctx context.Context) {
	p.started.Store(true)
	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("kafka producer panicked", "panic", r)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-p.queue:
				if !ok {
					return
				}
				p.write(ctx, env)
			}
		}
	}()
}

// Mirror queues env for sending. A full queue drops the envelope; remote
// viewers recover by re-fetching state.
func (p *EventProducer) Mirror(env broadcast.Envelope) {
	defer func() {
		// Mirror racing Close must not panic on the closed queue
		_ = recover()
	}()
	select {
	case p.queue <- env:
	default:
		p.log.Warn("kafka relay queue full, dropping event", "type", env.Type, "session", env.SessionID)
	}
}

func (p *EventProducer) write(ctx context.Context, env broadcast.Envelope) {
	msg, err := encode(env)
	if err != nil {
		p.log.Error("encode envelope", "type", env.Type, "error", err)
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.writer.WriteMessages(wctx, msg); err != nil {
		p.log.Error("failed to relay event", "type", env.Type, "session", env.SessionID, "error", err)
	}
}

func encode(env broadcast.Envelope) (kafka.Message, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(env.SessionID.String()),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(env.Type)},
			{Key: "origin", Value: []byte(env.Origin)},
		},
	}, nil
}

// Close stops accepting envelopes, waits for the loop to send what is
// queued and closes the writer.
func (p *EventProducer) Close() error {
	p.once.Do(func() { close(p.queue) })
	if p.started.Load() {
		select {
		case <-p.done:
		case <-time.After(5 * time.Second):
			p.log.Warn("kafka producer did not drain in time", "pending", len(p.queue))
		}
	}
	return p.writer.Close()
}
