package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds configuration for the JetStream event bridge.
type NATSConfig struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectPrefix string // e.g. "game.events"
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns default JetStream bridge configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		StreamName:    "GAME_EVENTS",
		ConsumerName:  "game-gateway",
		SubjectPrefix: "game.events",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// eventEnvelope travels on the stream between instances. Data is the
// already-encoded client frame, broadcast as-is on the receiving side.
type eventEnvelope struct {
	Room  string          `json:"room"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NATSBridge publishes room events to JetStream and consumes them back onto
// the local ConnectionManager, so timer updates reach clients connected to
// any instance. It implements Emitter on the publish side.
type NATSBridge struct {
	connectionManager *ConnectionManager
	nc                *nats.Conn
	js                jetstream.JetStream
	consumer          jetstream.Consumer
	config            NATSConfig
}

// NewNATSBridge connects to NATS, ensures the stream exists and sets up the
// durable consumer.
func NewNATSBridge(cm *ConnectionManager, config NATSConfig) (*NATSBridge, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	b := &NATSBridge{
		connectionManager: cm,
		nc:                nc,
		js:                js,
		config:            config,
	}

	if err := b.ensureStream(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	if err := b.ensureConsumer(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}

	return b, nil
}

func (b *NATSBridge) ensureStream(ctx context.Context) error {
	_, err := b.js.Stream(ctx, b.config.StreamName)
	if err == nil {
		return nil
	}
	_, err = b.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      b.config.StreamName,
		Subjects:  []string{b.config.SubjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    time.Hour,
	})
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	log.Info().Str("stream", b.config.StreamName).Msg("created JetStream stream")
	return nil
}

func (b *NATSBridge) ensureConsumer(ctx context.Context) error {
	stream, err := b.js.Stream(ctx, b.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumerConfig := jetstream.ConsumerConfig{
		Name:          b.config.ConsumerName,
		Durable:       b.config.ConsumerName,
		Description:   "Game gateway WebSocket consumer",
		FilterSubject: b.config.SubjectPrefix + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    b.config.MaxDeliver,
		AckWait:       b.config.AckWait,
		MaxAckPending: b.config.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	}

	consumer, err := stream.Consumer(ctx, b.config.ConsumerName)
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, consumerConfig)
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		log.Info().
			Str("consumer", b.config.ConsumerName).
			Str("stream", b.config.StreamName).
			Msg("created JetStream consumer")
	} else {
		log.Info().
			Str("consumer", b.config.ConsumerName).
			Str("stream", b.config.StreamName).
			Msg("using existing JetStream consumer")
	}

	b.consumer = consumer
	return nil
}

// Emit publishes an encoded client frame for the given room. Subjects derive
// from the room name with colons mapped to dots, so one game's traffic lands
// on a handful of adjacent subjects.
func (b *NATSBridge) Emit(room, event string, data []byte) error {
	envelope := eventEnvelope{Room: room, Event: event, Data: data}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	subject := b.config.SubjectPrefix + "." + strings.ReplaceAll(room, ":", ".")
	if _, err := b.js.Publish(context.Background(), subject, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Start begins consuming events from JetStream and fanning them out locally.
// Blocks until the context is cancelled.
func (b *NATSBridge) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", b.config.ConsumerName).
		Str("stream", b.config.StreamName).
		Msg("starting JetStream event consumer")

	messageCh := make(chan jetstream.Msg, 100)

	consumeCtx, err := b.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("JetStream consumer shutting down")
			return nil
		case msg := <-messageCh:
			if err := b.processMessage(msg); err != nil {
				log.Error().
					Err(err).
					Str("subject", msg.Subject()).
					Msg("failed to process message")
				msg.Nak()
			} else {
				msg.Ack()
			}
		}
	}
}

func (b *NATSBridge) processMessage(msg jetstream.Msg) error {
	var envelope eventEnvelope
	if err := json.Unmarshal(msg.Data(), &envelope); err != nil {
		return fmt.Errorf("unmarshal event envelope: %w", err)
	}
	if envelope.Room == "" {
		return fmt.Errorf("event envelope missing room")
	}

	b.connectionManager.BroadcastToRoom(envelope.Room, envelope.Data)

	log.Debug().
		Str("room", envelope.Room).
		Str("event", envelope.Event).
		Msg("relayed event to local connections")
	return nil
}

// Close drains and closes the NATS connection.
func (b *NATSBridge) Close() {
	if b.nc != nil {
		b.nc.Drain()
	}
}

// LocalEmitter delivers events straight to the local ConnectionManager. Used
// in single-instance deployments and tests where NATS is not available.
type LocalEmitter struct {
	ConnectionManager *ConnectionManager
}

func (e *LocalEmitter) Emit(room, event string, data []byte) error {
	e.ConnectionManager.BroadcastToRoom(room, data)
	return nil
}
