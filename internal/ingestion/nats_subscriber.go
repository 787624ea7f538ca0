package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream  = "COVER_COMMANDS"
	RecordStream   = "COVER_RECORDS"
	streamMaxAge   = 72 * time.Hour
	consumerAck    = 30 * time.Second
	consumerMaxDel = 5
)

// NATSSubscriber subscribes to JetStream command subjects and feeds raw
// messages to the router. NATS is the high-throughput ingest surface.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawCommand
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawCommand is an unparsed command message from NATS.
type RawCommand struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK once the command has been handed to the router
	NakFunc   func() // NAK to have JetStream redeliver
}

// SubjectConfig binds a filter subject to a durable consumer.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects uses a single durable consumer over every command subject.
// Per-caller nonces need stream order, so commands are not split across
// consumers by type.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: CommandSubjectPrefix + ">", ConsumerName: "ledger-commands", StreamName: CommandStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawCommand, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		logger:  logger,
	}
}

// Subscribe attaches a durable consumer per configured subject. One message
// is in flight per consumer, so delivery order matches stream order.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, consumerConfig(cfg))
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) { ns.forward(ctx, msg) })
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}
		ns.consumers = append(ns.consumers, cc)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

func consumerConfig(cfg SubjectConfig) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       cfg.ConsumerName,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       consumerAck,
		MaxDeliver:    consumerMaxDel,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
}

// forward hands one message to the router. A message still queued when ctx
// ends is NAKed so JetStream redelivers it after restart.
func (ns *NATSSubscriber) forward(ctx context.Context, msg jetstream.Msg) {
	raw := RawCommand{
		Subject:   msg.Subject(),
		Data:      msg.Data(),
		Timestamp: time.Now(),
		AckFunc:   func() { _ = msg.Ack() },
		NakFunc:   func() { _ = msg.Nak() },
	}
	if md, err := msg.Metadata(); err == nil && md.NumDelivered > 1 {
		ns.logger.Debug().
			Str("subject", raw.Subject).
			Uint64("delivered", md.NumDelivered).
			Msg("redelivered command")
	}

	select {
	case ns.rawChan <- raw:
	case <-ctx.Done():
		_ = msg.Nak()
	}
}

// EnsureStreams creates the command and record streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{CommandSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    streamMaxAge,
			Replicas:  1,
		},
		{
			Name:       RecordStream,
			Subjects:   []string{RecordSubjectPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     streamMaxAge,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("coverledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
