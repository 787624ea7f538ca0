package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/pool"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// RecordSubjectPrefix is prepended to a record type, e.g. cover.records.purchase.
// Rejections go to cover.records.rejected.<command token>.
const RecordSubjectPrefix = "cover.records."

// OutboundPublisher publishes emitted records to NATS for downstream
// observers. Delivery is best effort: observers that miss a message can
// read event_log.records.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

// PublishableRecord is one record with the command that produced it.
type PublishableRecord struct {
	Sequence       int64       `json:"sequence"`
	Index          int         `json:"index"`
	CommandType    string      `json:"command_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	StateHash      string      `json:"state_hash"`
	Record         pool.Record `json:"record"`
}

// PublishableRejection announces a command logged as rejected.
type PublishableRejection struct {
	Sequence       int64  `json:"sequence"`
	CommandType    string `json:"command_type"`
	IdempotencyKey string `json:"idempotency_key"`
	Caller         string `json:"caller"`
	ErrorKind      string `json:"error_kind"`
	ErrorMessage   string `json:"error_message"`
}

// OutboundMsg is one message ready for JetStream.
type OutboundMsg struct {
	Subject string
	MsgID   string
	Data    []byte
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run publishes until ctx is cancelled or the input channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			msgs, err := BuildOutbound(output)
			if err != nil {
				op.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("outbound encode failed")
				continue
			}
			for _, m := range msgs {
				if _, err := op.js.Publish(ctx, m.Subject, m.Data, jetstream.WithMsgID(m.MsgID)); err != nil {
					op.logger.Warn().Err(err).Str("subject", m.Subject).Msg("outbound publish failed")
				}
			}
		}
	}
}

// BuildOutbound renders the messages for one core output. The message id
// makes republishing after a restart a no-op inside the stream's
// duplicate window.
func BuildOutbound(output core.CoreOutput) ([]OutboundMsg, error) {
	env := output.Envelope
	if env == nil {
		return nil, nil
	}

	if env.Outcome == event.OutcomeRejected {
		data, err := json.Marshal(PublishableRejection{
			Sequence:       env.Sequence,
			CommandType:    env.CommandType.Token(),
			IdempotencyKey: env.IdempotencyKey,
			Caller:         env.Caller.Hex(),
			ErrorKind:      env.ErrorKind,
			ErrorMessage:   env.ErrorMessage,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal rejection: %w", err)
		}
		return []OutboundMsg{{
			Subject: RecordSubjectPrefix + "rejected." + env.CommandType.Token(),
			MsgID:   fmt.Sprintf("%d-rejected", env.Sequence),
			Data:    data,
		}}, nil
	}

	hash := "0x" + hex.EncodeToString(env.StateHash[:])
	msgs := make([]OutboundMsg, 0, len(output.Records))
	for i, r := range output.Records {
		data, err := json.Marshal(PublishableRecord{
			Sequence:       env.Sequence,
			Index:          i,
			CommandType:    env.CommandType.Token(),
			IdempotencyKey: env.IdempotencyKey,
			StateHash:      hash,
			Record:         r,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal record: %w", err)
		}
		msgs = append(msgs, OutboundMsg{
			Subject: RecordSubjectPrefix + string(r.Type),
			MsgID:   fmt.Sprintf("%d-%d", env.Sequence, i),
			Data:    data,
		})
	}
	return msgs, nil
}
