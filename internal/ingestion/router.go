package ingestion

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/observability"

	"github.com/rs/zerolog"
)

// CommandProcessor is the core's write surface.
type CommandProcessor interface {
	Submit(ctx context.Context, cmd event.Command) (*event.CommandEnvelope, error)
}

// SubmitResult reports what happened to one submitted command.
type SubmitResult struct {
	Sequence     int64  `json:"sequence"`
	Outcome      string `json:"outcome"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	StateHash    string `json:"state_hash,omitempty"`
	Duplicate    bool   `json:"duplicate,omitempty"`
}

// IngestService parses and submits commands. It backs both the NATS router
// and the HTTP ingest endpoint.
type IngestService struct {
	proc    CommandProcessor
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewIngestService(proc CommandProcessor, metrics *observability.Metrics, logger zerolog.Logger) *IngestService {
	return &IngestService{
		proc:    proc,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Submit parses a JSON payload and runs it through the core. Parse errors
// and refused commands (nonce, clock, key) return an error; rejections are
// logged commands and come back as a result with outcome "rejected".
func (s *IngestService) Submit(ctx context.Context, ct event.CommandType, data []byte) (*SubmitResult, error) {
	cmd, err := ParseCommand(ct, data, s.now())
	if err != nil {
		return nil, err
	}
	return s.SubmitCommand(ctx, cmd)
}

// SubmitCommand runs an already typed command through the core.
func (s *IngestService) SubmitCommand(ctx context.Context, cmd event.Command) (*SubmitResult, error) {
	start := time.Now()
	env, err := s.proc.Submit(ctx, cmd)
	if s.metrics != nil {
		s.metrics.IngestToApply.WithLabelValues(cmd.CommandType().String()).Observe(time.Since(start).Seconds())
	}

	var rej *core.RejectionError
	if err != nil && !errors.As(err, &rej) {
		return nil, err
	}
	if env == nil {
		return &SubmitResult{Outcome: "duplicate", Duplicate: true}, nil
	}

	return &SubmitResult{
		Sequence:     env.Sequence,
		Outcome:      env.Outcome.String(),
		ErrorKind:    env.ErrorKind,
		ErrorMessage: env.ErrorMessage,
		StateHash:    "0x" + hex.EncodeToString(env.StateHash[:]),
	}, nil
}

// Router drains NATS messages into the core, one at a time in delivery order.
type Router struct {
	svc    *IngestService
	logger zerolog.Logger
}

func NewRouter(svc *IngestService, logger zerolog.Logger) *Router {
	return &Router{svc: svc, logger: logger}
}

// Run blocks until ctx is cancelled or rawChan closes. Malformed messages
// are acked and dropped so they are not redelivered forever. Every other
// message is acked once the core has decided it.
func (r *Router) Run(ctx context.Context, rawChan <-chan RawCommand) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			r.handle(ctx, raw)
		}
	}
}

func (r *Router) handle(ctx context.Context, raw RawCommand) {
	ct, err := CommandTypeFromSubject(raw.Subject)
	if err != nil {
		r.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("unknown command subject")
		raw.AckFunc()
		return
	}

	res, err := r.svc.Submit(ctx, ct, raw.Data)
	if ctx.Err() != nil || errors.Is(err, core.ErrCoreClosed) {
		raw.NakFunc()
		return
	}
	raw.AckFunc()

	switch {
	case err != nil:
		r.logger.Warn().Err(err).Str("command_type", ct.String()).Msg("command refused")
	case res.Outcome == event.OutcomeRejected.String():
		r.logger.Info().
			Int64("sequence", res.Sequence).
			Str("command_type", ct.String()).
			Str("error_kind", res.ErrorKind).
			Msg("command rejected")
	}
}
