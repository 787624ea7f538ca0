package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/pool"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrClockRegression       = errors.New("command timestamp before last applied command")
	ErrMissingIdempotencyKey = errors.New("missing idempotency key")
	ErrReplayMismatch        = errors.New("replay diverged from command log")
	ErrCoreClosed            = errors.New("core closed")
)

// RejectionError reports a command that was logged as rejected. The
// sequence advanced but state did not change.
type RejectionError struct {
	Sequence int64
	Kind     string
	Err      error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("command rejected at seq %d (%s): %v", e.Sequence, e.Kind, e.Err)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// Config fixes the identities the core trusts.
type Config struct {
	PoolAddress common.Address
	// Bridge is the only caller allowed to submit FundsDeposited.
	Bridge              common.Address
	Policy              pool.Policy
	IdempotencyCapacity int
}

// DeterministicCore is the single writer for the pool. Commands are applied
// one at a time under mu; views take the read lock.
type DeterministicCore struct {
	mu sync.RWMutex

	sequence      int64
	lastTimestamp uint32
	cfg           Config

	hasher            *StateHasher
	book              *ledger.Book
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	registry          *pool.Registry
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator

	metrics *observability.Metrics
	logger  zerolog.Logger
	tracer  trace.Tracer

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	// done unblocks a pending persist send; closed refuses new commands.
	done      chan struct{}
	closeOnce sync.Once
	closed    bool
	halted    bool
}

// CoreOutput is everything produced by one command.
type CoreOutput struct {
	Envelope   *event.CommandEnvelope
	Records    []pool.Record
	Batch      *ledger.Batch
	StateDelta []byte
}

func NewDeterministicCore(
	cfg Config,
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *DeterministicCore {
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = 1_000_000
	}
	book := ledger.NewBook(cfg.PoolAddress, true)

	return &DeterministicCore{
		sequence:          startSequence,
		cfg:               cfg,
		hasher:            NewStateHasher(),
		book:              book,
		journalGen:        ledger.NewJournalGenerator(book),
		validator:         ledger.NewInvariantValidator(book),
		registry:          pool.NewRegistry(cfg.PoolAddress, book, cfg.Policy),
		idempotency:       NewIdempotencyChecker(cfg.IdempotencyCapacity, dbChecker, metrics),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		logger:            observability.NewLogger("core"),
		tracer:            observability.Tracer(),
		persistChan:       persistChan,
		projectionChan:    projectionChan,
		done:              make(chan struct{}),
	}
}

// Close stops the core accepting commands and closes its output channels
// once no command is in flight. A command blocked on a full persist channel
// is abandoned: its output never reaches the log, so it is redelivered or
// resubmitted after restart. Safe to call more than once.
func (c *DeterministicCore) Close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		defer c.mu.Unlock()
		c.closed = true
		if c.persistChan != nil {
			close(c.persistChan)
		}
		if c.projectionChan != nil {
			close(c.projectionChan)
		}
	})
}

// SetLogger replaces the core logger.
func (c *DeterministicCore) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// ProcessCommand is the main processing pipeline. It returns nil for
// applied commands and skipped duplicates, a *RejectionError for commands
// logged as rejected, and any other error for commands that were refused
// without touching the log.
func (c *DeterministicCore) ProcessCommand(ctx context.Context, cmd event.Command) error {
	_, err := c.Submit(ctx, cmd)
	return err
}

// Submit is ProcessCommand that also returns the logged envelope. The
// envelope is nil for duplicates and refused commands.
func (c *DeterministicCore) Submit(ctx context.Context, cmd event.Command) (*event.CommandEnvelope, error) {
	ctx, span := c.tracer.Start(ctx, "core.ProcessCommand", trace.WithAttributes(
		attribute.String("command.type", cmd.CommandType().String()),
		attribute.String("command.idempotency_key", cmd.Meta().IdempotencyKey),
	))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCoreClosed
	}
	output, err := c.apply(ctx, cmd, false)
	if err != nil {
		span.RecordError(err)
		var rej *RejectionError
		if !errors.As(err, &rej) {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	if output == nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("core.sequence", output.Envelope.Sequence))
	if emitErr := c.emit(ctx, *output); emitErr != nil {
		span.SetStatus(codes.Error, emitErr.Error())
		return nil, emitErr
	}
	return output.Envelope, err
}

// apply runs every step up to, but not including, output emission.
// replay skips the idempotency lookup; replayed commands are in the log.
func (c *DeterministicCore) apply(ctx context.Context, cmd event.Command, replay bool) (*CoreOutput, error) {
	start := time.Now()
	ct := cmd.CommandType()
	commandType := ct.String()
	h := cmd.Meta()

	// Step 1: Idempotency check (two-tier)
	if h.IdempotencyKey == "" {
		return nil, ErrMissingIdempotencyKey
	}
	if !replay {
		if dup, tier := c.idempotency.IsDuplicate(commandType, h.IdempotencyKey); dup {
			if c.metrics != nil {
				c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "duplicate").Inc()
				c.metrics.IdempotencyDuplicates.WithLabelValues(commandType, tier).Inc()
			}
			return nil, nil
		}
	}

	payload, err := event.Encode(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}

	// Step 2: Clock check
	if h.Timestamp < c.lastTimestamp {
		if c.metrics != nil {
			c.metrics.ClockRegressions.Inc()
		}
		return nil, fmt.Errorf("%w: last=%d, got=%d", ErrClockRegression, c.lastTimestamp, h.Timestamp)
	}

	// Step 3: Per-caller nonce
	if err := c.sequenceValidator.ValidateSequence(CallerPartition(h.Caller), h.Nonce, h.IdempotencyKey); err != nil {
		if c.metrics != nil {
			if errors.Is(err, ErrNonceGap) {
				c.metrics.NonceGaps.Inc()
			} else {
				c.metrics.NonceOutOfOrder.Inc()
			}
		}
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}

	// Step 4: Dispatch. The registry rolls itself and the book back on error.
	call := pool.Call{Caller: h.Caller, Now: h.Timestamp}
	dispatchErr := c.dispatch(call, cmd)

	seq := c.sequence
	c.lastTimestamp = h.Timestamp
	envelope := &event.CommandEnvelope{
		Sequence:       seq,
		IdempotencyKey: h.IdempotencyKey,
		CommandType:    ct,
		Caller:         h.Caller,
		Nonce:          h.Nonce,
		Timestamp:      h.Timestamp,
		Payload:        payload,
		PrevHash:       c.hasher.GetPrevHash(),
	}

	if dispatchErr != nil {
		kind := pool.KindOf(dispatchErr)
		envelope.Outcome = event.OutcomeRejected
		envelope.ErrorKind = kind
		envelope.ErrorMessage = dispatchErr.Error()
		envelope.StateHash = envelope.PrevHash

		c.sequence++
		c.idempotency.MarkProcessed(commandType, h.IdempotencyKey)
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(commandType, kind).Inc()
			c.metrics.CoreSequence.Set(float64(c.sequence))
		}
		c.logger.Debug().
			Int64("sequence", seq).
			Str("command_type", commandType).
			Str("kind", kind).
			Err(dispatchErr).
			Msg("command rejected")
		return &CoreOutput{Envelope: envelope}, &RejectionError{Sequence: seq, Kind: kind, Err: dispatchErr}
	}

	// Step 5: Collect effects
	records := c.registry.DrainRecords()
	batch := c.journalGen.Generate(h.IdempotencyKey, seq, h.Timestamp)
	if batch != nil {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: malformed batch: %v", err))
		}
	}

	// Step 6: Post-checks
	if err := c.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 7: State digest and hash
	hashStart := time.Now()
	digest, err := c.computeStateDigest(records, batch)
	if err != nil {
		panic(fmt.Sprintf("FATAL: state digest: %v", err))
	}
	envelope.Outcome = event.OutcomeApplied
	envelope.StateHash = c.hasher.ComputeHash(seq, digest)

	c.sequence++
	c.idempotency.MarkProcessed(commandType, h.IdempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
		c.metrics.CoreCommandsApplied.WithLabelValues(commandType).Inc()
		c.metrics.CoreCommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		for _, r := range records {
			c.metrics.CoreRecords.WithLabelValues(string(r.Type)).Inc()
		}
		if batch != nil {
			for _, j := range batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
		st := c.registry.State()
		c.metrics.SetPoolGauges(st.Reserves, st.Utilized, st.TotalShares, c.registry.ProtectionCount())
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))
	}

	return &CoreOutput{
		Envelope:   envelope,
		Records:    records,
		Batch:      batch,
		StateDelta: digest,
	}, nil
}

// emit sends to the persistence worker (blocking, for backpressure) and the
// projection worker (non-blocking; projections rebuild from the log).
// If ctx ends or the core is closing before the persist send completes, the
// in-memory state is ahead of the log and the core refuses every later
// command.
func (c *DeterministicCore) emit(ctx context.Context, output CoreOutput) error {
	if c.metrics != nil && len(c.persistChan) == cap(c.persistChan) {
		c.metrics.PersistBackpressure.Inc()
	}
	select {
	case c.persistChan <- output:
	case <-ctx.Done():
		c.closed, c.halted = true, true
		c.logger.Error().Int64("sequence", output.Envelope.Sequence).Err(ctx.Err()).
			Msg("persist send abandoned, core halted")
		return fmt.Errorf("%w: seq %d not persisted: %v", ErrCoreClosed, output.Envelope.Sequence, ctx.Err())
	case <-c.done:
		c.closed, c.halted = true, true
		return fmt.Errorf("%w: seq %d not persisted", ErrCoreClosed, output.Envelope.Sequence)
	}

	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.WithLabelValues("all").Inc()
		}
	}
	return nil
}

// postCheckInvariants validates book and pool invariants after a command
func (c *DeterministicCore) postCheckInvariants() error {
	if err := c.validator.ValidateConservation(); err != nil {
		return err
	}
	st := c.registry.State()
	if st.Reserves.Lt(st.Utilized) {
		return fmt.Errorf("reserves %s below utilized %s", st.Reserves, st.Utilized)
	}
	if err := c.validator.ValidatePoolCovers(st.Reserves); err != nil {
		// premium claims weight cumulative token-seconds and can dip into
		// the reserve backing; surfaced, not fatal
		c.logger.Warn().Err(err).Msg("pool balance below reserves")
	}
	return nil
}

// StateDigest is the canonical form hashed into the chain. It also travels
// to projections as CoreOutput.StateDelta.
type StateDigest struct {
	State       pool.PoolState          `json:"state"`
	Providers   []*pool.ProviderAccount `json:"providers,omitempty"`
	Protections []*pool.Protection      `json:"protections,omitempty"`
	Records     []pool.Record           `json:"records"`
	Journals    []ledger.Journal        `json:"journals,omitempty"`
}

var protectionRecords = map[pool.RecordType]bool{
	pool.RecordPurchase: true,
	pool.RecordClaim:    true,
	pool.RecordSweep:    true,
	pool.RecordTransfer: true,
	pool.RecordApproval: true,
}

// computeStateDigest covers the pool aggregate plus every provider and
// protection the records touched, in sorted order.
func (c *DeterministicCore) computeStateDigest(records []pool.Record, batch *ledger.Batch) ([]byte, error) {
	d := StateDigest{
		State:   c.registry.State(),
		Records: records,
	}
	if d.Records == nil {
		d.Records = []pool.Record{}
	}

	addrs := make(map[common.Address]bool)
	pids := make(map[uint64]bool)
	for _, r := range records {
		addrs[r.Actor] = true
		addrs[r.Counterparty] = true
		if protectionRecords[r.Type] {
			pids[r.ProtectionID] = true
		}
	}

	for addr := range addrs {
		if p, ok := c.registry.Provider(addr); ok {
			d.Providers = append(d.Providers, p)
		}
	}
	sort.Slice(d.Providers, func(i, j int) bool {
		return d.Providers[i].Address.Hex() < d.Providers[j].Address.Hex()
	})

	for pid := range pids {
		if p, ok := c.registry.Protection(pid); ok {
			d.Protections = append(d.Protections, p)
		}
	}
	sort.Slice(d.Protections, func(i, j int) bool {
		return d.Protections[i].ID < d.Protections[j].ID
	})

	if batch != nil {
		d.Journals = batch.Journals
	}
	return json.Marshal(d)
}

// DecodeStateDelta parses CoreOutput.StateDelta.
func DecodeStateDelta(b []byte) (*StateDigest, error) {
	var d StateDigest
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode state delta: %w", err)
	}
	return &d, nil
}
