package keeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"CoverLedger/internal/event"
	"CoverLedger/internal/ingestion"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/pool"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Ledger is the slice of the core the keeper reads.
type Ledger interface {
	ExpectedNonce(caller common.Address) int64
	LastTimestamp() uint32
	Sweepable(now uint32, limit int) []uint64
}

// Submitter feeds commands to the core.
type Submitter interface {
	SubmitCommand(ctx context.Context, cmd event.Command) (*ingestion.SubmitResult, error)
}

type Config struct {
	Identity     common.Address
	SweepCron    string // six fields, seconds first
	SweepLimit   int
	SnapshotCron string // empty disables periodic snapshots
}

// Keeper runs scheduled maintenance: sweeping expired protections as the
// keeper identity and taking snapshots.
type Keeper struct {
	cfg     Config
	ledger  Ledger
	submit  Submitter
	snaps   *Snapshotter
	cron    *cron.Cron
	metrics *observability.Metrics
	logger  zerolog.Logger

	// Now is the wall clock used to stamp keeper commands.
	Now func() time.Time

	mu  sync.Mutex // serializes nonce reads with submission
	ctx context.Context
}

func New(
	cfg Config,
	ledger Ledger,
	submit Submitter,
	snaps *Snapshotter,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Keeper {
	return &Keeper{
		cfg:     cfg,
		ledger:  ledger,
		submit:  submit,
		snaps:   snaps,
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		metrics: metrics,
		logger:  logger,
		Now:     time.Now,
		ctx:     context.Background(),
	}
}

// Register adds the sweep and snapshot jobs.
func (k *Keeper) Register() error {
	if _, err := k.cron.AddFunc(k.cfg.SweepCron, k.sweepJob); err != nil {
		return fmt.Errorf("register sweep job: %w", err)
	}
	if k.cfg.SnapshotCron != "" && k.snaps != nil {
		if _, err := k.cron.AddFunc(k.cfg.SnapshotCron, k.snapshotJob); err != nil {
			return fmt.Errorf("register snapshot job: %w", err)
		}
	}
	return nil
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits
// for running jobs to finish.
func (k *Keeper) Run(ctx context.Context) error {
	k.mu.Lock()
	k.ctx = ctx
	k.mu.Unlock()

	k.cron.Start()
	k.logger.Info().
		Str("identity", k.cfg.Identity.Hex()).
		Str("sweep_cron", k.cfg.SweepCron).
		Str("snapshot_cron", k.cfg.SnapshotCron).
		Msg("keeper started")

	<-ctx.Done()
	<-k.cron.Stop().Done()
	k.logger.Info().Msg("keeper stopped")
	return nil
}

func (k *Keeper) jobContext() context.Context {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ctx
}

func (k *Keeper) sweepJob() {
	res, err := k.SweepOnce(k.jobContext())
	switch {
	case err != nil:
		k.countRun("sweep", "error")
		k.logger.Error().Err(err).Msg("sweep failed")
	case res == nil:
		k.countRun("sweep", "idle")
	default:
		k.countRun("sweep", res.Outcome)
		k.logger.Info().
			Int64("sequence", res.Sequence).
			Str("outcome", res.Outcome).
			Str("error_kind", res.ErrorKind).
			Msg("sweep submitted")
	}
}

func (k *Keeper) snapshotJob() {
	seq, err := k.snaps.Take(k.jobContext())
	switch {
	case err != nil:
		k.countRun("snapshot", "error")
		k.logger.Error().Err(err).Msg("snapshot failed")
	case seq < 0:
		k.countRun("snapshot", "idle")
	default:
		k.countRun("snapshot", "ok")
	}
}

// SweepOnce submits a SweepExpired command when anything is sweepable.
// It returns nil, nil when there is nothing to do.
func (k *Keeper) SweepOnce(ctx context.Context) (*ingestion.SubmitResult, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	// Keeper commands must not move the ledger clock backwards.
	now, err := fpmath.UnixSeconds(k.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: keeper clock: %v", pool.ErrCastOverflow, err)
	}
	if last := k.ledger.LastTimestamp(); now < last {
		now = last
	}
	if len(k.ledger.Sweepable(now, k.cfg.SweepLimit)) == 0 {
		return nil, nil
	}

	nonce := k.ledger.ExpectedNonce(k.cfg.Identity)
	cmd := &event.SweepExpired{
		Header: event.Header{
			IdempotencyKey: fmt.Sprintf("keeper-sweep-%d", nonce),
			Caller:         k.cfg.Identity,
			Nonce:          nonce,
			Timestamp:      now,
		},
		Limit: k.cfg.SweepLimit,
	}
	return k.submit.SubmitCommand(ctx, cmd)
}

func (k *Keeper) countRun(job, status string) {
	if k.metrics != nil {
		k.metrics.KeeperRuns.WithLabelValues(job, status).Inc()
	}
}
