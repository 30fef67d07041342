package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"

	"github.com/kengen-ai/kengen/internal/delegation"
	"github.com/kengen-ai/kengen/internal/ledger"
	"github.com/kengen-ai/kengen/internal/model"
)

// DefaultQueueSize bounds the recorder backlog before drops start.
const DefaultQueueSize = 1024

// record is one unit of bookkeeping: an optional receipt, governance
// events, and token use counts to bump.
type record struct {
	receipt   *model.Receipt
	events    []model.GovernanceEvent
	useTokens []uuid.UUID
}

// Recorder drains bookkeeping off the request path. Appends retry with
// backoff; a record that still fails after the last attempt is logged and
// dropped rather than blocking the pipeline.
type Recorder struct {
	ledger   ledger.Ledger
	registry *delegation.Registry
	queue    chan record
	retries  int
	logger   *slog.Logger
}

// RecorderOptions configures a recorder. Zero values pick defaults.
type RecorderOptions struct {
	QueueSize int
	Retries   int
	Logger    *slog.Logger
}

// NewRecorder builds a recorder writing to led and bumping use counts in reg.
func NewRecorder(led ledger.Ledger, reg *delegation.Registry, opts RecorderOptions) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Retries <= 0 {
		opts.Retries = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Recorder{
		ledger:   led,
		registry: reg,
		queue:    make(chan record, opts.QueueSize),
		retries:  opts.Retries,
		logger:   opts.Logger,
	}
}

// Enqueue hands a record to the background loop. A full queue drops the
// record with a warning; execution results are never rolled back over
// bookkeeping pressure.
func (r *Recorder) Enqueue(rec record) {
	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("recorder queue full, dropping record",
			slog.Int("events", len(rec.events)),
			slog.Bool("has_receipt", rec.receipt != nil))
	}
}

// Run consumes the queue until ctx is canceled, then drains what is already
// buffered before returning.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-r.queue:
			r.process(ctx, rec)
		case <-ctx.Done():
			r.drain()
			return ctx.Err()
		}
	}
}

// drain flushes buffered records with a bounded grace period.
func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-r.queue:
			r.process(ctx, rec)
		default:
			return
		}
	}
}

func (r *Recorder) process(ctx context.Context, rec record) {
	retrier := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(r.retries)), //nolint:gosec // retries is validated positive
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
	)

	if rec.receipt != nil {
		if err := retrier.Do(func() error {
			return r.ledger.AppendReceipt(ctx, *rec.receipt)
		}); err != nil {
			r.logger.Error("dropping receipt after retries",
				slog.String("receipt_id", rec.receipt.ID.String()),
				slog.String("error", err.Error()))
		}
	}

	for _, ev := range rec.events {
		if err := retrier.Do(func() error {
			return r.ledger.AppendEvent(ctx, ev)
		}); err != nil {
			r.logger.Error("dropping governance event after retries",
				slog.String("event_id", ev.ID.String()),
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()))
		}
	}

	// Use counts are advisory bookkeeping. A token revoked or expired
	// between execution and this point is not an error worth retrying.
	for _, id := range rec.useTokens {
		if err := r.registry.RecordUse(id); err != nil {
			r.logger.Warn("token use not recorded",
				slog.String("token_id", id.String()),
				slog.String("error", err.Error()))
		}
	}
}
