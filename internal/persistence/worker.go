package persistence

import (
	"PerpMark/internal/core"
	"PerpMark/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// BatchWriter persists a batch of processed event rows.
type BatchWriter interface {
	WriteBatch(ctx context.Context, rows []ProcessedEventRow) error
}

// DedupWorkerConfig tunes batching and retry.
type DedupWorkerConfig struct {
	BatchSize    int
	FlushTimeout time.Duration
	RetryBackoff time.Duration // first retry delay, doubled up to MaxBackoff
	MaxBackoff   time.Duration
}

// DedupWorker drains the engine's persist channel and batch-writes processed
// idempotency keys so that dedup survives restarts.
// The engine sends on the persist channel with a BLOCKING send, so if this
// worker falls behind the event loop stalls and no key is lost.
type DedupWorker struct {
	writer    BatchWriter
	inputChan <-chan core.CoreOutput
	cfg       DedupWorkerConfig
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewDedupWorker(
	writer BatchWriter,
	inputChan <-chan core.CoreOutput,
	cfg DedupWorkerConfig,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *DedupWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 50 * time.Millisecond
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &DedupWorker{
		writer:    writer,
		inputChan: inputChan,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// RowFromOutput converts an engine output into its persisted form.
func RowFromOutput(out core.CoreOutput) (ProcessedEventRow, bool) {
	if out.Envelope == nil || out.Envelope.IdempotencyKey == "" {
		return ProcessedEventRow{}, false
	}
	return ProcessedEventRow{
		EventType:      out.Envelope.EventType.String(),
		IdempotencyKey: out.Envelope.IdempotencyKey,
		MarketID:       out.Envelope.MarketID,
		SourceSequence: out.Envelope.SourceSequence,
		ProcessedAt:    out.Envelope.ProcessedAt,
	}, true
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input
// channel is closed.
func (dw *DedupWorker) Run(ctx context.Context) error {
	batch := make([]ProcessedEventRow, 0, dw.cfg.BatchSize)

	timer := time.NewTimer(dw.cfg.FlushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(batch) > 0 {
				if err := dw.flush(context.Background(), batch); err != nil {
					dw.logger.Error().Err(err).Int("keys", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-dw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := dw.flush(context.Background(), batch); err != nil {
						dw.logger.Error().Err(err).Int("keys", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			row, ok := RowFromOutput(output)
			if !ok {
				continue
			}
			batch = append(batch, row)

			if len(batch) >= dw.cfg.BatchSize {
				if err := dw.flushWithRetry(ctx, batch); err != nil {
					dw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(dw.cfg.FlushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := dw.flushWithRetry(ctx, batch); err != nil {
					dw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(dw.cfg.FlushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made.
func (dw *DedupWorker) flushWithRetry(ctx context.Context, rows []ProcessedEventRow) error {
	backoff := dw.cfg.RetryBackoff

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			dw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("keys", len(rows)).Msg("dedup flush retry")
			if dw.metrics != nil {
				dw.metrics.DedupFlushRetries.Inc()
			}
			select {
			case <-ctx.Done():
				if err := dw.flush(context.Background(), rows); err != nil {
					if dw.metrics != nil {
						dw.metrics.DedupFlushErrors.Inc()
					}
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > dw.cfg.MaxBackoff {
				backoff = dw.cfg.MaxBackoff
			}
		}

		err := dw.flush(ctx, rows)
		if err == nil {
			if attempt > 0 {
				dw.logger.Info().Int("retries", attempt).Msg("dedup flush succeeded")
			}
			return nil
		}
		dw.logger.Warn().Err(err).Msg("dedup flush failed")
	}
}

func (dw *DedupWorker) flush(ctx context.Context, rows []ProcessedEventRow) error {
	start := time.Now()
	if err := dw.writer.WriteBatch(ctx, rows); err != nil {
		return err
	}
	if dw.metrics != nil {
		dw.metrics.DedupFlushDur.Observe(time.Since(start).Seconds())
		dw.metrics.DedupKeysWritten.Add(float64(len(rows)))
	}
	return nil
}
