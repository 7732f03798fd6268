package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"market_core/internal/repository"

	"github.com/google/uuid"
)

const batchSize = 100

// Worker polls the outbox table and hands pending rows to the relay.
type Worker struct {
	outboxRepo repository.OutboxRepository
	relay      *Relay
}

func NewWorker(outboxRepo repository.OutboxRepository, relay *Relay) *Worker {
	return &Worker{
		outboxRepo: outboxRepo,
		relay:      relay,
	}
}

func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Outbox worker started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.processBatch(ctx); err != nil {
				slog.Error("Outbox batch failed", "error", err)
			}
		}
	}
}

// processBatch relays events in creation order and stops at the first broker
// failure so later events never overtake an earlier one. Rows relayed so far
// are still marked processed.
func (w *Worker) processBatch(ctx context.Context) error {
	tx, err := w.outboxRepo.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	events, err := w.outboxRepo.FetchPending(ctx, tx, batchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	var processed []uuid.UUID
	var relayErr error
	for _, event := range events {
		err := w.relay.Dispatch(ctx, event)
		if errors.Is(err, ErrMalformedEvent) {
			slog.Warn("Dropping outbox event", "id", event.ID, "type", event.EventType, "error", err)
		} else if err != nil {
			relayErr = err
			break
		}
		processed = append(processed, event.ID)
	}

	if err := w.outboxRepo.MarkProcessed(ctx, tx, processed); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit outbox batch: %w", err)
	}
	return relayErr
}
