package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/pubvault/pubvault/internal/common"
	"github.com/pubvault/pubvault/pkg/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// EmailSender delivers an email message
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// JobRunner executes a background job described by an outbox payload
type JobRunner interface {
	Run(ctx context.Context, payload types.JSONMap) error
}

// Delivery retry schedule. Failed messages back off exponentially until
// their expiry, after which they are abandoned.
const (
	deliveryInitialDelay = time.Minute
	deliveryMaxDelay     = time.Hour
	pollInterval         = 15 * time.Second
	batchSize            = 50
)

// Worker drains the outbox: it polls for due undelivered messages and
// delivers each at least once. A registry commit can kick the worker so
// fresh messages are picked up without waiting for the next poll.
type Worker struct {
	db     *common.Database
	sender EmailSender
	runner JobRunner
	kick   chan struct{}
}

// NewWorker creates an outbox worker
func NewWorker(db *common.Database, sender EmailSender, runner JobRunner) *Worker {
	return &Worker{
		db:     db,
		sender: sender,
		runner: runner,
		kick:   make(chan struct{}, 1),
	}
}

// Kick schedules an immediate poll without blocking
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run processes outbox messages until the context is cancelled
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	log.Info().Msg("outbox worker started")

	for {
		if err := w.ProcessDue(ctx); err != nil {
			log.Error().Err(err).Msg("outbox pass failed")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("outbox worker stopped")
			return
		case <-ticker.C:
		case <-w.kick:
		}
	}
}

// ProcessDue delivers all currently due messages. Messages past their
// expiry are abandoned with the last error preserved.
func (w *Worker) ProcessDue(ctx context.Context) error {
	for {
		var messages []types.OutboxMessage
		err := w.db.WithContext(ctx).
			Where("delivered_at IS NULL AND next_attempt_at <= ?", time.Now()).
			Order("next_attempt_at").
			Limit(batchSize).
			Find(&messages).Error
		if err != nil {
			return fmt.Errorf("failed to load due messages: %w", err)
		}
		if len(messages) == 0 {
			return nil
		}

		for i := range messages {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.process(ctx, &messages[i])
		}

		if len(messages) < batchSize {
			return nil
		}
	}
}

// process attempts one delivery and records the outcome
func (w *Worker) process(ctx context.Context, msg *types.OutboxMessage) {
	now := time.Now()

	if now.After(msg.ExpiresAt) {
		log.Warn().
			Str("message_id", msg.ID.String()).
			Str("kind", msg.Kind).
			Int("attempts", msg.Attempts).
			Msg("outbox message expired, abandoning")
		w.db.WithContext(ctx).Model(msg).Updates(map[string]interface{}{
			"delivered_at": now,
			"last_error":   "expired before successful delivery",
		})
		return
	}

	err := w.deliver(ctx, msg)

	if err == nil {
		w.db.WithContext(ctx).Model(msg).Updates(map[string]interface{}{
			"delivered_at": now,
			"attempts":     gorm.Expr("attempts + ?", 1),
			"last_error":   "",
		})
		return
	}

	delay := backoff(msg.Attempts)
	log.Warn().
		Err(err).
		Str("message_id", msg.ID.String()).
		Str("kind", msg.Kind).
		Int("attempts", msg.Attempts+1).
		Dur("retry_in", delay).
		Msg("outbox delivery failed")

	w.db.WithContext(ctx).Model(msg).Updates(map[string]interface{}{
		"attempts":        gorm.Expr("attempts + ?", 1),
		"next_attempt_at": now.Add(delay),
		"last_error":      err.Error(),
	})
}

// deliver dispatches a message to its handler
func (w *Worker) deliver(ctx context.Context, msg *types.OutboxMessage) error {
	switch msg.Kind {
	case types.OutboxEmail:
		to, _ := msg.Payload["to"].(string)
		subject, _ := msg.Payload["subject"].(string)
		body, _ := msg.Payload["body"].(string)
		if to == "" {
			return fmt.Errorf("email message %s has no recipient", msg.ID)
		}
		return w.sender.Send(ctx, to, subject, body)

	case types.OutboxJob:
		return w.runner.Run(ctx, msg.Payload)

	default:
		return fmt.Errorf("unknown outbox kind %q", msg.Kind)
	}
}

// backoff returns the delay before the next attempt
func backoff(attempts int) time.Duration {
	delay := deliveryInitialDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= deliveryMaxDelay {
			return deliveryMaxDelay
		}
	}
	return delay
}

// SweepDelivered deletes delivered messages older than the retention window
func (w *Worker) SweepDelivered(ctx context.Context, retention time.Duration) (int64, error) {
	res := w.db.WithContext(ctx).
		Where("delivered_at IS NOT NULL AND delivered_at < ?", time.Now().Add(-retention)).
		Delete(&types.OutboxMessage{})
	return res.RowsAffected, res.Error
}

// LogEmailSender writes outgoing mail to the log. It stands in until a
// real mail transport is configured.
type LogEmailSender struct{}

// Send logs the email instead of sending it
func (LogEmailSender) Send(ctx context.Context, to, subject, body string) error {
	log.Info().
		Str("to", to).
		Str("subject", subject).
		Msg("email delivered to log sink")
	return nil
}
