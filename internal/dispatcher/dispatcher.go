// Package dispatcher implements the scheduled scanner that moves due
// PlannedMessages onto the durable broker in bounded batches.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sawpanic/chatpipeline/internal/broker"
	"github.com/sawpanic/chatpipeline/internal/domain"
	httpmetrics "github.com/sawpanic/chatpipeline/internal/interfaces/http"
	"github.com/sawpanic/chatpipeline/internal/persistence"
)

// Result is the aggregated outcome of one processPendingMessages call.
type Result struct {
	Processed int
	Queued    int
	Failed    int
	Errors    []string
}

// Dispatcher publishes due PlannedMessages to the broker in batches and
// marks exactly the successfully published messages of each batch as queued.
type Dispatcher struct {
	messages  persistence.PlannedMessageStore
	broker    broker.Broker
	queueName string
	batchSize int
	limiter   *rate.Limiter
	metrics   *httpmetrics.MetricsRegistry
	now       func() time.Time
}

// New builds a Dispatcher. limiterRPS paces publish calls (one token per
// envelope) so a large due-batch cannot overrun the broker faster than it
// can drain; 0 disables pacing. metrics may be nil, in which case run
// duration and queued/failed counts are not recorded.
func New(messages persistence.PlannedMessageStore, brk broker.Broker, queueName string, batchSize int, limiterRPS float64, metrics *httpmetrics.MetricsRegistry) *Dispatcher {
	var limiter *rate.Limiter
	if limiterRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(limiterRPS), batchSize)
	}
	return &Dispatcher{
		messages:  messages,
		broker:    brk,
		queueName: queueName,
		batchSize: batchSize,
		limiter:   limiter,
		metrics:   metrics,
		now:       time.Now,
	}
}

// ProcessPendingMessages scans for due PlannedMessages and publishes them
// to the broker in batches, marking each successfully-published batch as
// queued.
func (d *Dispatcher) ProcessPendingMessages(ctx context.Context) (Result, error) {
	tickStart := d.now()
	if d.metrics != nil {
		defer func() {
			d.metrics.DispatcherDuration.Observe(d.now().Sub(tickStart).Seconds())
		}()
	}

	now := tickStart.UTC()

	due, err := d.messages.FindDue(ctx, now)
	if err != nil {
		return Result{}, domain.TransientInfraError(domain.CodeQueueProcessingError, "failed to find due planned messages", err)
	}

	result := Result{Processed: len(due)}
	if len(due) == 0 {
		return result, nil
	}

	if !d.broker.IsConnectionActive() {
		if err := d.broker.Connect(ctx); err != nil {
			return result, domain.TransientInfraError(domain.CodeQueueProcessingError, "failed to establish broker connection", err)
		}
	}

	for start := 0; start < len(due); start += d.batchSize {
		end := start + d.batchSize
		if end > len(due) {
			end = len(due)
		}
		d.processBatch(ctx, due[start:end], now, &result)
	}

	if d.metrics != nil {
		d.metrics.DispatcherQueued.Add(float64(result.Queued))
		d.metrics.DispatcherFailed.Add(float64(result.Failed))
	}

	log.Info().
		Int("processed", result.Processed).
		Int("queued", result.Queued).
		Int("failed", result.Failed).
		Msg("dispatcher completed a tick")

	return result, nil
}

// processBatch publishes each envelope in the batch independently,
// tracking a parallel success mask so the markAsQueued call only covers
// ids whose publish actually succeeded.
func (d *Dispatcher) processBatch(ctx context.Context, batch []domain.PlannedMessage, now time.Time, result *Result) {
	successIDs := make([]string, 0, len(batch))

	for _, msg := range batch {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("%s: rate limiter wait: %v", msg.ID, err))
				continue
			}
		}

		env := broker.NewEnvelope(msg.ID, msg.SenderID, msg.ReceiverID, msg.Content, msg.SendDate, now)
		payload, err := json.Marshal(env)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: marshal envelope: %v", msg.ID, err))
			continue
		}

		if err := d.broker.Publish(ctx, d.queueName, payload); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: publish: %v", msg.ID, err))
			continue
		}

		result.Queued++
		successIDs = append(successIDs, msg.ID)
	}

	if len(successIDs) == 0 {
		return
	}

	if err := d.messages.MarkQueued(ctx, successIDs); err != nil {
		log.Error().Err(err).Int("batch_size", len(successIDs)).Msg("failed to mark batch as queued after successful publish")
		result.Errors = append(result.Errors, fmt.Sprintf("markQueued: %v", err))
	}
}
