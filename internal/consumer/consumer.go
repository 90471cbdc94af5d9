// Package consumer implements the long-lived worker that drains the
// broker, validates each delivery, materializes a conversation/message,
// marks the planned message sent, notifies the recipient if online, and
// retries with bounded attempts before dead-lettering.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/chatpipeline/internal/broker"
	"github.com/sawpanic/chatpipeline/internal/domain"
	"github.com/sawpanic/chatpipeline/internal/persistence"
	"github.com/sawpanic/chatpipeline/internal/presence"
	"github.com/sawpanic/chatpipeline/internal/realtime"
)

// EventType names the typed consumer lifecycle events surfaced on a
// typed channel rather than stringly-keyed event names.
type EventType string

const (
	EventConsumerStarted  EventType = "CONSUMER_STARTED"
	EventConsumerStopped  EventType = "CONSUMER_STOPPED"
	EventMessageProcessed EventType = "MESSAGE_PROCESSED"
	EventMessageRetried   EventType = "MESSAGE_RETRIED"
	EventMessageFailed    EventType = "MESSAGE_FAILED"
)

// Event is one entry on the Consumer's Events() channel. Duration is the
// time spent handling the delivery before reaching this outcome; it is
// zero for the start/stop lifecycle events.
type Event struct {
	Type          EventType
	AutoMessageID string
	Err           error
	Duration      time.Duration
}

// Config holds the tunables relevant to the Consumer.
type Config struct {
	QueueName   string
	Prefetch    int
	MaxRetries  int
	RetryDelay  time.Duration
}

// Consumer is the worker instantiated once per process; construction
// takes explicit references to every collaborator instead of reaching
// for package-level singletons.
type Consumer struct {
	cfg Config

	broker        broker.Broker
	users         persistence.UserStore
	plannedMsgs   persistence.PlannedMessageStore
	conversations persistence.ConversationStore
	chatMessages  persistence.MessageStore
	presenceIdx   presence.Index
	realtimeBus   realtime.Bus

	stats *statTracker

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	events chan Event

	now func() time.Time
}

// Deps bundles every collaborator the Consumer needs.
type Deps struct {
	Broker        broker.Broker
	Users         persistence.UserStore
	PlannedMsgs   persistence.PlannedMessageStore
	Conversations persistence.ConversationStore
	ChatMessages  persistence.MessageStore
	Presence      presence.Index
	Realtime      realtime.Bus
}

// New constructs a Consumer. It does not start consuming until Start is called.
func New(cfg Config, deps Deps) *Consumer {
	return &Consumer{
		cfg:           cfg,
		broker:        deps.Broker,
		users:         deps.Users,
		plannedMsgs:   deps.PlannedMsgs,
		conversations: deps.Conversations,
		chatMessages:  deps.ChatMessages,
		presenceIdx:   deps.Presence,
		realtimeBus:   deps.Realtime,
		stats:         newStatTracker(),
		events:        make(chan Event, 100),
		now:           time.Now,
	}
}

// Events exposes the typed lifecycle-event channel.
func (c *Consumer) Events() <-chan Event { return c.events }

func (c *Consumer) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.Warn().Str("event", string(ev.Type)).Msg("consumer event channel full, dropping event")
	}
}

// IsRunning reports whether Start has been called and Stop has not.
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// GetStats returns the current statistics snapshot.
func (c *Consumer) GetStats() Stats {
	return c.stats.snapshot()
}

// ResetStats zeroes the counters and sliding window.
func (c *Consumer) ResetStats() {
	c.stats.reset()
}

// Start ensures the broker connection, subscribes to the queue with the
// configured prefetch, and begins draining deliveries in the background.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)

	if !c.broker.IsConnectionActive() {
		if err := c.broker.Connect(runCtx); err != nil {
			cancel()
			c.mu.Unlock()
			return domain.TransientInfraError(domain.CodeQueueProcessingError, "consumer failed to connect to broker", err)
		}
	}

	deliveries, err := c.broker.Consume(runCtx, c.cfg.QueueName, c.cfg.Prefetch)
	if err != nil {
		cancel()
		c.mu.Unlock()
		return err
	}

	c.cancel = cancel
	c.running = true
	c.stats.setRunning(true)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.drain(runCtx, deliveries)
	}()

	c.emit(Event{Type: EventConsumerStarted})
	log.Info().Str("queue", c.cfg.QueueName).Int("prefetch", c.cfg.Prefetch).Msg("consumer started")
	return nil
}

// Stop ceases new deliveries and waits for in-flight processing to finish.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.stats.setRunning(false)
	c.emit(Event{Type: EventConsumerStopped})
}

func (c *Consumer) drain(ctx context.Context, deliveries <-chan broker.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handle(ctx, d)
		}
	}
}

// handle runs the per-envelope state machine: Received -> Parsed ->
// Validated -> ConversationResolved -> Persisted -> PlannedMarked ->
// Notified -> Acked, with ParseFailed/Retrying/MaxRetriesReached as
// terminal failure states.
func (c *Consumer) handle(ctx context.Context, d broker.Delivery) {
	start := c.now()

	var env broker.Envelope
	if err := json.Unmarshal(d.Body(), &env); err != nil {
		c.deadLetter(d, fmt.Errorf("parse failure: %w", err), c.now().Sub(start))
		return
	}

	if err := c.process(ctx, env); err != nil {
		c.retryOrDeadLetter(ctx, d, env, err, c.now().Sub(start))
		return
	}

	if err := d.Ack(); err != nil {
		log.Error().Err(err).Str("autoMessageId", env.AutoMessageID).Msg("failed to ack successfully processed delivery")
	}
	duration := c.now().Sub(start)
	c.stats.recordSuccess(duration)
	c.emit(Event{Type: EventMessageProcessed, AutoMessageID: env.AutoMessageID, Duration: duration})
}

// process runs the validation/persist/notify pipeline for one envelope,
// short of the final ack/nack which the caller performs.
func (c *Consumer) process(ctx context.Context, env broker.Envelope) error {
	if err := validateEnvelope(env); err != nil {
		return err
	}

	sender, receiver, err := c.validateUsers(ctx, env.SenderID, env.ReceiverID)
	if err != nil {
		return err
	}

	// Duplicate-delivery guard: if this planned message is already marked
	// sent, a prior delivery already produced the ChatMessage, so skip it
	// instead of persisting a second copy.
	planned, err := c.plannedMsgs.GetByID(ctx, env.AutoMessageID)
	if err != nil {
		return domain.TransientInfraError(domain.CodeQueueProcessingError, "failed to load planned message", err)
	}
	if planned != nil && planned.IsSent {
		log.Info().Str("autoMessageId", env.AutoMessageID).Msg("planned message already sent, skipping duplicate delivery")
		return nil
	}

	conv, err := c.resolveConversation(ctx, env.SenderID, env.ReceiverID)
	if err != nil {
		return err
	}

	content := strings.TrimSpace(env.Content)
	msg, err := c.chatMessages.Create(ctx, domain.ChatMessage{
		ConversationID: conv.ID,
		SenderID:       env.SenderID,
		Content:        content,
		IsRead:         false,
	})
	if err != nil {
		return domain.TransientInfraError(domain.CodeQueueProcessingError, "failed to persist chat message", err)
	}

	if err := c.conversations.UpdateLastMessage(ctx, conv.ID, content, env.SenderID, msg.CreatedAt); err != nil {
		log.Warn().Err(err).Str("conversationId", conv.ID).Msg("failed to update conversation lastMessage summary")
	}

	if err := c.plannedMsgs.MarkSent(ctx, env.AutoMessageID); err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			// Non-fatal: the chat message itself is already persisted.
			log.Warn().Str("autoMessageId", env.AutoMessageID).Msg("planned message missing during mark-sent, continuing")
		} else {
			return domain.TransientInfraError(domain.CodeQueueProcessingError, "failed to mark planned message sent", err)
		}
	}

	c.notify(ctx, env.ReceiverID, msg, conv.ID, sender)

	return nil
}

func (c *Consumer) validateUsers(ctx context.Context, senderID, receiverID string) (*domain.User, *domain.User, error) {
	sender, err := c.users.GetByID(ctx, senderID)
	if err != nil {
		return nil, nil, domain.TransientInfraError(domain.CodeQueueProcessingError, "failed to load sender", err)
	}
	if sender == nil {
		return nil, nil, domain.NotFoundError(domain.CodeSenderNotFound, "sender not found: "+senderID)
	}
	if !sender.IsActive {
		return nil, nil, domain.ValidationError(domain.CodeSenderInactive, "sender is inactive: "+senderID)
	}

	receiver, err := c.users.GetByID(ctx, receiverID)
	if err != nil {
		return nil, nil, domain.TransientInfraError(domain.CodeQueueProcessingError, "failed to load receiver", err)
	}
	if receiver == nil {
		return nil, nil, domain.NotFoundError(domain.CodeReceiverNotFound, "receiver not found: "+receiverID)
	}
	if !receiver.IsActive {
		return nil, nil, domain.ValidationError(domain.CodeReceiverInactive, "receiver is inactive: "+receiverID)
	}

	return sender, receiver, nil
}

func (c *Consumer) resolveConversation(ctx context.Context, senderID, receiverID string) (*domain.Conversation, error) {
	conv, err := c.conversations.FindBetweenUsers(ctx, senderID, receiverID)
	if err != nil {
		return nil, domain.TransientInfraError(domain.CodeQueueProcessingError, "failed to find conversation", err)
	}
	if conv != nil {
		return conv, nil
	}

	conv, err = c.conversations.Create(ctx, senderID, receiverID)
	if err != nil {
		return nil, domain.TransientInfraError(domain.CodeQueueProcessingError, "failed to create conversation", err)
	}
	return conv, nil
}

func (c *Consumer) notify(ctx context.Context, receiverID string, msg *domain.ChatMessage, conversationID string, sender *domain.User) {
	online, err := c.presenceIdx.IsUserOnline(ctx, receiverID)
	if err != nil {
		log.Warn().Err(err).Str("receiverId", receiverID).Msg("presence lookup failed, skipping notification")
		return
	}
	if !online {
		return
	}

	payload := realtime.MarshalNotification(
		msg.ID, conversationID, msg.SenderID,
		realtime.SenderInfo{ID: sender.ID, Username: sender.Username, Email: sender.Email},
		msg.Content, msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)

	if err := c.realtimeBus.Emit(ctx, receiverID, "message_received", payload); err != nil {
		log.Warn().Err(err).Str("receiverId", receiverID).Msg("failed to emit realtime notification")
	}
}

// validateEnvelope checks the structural and content invariants of a
// freshly-parsed queue message before any stores are touched.
func validateEnvelope(env broker.Envelope) error {
	if env.AutoMessageID == "" {
		return domain.ValidationError(domain.CodeInvalidAutoMessageID, "autoMessageId is required")
	}
	if env.SenderID == "" || env.ReceiverID == "" {
		return domain.ValidationError(domain.CodeInvalidUserID, "senderId and receiverId are required")
	}
	if env.SenderID == env.ReceiverID {
		return domain.ValidationError(domain.CodeSelfDirectedMessage, "senderId must differ from receiverId")
	}
	trimmed := strings.TrimSpace(env.Content)
	if len(trimmed) == 0 || len(trimmed) > domain.MaxContentLength {
		return domain.ValidationError(domain.CodeContentOutOfRange, "content length must be in [1, 1000]")
	}
	return nil
}

// deadLetter rejects a delivery without requeue: used for parse failures
// and max-retries-reached terminal failures.
func (c *Consumer) deadLetter(d broker.Delivery, cause error, duration time.Duration) {
	if err := d.Nack(false); err != nil {
		log.Error().Err(err).Msg("failed to nack dead-lettered delivery")
	}
	c.stats.recordFailure()
	log.Warn().Err(cause).Msg("message dead-lettered")
	c.emit(Event{Type: EventMessageFailed, Err: cause, Duration: duration})
}

// retryOrDeadLetter republishes the same payload with an incremented
// x-retry-count after retryDelay if under the max attempts, else
// dead-letters it.
func (c *Consumer) retryOrDeadLetter(ctx context.Context, d broker.Delivery, env broker.Envelope, cause error, duration time.Duration) {
	r := d.RetryCount()
	if r >= c.cfg.MaxRetries {
		c.deadLetter(d, fmt.Errorf("max retries reached (retryCount=%d): %w", r, cause), duration)
		return
	}

	payload, err := json.Marshal(env)
	if err != nil {
		c.deadLetter(d, fmt.Errorf("failed to re-marshal envelope for retry: %w", err), duration)
		return
	}

	nextRetry := r + 1
	time.AfterFunc(c.cfg.RetryDelay, func() {
		if err := c.broker.PublishWithRetryCount(ctx, c.cfg.QueueName, payload, nextRetry); err != nil {
			log.Error().Err(err).Str("autoMessageId", env.AutoMessageID).Msg("delayed republish failed")
		}
	})

	if err := d.Ack(); err != nil {
		log.Error().Err(err).Msg("failed to ack delivery scheduled for retry")
	}

	c.stats.recordFailure()
	log.Info().Str("autoMessageId", env.AutoMessageID).Int("retryCount", nextRetry).Err(cause).Msg("scheduled delayed retry")
	c.emit(Event{Type: EventMessageRetried, AutoMessageID: env.AutoMessageID, Err: cause, Duration: duration})
}
