package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sawpanic/chatpipeline/internal/broker"
	"github.com/sawpanic/chatpipeline/internal/dispatcher"
	"github.com/sawpanic/chatpipeline/internal/domain"
	"github.com/sawpanic/chatpipeline/internal/persistence"
	"github.com/sawpanic/chatpipeline/internal/planner"
)

// blockingUserStore lets a test hold a planner run open to exercise the
// reentrancy guard deterministically.
type blockingUserStore struct {
	release chan struct{}
	calls   int32
}

func (b *blockingUserStore) ListActive(ctx context.Context) ([]domain.User, error) {
	atomic.AddInt32(&b.calls, 1)
	<-b.release
	return nil, nil
}
func (b *blockingUserStore) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return nil, nil
}

type noopPlannedMessageStore struct{}

func (noopPlannedMessageStore) BulkInsert(ctx context.Context, messages []domain.PlannedMessage) (int, error) {
	return len(messages), nil
}
func (noopPlannedMessageStore) FindDue(ctx context.Context, now time.Time) ([]domain.PlannedMessage, error) {
	return nil, nil
}
func (noopPlannedMessageStore) MarkQueued(ctx context.Context, ids []string) error { return nil }
func (noopPlannedMessageStore) MarkSent(ctx context.Context, id string) error      { return nil }
func (noopPlannedMessageStore) GetByID(ctx context.Context, id string) (*domain.PlannedMessage, error) {
	return nil, nil
}

type noopBroker struct{ active bool }

func (n *noopBroker) Connect(ctx context.Context) error { n.active = true; return nil }
func (n *noopBroker) Disconnect() error                 { n.active = false; return nil }
func (n *noopBroker) IsConnectionActive() bool          { return n.active }
func (n *noopBroker) Publish(ctx context.Context, queueName string, body []byte) error {
	return nil
}
func (n *noopBroker) PublishWithRetryCount(ctx context.Context, queueName string, body []byte, retryCount int) error {
	return nil
}
func (n *noopBroker) Consume(ctx context.Context, queueName string, prefetch int) (<-chan broker.Delivery, error) {
	return nil, nil
}

func newTestScheduler(t *testing.T, users persistence.UserStore, msgs persistence.PlannedMessageStore) *Scheduler {
	t.Helper()
	// Use schedules that (almost) never fire on their own; tests drive
	// execution exclusively through TriggerPlan/TriggerDispatch.
	p := planner.New(users, msgs, nil)
	d := dispatcher.New(msgs, &noopBroker{active: true}, "q", 50, 0, nil)
	s, err := New("UTC", "0 0 1 1 *", "0 0 1 1 *", p, d)
	if err != nil {
		t.Fatalf("failed to build scheduler: %v", err)
	}
	return s
}

func TestSchedulerReentrancyGuardSkipsOverlappingRun(t *testing.T) {
	blocking := &blockingUserStore{release: make(chan struct{})}
	msgs := noopPlannedMessageStore{}
	s := newTestScheduler(t, blocking, msgs)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.TriggerPlan(context.Background())
	}()

	// Give the first invocation time to enter the blocking call.
	time.Sleep(20 * time.Millisecond)

	// This second trigger must be skipped rather than queued since the
	// first is still in flight.
	if err := s.TriggerPlan(context.Background()); err != nil {
		t.Fatalf("skipped trigger should not itself error: %v", err)
	}

	close(blocking.release)
	wg.Wait()

	if atomic.LoadInt32(&blocking.calls) != 1 {
		t.Fatalf("expected exactly 1 underlying planner call despite 2 triggers, got %d", blocking.calls)
	}
}

func TestSchedulerManualTriggerSurfacesTaskError(t *testing.T) {
	failingUsers := failingUserStore{err: errors.New("db down")}
	msgs := noopPlannedMessageStore{}
	s := newTestScheduler(t, failingUsers, msgs)

	if err := s.TriggerPlan(context.Background()); err == nil {
		t.Fatal("expected TriggerPlan to surface the underlying planner error")
	}

	status := s.Status()
	for _, ts := range status.Tasks {
		if ts.Name == "plan" {
			if ts.ErrorCount != 1 {
				t.Fatalf("expected ErrorCount=1 after a failing run, got %d", ts.ErrorCount)
			}
			if ts.RunCount != 1 {
				t.Fatalf("expected RunCount=1, got %d", ts.RunCount)
			}
		}
	}
}

type failingUserStore struct{ err error }

func (f failingUserStore) ListActive(ctx context.Context) ([]domain.User, error) { return nil, f.err }
func (f failingUserStore) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return nil, nil
}

func TestSchedulerStatusReflectsConfiguredSchedules(t *testing.T) {
	blocking := &blockingUserStore{release: make(chan struct{})}
	close(blocking.release)
	msgs := noopPlannedMessageStore{}
	s := newTestScheduler(t, blocking, msgs)

	status := s.Status()
	if len(status.Tasks) != 2 {
		t.Fatalf("expected 2 tasks (plan, dispatch), got %d", len(status.Tasks))
	}
	names := map[string]bool{}
	for _, ts := range status.Tasks {
		names[ts.Name] = true
	}
	if !names["plan"] || !names["dispatch"] {
		t.Fatalf("expected plan and dispatch tasks, got %+v", names)
	}
}

func TestSchedulerStartStopIsIdempotentAndGraceful(t *testing.T) {
	blocking := &blockingUserStore{release: make(chan struct{})}
	close(blocking.release)
	msgs := noopPlannedMessageStore{}
	s := newTestScheduler(t, blocking, msgs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	s.Start(ctx) // second Start must be a no-op, not a panic or double-registration
	s.Stop()
	s.Stop() // second Stop must be a no-op
}
