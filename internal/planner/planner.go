// Package planner implements the nightly pairing batch generator that
// schedules randomized future auto-messages between active users.
package planner

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/chatpipeline/internal/domain"
	httpmetrics "github.com/sawpanic/chatpipeline/internal/interfaces/http"
	"github.com/sawpanic/chatpipeline/internal/persistence"
)

// Planner pairs active users and schedules randomized-future auto messages.
type Planner struct {
	users    persistence.UserStore
	messages persistence.PlannedMessageStore
	metrics  *httpmetrics.MetricsRegistry
	now      func() time.Time
}

// New builds a Planner over the given stores. metrics may be nil, in
// which case run duration and pair counts are not recorded.
func New(users persistence.UserStore, messages persistence.PlannedMessageStore, metrics *httpmetrics.MetricsRegistry) *Planner {
	return &Planner{users: users, messages: messages, metrics: metrics, now: time.Now}
}

// PlanAutomaticMessages fetches active users, shuffles, pairs, constructs
// a PlannedMessage per pair with a random future send time and template
// content, bulk-inserts, and returns the number of inserts persisted.
func (p *Planner) PlanAutomaticMessages(ctx context.Context) (int, error) {
	start := p.now()
	if p.metrics != nil {
		defer func() {
			p.metrics.PlannerDuration.Observe(p.now().Sub(start).Seconds())
		}()
	}

	users, err := p.users.ListActive(ctx)
	if err != nil {
		return 0, domain.TransientInfraError(domain.CodeUserRetrievalFailed, "failed to retrieve active users", err)
	}

	if len(users) < 2 {
		return 0, nil
	}

	if err := shuffle(users); err != nil {
		return 0, domain.FatalInfraError(domain.CodeUserRetrievalFailed, "failed to shuffle active users", err)
	}

	pairCount := len(users) / 2
	batch := make([]domain.PlannedMessage, 0, pairCount)
	now := p.now().UTC()

	for k := 0; k < pairCount; k++ {
		sender := users[2*k]
		receiver := users[2*k+1]

		sendDate, err := randomFutureSendDate(now)
		if err != nil {
			return 0, domain.FatalInfraError(domain.CodeUserRetrievalFailed, "failed to compute random send date", err)
		}

		content, err := randomTemplate()
		if err != nil {
			return 0, domain.FatalInfraError(domain.CodeUserRetrievalFailed, "failed to choose message template", err)
		}

		batch = append(batch, domain.PlannedMessage{
			SenderID:   sender.ID,
			ReceiverID: receiver.ID,
			Content:    content,
			SendDate:   sendDate,
			IsQueued:   false,
			IsSent:     false,
		})
	}

	if len(users)%2 != 0 {
		log.Info().Str("unpaired_user", users[len(users)-1].ID).Msg("odd active user count, one user unpaired this cycle")
	}

	inserted, err := p.messages.BulkInsert(ctx, batch)
	if err != nil {
		return inserted, domain.TransientInfraError(domain.CodeAutoMessageSaveFailed, "failed to persist planned messages", err)
	}

	if p.metrics != nil {
		p.metrics.PlannerPaired.Add(float64(inserted))
	}

	log.Info().Int("planned", inserted).Int("active_users", len(users)).Msg("planner completed a run")
	return inserted, nil
}

// shuffle performs a Fisher-Yates permutation seeded from crypto/rand.
func shuffle(users []domain.User) error {
	for i := len(users) - 1; i > 0; i-- {
		j, err := cryptoIntn(i + 1)
		if err != nil {
			return err
		}
		users[i], users[j] = users[j], users[i]
	}
	return nil
}

// randomFutureSendDate returns now + H hours + M minutes where H is
// uniform in [1,24] and M is uniform in [0,59].
func randomFutureSendDate(now time.Time) (time.Time, error) {
	h, err := cryptoIntn(24)
	if err != nil {
		return time.Time{}, err
	}
	h++ // shift [0,23] -> [1,24]

	m, err := cryptoIntn(60)
	if err != nil {
		return time.Time{}, err
	}

	return now.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute), nil
}

func randomTemplate() (string, error) {
	idx, err := cryptoIntn(len(messageTemplates))
	if err != nil {
		return "", err
	}
	return messageTemplates[idx], nil
}

// cryptoIntn returns a uniform random int in [0, n) using a cryptographic
// PRNG rather than math/rand, since pairing order should not be guessable.
func cryptoIntn(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("cryptoIntn: n must be positive, got %d", n)
	}
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, fmt.Errorf("cryptoIntn: %w", err)
	}
	return int(v.Int64()), nil
}
