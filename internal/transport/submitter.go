// Package transport moves finished results and live session notices out of
// the engine: result delivery with retry, monitor publishing and heartbeats.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-integrity/internal/model"
)

// ErrDeliveryFailed is returned once every retry has been used. The result
// stays pending and is redelivered unchanged by the next Submit or Resend.
var ErrDeliveryFailed = errors.New("result delivery failed")

// Delivery hands a result to durable storage.
type Delivery interface {
	Deliver(ctx context.Context, res *model.Result) error
}

// DeliveryFunc adapts a function to Delivery.
type DeliveryFunc func(ctx context.Context, res *model.Result) error

func (f DeliveryFunc) Deliver(ctx context.Context, res *model.Result) error { return f(ctx, res) }

// RetryPolicy bounds exponential backoff between delivery attempts.
type RetryPolicy struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
}

// Submitter delivers results with retry and keeps undelivered ones keyed
// by attempt, so a retry always sends the content of the first try.
type Submitter struct {
	delivery Delivery
	policy   RetryPolicy
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string]*model.Result
}

func NewSubmitter(delivery Delivery, policy RetryPolicy, log zerolog.Logger) *Submitter {
	return &Submitter{
		delivery: delivery,
		policy:   policy,
		log:      log.With().Str("component", "submitter").Logger(),
		pending:  make(map[string]*model.Result),
	}
}

// Submit delivers res. If an earlier submission for the same attempt is
// still pending, that earlier result is delivered instead and returned.
func (s *Submitter) Submit(ctx context.Context, res *model.Result) (*model.Result, error) {
	key := res.Key().String()

	s.mu.Lock()
	if prev, ok := s.pending[key]; ok {
		res = prev
	} else {
		s.pending[key] = res
	}
	s.mu.Unlock()

	if err := s.deliver(ctx, res); err != nil {
		return res, err
	}

	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
	return res, nil
}

// Pending returns undelivered results ordered by submission time.
func (s *Submitter) Pending() []*model.Result {
	s.mu.Lock()
	out := make([]*model.Result, 0, len(s.pending))
	for _, r := range s.pending {
		out = append(out, r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Resend retries every pending result once through the full policy.
// It returns how many are still pending.
func (s *Submitter) Resend(ctx context.Context) int {
	for _, res := range s.Pending() {
		if _, err := s.Submit(ctx, res); err != nil {
			s.log.Warn().Err(err).Str("attempt", res.Key().String()).Msg("Pending result still undelivered")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Submitter) deliver(ctx context.Context, res *model.Result) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.policy.Initial
	exp.MaxInterval = s.policy.Max
	exp.MaxElapsedTime = 0

	maxRetries := s.policy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxRetries)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		return s.delivery.Deliver(ctx, res)
	}
	notify := func(err error, wait time.Duration) {
		s.log.Warn().Err(err).
			Str("attempt_key", res.Key().String()).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Result delivery failed, retrying")
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		s.log.Error().Err(err).
			Str("attempt_key", res.Key().String()).
			Int("attempts", attempt).
			Msg("Result delivery exhausted retries, keeping as pending")
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}
