package assignment

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/ehr/simchat/internal/platform/metrics"
)

// Notifier sends the one-time "your encounter is now active" notification.
type Notifier interface {
	NotifyActivation(ctx context.Context, a *Assignment) error
}

// PollResult summarizes one poll cycle.
type PollResult struct {
	Completed      int  `json:"completed"`
	CompleteFailed int  `json:"complete_failed"`
	Notified       int  `json:"notified"`
	NotifyFailed   int  `json:"notify_failed"`
	Skipped        bool `json:"skipped,omitempty"`
}

// Poller forces overdue assignments into completed and fires activation
// notifications. Both rules are evaluated per assignment so one failure
// does not stop the rest of the batch.
type Poller struct {
	repo     Repository
	svc      *Service
	notifier Notifier
	clock    clockwork.Clock
	logger   zerolog.Logger

	// Interval is the time between poll cycles.
	Interval time.Duration
	// Grace is how long past its effective date an open assignment may stay open.
	Grace time.Duration
	// Lookback bounds how far back an effective date still counts as "just became active".
	Lookback time.Duration
	// BatchSize caps the assignments fetched per rule per cycle.
	BatchSize int
	// Gate, when set, skips cycles while it returns false.
	Gate func() bool
}

func NewPoller(repo Repository, svc *Service, notifier Notifier, c clockwork.Clock, logger zerolog.Logger) *Poller {
	return &Poller{
		repo:      repo,
		svc:       svc,
		notifier:  notifier,
		clock:     c,
		logger:    logger.With().Str("component", "lifecycle-poller").Logger(),
		Interval:  time.Minute,
		Grace:     time.Hour,
		Lookback:  24 * time.Hour,
		BatchSize: 100,
	}
}

// Start runs a cycle every Interval on the poller's clock until ctx is
// cancelled.
func (p *Poller) Start(ctx context.Context) {
	ticker := p.clock.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.RunOnce(ctx)
		}
	}
}

// RunOnce evaluates both rules once, unless Gate says to skip.
func (p *Poller) RunOnce(ctx context.Context) PollResult {
	if p.Gate != nil && !p.Gate() {
		metrics.PollCycles.WithLabelValues("skipped").Inc()
		return PollResult{Skipped: true}
	}
	return p.RunCycle(ctx)
}

// RunCycle evaluates both rules once regardless of Gate.
func (p *Poller) RunCycle(ctx context.Context) PollResult {
	var res PollResult
	now := p.clock.Now().UTC()
	p.autoComplete(ctx, now, &res)
	p.notifyActivated(ctx, now, &res)

	result := "ok"
	if res.CompleteFailed > 0 || res.NotifyFailed > 0 {
		result = "partial"
	}
	metrics.PollCycles.WithLabelValues(result).Inc()
	if res.Completed > 0 || res.Notified > 0 || result != "ok" {
		p.logger.Info().
			Int("completed", res.Completed).
			Int("complete_failed", res.CompleteFailed).
			Int("notified", res.Notified).
			Int("notify_failed", res.NotifyFailed).
			Msg("lifecycle poll finished")
	}
	return res
}

func (p *Poller) autoComplete(ctx context.Context, now time.Time, res *PollResult) {
	overdue, err := p.repo.ListOverdue(ctx, now.Add(-p.Grace), p.BatchSize)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to list overdue assignments")
		res.CompleteFailed++
		return
	}
	for _, a := range overdue {
		_, err := p.svc.Complete(ctx, a.ID, TriggerPoller)
		switch {
		case err == nil:
			res.Completed++
		case errors.Is(err, ErrAlreadyTerminal):
			// Finished by the student since the list was read.
		default:
			res.CompleteFailed++
			p.logger.Error().Err(err).Str("assignment_id", a.ID.String()).Msg("failed to auto-complete assignment")
		}
	}
}

func (p *Poller) notifyActivated(ctx context.Context, now time.Time, res *PollResult) {
	if p.notifier == nil {
		return
	}
	active, err := p.repo.ListNewlyActive(ctx, now.Add(-p.Lookback), now, p.BatchSize)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to list newly active assignments")
		res.NotifyFailed++
		return
	}
	for _, a := range active {
		p.notifyOne(ctx, a, res)
	}
}

// notifyOne claims the assignment and then makes a single attempt. The
// claim is written before the send, so a store failure after the send can
// never lead to a second attempt; a failed send is not retried either.
func (p *Poller) notifyOne(ctx context.Context, a *Assignment, res *PollResult) {
	log := p.logger.With().Str("assignment_id", a.ID.String()).Logger()

	claimed, err := p.repo.ClaimNotification(ctx, a.ID)
	if err != nil {
		log.Error().Err(err).Msg("failed to claim activation notification")
		res.NotifyFailed++
		return
	}
	if !claimed {
		log.Warn().Msg("activation notification already claimed by another poller")
		return
	}

	if err := p.notifier.NotifyActivation(ctx, a); err != nil {
		log.Error().Err(err).Msg("activation notification failed")
		res.NotifyFailed++
		metrics.ActivationNotifications.WithLabelValues("failed").Inc()
		return
	}

	if err := p.repo.MarkNotificationSent(ctx, a.ID); err != nil {
		log.Error().Err(err).Msg("failed to mark activation notification sent")
	}
	res.Notified++
	metrics.ActivationNotifications.WithLabelValues("sent").Inc()
}
