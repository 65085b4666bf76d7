package assignment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/ehr/simchat/internal/domain/chat"
	"github.com/ehr/simchat/internal/platform/metrics"
)

// ClosingMarker is the content of the chat message appended on completion.
const ClosingMarker = "This encounter has been closed."

// FeedbackGenerator produces grading feedback for a finished assignment.
type FeedbackGenerator interface {
	Generate(ctx context.Context, assignmentID uuid.UUID) error
}

// MessageAppender is the part of the message store the controller writes to.
type MessageAppender interface {
	Insert(ctx context.Context, m *chat.Message) error
}

// Service is the assignment lifecycle controller.
type Service struct {
	repo     Repository
	messages MessageAppender
	feedback FeedbackGenerator
	clock    clockwork.Clock
	logger   zerolog.Logger

	jobs sync.WaitGroup
}

func NewService(repo Repository, messages MessageAppender, feedback FeedbackGenerator, c clockwork.Clock, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		messages: messages,
		feedback: feedback,
		clock:    c,
		logger:   logger.With().Str("component", "lifecycle").Logger(),
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	return s.repo.GetByID(ctx, id)
}

// Open moves a freshly assigned encounter to in_progress. Any other state
// is returned unchanged.
func (s *Service) Open(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusAssigned {
		return a, nil
	}
	ok, err := s.repo.CompareAndSetStatus(ctx, id, StatusChange{
		From: []Status{StatusAssigned},
		To:   StatusInProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("start assignment: %w", err)
	}
	if ok {
		metrics.LifecycleTransitions.WithLabelValues(string(StatusInProgress), TriggerStudent).Inc()
		s.logger.Info().Str("assignment_id", id.String()).Msg("assignment started")
	}
	return s.repo.GetByID(ctx, id)
}

// Complete finishes the encounter by submission: status becomes completed,
// a closing marker is appended to the chat and feedback generation starts.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, trigger string) (*Assignment, error) {
	return s.finish(ctx, id, StatusCompleted, trigger)
}

// ProceedToBedside finishes the encounter through the bedside exit. It does
// everything Complete does except append the closing marker.
func (s *Service) ProceedToBedside(ctx context.Context, id uuid.UUID, trigger string) (*Assignment, error) {
	return s.finish(ctx, id, StatusBedside, trigger)
}

func (s *Service) finish(ctx context.Context, id uuid.UUID, to Status, trigger string) (*Assignment, error) {
	log := s.logger.With().Str("assignment_id", id.String()).Str("status", string(to)).Str("trigger", trigger).Logger()

	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status.Terminal() {
		return a, ErrAlreadyTerminal
	}

	now := s.clock.Now().UTC()
	pending := FeedbackPending
	ok, err := s.repo.CompareAndSetStatus(ctx, id, StatusChange{
		From:           openStatuses,
		To:             to,
		CompletedAt:    &now,
		FeedbackStatus: &pending,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to persist terminal status")
		return nil, fmt.Errorf("finish assignment: %w", err)
	}
	if !ok {
		// Another writer finished it between the read and the write.
		log.Warn().Msg("terminal transition lost to a concurrent writer")
		cur, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return cur, ErrAlreadyTerminal
	}
	metrics.LifecycleTransitions.WithLabelValues(string(to), trigger).Inc()
	log.Info().Msg("assignment finished")

	if to == StatusCompleted && s.messages != nil {
		marker := &chat.Message{
			AssignmentID:        id,
			Role:                chat.RoleSystem,
			Content:             ClosingMarker,
			TriggeredCompletion: true,
			Immediate:           true,
		}
		if err := s.messages.Insert(ctx, marker); err != nil {
			log.Error().Err(err).Msg("failed to append closing marker")
		}
	}

	s.startFeedback(context.WithoutCancel(ctx), id)

	return s.repo.GetByID(ctx, id)
}

// startFeedback runs the feedback job in the background and records its
// outcome. A failure never reverts the terminal status.
func (s *Service) startFeedback(ctx context.Context, id uuid.UUID) {
	if s.feedback == nil {
		return
	}
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		log := s.logger.With().Str("assignment_id", id.String()).Logger()

		status := FeedbackReady
		if err := s.feedback.Generate(ctx, id); err != nil {
			log.Error().Err(err).Msg("feedback generation failed")
			status = FeedbackFailed
		}
		metrics.FeedbackJobs.WithLabelValues(string(status)).Inc()

		if err := s.repo.SetFeedbackStatus(ctx, id, status); err != nil {
			log.Error().Err(err).Str("feedback_status", string(status)).Msg("failed to record feedback status")
		}
	}()
}

// Wait blocks until every background feedback job has finished.
func (s *Service) Wait() {
	s.jobs.Wait()
}
