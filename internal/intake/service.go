// Package intake accepts questions submitted outside the live channel.
package intake

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tanyarelay/internal/logging"
	"tanyarelay/pkg/interfaces"
	"tanyarelay/pkg/types"
)

// Service stores fallback submissions and pushes them to live doctors.
type Service struct {
	store    interfaces.QuestionStore
	notifier interfaces.DoctorNotifier
	now      func() time.Time
	log      zerolog.Logger
}

// NewService creates the fallback intake. notifier may be nil when no live
// relay runs alongside the intake.
func NewService(store interfaces.QuestionStore, notifier interfaces.DoctorNotifier) *Service {
	return &Service{
		store:    store,
		notifier: notifier,
		now:      time.Now,
		log:      logging.For("intake"),
	}
}

// Submit validates and records one question as pending/fallback. No
// deduplication: resubmitting the same question creates a second record.
func (s *Service) Submit(ctx context.Context, q types.PatientQuestion) (*types.QueuedQuestion, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	receivedAt := s.now()
	timestamp := receivedAt
	if q.Timestamp != nil && !q.Timestamp.IsZero() {
		timestamp = *q.Timestamp
	}

	record := &types.QueuedQuestion{
		ClientID:   strings.TrimSpace(q.ClientID),
		Name:       q.Name,
		Question:   q.Question,
		Timestamp:  timestamp,
		Status:     types.StatusPending,
		Source:     types.SourceFallback,
		ReceivedAt: receivedAt,
	}

	if err := s.store.AppendQuestion(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store question: %w", err)
	}

	// FUNCTIONAL DISCOVERY: notification is queued on the hub; the caller's
	// response never waits on doctor connections.
	if s.notifier != nil {
		if err := s.notifier.NotifyDoctors(record); err != nil {
			s.log.Warn().Err(err).Str("question_id", record.ID).Msg("failed to queue doctor notification")
		}
	}

	s.log.Info().
		Str("question_id", record.ID).
		Str("client_id", record.ClientID).
		Msg("fallback question accepted")
	return record, nil
}

// List returns stored questions, oldest first.
func (s *Service) List(ctx context.Context, filter interfaces.QuestionFilter) ([]*types.QueuedQuestion, error) {
	questions, err := s.store.ListQuestions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list questions: %w", err)
	}
	return questions, nil
}
