package interfaces

import (
	"context"

	"tanyarelay/pkg/types"
)

// QuestionStore keeps the queued question log.
// ARCHITECTURAL DISCOVERY: the store only appends and reads; no component updates a record after creation.
type QuestionStore interface {
	AppendQuestion(ctx context.Context, q *types.QueuedQuestion) error
	ListQuestions(ctx context.Context, filter QuestionFilter) ([]*types.QueuedQuestion, error)
	CountQuestions(ctx context.Context) (int, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// QuestionFilter narrows ListQuestions. Zero values mean "no restriction".
type QuestionFilter struct {
	ClientID string
	Status   types.QuestionStatus
	Limit    int
}
