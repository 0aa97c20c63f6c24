package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/langgraph-chat/internal/auth"
	"github.com/capitalize-ai/langgraph-chat/internal/model"
	"github.com/capitalize-ai/langgraph-chat/pkg/logger"
	"github.com/capitalize-ai/langgraph-chat/pkg/metrics"
)

// ErrNotPersisted is returned when rating a message the backend has not
// issued an id for yet.
var ErrNotPersisted = errors.New("message is not saved yet")

// FeedbackClient submits feedback to the backend. FeedbackNone is sent as
// a cleared rating.
type FeedbackClient interface {
	SubmitFeedback(ctx context.Context, backendID int64, value model.Feedback) error
}

// SessionClearer drops the authentication session.
type SessionClearer interface {
	Clear()
}

// FeedbackService rates answers optimistically and rolls back when the
// backend refuses.
type FeedbackService struct {
	store   *Store
	client  FeedbackClient
	session SessionClearer
	logger  *logger.Logger
}

// NewFeedbackService creates a feedback service.
func NewFeedbackService(s *Store, client FeedbackClient, session SessionClearer, log *logger.Logger) *FeedbackService {
	return &FeedbackService{
		store:   s,
		client:  client,
		session: session,
		logger:  log.OrNop(),
	}
}

// Submit toggles the rating of a message and sends the resulting value. On
// failure the previous rating is restored and the error is returned for
// display; a 401 also clears the auth session. It returns the value now held
// by the message.
func (f *FeedbackService) Submit(ctx context.Context, messageID string, value model.Feedback) (model.Feedback, error) {
	msg, err := f.store.Message(messageID)
	if err != nil {
		return model.FeedbackNone, err
	}
	if msg.Provisional() {
		return msg.Feedback, ErrNotPersisted
	}

	previous, err := f.store.SetFeedback(messageID, value)
	if err != nil {
		return msg.Feedback, err
	}
	next := value
	if previous == value {
		next = model.FeedbackNone
	}

	log := f.logger.WithExchange(msg.ConversationID, messageID).With(
		zap.String("feedback", string(next)),
	)

	if err := f.client.SubmitFeedback(ctx, *msg.BackendID, next); err != nil {
		if rbErr := f.store.RestoreFeedback(messageID, previous); rbErr != nil {
			log.Warn("feedback rollback failed", zap.Error(rbErr))
		}
		metrics.FeedbackTotal.WithLabelValues(string(next), "rolled_back").Inc()

		if errors.Is(err, auth.ErrUnauthorized) {
			log.Warn("feedback rejected, clearing session")
			if f.session != nil {
				f.session.Clear()
			}
			return previous, err
		}
		log.Error("failed to submit feedback", zap.Error(err))
		return previous, fmt.Errorf("feedback was not saved: %w", err)
	}

	metrics.FeedbackTotal.WithLabelValues(string(next), "saved").Inc()
	log.Debug("feedback saved")
	return next, nil
}
