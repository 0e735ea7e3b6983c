package orchestrator

import (
	"context"
	"errors"

	"voicechat/internal/domain"
)

// MultiSink fans events out to every sink. All sinks are called; their errors
// are joined.
type MultiSink []EventSink

func (m MultiSink) PublishState(ctx context.Context, snap Snapshot) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.PublishState(ctx, snap))
	}
	return errors.Join(errs...)
}

func (m MultiSink) PublishMessage(ctx context.Context, sessionID string, msg domain.Message) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.PublishMessage(ctx, sessionID, msg))
	}
	return errors.Join(errs...)
}

func (m MultiSink) PublishError(ctx context.Context, sessionID, message string) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.PublishError(ctx, sessionID, message))
	}
	return errors.Join(errs...)
}

func (m MultiSink) PublishEnded(ctx context.Context, session domain.ConversationSession, persisted bool) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.PublishEnded(ctx, session, persisted))
	}
	return errors.Join(errs...)
}
