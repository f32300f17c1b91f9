package pull

import (
	"context"
	"errors"

	"gitpull/pkg/worker"
)

// HandleEvent adapts Handle to a worker.Handler.
func (s *Service) HandleEvent(ctx context.Context, evt *worker.Event) error {
	if evt == nil || evt.Push == nil {
		return errors.New("event carries no push")
	}
	push := *evt.Push
	if push.RequestID == "" {
		push.RequestID = evt.RequestID()
	}
	_, err := s.Handle(ctx, push)
	return err
}
