package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/audioworks/volcasr/pkg/logger"

	"github.com/audioworks/volcasr/internal/storage/sqlite"
)

// ErrWaitTimeout is returned by WaitForResult when the retry budget runs out
// before the task reaches a terminal state. The task itself is returned
// alongside it, still non-terminal; the background poller keeps driving it.
var ErrWaitTimeout = errors.New("retry budget exhausted before task finished")

// WaitForResult submits audioURL and blocks until the task reaches a
// terminal state or maxRetries queries have been spent, sleeping
// retryInterval between queries. On timeout the current (non-terminal)
// record is returned together with ErrWaitTimeout, so callers can tell
// "we gave up waiting" apart from "the provider said no".
func (s *Service) WaitForResult(ctx context.Context, audioURL string, maxRetries int, retryInterval time.Duration) (*sqlite.TaskRecord, error) {
	task, err := s.Submit(ctx, audioURL)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return task, nil
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := s.sleep(ctx, retryInterval); err != nil {
			return task, err
		}

		result, err := s.client.Query(ctx, task.ExternalID)
		if err != nil {
			// Transient per the error model: a query failure never fails
			// the task, the next attempt simply asks again.
			s.logger.Warn("Query failed during synchronous wait",
				logger.Int64("id", task.ID),
				logger.Int("attempt", attempt+1),
				logger.Int("max_retries", maxRetries),
				logger.Error(err),
			)
			continue
		}

		task, err = s.applyQueryResult(task, result)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
	}

	s.logger.Info("Synchronous wait exhausted its retry budget",
		logger.Int64("id", task.ID),
		logger.String("task_id", task.ExternalID),
		logger.Int("max_retries", maxRetries),
	)

	return task, ErrWaitTimeout
}
