package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/audioworks/volcasr/internal/asr"
	"github.com/audioworks/volcasr/internal/storage/sqlite"
	"github.com/audioworks/volcasr/pkg/logger"
)

// Store is the persistence surface the task engine depends on
type Store interface {
	Create(audioURL string) (*sqlite.TaskRecord, error)
	GetByID(id int64) (*sqlite.TaskRecord, error)
	Update(id int64, update sqlite.TaskUpdate) (*sqlite.TaskRecord, error)
	ListReconcilable() ([]*sqlite.TaskRecord, error)
}

// Transcriber is the provider surface the task engine depends on
type Transcriber interface {
	Submit(ctx context.Context, audioURL string) (string, error)
	Query(ctx context.Context, externalID string) (*asr.QueryResult, error)
	ValidateAudioURL(ctx context.Context, audioURL string) error
}

// SleepFunc suspends the caller for d or until ctx is done. Injected so
// tests can run retry loops without real delays.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Service drives transcription tasks from submission to a terminal state.
// Submission failures are recorded on the task rather than returned as call
// errors, so every outcome stays queryable after the fact.
type Service struct {
	store  Store
	client Transcriber
	logger *logger.Logger
	sleep  SleepFunc
}

// NewService creates a new task service
func NewService(store Store, client Transcriber, logger *logger.Logger) *Service {
	return &Service{
		store:  store,
		client: client,
		logger: logger.Named("tasks"),
		sleep:  sleepContext,
	}
}

// Submit creates a task for audioURL and submits it to the provider.
// On provider or network failure the task is marked failed and returned with
// a nil error; the failure is task state, not a call error. A non-nil error
// means the store itself misbehaved.
func (s *Service) Submit(ctx context.Context, audioURL string) (*sqlite.TaskRecord, error) {
	task, err := s.store.Create(audioURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	if err := s.client.ValidateAudioURL(ctx, audioURL); err != nil {
		s.logger.Warn("Audio URL validation failed",
			logger.Int64("id", task.ID),
			logger.String("audio_url", audioURL),
			logger.Error(err),
		)
		return s.failTask(task.ID, fmt.Sprintf("audio URL validation failed: %v", err))
	}

	externalID, err := s.client.Submit(ctx, audioURL)
	if err != nil {
		// Submit is not idempotent at the provider, so a failed submit is
		// terminal for this task; it is never retried.
		s.logger.Warn("Provider submit failed",
			logger.Int64("id", task.ID),
			logger.String("audio_url", audioURL),
			logger.Error(err),
		)
		return s.failTask(task.ID, fmt.Sprintf("failed to submit transcription task: %v", err))
	}

	status := sqlite.StatusProcessing
	updated, err := s.store.Update(task.ID, sqlite.TaskUpdate{
		ExternalID: &externalID,
		Status:     &status,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark task %d processing: %w", task.ID, err)
	}

	s.logger.Info("Task submitted",
		logger.Int64("id", updated.ID),
		logger.String("task_id", externalID),
	)

	return updated, nil
}

// Reconcile queries the provider for one task and persists the mapped
// outcome. Terminal tasks are returned untouched. A query error is returned
// to the caller, which treats it as transient and retries on its next pass.
func (s *Service) Reconcile(ctx context.Context, task *sqlite.TaskRecord) (*sqlite.TaskRecord, error) {
	if task.Status.Terminal() {
		return task, nil
	}
	if task.ExternalID == "" {
		return task, fmt.Errorf("task %d has no provider task ID", task.ID)
	}

	result, err := s.client.Query(ctx, task.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task %d: %w", task.ID, err)
	}

	return s.applyQueryResult(task, result)
}

// applyQueryResult maps one provider query result onto the task status
// machine and persists it. An unrecognized provider status leaves the task
// unchanged so a later query can settle it.
func (s *Service) applyQueryResult(task *sqlite.TaskRecord, result *asr.QueryResult) (*sqlite.TaskRecord, error) {
	if task.Status.Terminal() {
		return task, nil
	}

	var update sqlite.TaskUpdate
	switch result.Status {
	case asr.StatusQueued, asr.StatusRunning:
		status := sqlite.StatusProcessing
		update = sqlite.TaskUpdate{Status: &status}
	case asr.StatusSucceeded:
		status := sqlite.StatusCompleted
		transcript := result.Text
		update = sqlite.TaskUpdate{Status: &status, Transcript: &transcript}
	case asr.StatusFailed:
		status := sqlite.StatusFailed
		message := result.Err
		if message == "" {
			message = "transcription failed"
		}
		update = sqlite.TaskUpdate{Status: &status, ErrorMessage: &message}
	default:
		s.logger.Warn("Leaving task unchanged on unrecognized provider status",
			logger.Int64("id", task.ID),
			logger.String("status", string(result.Status)),
		)
		return task, nil
	}

	updated, err := s.store.Update(task.ID, update)
	if err != nil {
		// Another reconciler won the race and the task is already settled;
		// the stored state is authoritative either way.
		if errors.Is(err, sqlite.ErrIllegalTransition) {
			return s.store.GetByID(task.ID)
		}
		return nil, fmt.Errorf("failed to update task %d: %w", task.ID, err)
	}

	if updated.Status.Terminal() {
		s.logger.Info("Task reached terminal state",
			logger.Int64("id", updated.ID),
			logger.String("task_id", updated.ExternalID),
			logger.String("status", string(updated.Status)),
		)
	}

	return updated, nil
}

// failTask records a terminal failure on the task
func (s *Service) failTask(id int64, message string) (*sqlite.TaskRecord, error) {
	status := sqlite.StatusFailed
	updated, err := s.store.Update(id, sqlite.TaskUpdate{
		Status:       &status,
		ErrorMessage: &message,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark task %d failed: %w", id, err)
	}
	return updated, nil
}

// sleepContext waits for d, returning early with ctx.Err() if the context
// is canceled first
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
