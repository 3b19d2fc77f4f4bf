package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audioworks/volcasr/internal/asr"
	"github.com/audioworks/volcasr/internal/storage/sqlite"
	"github.com/audioworks/volcasr/pkg/logger"
)

// stubTranscriber scripts provider behavior for tests. Query answers are
// consumed in order; the last one repeats once the script runs out.
type stubTranscriber struct {
	submitID    string
	submitErr   error
	validateErr error

	queryResults []*asr.QueryResult
	queryErrs    []error

	submitCalls int
	queryCalls  int
}

func (s *stubTranscriber) Submit(ctx context.Context, audioURL string) (string, error) {
	s.submitCalls++
	if s.submitErr != nil {
		return "", s.submitErr
	}
	return s.submitID, nil
}

func (s *stubTranscriber) Query(ctx context.Context, externalID string) (*asr.QueryResult, error) {
	i := s.queryCalls
	s.queryCalls++
	if i < len(s.queryErrs) && s.queryErrs[i] != nil {
		return nil, s.queryErrs[i]
	}
	if len(s.queryResults) == 0 {
		return &asr.QueryResult{Status: asr.StatusRunning}, nil
	}
	if i >= len(s.queryResults) {
		i = len(s.queryResults) - 1
	}
	return s.queryResults[i], nil
}

func (s *stubTranscriber) ValidateAudioURL(ctx context.Context, audioURL string) error {
	return s.validateErr
}

func newTestService(t *testing.T, stub *stubTranscriber) (*Service, *sqlite.TaskStorage) {
	t.Helper()

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	storage, err := sqlite.NewTaskStorage(db, logger.NewNop())
	require.NoError(t, err)

	return NewService(storage, stub, logger.NewNop()), storage
}

func TestSubmitHappyPath(t *testing.T) {
	stub := &stubTranscriber{submitID: "ext-1"}
	service, _ := newTestService(t, stub)

	task, err := service.Submit(context.Background(), "http://example.com/audio.mp3")
	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusProcessing, task.Status)
	assert.Equal(t, "ext-1", task.ExternalID)
	assert.Nil(t, task.Transcript)
	assert.Nil(t, task.ErrorMessage)
	assert.Equal(t, 1, stub.submitCalls)
}

func TestSubmitNetworkFailureFailsTask(t *testing.T) {
	stub := &stubTranscriber{
		submitErr: &asr.NetworkError{Op: "submit", Err: errors.New("connection refused")},
	}
	service, storage := newTestService(t, stub)

	task, err := service.Submit(context.Background(), "http://example.com/audio.mp3")
	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusFailed, task.Status)
	assert.Empty(t, task.ExternalID)
	require.NotNil(t, task.ErrorMessage)
	assert.Contains(t, *task.ErrorMessage, "connection refused")
	assert.NotNil(t, task.CompletedAt)

	// The failure stays queryable: the task was persisted, not discarded.
	got, err := storage.GetByID(task.ID)
	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusFailed, got.Status)
}

func TestSubmitValidationFailureSkipsProvider(t *testing.T) {
	stub := &stubTranscriber{
		submitID:    "ext-1",
		validateErr: errors.New("audio file not found (404)"),
	}
	service, _ := newTestService(t, stub)

	task, err := service.Submit(context.Background(), "http://example.com/missing.mp3")
	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Contains(t, *task.ErrorMessage, "validation failed")
	assert.Zero(t, stub.submitCalls)
}

func TestReconcileCompletesTask(t *testing.T) {
	stub := &stubTranscriber{
		submitID:     "ext-1",
		queryResults: []*asr.QueryResult{{Status: asr.StatusSucceeded, Text: "hello world"}},
	}
	service, _ := newTestService(t, stub)

	task, err := service.Submit(context.Background(), "http://example.com/audio.mp3")
	require.NoError(t, err)

	task, err = service.Reconcile(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusCompleted, task.Status)
	require.NotNil(t, task.Transcript)
	assert.Equal(t, "hello world", *task.Transcript)
	require.NotNil(t, task.CompletedAt)
}

func TestReconcileFailsTaskOnProviderFailure(t *testing.T) {
	stub := &stubTranscriber{
		submitID:     "ext-1",
		queryResults: []*asr.QueryResult{{Status: asr.StatusFailed, Err: "audio too long"}},
	}
	service, _ := newTestService(t, stub)

	task, err := service.Submit(context.Background(), "http://example.com/audio.mp3")
	require.NoError(t, err)

	task, err = service.Reconcile(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Equal(t, "audio too long", *task.ErrorMessage)
	assert.Nil(t, task.Transcript)
}

func TestReconcileTerminalTaskIsNoop(t *testing.T) {
	stub := &stubTranscriber{
		submitID:     "ext-1",
		queryResults: []*asr.QueryResult{{Status: asr.StatusSucceeded, Text: "hello world"}},
	}
	service, _ := newTestService(t, stub)

	task, err := service.Submit(context.Background(), "http://example.com/audio.mp3")
	require.NoError(t, err)
	task, err = service.Reconcile(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, sqlite.StatusCompleted, task.Status)

	queriesSoFar := stub.queryCalls
	again, err := service.Reconcile(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, task, again)
	assert.Equal(t, queriesSoFar, stub.queryCalls, "terminal task must not be queried again")
}

func TestReconcileUnknownStatusLeavesTaskUnchanged(t *testing.T) {
	stub := &stubTranscriber{
		submitID:     "ext-1",
		queryResults: []*asr.QueryResult{{Status: asr.StatusUnknown}},
	}
	service, storage := newTestService(t, stub)

	task, err := service.Submit(context.Background(), "http://example.com/audio.mp3")
	require.NoError(t, err)
	updatedAt := task.UpdatedAt

	task, err = service.Reconcile(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusProcessing, task.Status)

	got, err := storage.GetByID(task.ID)
	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusProcessing, got.Status)
	assert.True(t, got.UpdatedAt.Equal(updatedAt), "unrecognized status must not touch the row")
}

func TestPollerCompletesTasksAndIsIdempotent(t *testing.T) {
	stub := &stubTranscriber{
		submitID:     "ext-1",
		queryResults: []*asr.QueryResult{{Status: asr.StatusSucceeded, Text: "hello world"}},
	}
	service, storage := newTestService(t, stub)

	task, err := service.Submit(context.Background(), "http://example.com/audio.mp3")
	require.NoError(t, err)

	poller := NewPoller(context.Background(), service, storage, time.Hour, logger.NewNop())

	// First cycle drives the task to completion.
	require.NoError(t, poller.runCycle())
	got, err := storage.GetByID(task.ID)
	require.NoError(t, err)
	require.Equal(t, sqlite.StatusCompleted, got.Status)
	require.NotNil(t, got.Transcript)
	transcript := *got.Transcript
	completedAt := *got.CompletedAt
	queries := stub.queryCalls

	// Second cycle sees no reconcilable tasks and changes nothing.
	require.NoError(t, poller.runCycle())
	got, err = storage.GetByID(task.ID)
	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusCompleted, got.Status)
	assert.Equal(t, transcript, *got.Transcript)
	assert.True(t, got.CompletedAt.Equal(completedAt))
	assert.Equal(t, queries, stub.queryCalls)
}

func TestPollerSkipsTasksWithoutExternalID(t *testing.T) {
	stub := &stubTranscriber{}
	service, storage := newTestService(t, stub)

	// A pending row with no provider ID models a submit that crashed before
	// the status update persisted.
	task, err := storage.Create("http://example.com/audio.mp3")
	require.NoError(t, err)

	poller := NewPoller(context.Background(), service, storage, time.Hour, logger.NewNop())
	require.NoError(t, poller.runCycle())

	got, err := storage.GetByID(task.ID)
	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusPending, got.Status)
	assert.Zero(t, stub.queryCalls)
}

func TestPollerCycleContinuesPastQueryErrors(t *testing.T) {
	stub := &stubTranscriber{
		submitID: "ext-1",
		queryErrs: []error{
			&asr.NetworkError{Op: "query", Err: errors.New("timeout")},
		},
		queryResults: []*asr.QueryResult{
			nil, // consumed by the error slot
			{Status: asr.StatusSucceeded, Text: "second task done"},
		},
	}
	service, storage := newTestService(t, stub)

	first, err := service.Submit(context.Background(), "http://example.com/a.mp3")
	require.NoError(t, err)
	_ = first

	// The stub returns one external ID for every submit; give the second
	// task its own identity directly through the store.
	second, err := storage.Create("http://example.com/b.mp3")
	require.NoError(t, err)
	processing := sqlite.StatusProcessing
	extID := "ext-2"
	second, err = storage.Update(second.ID, sqlite.TaskUpdate{ExternalID: &extID, Status: &processing})
	require.NoError(t, err)

	poller := NewPoller(context.Background(), service, storage, time.Hour, logger.NewNop())
	require.NoError(t, poller.runCycle())

	// First task hit a network error and stays processing; second finished.
	got, err := storage.GetByID(first.ID)
	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusProcessing, got.Status)

	got, err = storage.GetByID(second.ID)
	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusCompleted, got.Status)
}

func TestWaitForResultSuccess(t *testing.T) {
	stub := &stubTranscriber{
		submitID: "ext-1",
		queryResults: []*asr.QueryResult{
			{Status: asr.StatusRunning},
			{Status: asr.StatusSucceeded, Text: "hello world"},
		},
	}
	service, _ := newTestService(t, stub)

	task, err := service.WaitForResult(context.Background(), "http://example.com/audio.mp3", 5, 0)
	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusCompleted, task.Status)
	require.NotNil(t, task.Transcript)
	assert.Equal(t, "hello world", *task.Transcript)
	assert.Equal(t, 2, stub.queryCalls)
}

func TestWaitForResultTimeout(t *testing.T) {
	stub := &stubTranscriber{
		submitID:     "ext-1",
		queryResults: []*asr.QueryResult{{Status: asr.StatusRunning}},
	}
	service, _ := newTestService(t, stub)

	task, err := service.WaitForResult(context.Background(), "http://example.com/audio.mp3", 2, 0)
	require.ErrorIs(t, err, ErrWaitTimeout)

	// Timeout is not failure: the task stays non-terminal and the poller
	// keeps driving it.
	require.NotNil(t, task)
	assert.Equal(t, sqlite.StatusProcessing, task.Status)
	assert.Nil(t, task.ErrorMessage)
	assert.Equal(t, 2, stub.queryCalls)
}

func TestWaitForResultSubmitFailureReturnsImmediately(t *testing.T) {
	stub := &stubTranscriber{
		submitErr: &asr.ProviderError{StatusCode: 403, Message: "invalid api key"},
	}
	service, _ := newTestService(t, stub)

	task, err := service.WaitForResult(context.Background(), "http://example.com/audio.mp3", 5, 0)
	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusFailed, task.Status)
	assert.Zero(t, stub.queryCalls)
}

func TestWaitForResultQueryErrorsAreTransient(t *testing.T) {
	stub := &stubTranscriber{
		submitID: "ext-1",
		queryErrs: []error{
			&asr.NetworkError{Op: "query", Err: errors.New("timeout")},
		},
		queryResults: []*asr.QueryResult{
			nil, // consumed by the error slot
			{Status: asr.StatusSucceeded, Text: "made it"},
		},
	}
	service, _ := newTestService(t, stub)

	task, err := service.WaitForResult(context.Background(), "http://example.com/audio.mp3", 5, 0)
	require.NoError(t, err)
	assert.Equal(t, sqlite.StatusCompleted, task.Status)
	assert.Equal(t, 2, stub.queryCalls)
}
