package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/audioworks/volcasr/pkg/logger"
)

// Poller reconciles every non-terminal task on a fixed cadence for the life
// of the process. Cycles never overlap: a single goroutine runs them, and a
// slow cycle simply delays the next tick. There is no persisted checkpoint;
// after a restart all non-terminal tasks are picked up again on the first
// cycle.
type Poller struct {
	ctx      context.Context
	cancel   context.CancelFunc
	service  *Service
	store    Store
	interval time.Duration
	logger   *logger.Logger
	wg       sync.WaitGroup
}

// NewPoller creates a new background poller
func NewPoller(ctx context.Context, service *Service, store Store, interval time.Duration, logger *logger.Logger) *Poller {
	pollCtx, pollCancel := context.WithCancel(ctx)

	return &Poller{
		ctx:      pollCtx,
		cancel:   pollCancel,
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger.Named("task-poller"),
	}
}

// Start starts the polling loop
func (p *Poller) Start() error {
	p.logger.Info("Starting task poller",
		logger.Duration("interval", p.interval),
	)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-p.ctx.Done():
				p.logger.Info("Task poller stopped")
				return
			case <-ticker.C:
				if err := p.runCycle(); err != nil {
					p.logger.Error("Poll cycle failed", logger.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop stops the polling loop and waits for an in-flight cycle to finish
func (p *Poller) Stop() error {
	p.logger.Info("Stopping task poller")
	p.cancel()
	p.wg.Wait()
	return nil
}

// runCycle reconciles all tasks not yet in a terminal state. A failure on
// one task never aborts the cycle; the task is retried on the next one.
func (p *Poller) runCycle() error {
	tasks, err := p.store.ListReconcilable()
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	p.logger.Debug("Reconciling tasks", logger.Int("count", len(tasks)))

	for _, task := range tasks {
		select {
		case <-p.ctx.Done():
			return nil
		default:
		}

		// A task without a provider ID means a submit crashed before the
		// update persisted. Resubmitting could duplicate provider-side
		// work, so it is surfaced for an operator instead of guessed at.
		if task.ExternalID == "" {
			p.logger.Warn("Task is stuck without a provider task ID, skipping",
				logger.Int64("id", task.ID),
				logger.String("audio_url", task.AudioURL),
				logger.Time("created_at", task.CreatedAt),
			)
			continue
		}

		if _, err := p.service.Reconcile(p.ctx, task); err != nil {
			p.logger.Warn("Failed to reconcile task, will retry next cycle",
				logger.Int64("id", task.ID),
				logger.String("task_id", task.ExternalID),
				logger.Error(err),
			)
		}
	}

	return nil
}
