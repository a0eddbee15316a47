// Package retry is the Retry Controller (C4): a periodic scan that re-sends
// due RetryTasks, rescheduling on transient failure with exponential backoff
// and abandoning a task once its attempt budget is exhausted. Its run loop
// shape is grounded on the teacher's Worker.Start ticker loop; its per-task
// panic-safe processing is grounded on GenerationWorker.executeWithRecovery.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/dispatchkit/emaildispatch/internal/dispatch/template"
	"github.com/dispatchkit/emaildispatch/internal/domain"
	"github.com/dispatchkit/emaildispatch/internal/provider"
)

// Store is the narrow slice of the Store Gateway the Retry Controller
// depends on.
type Store interface {
	DueRetryTasks(ctx context.Context, limit int) ([]*domain.RetryTask, error)
	CompleteRetryTask(ctx context.Context, taskID string, rec *domain.SendRecord) error
	RescheduleRetryTask(ctx context.Context, taskID string, attempt int, nextAttemptAt time.Time, errMsg string) error
	AbandonRetryTask(ctx context.Context, taskID string, errMsg string) error
	GetJobAndRecipient(ctx context.Context, task *domain.RetryTask) (*domain.Job, *domain.SendRecord, *domain.Recipient, error)
}

// Options holds the Retry Controller's tunables.
type Options struct {
	CheckInterval   time.Duration
	BatchSize       int
	ProviderTimeout time.Duration
	Backoff         Config
}

func (o *Options) setDefaults() {
	if o.CheckInterval <= 0 {
		o.CheckInterval = 60 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.ProviderTimeout <= 0 {
		o.ProviderTimeout = 30 * time.Second
	}
	o.Backoff.setDefaults()
}

// Controller runs the periodic due-task scan.
type Controller struct {
	store    Store
	provider provider.Provider
	opts     Options

	stop chan struct{}
	done chan struct{}
}

// New builds a Controller.
func New(store Store, prov provider.Provider, opts Options) *Controller {
	opts.setDefaults()
	return &Controller{
		store:    store,
		provider: prov,
		opts:     opts,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run loops RunOnce on CheckInterval until ctx is cancelled or Stop is
// called, mirroring the teacher's Worker.Start ticker loop.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	if err := c.RunOnce(ctx); err != nil {
		slog.ErrorContext(ctx, "retry controller startup scan failed", "error", err)
	}

	ticker := time.NewTicker(c.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case <-ticker.C:
			if err := c.RunOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "retry controller scan failed", "error", err)
			}
		}
	}
}

// Stop signals Run to exit after its current tick.
func (c *Controller) Stop() {
	close(c.stop)
	<-c.done
}

// RunOnce claims up to BatchSize due tasks and processes each independently;
// one task's failure never aborts the scan.
func (c *Controller) RunOnce(ctx context.Context) error {
	tasks, err := c.store.DueRetryTasks(ctx, c.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch due retry tasks: %w", err)
	}
	for _, task := range tasks {
		c.processTask(ctx, task)
	}
	return nil
}

// processTask never returns an error: every outcome is persisted via the
// Store, and a panic here is caught and treated as a transient failure so
// one malformed task cannot take down the controller's scan loop.
func (c *Controller) processTask(ctx context.Context, task *domain.RetryTask) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			slog.ErrorContext(ctx, "retry controller panicked processing task",
				"task_id", task.ID, "panic_value", r)
			c.scheduleOutcome(ctx, task, domain.PanicError{Value: r, StackTrace: stack}.Error(), false)
		}
	}()

	job, sendRecord, recipient, err := c.store.GetJobAndRecipient(ctx, task)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load retry task context", "task_id", task.ID, "error", err)
		c.scheduleOutcome(ctx, task, err.Error(), false)
		return
	}

	vars := template.MergedVariables(*recipient, job.Tags)
	retryTags := append(append([]string{}, job.Tags...), fmt.Sprintf("retry_attempt=%d", task.Attempt+1))
	envelope := provider.Envelope{
		To:      []string{recipient.Email},
		From:    job.Sender.From,
		ReplyTo: job.Sender.ReplyTo,
		Subject: template.Expand(job.Template.Subject, vars),
		HTML:    template.Expand(job.Template.HTML, vars),
		Text:    template.Expand(job.Template.Text, vars),
		Tags:    retryTags,
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.opts.ProviderTimeout)
	result, sendErr := c.provider.Send(sendCtx, envelope)
	cancel()

	if sendErr == nil && result.OK {
		now := time.Now().UTC()
		sendRecord.Status = domain.SendSent
		sendRecord.SentAt = &now
		sendRecord.ErrorMessage = nil
		if result.ID != "" {
			id := result.ID
			sendRecord.ProviderMessageID = &id
		}
		if err := c.store.CompleteRetryTask(ctx, task.ID, sendRecord); err != nil {
			slog.ErrorContext(ctx, "failed to complete retry task", "task_id", task.ID, "error", err)
		}
		return
	}

	errMsg := classifyFailure(sendErr, result)
	permanent := result.ErrorClass == provider.ErrorClassPermanent
	c.scheduleOutcome(ctx, task, errMsg, permanent)
}

// scheduleOutcome reschedules a task with exponential backoff or abandons
// it once permanent, or once its attempt budget is exhausted, per spec §4.4.
func (c *Controller) scheduleOutcome(ctx context.Context, task *domain.RetryTask, errMsg string, permanent bool) {
	nextAttempt := task.Attempt + 1
	if permanent || nextAttempt >= task.MaxAttempts {
		if err := c.store.AbandonRetryTask(ctx, task.ID, errMsg); err != nil {
			slog.ErrorContext(ctx, "failed to abandon retry task", "task_id", task.ID, "error", err)
		}
		return
	}

	delay := delayForAttempt(c.opts.Backoff, nextAttempt)
	nextAttemptAt := time.Now().UTC().Add(delay)
	if err := c.store.RescheduleRetryTask(ctx, task.ID, nextAttempt, nextAttemptAt, errMsg); err != nil {
		slog.ErrorContext(ctx, "failed to reschedule retry task", "task_id", task.ID, "error", err)
	}
}

func classifyFailure(err error, result provider.Result) string {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "provider timeout"
		}
		return err.Error()
	}
	return result.ErrorCode
}
