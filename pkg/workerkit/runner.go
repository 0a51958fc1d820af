package workerkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// CancelPollInterval is the contract's bounded cancellation latency: every
// long wait inside an automation must observe cancellation at least this
// often. Sleep below honors it for callers.
const CancelPollInterval = 200 * time.Millisecond

// Assignment is everything an automation needs to drive one channel.
type Assignment struct {
	Job      Job
	Channel  string
	EntryURL string
}

// ReportFunc posts a state patch back to the kernel.
type ReportFunc func(ctx context.Context, patch Patch) error

// Automation is the opaque per-platform capability a worker drives. Run
// executes the submission flow from the start; Resume picks up a flow parked
// in waiting_user. Both must honor ctx cancellation at every wait.
type Automation interface {
	Run(ctx context.Context, a Assignment, report ReportFunc) error
	Resume(ctx context.Context, a Assignment, report ReportFunc) error
}

// Runner ties the pieces together for one worker: it resolves its context,
// executes the automation, and reacts to stop/retry/continue signals. Stop
// cancels the in-flight attempt and ends the runner; retry and continue
// re-enter the automation, each attempt reporting through ChannelUpdate.
type Runner struct {
	logger   *slog.Logger
	client   *Client
	signals  <-chan Signal
	auto     Automation
	entryURL string
}

func NewRunner(logger *slog.Logger, client *Client, signals <-chan Signal, auto Automation, entryURL string) *Runner {
	return &Runner{
		logger:   logger,
		client:   client,
		signals:  signals,
		auto:     auto,
		entryURL: entryURL,
	}
}

func (r *Runner) Run(ctx context.Context) error {
	job, channel, err := r.client.Context(ctx)
	if err != nil {
		return fmt.Errorf("resolve worker context: %w", err)
	}
	assignment := Assignment{Job: job, Channel: channel, EntryURL: r.entryURL}
	report := func(ctx context.Context, patch Patch) error {
		return r.client.Report(ctx, job.ID, channel, patch)
	}

	attemptDone := make(chan error, 1)
	var cancelAttempt context.CancelFunc
	startAttempt := func(resume bool) {
		var attemptCtx context.Context
		attemptCtx, cancelAttempt = context.WithCancel(ctx)
		go func() {
			if resume {
				attemptDone <- r.auto.Resume(attemptCtx, assignment, report)
			} else {
				attemptDone <- r.auto.Run(attemptCtx, assignment, report)
			}
		}()
	}

	startAttempt(false)
	running := true

	for {
		select {
		case <-ctx.Done():
			if running {
				cancelAttempt()
				<-attemptDone
			}
			return ctx.Err()

		case err := <-attemptDone:
			running = false
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("automation attempt failed",
					"job_id", job.ID, "channel", channel, "error", err)
			}

		case sig, ok := <-r.signals:
			if !ok {
				return nil
			}
			switch sig {
			case SignalStop:
				r.logger.Info("stop received", "job_id", job.ID, "channel", channel)
				if running {
					cancelAttempt()
					<-attemptDone
				}
				return nil
			case SignalRetry, SignalContinue:
				if running {
					cancelAttempt()
					<-attemptDone
				}
				startAttempt(sig == SignalContinue)
				running = true
			}
		}
	}
}

// Sleep waits d while observing cancellation every CancelPollInterval,
// so an automation's page waits never outlive a stop by more than the
// contract's bound.
func Sleep(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		step := remaining
		if step > CancelPollInterval {
			step = CancelPollInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step):
		}
	}
}
