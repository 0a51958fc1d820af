package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/mlett/crossport/internal/core/domain"
	"github.com/mlett/crossport/internal/core/ports"
)

// OrchestratorConfig bounds the orchestrator's resource usage.
type OrchestratorConfig struct {
	// MaxJobs is the hard cap on stored jobs; creating a job beyond it
	// evicts the oldest.
	MaxJobs int
	// MaxConcurrentLaunches bounds parallel worker spawns during StartJob
	// fan-out.
	MaxConcurrentLaunches int64
}

type workerBinding struct {
	jobID   domain.JobID
	channel domain.ChannelID
}

// jobEntry is the cache record for one active job. Snapshots are stamped
// with a sequence number under the cache lock; flush persists and broadcasts
// them in sequence order per job, dropping any snapshot older than the last
// one flushed, without holding the shared cache lock across I/O.
type jobEntry struct {
	job      domain.Job
	states   domain.StateMap
	clientID domain.ClientID // immutable, readable without the cache lock

	seq uint64 // last stamped snapshot sequence, guarded by the cache lock

	flushMu    sync.Mutex
	flushedSeq uint64 // guarded by flushMu
}

// nextSeqLocked stamps the next snapshot sequence. Caller holds the cache lock.
func (e *jobEntry) nextSeqLocked() uint64 {
	e.seq++
	return e.seq
}

// Orchestrator owns the job cache and the worker registry, the only shared
// mutable state in the kernel. Every control operation enters through it and
// mutations are serialized behind a single mutex with narrow critical
// sections; store writes and broadcasts always happen outside the lock.
type Orchestrator struct {
	logger      *slog.Logger
	store       ports.JobStore
	launcher    ports.WorkerLauncher
	signaler    ports.WorkerSignaler
	bus         *EventBus
	maxJobs     int
	launchSlots *semaphore.Weighted
	now         func() time.Time

	mu      sync.Mutex
	jobs    map[domain.JobID]*jobEntry
	workers map[domain.WorkerHandle]workerBinding
}

func NewOrchestrator(
	logger *slog.Logger,
	store ports.JobStore,
	launcher ports.WorkerLauncher,
	signaler ports.WorkerSignaler,
	bus *EventBus,
	cfg OrchestratorConfig,
) *Orchestrator {
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 20
	}
	if cfg.MaxConcurrentLaunches <= 0 {
		cfg.MaxConcurrentLaunches = 4
	}
	return &Orchestrator{
		logger:      logger,
		store:       store,
		launcher:    launcher,
		signaler:    signaler,
		bus:         bus,
		maxJobs:     cfg.MaxJobs,
		launchSlots: semaphore.NewWeighted(cfg.MaxConcurrentLaunches),
		now:         time.Now,
		jobs:        make(map[domain.JobID]*jobEntry),
		workers:     make(map[domain.WorkerHandle]workerBinding),
	}
}

// StartJob validates the request, persists a new job with every selected
// channel at not_started, and returns it immediately. Worker spawning runs
// asynchronously; the first broadcast lands once all launch attempts settle.
func (o *Orchestrator) StartJob(
	ctx context.Context,
	action domain.Action,
	focus domain.ChannelID,
	channels []domain.ChannelID,
	article domain.Article,
	clientID domain.ClientID,
) (domain.Job, error) {
	if !action.Valid() {
		return domain.Job{}, fmt.Errorf("%w: unknown action %q", domain.ErrValidation, action)
	}
	if len(channels) == 0 {
		return domain.Job{}, fmt.Errorf("%w: at least one channel is required", domain.ErrValidation)
	}
	seen := make(map[domain.ChannelID]bool, len(channels))
	selected := make([]domain.ChannelID, 0, len(channels))
	for _, c := range channels {
		if !c.Valid() {
			return domain.Job{}, fmt.Errorf("%w: unknown channel %q", domain.ErrValidation, c)
		}
		if !seen[c] {
			seen[c] = true
			selected = append(selected, c)
		}
	}
	if focus != "" && !seen[focus] {
		return domain.Job{}, fmt.Errorf("%w: focus channel %q is not selected", domain.ErrValidation, focus)
	}
	if err := article.Validate(); err != nil {
		return domain.Job{}, err
	}

	now := o.now()
	job := domain.Job{
		ID:           domain.JobID(uuid.New().String()),
		Action:       action,
		Article:      article,
		Channels:     selected,
		FocusChannel: focus,
		ClientID:     clientID,
		CreatedAt:    now,
	}
	states := make(domain.StateMap, len(selected))
	for _, c := range selected {
		states[c] = domain.ChannelState{
			Channel:   c,
			Status:    domain.StatusNotStarted,
			Stage:     domain.StageInit,
			UpdatedAt: now,
		}
	}

	if err := o.store.SaveJob(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("persist job: %w", err)
	}
	if err := o.store.SaveState(ctx, job.ID, states); err != nil {
		return domain.Job{}, fmt.Errorf("persist channel state: %w", err)
	}

	evicted, err := o.store.EnforceCapacity(ctx, o.maxJobs)
	if err != nil {
		o.logger.Error("capacity enforcement failed", "error", err)
	}

	entry := &jobEntry{job: job, states: states, clientID: clientID}
	o.mu.Lock()
	o.jobs[job.ID] = entry
	o.dropLocked(evicted)
	o.mu.Unlock()

	// Spawning talks to an external runtime and must not hold up the caller.
	go o.launchAll(context.WithoutCancel(ctx), entry)

	o.logger.Info("job created",
		"job_id", job.ID, "action", action, "channels", len(selected))
	return job, nil
}

// launchAll spawns one worker per channel, focus channel first. A failed
// spawn marks only its own channel failed; the others proceed. The resulting
// state is persisted and broadcast once, after the last attempt settles. A
// stop arriving mid-fanout halts further launches, and the settling flush is
// skipped so the stopped snapshot stays the last word.
func (o *Orchestrator) launchAll(ctx context.Context, e *jobEntry) {
	job := e.job
	ordered := make([]domain.ChannelID, 0, len(job.Channels))
	if job.FocusChannel != "" {
		ordered = append(ordered, job.FocusChannel)
	}
	for _, c := range job.Channels {
		if c != job.FocusChannel {
			ordered = append(ordered, c)
		}
	}

	var wg sync.WaitGroup
	for _, c := range ordered {
		if o.isStopped(e) {
			break
		}
		if err := o.launchSlots.Acquire(ctx, 1); err != nil {
			o.recordLaunch(ctx, e, c, "", err)
			continue
		}
		wg.Add(1)
		go func(channel domain.ChannelID) {
			defer wg.Done()
			defer o.launchSlots.Release(1)
			handle, err := o.launcher.Launch(ctx, job, channel)
			o.recordLaunch(ctx, e, channel, handle, err)
		}(c)
	}
	wg.Wait()

	o.mu.Lock()
	if e.job.Stopped() {
		o.mu.Unlock()
		return
	}
	snap := snapshotLocked(e)
	seq := e.nextSeqLocked()
	o.mu.Unlock()
	o.flush(ctx, e, seq, snap, nil)
}

func (o *Orchestrator) isStopped(e *jobEntry) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return e.job.Stopped()
}

// recordLaunch marks a channel running/openEntry on a successful spawn, or
// failed on a spawn error. The worker has been told to start even before it
// reports back. If the job was stopped while the spawn was in flight, the
// state stays untouched and the just-spawned worker gets the stop signal it
// missed: RequestStop ran before this handle existed.
func (o *Orchestrator) recordLaunch(ctx context.Context, e *jobEntry, channel domain.ChannelID, handle domain.WorkerHandle, err error) {
	now := o.now()
	o.mu.Lock()
	if e.job.Stopped() {
		o.mu.Unlock()
		if err == nil && handle != "" {
			if sigErr := o.signaler.Signal(ctx, handle, domain.SignalStop); sigErr != nil {
				o.logger.Warn("worker unreachable during stop",
					"job_id", e.job.ID, "handle", handle, "error", sigErr)
			}
			o.logger.Info("worker spawned after stop, stop forwarded",
				"job_id", e.job.ID, "channel", channel, "handle", handle)
		}
		return
	}
	defer o.mu.Unlock()

	st := e.states[channel]
	if err != nil {
		st.Status = domain.StatusFailed
		st.UserMessage = "worker could not be started"
		st.DevDetails = err.Error()
		st.UpdatedAt = now
		e.states[channel] = st
		o.logger.Error("worker launch failed",
			"job_id", e.job.ID, "channel", channel, "error", err)
		return
	}

	st.Status = domain.StatusRunning
	st.Stage = domain.StageOpenEntry
	st.Worker = handle
	st.UpdatedAt = now
	e.states[channel] = st
	o.workers[handle] = workerBinding{jobID: e.job.ID, channel: channel}
	o.logger.Info("worker launched",
		"job_id", e.job.ID, "channel", channel, "handle", handle)
}

// GetContext resolves a worker handle back to its job and channel. On a
// registry miss the stored jobs are rehydrated first, so resolution works
// across kernel restarts; a handle unknown even to the store gets
// ErrWorkerNotFound.
func (o *Orchestrator) GetContext(ctx context.Context, handle domain.WorkerHandle) (domain.Job, domain.ChannelID, error) {
	if job, channel, ok := o.lookupWorker(handle); ok {
		return job, channel, nil
	}

	jobs, err := o.store.ListJobs(ctx)
	if err != nil {
		return domain.Job{}, "", fmt.Errorf("rehydrate for context lookup: %w", err)
	}
	for _, j := range jobs {
		if _, err := o.entry(ctx, j.ID); err != nil {
			o.logger.Warn("rehydrate during context lookup failed", "job_id", j.ID, "error", err)
		}
	}

	if job, channel, ok := o.lookupWorker(handle); ok {
		return job, channel, nil
	}
	return domain.Job{}, "", domain.ErrWorkerNotFound
}

func (o *Orchestrator) lookupWorker(handle domain.WorkerHandle) (domain.Job, domain.ChannelID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	binding, ok := o.workers[handle]
	if !ok {
		return domain.Job{}, "", false
	}
	e, exists := o.jobs[binding.jobID]
	if !exists {
		return domain.Job{}, "", false
	}
	return e.job, binding.channel, true
}

// ChannelUpdate merges a worker-reported patch into the channel's state,
// persists the full map, and broadcasts. Updates for a stopped job are
// acknowledged but discarded: the worker may not yet know it was stopped,
// and a post-stop report must never look like a failure.
func (o *Orchestrator) ChannelUpdate(
	ctx context.Context,
	jobID domain.JobID,
	channel domain.ChannelID,
	handle domain.WorkerHandle,
	patch domain.ChannelPatch,
) error {
	if patch.Status != nil && !patch.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", domain.ErrValidation, *patch.Status)
	}
	if patch.Stage != nil && !patch.Stage.Valid() {
		return fmt.Errorf("%w: unknown stage %q", domain.ErrValidation, *patch.Stage)
	}

	e, err := o.entry(ctx, jobID)
	if err != nil {
		return err
	}

	now := o.now()
	o.mu.Lock()
	if e.job.Stopped() {
		o.mu.Unlock()
		o.logger.Debug("update after stop discarded", "job_id", jobID, "channel", channel)
		return nil
	}
	prev, ok := e.states[channel]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s is not part of job %s", domain.ErrChannelNotFound, channel, jobID)
	}
	e.states[channel] = patch.Apply(prev, now, handle)
	if handle != "" {
		o.workers[handle] = workerBinding{jobID: jobID, channel: channel}
	}
	snap := snapshotLocked(e)
	seq := e.nextSeqLocked()
	o.mu.Unlock()

	o.flush(ctx, e, seq, snap, nil)
	return nil
}

// RequestStop marks the job terminal and best-effort notifies every
// channel's last known worker. Idempotent: a second stop is a successful
// no-op. Unreachable workers are logged, never surfaced: the job is
// stopped from the kernel's point of view regardless.
func (o *Orchestrator) RequestStop(ctx context.Context, jobID domain.JobID) error {
	e, err := o.entry(ctx, jobID)
	if err != nil {
		return err
	}

	now := o.now()
	o.mu.Lock()
	if e.job.Stopped() {
		o.mu.Unlock()
		return nil
	}
	e.job.StoppedAt = &now
	handles := make([]domain.WorkerHandle, 0, len(e.states))
	for _, st := range e.states {
		if st.Worker != "" {
			handles = append(handles, st.Worker)
		}
	}
	stopped := e.job
	snap := snapshotLocked(e)
	seq := e.nextSeqLocked()
	o.mu.Unlock()

	o.flush(ctx, e, seq, snap, &stopped)

	for _, h := range handles {
		if err := o.signaler.Signal(ctx, h, domain.SignalStop); err != nil {
			o.logger.Warn("worker unreachable during stop",
				"job_id", jobID, "handle", h, "error", err)
		}
	}
	o.logger.Info("job stopped", "job_id", jobID, "workers_notified", len(handles))
	return nil
}

// RequestRetry forwards a retry to the channel's last known worker.
func (o *Orchestrator) RequestRetry(ctx context.Context, jobID domain.JobID, channel domain.ChannelID) error {
	return o.forward(ctx, jobID, channel, domain.SignalRetry)
}

// RequestContinue forwards a continue to the channel's last known worker,
// resuming a channel parked in waiting_user.
func (o *Orchestrator) RequestContinue(ctx context.Context, jobID domain.JobID, channel domain.ChannelID) error {
	return o.forward(ctx, jobID, channel, domain.SignalContinue)
}

// forward delivers a signal without mutating any local state: the worker is
// expected to re-run and report back through ChannelUpdate itself.
func (o *Orchestrator) forward(ctx context.Context, jobID domain.JobID, channel domain.ChannelID, sig domain.Signal) error {
	e, err := o.entry(ctx, jobID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if e.job.Stopped() {
		o.mu.Unlock()
		return domain.ErrJobStopped
	}
	st, ok := e.states[channel]
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s is not part of job %s", domain.ErrChannelNotFound, channel, jobID)
	}
	if st.Worker == "" {
		return fmt.Errorf("%w for channel %s of job %s", domain.ErrWorkerNotFound, channel, jobID)
	}
	if err := o.signaler.Signal(ctx, st.Worker, sig); err != nil {
		return fmt.Errorf("forward %s to worker %s: %w", sig, st.Worker, err)
	}
	return nil
}

// Snapshot returns the full reconciled state of one job.
func (o *Orchestrator) Snapshot(ctx context.Context, jobID domain.JobID) (domain.JobSnapshot, error) {
	e, err := o.entry(ctx, jobID)
	if err != nil {
		return domain.JobSnapshot{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return snapshotLocked(e), nil
}

// Jobs lists every stored job, newest first.
func (o *Orchestrator) Jobs(ctx context.Context) ([]domain.Job, error) {
	return o.store.ListJobs(ctx)
}

// SweepExpired removes TTL-expired jobs from the store and the cache,
// returning how many were deleted.
func (o *Orchestrator) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	removed, err := o.store.Sweep(ctx, now)
	if err != nil {
		return 0, err
	}
	o.mu.Lock()
	o.dropLocked(removed)
	o.mu.Unlock()
	return len(removed), nil
}

// entry returns the cache record for a job, rehydrating it from the store
// on a miss so jobs survive kernel restarts within their TTL.
func (o *Orchestrator) entry(ctx context.Context, jobID domain.JobID) (*jobEntry, error) {
	o.mu.Lock()
	if e, ok := o.jobs[jobID]; ok {
		o.mu.Unlock()
		return e, nil
	}
	o.mu.Unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	states, err := o.store.GetState(ctx, jobID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.jobs[jobID]; ok { // lost the race, keep the winner
		return e, nil
	}
	e := &jobEntry{job: job, states: states, clientID: job.ClientID}
	o.jobs[jobID] = e
	for _, st := range states {
		if st.Worker != "" {
			o.workers[st.Worker] = workerBinding{jobID: jobID, channel: st.Channel}
		}
	}
	o.logger.Debug("job rehydrated from store", "job_id", jobID)
	return e, nil
}

// dropLocked removes evicted or expired jobs from the cache and prunes
// their registry bindings. Caller holds o.mu.
func (o *Orchestrator) dropLocked(ids []domain.JobID) {
	for _, id := range ids {
		delete(o.jobs, id)
	}
	if len(ids) == 0 {
		return
	}
	gone := make(map[domain.JobID]bool, len(ids))
	for _, id := range ids {
		gone[id] = true
	}
	for h, b := range o.workers {
		if gone[b.jobID] {
			delete(o.workers, h)
		}
	}
}

// flush persists a snapshot and broadcasts it. Serialized per job by
// flushMu, and ordered by the sequence stamped under the cache lock: a
// snapshot older than the last flushed one is dropped, so the store and the
// broadcast stream never regress to stale state. The shared cache lock is
// never held here.
func (o *Orchestrator) flush(ctx context.Context, e *jobEntry, seq uint64, snap domain.JobSnapshot, stoppedJob *domain.Job) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	if seq <= e.flushedSeq {
		return
	}
	e.flushedSeq = seq

	if stoppedJob != nil {
		if err := o.store.SaveJob(ctx, *stoppedJob); err != nil {
			o.logger.Error("persist job failed", "job_id", snap.JobID, "error", err)
		}
	}
	if err := o.store.SaveState(ctx, snap.JobID, snap.States); err != nil {
		o.logger.Error("persist channel state failed", "job_id", snap.JobID, "error", err)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		o.logger.Error("snapshot marshal failed", "job_id", snap.JobID, "error", err)
		return
	}
	o.bus.Publish(Event{
		ClientID:  e.clientID,
		JobID:     snap.JobID,
		Data:      data,
		Timestamp: o.now().Unix(),
	})
}

func snapshotLocked(e *jobEntry) domain.JobSnapshot {
	channels := make([]domain.ChannelID, len(e.job.Channels))
	copy(channels, e.job.Channels)
	return domain.JobSnapshot{
		JobID:     e.job.ID,
		Action:    e.job.Action,
		Channels:  channels,
		StoppedAt: e.job.StoppedAt,
		States:    e.states.Clone(),
	}
}
