package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlett/crossport/internal/core/domain"
)

// memStore is an in-memory JobStore for orchestrator tests; persistence
// semantics match the duckdb adapter.
type memStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	jobs   map[domain.JobID]domain.Job
	states map[domain.JobID]domain.StateMap
}

func newMemStore(ttl time.Duration) *memStore {
	return &memStore{
		ttl:    ttl,
		jobs:   make(map[domain.JobID]domain.Job),
		states: make(map[domain.JobID]domain.StateMap),
	}
}

func (m *memStore) SaveJob(_ context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *memStore) GetJob(_ context.Context, id domain.JobID) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

func (m *memStore) ListJobs(_ context.Context) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (m *memStore) SaveState(_ context.Context, id domain.JobID, states domain.StateMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = states.Clone()
	return nil
}

func (m *memStore) GetState(_ context.Context, id domain.JobID) (domain.StateMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	states, ok := m.states[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return states.Clone(), nil
}

func (m *memStore) DeleteJob(_ context.Context, id domain.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	delete(m.states, id)
	return nil
}

func (m *memStore) Sweep(_ context.Context, now time.Time) ([]domain.JobID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []domain.JobID
	for id, job := range m.jobs {
		if now.Sub(job.CreatedAt) > m.ttl {
			delete(m.jobs, id)
			delete(m.states, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

func (m *memStore) EnforceCapacity(_ context.Context, maxJobs int) ([]domain.JobID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.jobs) <= maxJobs {
		return nil, nil
	}
	all := make([]domain.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		all = append(all, j)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.Before(all[k].CreatedAt) })
	var evicted []domain.JobID
	for _, j := range all[:len(m.jobs)-maxJobs] {
		delete(m.jobs, j.ID)
		delete(m.states, j.ID)
		evicted = append(evicted, j.ID)
	}
	return evicted, nil
}

func (m *memStore) Close() error { return nil }

// fakeLauncher hands out deterministic handles and can be told to fail for
// specific channels. A non-nil gate blocks every spawn until it is closed,
// like a slow image pull.
type fakeLauncher struct {
	mu       sync.Mutex
	failFor  map[domain.ChannelID]error
	gate     chan struct{}
	inflight int
	launched []domain.ChannelID
}

func (f *fakeLauncher) Launch(_ context.Context, job domain.Job, channel domain.ChannelID) (domain.WorkerHandle, error) {
	f.mu.Lock()
	gate := f.gate
	f.inflight++
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	if err, ok := f.failFor[channel]; ok {
		return "", err
	}
	f.launched = append(f.launched, channel)
	return domain.WorkerHandle("worker-" + string(channel)), nil
}

func (f *fakeLauncher) inFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight
}

func (f *fakeLauncher) CleanupOrphans(context.Context) error { return nil }
func (f *fakeLauncher) Close() error                         { return nil }

type sentSignal struct {
	handle domain.WorkerHandle
	sig    domain.Signal
}

type fakeSignaler struct {
	mu   sync.Mutex
	err  error
	sent []sentSignal
}

func (f *fakeSignaler) Signal(_ context.Context, handle domain.WorkerHandle, sig domain.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentSignal{handle: handle, sig: sig})
	return nil
}

func (f *fakeSignaler) Close() error { return nil }

func (f *fakeSignaler) signals() []sentSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentSignal, len(f.sent))
	copy(out, f.sent)
	return out
}

type fixture struct {
	orch     *Orchestrator
	store    *memStore
	launcher *fakeLauncher
	signaler *fakeSignaler
	bus      *EventBus
}

func newFixture(t *testing.T, cfg OrchestratorConfig) *fixture {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	store := newMemStore(24 * time.Hour)
	launcher := &fakeLauncher{failFor: map[domain.ChannelID]error{}}
	signaler := &fakeSignaler{}
	bus := NewEventBus(logger)
	return &fixture{
		orch:     NewOrchestrator(logger, store, launcher, signaler, bus, cfg),
		store:    store,
		launcher: launcher,
		signaler: signaler,
		bus:      bus,
	}
}

func validArticle() domain.Article {
	return domain.Article{
		Title:       "T",
		ContentHTML: "<p>x</p>",
		SourceURL:   "https://x",
	}
}

// start creates a job and waits for the post-spawn broadcast so tests see a
// settled initial state.
func (fx *fixture) start(t *testing.T, channels ...domain.ChannelID) (domain.Job, domain.JobSnapshot, <-chan Event, func()) {
	t.Helper()
	clientID := domain.ClientID("client-1")
	events, unsub := fx.bus.Subscribe(clientID)

	job, err := fx.orch.StartJob(context.Background(), domain.ActionPublish, "", channels, validArticle(), clientID)
	require.NoError(t, err)

	select {
	case evt := <-events:
		require.Equal(t, job.ID, evt.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial broadcast")
	}

	snap, err := fx.orch.Snapshot(context.Background(), job.ID)
	require.NoError(t, err)
	return job, snap, events, unsub
}

func TestStartJob_InitialStates(t *testing.T) {
	fx := newFixture(t, OrchestratorConfig{})

	job, snap, _, unsub := fx.start(t, domain.ChannelMedium, domain.ChannelDevto, domain.ChannelGhost)
	defer unsub()

	assert.Len(t, snap.States, 3)
	for _, c := range job.Channels {
		st := snap.States[c]
		assert.Equal(t, domain.StatusRunning, st.Status)
		assert.Equal(t, domain.StageOpenEntry, st.Stage)
		assert.NotEmpty(t, st.Worker)
	}
}

func TestStartJob_Validation(t *testing.T) {
	fx := newFixture(t, OrchestratorConfig{})
	ctx := context.Background()

	cases := []struct {
		name    string
		mutate  func(*domain.Article)
		chans   []domain.ChannelID
		action  domain.Action
	}{
		{"missing title", func(a *domain.Article) { a.Title = "" }, []domain.ChannelID{domain.ChannelMedium}, domain.ActionPublish},
		{"missing content", func(a *domain.Article) { a.ContentHTML = "" }, []domain.ChannelID{domain.ChannelMedium}, domain.ActionPublish},
		{"missing source url", func(a *domain.Article) { a.SourceURL = "" }, []domain.ChannelID{domain.ChannelMedium}, domain.ActionPublish},
		{"no channels", func(*domain.Article) {}, nil, domain.ActionPublish},
		{"bad action", func(*domain.Article) {}, []domain.ChannelID{domain.ChannelMedium}, domain.Action("yeet")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			article := validArticle()
			tc.mutate(&article)
			_, err := fx.orch.StartJob(ctx, tc.action, "", tc.chans, article, "client-1")
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	// No job may exist after rejected starts.
	jobs, err := fx.orch.Jobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestStartJob_SpawnFailureIsolated(t *testing.T) {
	fx := newFixture(t, OrchestratorConfig{})
	fx.launcher.failFor[domain.ChannelDevto] = fmt.Errorf("image missing")

	_, snap, _, unsub := fx.start(t, domain.ChannelMedium, domain.ChannelDevto)
	defer unsub()

	assert.Equal(t, domain.StatusRunning, snap.States[domain.ChannelMedium].Status)

	failed := snap.States[domain.ChannelDevto]
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Contains(t, failed.DevDetails, "image missing")
	assert.Empty(t, failed.Worker)
}

func TestChannelUpdate_MergeAndIsolation(t *testing.T) {
	fx := newFixture(t, OrchestratorConfig{})
	ctx := context.Background()

	job, snap, _, unsub := fx.start(t, domain.ChannelMedium, domain.ChannelDevto)
	defer unsub()
	before := snap.States[domain.ChannelDevto]

	failed := domain.StatusFailed
	msg := "login expired"
	err := fx.orch.ChannelUpdate(ctx, job.ID, domain.ChannelMedium, "worker-medium", domain.ChannelPatch{
		Status:      &failed,
		UserMessage: &msg,
	})
	require.NoError(t, err)

	after, err := fx.orch.Snapshot(ctx, job.ID)
	require.NoError(t, err)

	st := after.States[domain.ChannelMedium]
	assert.Equal(t, domain.StatusFailed, st.Status)
	assert.Equal(t, "login expired", st.UserMessage)
	// Unpatched fields keep their previous values.
	assert.Equal(t, domain.StageOpenEntry, st.Stage)
	// The sibling channel is untouched.
	assert.Equal(t, before, after.States[domain.ChannelDevto])
}

func TestChannelUpdate_UnknownJobAndChannel(t *testing.T) {
	fx := newFixture(t, OrchestratorConfig{})
	ctx := context.Background()

	err := fx.orch.ChannelUpdate(ctx, "nope", domain.ChannelMedium, "", domain.ChannelPatch{})
	require.ErrorIs(t, err, domain.ErrJobNotFound)

	job, _, _, unsub := fx.start(t, domain.ChannelMedium)
	defer unsub()

	err = fx.orch.ChannelUpdate(ctx, job.ID, domain.ChannelGhost, "", domain.ChannelPatch{})
	require.ErrorIs(t, err, domain.ErrChannelNotFound)
}

func TestRequestStop_Idempotent(t *testing.T) {
	fx := newFixture(t, OrchestratorConfig{})
	ctx := context.Background()

	job, _, _, unsub := fx.start(t, domain.ChannelMedium, domain.ChannelDevto)
	defer unsub()

	require.NoError(t, fx.orch.RequestStop(ctx, job.ID))
	first, err := fx.orch.Snapshot(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, first.StoppedAt)

	// Every channel's last known worker got a stop signal.
	sigs := fx.signaler.signals()
	assert.Len(t, sigs, 2)
	for _, s := range sigs {
		assert.Equal(t, domain.SignalStop, s.sig)
	}

	require.NoError(t, fx.orch.RequestStop(ctx, job.ID))
	second, err := fx.orch.Snapshot(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, first.StoppedAt, second.StoppedAt)
	assert.Len(t, fx.signaler.signals(), 2, "second stop must not re-signal")
}

func TestRequestStop_SignalFailureDoesNotFailStop(t *testing.T) {
	fx := newFixture(t, OrchestratorConfig{})
	ctx := context.Background()

	job, _, _, unsub := fx.start(t, domain.ChannelMedium)
	defer unsub()

	fx.signaler.err = fmt.Errorf("broker gone")
	require.NoError(t, fx.orch.RequestStop(ctx, job.ID))

	snap, err := fx.orch.Snapshot(ctx, job.ID)
	require.NoError(t, err)
	assert.NotNil(t, snap.StoppedAt)
}

// TestRequestStop_DuringSpawn covers a stop arriving while worker spawns are
// still in flight: the settled launch must not mutate or re-persist the
// stopped job's state, and the late-spawned worker must still receive its
// stop signal.
func TestRequestStop_DuringSpawn(t *testing.T) {
	fx := newFixture(t, OrchestratorConfig{})
	ctx := context.Background()

	gate := make(chan struct{})
	fx.launcher.gate = gate

	job, err := fx.orch.StartJob(ctx, domain.ActionPublish, "",
		[]domain.ChannelID{domain.ChannelMedium}, validArticle(), "client-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fx.launcher.inFlight() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, fx.orch.RequestStop(ctx, job.ID))
	close(gate)

	// The worker that finished spawning after the stop still gets stopped.
	require.Eventually(t, func() bool {
		for _, s := range fx.signaler.signals() {
			if s.sig == domain.SignalStop && s.handle == "worker-medium" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	snap, err := fx.orch.Snapshot(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, snap.StoppedAt)
	assert.Equal(t, domain.StatusNotStarted, snap.States[domain.ChannelMedium].Status)
	assert.Empty(t, snap.States[domain.ChannelMedium].Worker)

	// The persisted state was not overwritten by the settled launch.
	stored, err := fx.store.GetState(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNotStarted, stored[domain.ChannelMedium].Status)
}

func TestFlush_StaleSnapshotDropped(t *testing.T) {
	fx := newFixture(t, OrchestratorConfig{})
	ctx := context.Background()

	job, snap, _, unsub := fx.start(t, domain.ChannelMedium)
	defer unsub()

	e, err := fx.orch.entry(ctx, job.ID)
	require.NoError(t, err)

	newer := snap
	newer.States = snap.States.Clone()
	st := newer.States[domain.ChannelMedium]
	st.Status = domain.StatusSuccess
	newer.States[domain.ChannelMedium] = st

	fx.orch.flush(ctx, e, 10, newer, nil)
	fx.orch.flush(ctx, e, 9, snap, nil) // out of order, must be dropped

	stored, err := fx.store.GetState(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, stored[domain.ChannelMedium].Status)
}

func TestChannelUpdate_AfterStopIsDiscarded(t *testing.T) {
	fx := newFixture(t, OrchestratorConfig{})
	ctx := context.Background()

	job, snap, _, unsub := fx.start(t, domain.ChannelMedium, domain.ChannelDevto)
	defer unsub()
	require.NoError(t, fx.orch.RequestStop(ctx, job.ID))

	success := domain.StatusSuccess
	err := fx.orch.ChannelUpdate(ctx, job.ID, domain.ChannelDevto, "worker-devto", domain.ChannelPatch{Status: &success})
	require.NoError(t, err, "post-stop update must be acknowledged")

	after, err := fx.orch.Snapshot(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.States[domain.ChannelDevto], after.States[domain.ChannelDevto],
		"post-stop update must not mutate stored state")
}

func TestForward_Errors(t *testing.T) {
	fx := newFixture(t, OrchestratorConfig{})
	ctx := context.Background()

	// A channel whose spawn failed has no worker handle to route to.
	fx.launcher.failFor[domain.ChannelDevto] = fmt.Errorf("spawn refused")
	job, _, _, unsub := fx.start(t, domain.ChannelMedium, domain.ChannelDevto)
	defer unsub()

	err := fx.orch.RequestRetry(ctx, job.ID, domain.ChannelDevto)
	require.ErrorIs(t, err, domain.ErrWorkerNotFound)
	assert.Empty(t, fx.signaler.signals(), "no delivery without a handle")

	require.NoError(t, fx.orch.RequestContinue(ctx, job.ID, domain.ChannelMedium))
	sigs := fx.signaler.signals()
	require.Len(t, sigs, 1)
	assert.Equal(t, domain.SignalContinue, sigs[0].sig)
	assert.Equal(t, domain.WorkerHandle("worker-medium"), sigs[0].handle)

	require.NoError(t, fx.orch.RequestStop(ctx, job.ID))
	err = fx.orch.RequestRetry(ctx, job.ID, domain.ChannelMedium)
	require.ErrorIs(t, err, domain.ErrJobStopped)
}

func TestGetContext(t *testing.T) {
	fx := newFixture(t, OrchestratorConfig{})
	ctx := context.Background()

	job, _, _, unsub := fx.start(t, domain.ChannelMedium)
	defer unsub()

	got, channel, err := fx.orch.GetContext(ctx, "worker-medium")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, domain.ChannelMedium, channel)

	_, _, err = fx.orch.GetContext(ctx, "never-seen")
	require.ErrorIs(t, err, domain.ErrWorkerNotFound)
}

func TestCapacityEviction_DropsOldest(t *testing.T) {
	fx := newFixture(t, OrchestratorConfig{MaxJobs: 1})
	ctx := context.Background()

	base := time.Now()
	fx.orch.now = func() time.Time { return base }
	first, _, _, unsub1 := fx.start(t, domain.ChannelMedium)
	unsub1()

	fx.orch.now = func() time.Time { return base.Add(time.Minute) }
	second, _, _, unsub2 := fx.start(t, domain.ChannelDevto)
	defer unsub2()

	_, err := fx.orch.Snapshot(ctx, first.ID)
	require.ErrorIs(t, err, domain.ErrJobNotFound)

	_, err = fx.orch.Snapshot(ctx, second.ID)
	require.NoError(t, err)
}

func TestSweepExpired(t *testing.T) {
	fx := newFixture(t, OrchestratorConfig{})
	ctx := context.Background()

	created := time.Now()
	fx.orch.now = func() time.Time { return created }
	job, _, _, unsub := fx.start(t, domain.ChannelMedium)
	defer unsub()

	// One second past the TTL boundary.
	removed, err := fx.orch.SweepExpired(ctx, created.Add(24*time.Hour+time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = fx.orch.Snapshot(ctx, job.ID)
	require.ErrorIs(t, err, domain.ErrJobNotFound)

	_, _, err = fx.orch.GetContext(ctx, "worker-medium")
	require.ErrorIs(t, err, domain.ErrWorkerNotFound)
}

func TestRehydration_AfterCacheLoss(t *testing.T) {
	fx := newFixture(t, OrchestratorConfig{})
	ctx := context.Background()

	job, snap, _, unsub := fx.start(t, domain.ChannelMedium)
	unsub()

	// Fresh orchestrator over the same store, as after a kernel restart.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	reborn := NewOrchestrator(logger, fx.store, fx.launcher, fx.signaler, NewEventBus(logger), OrchestratorConfig{})

	// Context resolution is the first call after restart: the registry must
	// rebuild itself from stored worker handles without any prior touch.
	resolved, channel, err := reborn.GetContext(ctx, "worker-medium")
	require.NoError(t, err)
	assert.Equal(t, job.ID, resolved.ID)
	assert.Equal(t, domain.ChannelMedium, channel)

	got, err := reborn.Snapshot(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.States, got.States)

	_, _, err = reborn.GetContext(ctx, "never-seen")
	require.ErrorIs(t, err, domain.ErrWorkerNotFound)
}

// TestEndToEndScenario walks the full flow: start, a worker parking in
// waiting_user, stop, and a late straggler update.
func TestEndToEndScenario(t *testing.T) {
	fx := newFixture(t, OrchestratorConfig{})
	ctx := context.Background()

	job, snap, events, unsub := fx.start(t, domain.ChannelMedium, domain.ChannelDevto)
	defer unsub()

	require.Len(t, snap.States, 2)
	assert.Equal(t, domain.StatusRunning, snap.States[domain.ChannelMedium].Status)
	assert.Equal(t, domain.StatusRunning, snap.States[domain.ChannelDevto].Status)

	waiting := domain.StatusWaitingUser
	stage := domain.StageWaitingUser
	require.NoError(t, fx.orch.ChannelUpdate(ctx, job.ID, domain.ChannelMedium, "worker-medium",
		domain.ChannelPatch{Status: &waiting, Stage: &stage}))

	var mid domain.JobSnapshot
	select {
	case evt := <-events:
		require.NoError(t, json.Unmarshal(evt.Data, &mid))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update broadcast")
	}
	assert.Equal(t, domain.StatusWaitingUser, mid.States[domain.ChannelMedium].Status)
	assert.Equal(t, domain.StatusRunning, mid.States[domain.ChannelDevto].Status)

	require.NoError(t, fx.orch.RequestStop(ctx, job.ID))
	var stopped domain.JobSnapshot
	select {
	case evt := <-events:
		require.NoError(t, json.Unmarshal(evt.Data, &stopped))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stop broadcast")
	}
	require.NotNil(t, stopped.StoppedAt)

	success := domain.StatusSuccess
	require.NoError(t, fx.orch.ChannelUpdate(ctx, job.ID, domain.ChannelDevto, "worker-devto",
		domain.ChannelPatch{Status: &success}))

	final, err := fx.orch.Snapshot(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, final.States[domain.ChannelDevto].Status,
		"straggler update after stop keeps the pre-stop value")
}
