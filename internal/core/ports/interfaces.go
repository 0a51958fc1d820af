package ports

import (
	"context"
	"time"

	"github.com/mlett/crossport/internal/core/domain"
)

// JobStore abstracts the persistent storage (DuckDB). Two logical records
// exist per job: the Job itself and its channel state map.
type JobStore interface {
	SaveJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)
	ListJobs(ctx context.Context) ([]domain.Job, error)

	SaveState(ctx context.Context, id domain.JobID, states domain.StateMap) error
	GetState(ctx context.Context, id domain.JobID) (domain.StateMap, error)

	// DeleteJob removes both records for the job.
	DeleteJob(ctx context.Context, id domain.JobID) error

	// Sweep deletes every job (and its state) older than the store's TTL
	// relative to now, returning the removed job IDs.
	Sweep(ctx context.Context, now time.Time) ([]domain.JobID, error)

	// EnforceCapacity deletes oldest-by-creation jobs until at most maxJobs
	// remain, returning the evicted job IDs. The cap is hard: the caller
	// invokes this after every job creation.
	EnforceCapacity(ctx context.Context, maxJobs int) ([]domain.JobID, error)

	Close() error
}

// WorkerLauncher spawns one automation worker per (job, channel). How the
// worker drives the target platform is opaque to the kernel; the launcher
// only hands back a handle for routing.
type WorkerLauncher interface {
	Launch(ctx context.Context, job domain.Job, channel domain.ChannelID) (domain.WorkerHandle, error)

	// CleanupOrphans removes workers left behind by a previous kernel run.
	CleanupOrphans(ctx context.Context) error

	Close() error
}

// WorkerSignaler forwards a control signal to a spawned worker. Delivery is
// addressed by worker handle and carries no state; the worker reacts by
// calling back into the kernel.
type WorkerSignaler interface {
	Signal(ctx context.Context, handle domain.WorkerHandle, sig domain.Signal) error
	Close() error
}
