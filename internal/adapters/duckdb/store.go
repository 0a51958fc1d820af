package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/mlett/crossport/internal/core/domain"
	"github.com/mlett/crossport/internal/core/ports"
)

// Store persists jobs and their channel state maps in an embedded DuckDB
// database. One row per job in each table, matching the two logical records
// job:<id> and state:<id>.
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

var _ ports.JobStore = (*Store)(nil)

func NewStore(path string, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	s := &Store{db: db, ttl: ttl}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id        VARCHAR PRIMARY KEY,
			action        VARCHAR NOT NULL,
			article       VARCHAR NOT NULL,
			channels      VARCHAR NOT NULL,
			focus_channel VARCHAR,
			client_id     VARCHAR,
			created_at    TIMESTAMP NOT NULL,
			stopped_at    TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS channel_states (
			job_id VARCHAR PRIMARY KEY,
			states VARCHAR NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) SaveJob(ctx context.Context, job domain.Job) error {
	articleJSON, err := json.Marshal(job.Article)
	if err != nil {
		return fmt.Errorf("marshal article: %w", err)
	}
	channelsJSON, err := json.Marshal(job.Channels)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}

	query := `
	INSERT INTO jobs (job_id, action, article, channels, focus_channel, client_id, created_at, stopped_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (job_id) DO UPDATE SET
		stopped_at = excluded.stopped_at;
	`
	_, err = s.db.ExecContext(ctx, query,
		string(job.ID), string(job.Action), string(articleJSON), string(channelsJSON),
		string(job.FocusChannel), string(job.ClientID), job.CreatedAt, job.StoppedAt,
	)
	return err
}

func (s *Store) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	query := `SELECT job_id, action, article, channels, focus_channel, client_id, created_at, stopped_at
	          FROM jobs WHERE job_id = ?`
	row := s.db.QueryRowContext(ctx, query, string(id))

	var (
		job          domain.Job
		jobID        string
		action       string
		articleJSON  string
		channelsJSON string
		focus        string
		clientID     string
		stoppedAt    *time.Time
	)
	if err := row.Scan(&jobID, &action, &articleJSON, &channelsJSON, &focus, &clientID, &job.CreatedAt, &stoppedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, domain.ErrJobNotFound
		}
		return domain.Job{}, err
	}

	job.ID = domain.JobID(jobID)
	job.Action = domain.Action(action)
	job.FocusChannel = domain.ChannelID(focus)
	job.ClientID = domain.ClientID(clientID)
	job.StoppedAt = stoppedAt
	if err := json.Unmarshal([]byte(articleJSON), &job.Article); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal article for job %s: %w", jobID, err)
	}
	if err := json.Unmarshal([]byte(channelsJSON), &job.Channels); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal channels for job %s: %w", jobID, err)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context) ([]domain.Job, error) {
	query := `SELECT job_id, action, article, channels, focus_channel, client_id, created_at, stopped_at
	          FROM jobs ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var (
			job          domain.Job
			jobID        string
			action       string
			articleJSON  string
			channelsJSON string
			focus        string
			clientID     string
			stoppedAt    *time.Time
		)
		if err := rows.Scan(&jobID, &action, &articleJSON, &channelsJSON, &focus, &clientID, &job.CreatedAt, &stoppedAt); err != nil {
			return nil, err
		}
		job.ID = domain.JobID(jobID)
		job.Action = domain.Action(action)
		job.FocusChannel = domain.ChannelID(focus)
		job.ClientID = domain.ClientID(clientID)
		job.StoppedAt = stoppedAt
		if err := json.Unmarshal([]byte(articleJSON), &job.Article); err != nil {
			return nil, fmt.Errorf("unmarshal article for job %s: %w", jobID, err)
		}
		if err := json.Unmarshal([]byte(channelsJSON), &job.Channels); err != nil {
			return nil, fmt.Errorf("unmarshal channels for job %s: %w", jobID, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) SaveState(ctx context.Context, id domain.JobID, states domain.StateMap) error {
	statesJSON, err := json.Marshal(states)
	if err != nil {
		return fmt.Errorf("marshal states: %w", err)
	}
	query := `
	INSERT INTO channel_states (job_id, states) VALUES (?, ?)
	ON CONFLICT (job_id) DO UPDATE SET states = excluded.states;
	`
	_, err = s.db.ExecContext(ctx, query, string(id), string(statesJSON))
	return err
}

func (s *Store) GetState(ctx context.Context, id domain.JobID) (domain.StateMap, error) {
	row := s.db.QueryRowContext(ctx, `SELECT states FROM channel_states WHERE job_id = ?`, string(id))

	var statesJSON string
	if err := row.Scan(&statesJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}
	var states domain.StateMap
	if err := json.Unmarshal([]byte(statesJSON), &states); err != nil {
		return nil, fmt.Errorf("unmarshal states for job %s: %w", id, err)
	}
	return states, nil
}

func (s *Store) DeleteJob(ctx context.Context, id domain.JobID) error {
	return s.deletePairs(ctx, []domain.JobID{id})
}

// Sweep removes every job whose age relative to now exceeds the store TTL,
// along with its state record, and returns the removed IDs. It also reclaims
// state rows whose job row is gone: a state write racing an eviction of the
// same job can land after the pair delete and would otherwise persist forever.
func (s *Store) Sweep(ctx context.Context, now time.Time) ([]domain.JobID, error) {
	cutoff := now.Add(-s.ttl)
	rows, err := s.db.QueryContext(ctx, `SELECT job_id FROM jobs WHERE created_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	expired, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		if err := s.deletePairs(ctx, expired); err != nil {
			return nil, err
		}
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM channel_states WHERE job_id NOT IN (SELECT job_id FROM jobs)`); err != nil {
		return nil, fmt.Errorf("reclaim orphan states: %w", err)
	}
	if len(expired) == 0 {
		return nil, nil
	}
	return expired, nil
}

// EnforceCapacity deletes oldest-first until at most maxJobs remain. The
// 21st job creation with a cap of 20 evicts exactly the oldest one.
func (s *Store) EnforceCapacity(ctx context.Context, maxJobs int) ([]domain.JobID, error) {
	if maxJobs <= 0 {
		return nil, nil
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&total); err != nil {
		return nil, err
	}
	overflow := total - maxJobs
	if overflow <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id FROM jobs ORDER BY created_at ASC LIMIT ?`, overflow)
	if err != nil {
		return nil, err
	}
	evicted, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}
	if err := s.deletePairs(ctx, evicted); err != nil {
		return nil, err
	}
	return evicted, nil
}

// deletePairs removes job and state rows in one transaction so a concurrent
// reader never observes a half-deleted job.
func (s *Store) deletePairs(ctx context.Context, ids []domain.JobID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, string(id)); err != nil {
			return fmt.Errorf("delete job %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM channel_states WHERE job_id = ?`, string(id)); err != nil {
			return fmt.Errorf("delete state %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func collectIDs(rows *sql.Rows) ([]domain.JobID, error) {
	defer rows.Close()
	var ids []domain.JobID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, domain.JobID(id))
	}
	return ids, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
