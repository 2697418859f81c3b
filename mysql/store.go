package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/olivere/taskqueue"
	"github.com/olivere/taskqueue/mysql/internal"
)

const (
	mysqlSchema = `CREATE TABLE IF NOT EXISTS taskqueue_jobs (
id varchar(36) primary key,
type varchar(255),
state varchar(30),
payload mediumblob,
priority int,
retry integer,
max_retry integer,
created bigint,
scheduled bigint,
started bigint,
completed bigint,
last_error text,
index ix_jobs_type (type),
index ix_jobs_state (state),
index ix_jobs_state_priority_scheduled (state, priority, scheduled),
index ix_jobs_created (created));`

	jobsTable = "taskqueue_jobs"
)

var jobColumns = []string{
	"id", "type", "state", "payload", "priority", "retry", "max_retry",
	"created", "scheduled", "started", "completed", "last_error",
}

// Store represents a persistent MySQL storage implementation.
// It implements the taskqueue.Store interface.
//
// Dequeue relies on SELECT ... FOR UPDATE inside a transaction for
// exclusive ownership of in-flight jobs, so no two workers (or queue
// processes sharing the database) ever pick up the same job.
type Store struct {
	db    *sql.DB
	nowFn func() time.Time
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore initializes a new MySQL-based storage.
func NewStore(url string, options ...StoreOption) (*Store, error) {
	st := &Store{
		nowFn: time.Now,
	}
	for _, opt := range options {
		opt(st)
	}
	cfg, err := mysqldriver.ParseDSN(url)
	if err != nil {
		return nil, err
	}
	dbname := cfg.DBName
	if dbname == "" {
		return nil, errors.New("no database specified")
	}
	// First connect without DB name
	cfg.DBName = ""
	setupdb, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	defer setupdb.Close()
	// Create database
	_, err = setupdb.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname))
	if err != nil {
		return nil, err
	}

	// Now connect again, this time with the db name
	st.db, err = sql.Open("mysql", url)
	if err != nil {
		return nil, err
	}

	// Create schema
	_, err = st.db.Exec(mysqlSchema)
	if err != nil {
		return nil, err
	}

	return st, nil
}

func (s *Store) wrapError(err error) error {
	if internal.IsNotFound(err) {
		return taskqueue.ErrNotFound
	}
	return err
}

func (s *Store) runWithRetry(ctx context.Context, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return internal.RunWithRetryBackoff(ctx, s.db, fn, internal.IsDeadlock, b)
}

// Start is called when the manager starts up.
// Jobs left InFlight by a crashed worker of a previous run are moved
// back to Pending so they become dequeuable again (at-least-once
// delivery; handlers must be idempotent).
func (s *Store) Start(ctx context.Context) error {
	// TODO This races if two or more queue processes start on the same
	// database at once; run recovery from a single instance.
	query, args, err := sq.Update(jobsTable).
		Set("state", taskqueue.Pending).
		Where(sq.Eq{"state": taskqueue.InFlight}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return s.wrapError(err)
}

// Enqueue adds a new job to the partition for its priority. Inserting
// a job whose ID already exists is a no-op success, which makes
// scheduler ticks idempotent.
func (s *Store) Enqueue(ctx context.Context, job *taskqueue.Job) error {
	query, args, err := sq.Insert(jobsTable).
		Columns(jobColumns...).
		Values(
			job.ID, job.Type, job.State, job.Payload, int(job.Priority),
			job.Retry, job.MaxRetry, job.Created, job.Scheduled,
			job.Started, job.Completed, job.LastError,
		).
		ToSql()
	if err != nil {
		return err
	}
	return s.runWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		if internal.IsDup(err) {
			return nil
		}
		return s.wrapError(err)
	})
}

// Dequeue picks the next eligible job, highest priority first and FIFO
// within a priority, and marks it InFlight.
func (s *Store) Dequeue(ctx context.Context) (*taskqueue.Job, error) {
	var job *taskqueue.Job
	err := internal.RunInTxWithRetry(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		query, args, err := sq.Select(jobColumns...).
			From(jobsTable).
			Where(sq.Eq{"state": taskqueue.Pending}).
			Where(sq.LtOrEq{"scheduled": s.nowFn().UnixNano()}).
			OrderBy("priority ASC", "created ASC").
			Limit(1).
			Suffix("FOR UPDATE").
			ToSql()
		if err != nil {
			return err
		}
		j, err := scanJob(tx.QueryRowContext(ctx, query, args...))
		if err != nil {
			return s.wrapError(err)
		}

		j.State = taskqueue.InFlight
		j.Started = s.nowFn().UnixNano()
		query, args, err = sq.Update(jobsTable).
			Set("state", j.State).
			Set("started", j.Started).
			Where(sq.Eq{"id": j.ID}).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return s.wrapError(err)
		}
		job = j
		return nil
	}, internal.IsDeadlock)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Ack marks the job as Completed. The record is retained for Lookup.
func (s *Store) Ack(ctx context.Context, id string) error {
	query, args, err := sq.Update(jobsTable).
		Set("state", taskqueue.Completed).
		Set("completed", s.nowFn().UnixNano()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	return s.runWithRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return s.wrapError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return taskqueue.ErrNotFound
		}
		return nil
	})
}

// Requeue puts a failed job back into its priority partition for a
// retry. Priority is never changed here.
func (s *Store) Requeue(ctx context.Context, job *taskqueue.Job) error {
	job.State = taskqueue.Pending
	query, args, err := sq.Update(jobsTable).
		Set("state", job.State).
		Set("retry", job.Retry).
		Set("scheduled", job.Scheduled).
		Set("last_error", job.LastError).
		Where(sq.Eq{"id": job.ID}).
		ToSql()
	if err != nil {
		return err
	}
	return s.runWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return s.wrapError(err)
	})
}

// DeadLetter moves the job to the dead-letter partition. Terminal.
func (s *Store) DeadLetter(ctx context.Context, job *taskqueue.Job, reason string) error {
	job.State = taskqueue.DeadLetter
	job.LastError = reason
	job.Completed = s.nowFn().UnixNano()
	query, args, err := sq.Update(jobsTable).
		Set("state", job.State).
		Set("last_error", job.LastError).
		Set("completed", job.Completed).
		Where(sq.Eq{"id": job.ID}).
		ToSql()
	if err != nil {
		return err
	}
	return s.runWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return s.wrapError(err)
	})
}

// RequeueDeadLetter moves a dead-lettered job back into its priority
// partition with a fresh retry budget.
func (s *Store) RequeueDeadLetter(ctx context.Context, id string) error {
	query, args, err := sq.Update(jobsTable).
		Set("state", taskqueue.Pending).
		Set("retry", 0).
		Set("scheduled", s.nowFn().UnixNano()).
		Set("completed", 0).
		Where(sq.Eq{"id": id, "state": taskqueue.DeadLetter}).
		ToSql()
	if err != nil {
		return err
	}
	return s.runWithRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return s.wrapError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return taskqueue.ErrNotFound
		}
		return nil
	})
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*taskqueue.Job, error) {
	query, args, err := sq.Select(jobColumns...).
		From(jobsTable).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, s.wrapError(err)
	}
	return job, nil
}

// DeadLetters lists dead-lettered jobs, most recently failed first.
func (s *Store) DeadLetters(ctx context.Context, request *taskqueue.ListRequest) (*taskqueue.ListResponse, error) {
	rsp := &taskqueue.ListResponse{}

	// Count
	count := sq.Select("COUNT(*)").
		From(jobsTable).
		Where(sq.Eq{"state": taskqueue.DeadLetter})
	if request.Type != "" {
		count = count.Where(sq.Eq{"type": request.Type})
	}
	query, args, err := count.ToSql()
	if err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&rsp.Total); err != nil {
		return nil, s.wrapError(err)
	}

	// Find
	find := sq.Select(jobColumns...).
		From(jobsTable).
		Where(sq.Eq{"state": taskqueue.DeadLetter}).
		OrderBy("completed DESC")
	if request.Type != "" {
		find = find.Where(sq.Eq{"type": request.Type})
	}
	if request.Offset > 0 {
		find = find.Offset(uint64(request.Offset))
	}
	if request.Limit > 0 {
		find = find.Limit(uint64(request.Limit))
	}
	query, args, err = find.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer rows.Close()
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, s.wrapError(err)
		}
		rsp.Jobs = append(rsp.Jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrapError(err)
	}
	return rsp, nil
}

// Stats returns statistics about the jobs in the store.
func (s *Store) Stats(ctx context.Context) (*taskqueue.Stats, error) {
	stats := &taskqueue.Stats{
		Pending: make(map[string]int),
	}
	for _, prio := range taskqueue.Priorities {
		stats.Pending[prio.String()] = 0
	}

	// Queue depth per priority
	query, args, err := sq.Select("priority", "COUNT(*)").
		From(jobsTable).
		Where(sq.Eq{"state": taskqueue.Pending}).
		GroupBy("priority").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var prio, count int
		if err := rows.Scan(&prio, &count); err != nil {
			return nil, err
		}
		stats.Pending[taskqueue.Priority(prio).String()] = count
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrapError(err)
	}

	countByState := func(state string) (int, error) {
		query, args, err := sq.Select("COUNT(*)").
			From(jobsTable).
			Where(sq.Eq{"state": state}).
			ToSql()
		if err != nil {
			return 0, err
		}
		var n int
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
			return 0, s.wrapError(err)
		}
		return n, nil
	}
	if stats.InFlight, err = countByState(taskqueue.InFlight); err != nil {
		return nil, err
	}
	if stats.Completed, err = countByState(taskqueue.Completed); err != nil {
		return nil, err
	}
	if stats.DeadLetters, err = countByState(taskqueue.DeadLetter); err != nil {
		return nil, err
	}
	return stats, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*taskqueue.Job, error) {
	var (
		job       taskqueue.Job
		priority  int
		payload   []byte
		lastError sql.NullString
	)
	err := row.Scan(
		&job.ID, &job.Type, &job.State, &payload, &priority, &job.Retry,
		&job.MaxRetry, &job.Created, &job.Scheduled, &job.Started,
		&job.Completed, &lastError,
	)
	if err != nil {
		return nil, err
	}
	job.Priority = taskqueue.Priority(priority)
	job.Payload = payload
	job.LastError = lastError.String
	return &job, nil
}
