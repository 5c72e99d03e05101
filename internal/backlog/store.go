// Package backlog implements the durable, transactional task store: atomic
// lease/claim, crash recovery, and identity-based deduplication. All writes
// are funneled through the *sql.DB's single open connection (SetMaxOpenConns(1)),
// which gives us the "single writer" discipline the spec requires without a
// separate writer goroutine/channel — SQLite itself serializes the writes,
// and WAL mode lets concurrent reads proceed against the read-only queries.
package backlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gardenerd/gardenerd/internal/bus"
	"github.com/gardenerd/gardenerd/internal/identity"
	"github.com/gardenerd/gardenerd/internal/priority"
	"github.com/gardenerd/gardenerd/internal/safety"
	_ "github.com/mattn/go-sqlite3"
)

// sanitizer screens incoming task details for prompt-injection attempts
// before they can reach an agent prompt — task text can originate from an
// untrusted external source (an imported GitHub issue or PR body).
var sanitizer = safety.NewSanitizer()

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "gardenerd-v1-task-backlog"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	defaultMaxAttempts = 10
)

// Status is the task's position in the lease lifecycle.
type Status string

const (
	StatusReady      Status = "ready"
	StatusLeased     Status = "leased"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusUnresolved Status = "unresolved"
)

// Kind is the task category; it drives the FSM's skip-planning decision
// (see internal/fsm).
type Kind string

const (
	KindFeature       Kind = "feature"
	KindBugfix        Kind = "bugfix"
	KindMaintenance   Kind = "maintenance"
	KindInfra         Kind = "infra"
	KindQualityGap    Kind = "quality_gap"
	KindMergeConflict Kind = "merge_conflict"
	KindPRCollision   Kind = "pr_collision"
)

// ErrOwnershipMismatch is returned by any mark_*/refresh_lease call whose
// owner does not match the row's current lease_owner — a local-recoverable
// error per the spec's Store error class.
var ErrOwnershipMismatch = errors.New("backlog: lease owner mismatch")

// ErrNotFound is returned when an operation targets a task_id that does not exist.
var ErrNotFound = errors.New("backlog: task not found")

// ErrInjectionBlocked is returned by Upsert when a task's details trip a
// prompt-injection pattern the sanitizer treats as block-worthy.
var ErrInjectionBlocked = errors.New("backlog: task details blocked by sanitizer")

// NewTask is the input to Upsert.
type NewTask struct {
	Kind          Kind
	Title         string
	Details       string
	Rationale     string
	ScopeKey      string
	Priority      priority.Priority
	Source        string
	RelatedPR     *int
	RelatedBranch *string
}

// Task is one backlog row.
type Task struct {
	TaskID         string
	Kind           Kind
	Title          string
	Details        string
	Rationale      string
	ScopeKey       string
	Priority       priority.Priority
	Status         Status
	LastUpdatedNs  int64
	LeaseOwner     string
	LeaseExpiresNs int64 // 0 means null
	Source         string
	RelatedPR      *int
	RelatedBranch  *string
	AttemptCount   int
	CreatedAtNs    int64
}

// Store is the embedded transactional backlog. All writes share the sole
// writable SQLite connection (enforced via SetMaxOpenConns(1)); Store never
// exposes the *sql.DB so callers cannot bypass that discipline.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil
}

// DefaultDBPath returns the default location for the backlog database.
func DefaultDBPath(stateDir string) string {
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = "."
		}
		stateDir = filepath.Join(home, ".gardenerd")
	}
	return filepath.Join(stateDir, "backlog.db")
}

// Open opens (creating and migrating if needed) the backlog database at path.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath("")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create backlog directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: eventBus}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version  INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL
		);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("backlog: db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksumLatest {
			return fmt.Errorf("backlog: schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existing, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			task_id           TEXT PRIMARY KEY,
			kind              TEXT NOT NULL,
			title             TEXT NOT NULL,
			details           TEXT NOT NULL DEFAULT '',
			rationale         TEXT NOT NULL DEFAULT '',
			scope_key         TEXT NOT NULL,
			priority          TEXT NOT NULL,
			status            TEXT NOT NULL,
			last_updated_ns   INTEGER NOT NULL,
			lease_owner       TEXT,
			lease_expires_ns  INTEGER,
			source            TEXT NOT NULL DEFAULT '',
			related_pr        INTEGER,
			related_branch    TEXT,
			attempt_count     INTEGER NOT NULL DEFAULT 0,
			created_at_ns     INTEGER NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_tasks_claim_order
		ON tasks (status, priority, last_updated_ns, created_at_ns);
	`); err != nil {
		return fmt.Errorf("create claim order index: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_log (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id       TEXT NOT NULL,
			kind          TEXT NOT NULL,
			decision      TEXT NOT NULL,
			reason        TEXT NOT NULL DEFAULT '',
			created_at_ns INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		return fmt.Errorf("create audit_log table: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

// retryOnBusy retries f while SQLite reports BUSY/LOCKED, with exponential
// backoff and jitter, up to maxRetries additional attempts.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func nowNs(t time.Time) int64 { return t.UTC().UnixNano() }

// Upsert computes the task's identity hash and either inserts a new ready
// row or, for an existing row, upgrades its priority to the higher-severity
// of the two and touches last_updated_ns. It never creates a duplicate row
// for an equal identity.
func (s *Store) Upsert(ctx context.Context, in NewTask) (string, error) {
	if !priority.Valid(in.Priority) {
		return "", fmt.Errorf("backlog: invalid priority %q", in.Priority)
	}
	if check := sanitizer.Check(in.Details); check.Action == safety.ActionBlock {
		return "", fmt.Errorf("%w: %s", ErrInjectionBlocked, check.Reason)
	}

	taskID := identity.Hash(identity.Fields{
		Kind:            string(in.Kind),
		NormalizedTitle: in.Title,
		ScopeKey:        in.ScopeKey,
		RelatedPR:       in.RelatedPR,
		RelatedBranch:   in.RelatedBranch,
	})

	var resultID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin upsert tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var existingPriority string
		err = tx.QueryRowContext(ctx, `SELECT priority FROM tasks WHERE task_id = ?;`, taskID).Scan(&existingPriority)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			now := nowNs(time.Now())
			relatedPR := sql.NullInt64{}
			if in.RelatedPR != nil {
				relatedPR = sql.NullInt64{Int64: int64(*in.RelatedPR), Valid: true}
			}
			relatedBranch := sql.NullString{}
			if in.RelatedBranch != nil {
				relatedBranch = sql.NullString{String: *in.RelatedBranch, Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (
					task_id, kind, title, details, rationale, scope_key, priority, status,
					last_updated_ns, source, related_pr, related_branch, attempt_count, created_at_ns
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?);
			`, taskID, string(in.Kind), in.Title, in.Details, in.Rationale, in.ScopeKey, string(in.Priority),
				string(StatusReady), now, in.Source, relatedPR, relatedBranch, now); err != nil {
				return fmt.Errorf("insert task: %w", err)
			}
		case err != nil:
			return fmt.Errorf("read existing priority: %w", err)
		default:
			upgraded := priority.Max(priority.Priority(existingPriority), in.Priority)
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET priority = ?, last_updated_ns = ? WHERE task_id = ?;
			`, string(upgraded), nowNs(time.Now()), taskID); err != nil {
				return fmt.Errorf("upgrade task priority: %w", err)
			}
		}
		resultID = taskID
		return tx.Commit()
	})
	return resultID, err
}

// ClaimNext atomically selects and leases the single highest-priority ready
// task, ordered (rank(priority) ASC, last_updated_ns ASC, created_at_ns ASC).
// Returns (nil, nil) when no ready task exists.
func (s *Store) ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*Task, error) {
	var result *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT task_id, kind, title, details, rationale, scope_key, priority, status,
				last_updated_ns, COALESCE(lease_owner, ''), COALESCE(lease_expires_ns, 0),
				source, related_pr, related_branch, attempt_count, created_at_ns
			FROM tasks
			WHERE status = ?
			ORDER BY
				CASE priority WHEN 'P0' THEN 0 WHEN 'P1' THEN 1 ELSE 2 END ASC,
				last_updated_ns ASC,
				created_at_ns ASC
			LIMIT 1;
		`, string(StatusReady))

		var t Task
		if err := scanTask(row.Scan, &t); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				result = nil
				return tx.Rollback()
			}
			return fmt.Errorf("select ready task: %w", err)
		}

		now := time.Now()
		leaseExpires := nowNs(now.Add(leaseDuration))
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, lease_owner = ?, lease_expires_ns = ?, last_updated_ns = ?
			WHERE task_id = ? AND status = ?;
		`, string(StatusLeased), workerID, leaseExpires, nowNs(now), t.TaskID, string(StatusReady))
		if err != nil {
			return fmt.Errorf("claim update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if n != 1 {
			// Another writer beat us between SELECT and UPDATE; treat as no task.
			result = nil
			return tx.Rollback()
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		t.Status = StatusLeased
		t.LeaseOwner = workerID
		t.LeaseExpiresNs = leaseExpires
		result = &t
		if s.bus != nil {
			s.bus.Publish(bus.TopicTaskClaimed, map[string]any{"task_id": t.TaskID, "worker_id": workerID})
		}
		return nil
	})
	return result, err
}

func scanTask(scan func(dest ...any) error, t *Task) error {
	var (
		relatedPR     sql.NullInt64
		relatedBranch sql.NullString
	)
	if err := scan(
		&t.TaskID, &t.Kind, &t.Title, &t.Details, &t.Rationale, &t.ScopeKey, &t.Priority, &t.Status,
		&t.LastUpdatedNs, &t.LeaseOwner, &t.LeaseExpiresNs,
		&t.Source, &relatedPR, &relatedBranch, &t.AttemptCount, &t.CreatedAtNs,
	); err != nil {
		return err
	}
	if relatedPR.Valid {
		v := int(relatedPR.Int64)
		t.RelatedPR = &v
	}
	if relatedBranch.Valid {
		v := relatedBranch.String
		t.RelatedBranch = &v
	}
	return nil
}

func (s *Store) transition(ctx context.Context, taskID, owner string, fromStatuses []Status, to Status, errMsg *string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var currentOwner sql.NullString
		var currentStatus string
		err = tx.QueryRowContext(ctx, `SELECT status, lease_owner FROM tasks WHERE task_id = ?;`, taskID).Scan(&currentStatus, &currentOwner)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read task for transition: %w", err)
		}
		if !currentOwner.Valid || currentOwner.String != owner {
			return ErrOwnershipMismatch
		}
		matched := false
		for _, from := range fromStatuses {
			if Status(currentStatus) == from {
				matched = true
				break
			}
		}
		if !matched {
			return ErrOwnershipMismatch
		}

		clearLease := to == StatusReady || to == StatusComplete || to == StatusFailed || to == StatusUnresolved
		query := `UPDATE tasks SET status = ?, last_updated_ns = ?`
		args := []any{string(to), nowNs(time.Now())}
		if clearLease {
			query += `, lease_owner = NULL, lease_expires_ns = NULL`
		}
		if errMsg != nil {
			query += `, rationale = ?`
			args = append(args, *errMsg)
		}
		query += ` WHERE task_id = ? AND lease_owner = ?;`
		args = append(args, taskID, owner)

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("apply transition: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if n != 1 {
			return ErrOwnershipMismatch
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		if s.bus != nil {
			s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
				TaskID:    taskID,
				OldStatus: currentStatus,
				NewStatus: string(to),
			})
		}
		return nil
	})
}

// MarkInProgress transitions a leased task to in_progress.
func (s *Store) MarkInProgress(ctx context.Context, taskID, owner string) error {
	return s.transition(ctx, taskID, owner, []Status{StatusLeased}, StatusInProgress, nil)
}

// MarkComplete transitions a task to complete and releases its lease.
func (s *Store) MarkComplete(ctx context.Context, taskID, owner string) error {
	return s.transition(ctx, taskID, owner, []Status{StatusLeased, StatusInProgress}, StatusComplete, nil)
}

// MarkFailed transitions a task to failed and releases its lease.
func (s *Store) MarkFailed(ctx context.Context, taskID, owner, reason string) error {
	return s.transition(ctx, taskID, owner, []Status{StatusLeased, StatusInProgress}, StatusFailed, &reason)
}

// MarkUnresolved transitions a task to unresolved (excluded from recovery).
func (s *Store) MarkUnresolved(ctx context.Context, taskID, owner string) error {
	return s.transition(ctx, taskID, owner, []Status{StatusLeased, StatusInProgress}, StatusUnresolved, nil)
}

// ReleaseLease clears a task's lease and returns it to ready without FSM involvement.
func (s *Store) ReleaseLease(ctx context.Context, taskID, owner string) error {
	return s.transition(ctx, taskID, owner, []Status{StatusLeased, StatusInProgress}, StatusReady, nil)
}

// RefreshLease extends a held lease's expiry. Verifies ownership; a mismatch
// or missing row returns ErrOwnershipMismatch without mutating anything.
func (s *Store) RefreshLease(ctx context.Context, taskID, owner string, newExpiry time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET lease_expires_ns = ?, last_updated_ns = ?
			WHERE task_id = ? AND lease_owner = ? AND status IN (?, ?);
		`, nowNs(newExpiry), nowNs(time.Now()), taskID, owner, string(StatusLeased), string(StatusInProgress))
		if err != nil {
			return fmt.Errorf("refresh lease: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("refresh lease rows affected: %w", err)
		}
		if n != 1 {
			return ErrOwnershipMismatch
		}
		return nil
	})
}

// RecoverStale resets every leased/in_progress row whose lease has expired
// (or is missing) back to ready, incrementing attempt_count by exactly one.
// unresolved rows are never touched. Returns the number of rows reclaimed.
func (s *Store) RecoverStale(ctx context.Context, now time.Time) (int64, error) {
	var reclaimed int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin recover tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT task_id FROM tasks
			WHERE status IN (?, ?)
			  AND (lease_expires_ns IS NULL OR lease_expires_ns < ?);
		`, string(StatusLeased), string(StatusInProgress), nowNs(now))
		if err != nil {
			return fmt.Errorf("query stale leases: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale lease: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = ?, lease_owner = NULL, lease_expires_ns = NULL,
				    attempt_count = attempt_count + 1, last_updated_ns = ?
				WHERE task_id = ? AND status IN (?, ?);
			`, string(StatusReady), nowNs(now), id, string(StatusLeased), string(StatusInProgress))
			if err != nil {
				return fmt.Errorf("recover stale row %s: %w", id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			reclaimed += n
		}
		return tx.Commit()
	})
	return reclaimed, err
}

// Filter selects tasks by optional status/kind; zero values match anything.
type Filter struct {
	Status Status
	Kind   Kind
}

// List returns tasks matching filter, in claim order.
func (s *Store) List(ctx context.Context, filter Filter) ([]Task, error) {
	query := `
		SELECT task_id, kind, title, details, rationale, scope_key, priority, status,
			last_updated_ns, COALESCE(lease_owner, ''), COALESCE(lease_expires_ns, 0),
			source, related_pr, related_branch, attempt_count, created_at_ns
		FROM tasks WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY
		CASE priority WHEN 'P0' THEN 0 WHEN 'P1' THEN 1 ELSE 2 END ASC,
		last_updated_ns ASC, created_at_ns ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan listed task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountActive returns the number of tasks in a non-terminal status.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE status IN (?, ?, ?);
	`, string(StatusReady), string(StatusLeased), string(StatusInProgress)).Scan(&n)
	return n, err
}

// CountByStatus returns a row count per status, for the status dashboard.
// Statuses with zero rows are omitted.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

// Snapshot returns every row in the backlog, in claim order, for replay's
// BacklogSnapshot recording entry.
func (s *Store) Snapshot(ctx context.Context) ([]Task, error) {
	return s.List(ctx, Filter{})
}

// Get returns a single task by id.
func (s *Store) Get(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, kind, title, details, rationale, scope_key, priority, status,
			last_updated_ns, COALESCE(lease_owner, ''), COALESCE(lease_expires_ns, 0),
			source, related_pr, related_branch, attempt_count, created_at_ns
		FROM tasks WHERE task_id = ?;
	`, taskID)
	var t Task
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// MarshalSnapshot renders tasks as a JSON array, used by the replay recorder's
// BacklogSnapshot entry.
func MarshalSnapshot(tasks []Task) ([]byte, error) {
	return json.Marshal(tasks)
}
