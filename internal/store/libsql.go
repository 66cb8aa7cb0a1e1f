package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/weftlabs/weft/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite
// fork). A single write connection keeps lease CAS updates atomic.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/weft.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflow meta ---

// SeedWorkflow creates the meta row and all state records in one transaction.
// Re-seeding with the same plan hash is a no-op; a different hash is rejected.
func (s *LibSQLStore) SeedWorkflow(ctx context.Context, meta *WorkflowMeta, records []*StateRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed tx: %w", err)
	}
	defer tx.Rollback()

	var existingHash string
	err = tx.QueryRowContext(ctx,
		`SELECT plan_hash FROM workflow_meta WHERE workflow_id = ?`, meta.WorkflowID,
	).Scan(&existingHash)
	switch {
	case err == nil:
		if existingHash == meta.PlanHash {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %s already seeded with a different plan", meta.WorkflowID).
			WithDetails(map[string]any{"existing_hash": existingHash, "offered_hash": meta.PlanHash})
	case err != sql.ErrNoRows:
		return fmt.Errorf("check existing seed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_meta (workflow_id, plan_hash, start_at, status, aborted, input, plan, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		meta.WorkflowID, meta.PlanHash, meta.StartAt, string(meta.Status),
		nullRaw(meta.Input), string(meta.Plan),
		timeOrNow(meta.CreatedAt), timeOrNow(meta.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert workflow meta: %w", err)
	}

	for _, r := range records {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO state_records (workflow_id, state, state_type, status, attempts, lease_token, updated_at)
			 VALUES (?, ?, ?, ?, 0, 0, ?)`,
			r.WorkflowID, r.State, string(r.Type), string(r.Status), timeOrNow(r.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert state record %s: %w", r.State, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflowMeta(ctx context.Context, workflowID string) (*WorkflowMeta, error) {
	m := &WorkflowMeta{}
	var (
		status                 string
		aborted                int
		input, finalReport     sql.NullString
		planJSON               string
		finishedAt             sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, plan_hash, start_at, status, aborted, input, plan, final_report, created_at, finished_at, updated_at
		 FROM workflow_meta WHERE workflow_id = ?`, workflowID,
	).Scan(&m.WorkflowID, &m.PlanHash, &m.StartAt, &status, &aborted, &input, &planJSON, &finalReport,
		&m.CreatedAt, &finishedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", workflowID)
	}
	if err != nil {
		return nil, err
	}
	m.Status = schema.WorkflowStatus(status)
	m.Aborted = aborted != 0
	m.Input = rawOrNil(input)
	m.Plan = json.RawMessage(planJSON)
	m.FinalReport = rawOrNil(finalReport)
	if finishedAt.Valid {
		m.FinishedAt = &finishedAt.Time
	}
	return m, nil
}

func (s *LibSQLStore) UpdateWorkflowMeta(ctx context.Context, workflowID string, update WorkflowMetaUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.FinalReport != nil {
		sets = append(sets, "final_report = ?")
		args = append(args, string(update.FinalReport))
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, workflowID)

	query := fmt.Sprintf("UPDATE workflow_meta SET %s WHERE workflow_id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", workflowID)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowMeta, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT workflow_id, plan_hash, start_at, status, aborted, input, plan, final_report, created_at, finished_at, updated_at FROM workflow_meta`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metas []*WorkflowMeta
	for rows.Next() {
		m := &WorkflowMeta{}
		var (
			status             string
			aborted            int
			input, finalReport sql.NullString
			planJSON           string
			finishedAt         sql.NullTime
		)
		if err := rows.Scan(&m.WorkflowID, &m.PlanHash, &m.StartAt, &status, &aborted, &input, &planJSON,
			&finalReport, &m.CreatedAt, &finishedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Status = schema.WorkflowStatus(status)
		m.Aborted = aborted != 0
		m.Input = rawOrNil(input)
		m.Plan = json.RawMessage(planJSON)
		m.FinalReport = rawOrNil(finalReport)
		if finishedAt.Valid {
			m.FinishedAt = &finishedAt.Time
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// SetAborted raises the cooperative abort flag. Dispatchers and executors
// check it before acting; in-flight work drains on its own.
func (s *LibSQLStore) SetAborted(ctx context.Context, workflowID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_meta SET aborted = 1, updated_at = CURRENT_TIMESTAMP WHERE workflow_id = ?`, workflowID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", workflowID)
}

// --- State records and leases ---

const stateRecordColumns = `workflow_id, state, state_type, status, attempts, lease_token, lease_owner, lease_ts, lease_ttl_s, lease_expires_at, started_at, finished_at, last_error, resolved_next, updated_at`

func (s *LibSQLStore) GetStateRecord(ctx context.Context, workflowID, state string) (*StateRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stateRecordColumns+` FROM state_records WHERE workflow_id = ? AND state = ?`,
		workflowID, state,
	)
	rec, err := scanStateRecord(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("state", workflowID+"/"+state)
	}
	return rec, err
}

func (s *LibSQLStore) ListStateRecords(ctx context.Context, workflowID string) ([]*StateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stateRecordColumns+` FROM state_records WHERE workflow_id = ? ORDER BY state`,
		workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*StateRecord
	for rows.Next() {
		rec, err := scanStateRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkReady promotes a blocked state to pending once its upstreams are done.
// A state that already moved past blocked is left alone.
func (s *LibSQLStore) MarkReady(ctx context.Context, workflowID, state string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE state_records SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE workflow_id = ? AND state = ? AND status = ?`,
		string(schema.StateStatusPending), workflowID, state, string(schema.StateStatusBlocked),
	)
	return err
}

// AcquireLease atomically claims a state for the owner. It succeeds only when
// no live lease exists: either the state is pending, or it is running with an
// expired lease (crash reclaim). The fencing token increments on every
// acquisition and the attempt counter with it.
func (s *LibSQLStore) AcquireLease(ctx context.Context, workflowID, state, owner string, ttl time.Duration) (*StateRecord, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	res, err := s.db.ExecContext(ctx,
		`UPDATE state_records
		 SET lease_token = lease_token + 1,
		     lease_owner = ?, lease_ts = ?, lease_ttl_s = ?, lease_expires_at = ?,
		     attempts = attempts + 1,
		     status = ?,
		     started_at = COALESCE(started_at, ?),
		     updated_at = CURRENT_TIMESTAMP
		 WHERE workflow_id = ? AND state = ?
		   AND ((status = ? AND (lease_owner IS NULL OR lease_expires_at <= ?))
		     OR (status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?))`,
		owner, now, int(ttl.Seconds()), expires,
		string(schema.StateStatusRunning), now,
		workflowID, state,
		string(schema.StateStatusPending), now,
		string(schema.StateStatusRunning), now,
	)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		rec, getErr := s.GetStateRecord(ctx, workflowID, state)
		if getErr != nil {
			return nil, getErr
		}
		return nil, schema.NewErrorf(schema.ErrCodeLeaseConflict,
			"lease unavailable for %s/%s", workflowID, state).
			WithState(state).
			WithDetails(map[string]any{
				"status":      string(rec.Status),
				"lease_owner": rec.LeaseOwner,
				"attempts":    rec.Attempts,
			})
	}
	return s.GetStateRecord(ctx, workflowID, state)
}

// RefreshLease extends a live lease held under the given token.
func (s *LibSQLStore) RefreshLease(ctx context.Context, workflowID, state string, token int64, ttl time.Duration) error {
	now := time.Now().UTC()
	expires := now.Add(ttl)
	res, err := s.db.ExecContext(ctx,
		`UPDATE state_records
		 SET lease_ts = ?, lease_ttl_s = ?, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE workflow_id = ? AND state = ? AND lease_token = ? AND lease_owner IS NOT NULL AND lease_expires_at > ?`,
		now, int(ttl.Seconds()), expires,
		workflowID, state, token, now,
	)
	if err != nil {
		return fmt.Errorf("refresh lease: %w", err)
	}
	return s.fenceCheck(ctx, res, workflowID, state, token, "refresh")
}

// ReleaseLease drops the lease held under the given token. A state released
// mid-run returns to pending so a later nudge can claim it again.
func (s *LibSQLStore) ReleaseLease(ctx context.Context, workflowID, state string, token int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE state_records
		 SET lease_owner = NULL, lease_ts = NULL, lease_ttl_s = NULL, lease_expires_at = NULL,
		     status = CASE WHEN status = ? THEN ? ELSE status END,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE workflow_id = ? AND state = ? AND lease_token = ? AND lease_owner IS NOT NULL`,
		string(schema.StateStatusRunning), string(schema.StateStatusPending),
		workflowID, state, token,
	)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return s.fenceCheck(ctx, res, workflowID, state, token, "release")
}

// UpdateState applies a fenced status change. The write is rejected when the
// token is stale or the lease expired; rejection never mutates the record.
// A success does not erase last_error from earlier attempts.
func (s *LibSQLStore) UpdateState(ctx context.Context, workflowID, state string, token int64, update StateUpdate) error {
	if update.Status != schema.StateStatusDone && update.Status != schema.StateStatusFailed {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"update_state only accepts done or failed, got %q", update.Status).WithState(state)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE state_records
		 SET status = ?,
		     last_error = COALESCE(NULLIF(?, ''), last_error),
		     resolved_next = COALESCE(NULLIF(?, ''), resolved_next),
		     finished_at = ?,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE workflow_id = ? AND state = ? AND lease_token = ? AND lease_owner IS NOT NULL AND lease_expires_at > ?`,
		string(update.Status), update.LastError, update.ResolvedNext, now,
		workflowID, state, token, now,
	)
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	return s.fenceCheck(ctx, res, workflowID, state, token, "update_state")
}

// RecordStateError stores an attempt's failure message without changing
// status. Used on retryable failures so the record keeps the most recent
// error while the state goes back through the lease cycle.
func (s *LibSQLStore) RecordStateError(ctx context.Context, workflowID, state string, token int64, msg string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE state_records
		 SET last_error = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE workflow_id = ? AND state = ? AND lease_token = ? AND lease_owner IS NOT NULL AND lease_expires_at > ?`,
		msg, workflowID, state, token, now,
	)
	if err != nil {
		return fmt.Errorf("record state error: %w", err)
	}
	return s.fenceCheck(ctx, res, workflowID, state, token, "record_error")
}

// ReclaimExpiredLeases returns running states whose lease expired to pending.
// Each reclaim re-checks the token so a concurrent fresh acquisition is never
// clobbered. Returns the records that were actually reclaimed.
func (s *LibSQLStore) ReclaimExpiredLeases(ctx context.Context) ([]*StateRecord, error) {
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stateRecordColumns+` FROM state_records
		 WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
		string(schema.StateStatusRunning), now,
	)
	if err != nil {
		return nil, err
	}
	candidates := []*StateRecord{}
	for rows.Next() {
		rec, err := scanStateRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reclaimed []*StateRecord
	for _, rec := range candidates {
		res, err := s.db.ExecContext(ctx,
			`UPDATE state_records
			 SET status = ?, lease_owner = NULL, lease_ts = NULL, lease_ttl_s = NULL, lease_expires_at = NULL,
			     updated_at = CURRENT_TIMESTAMP
			 WHERE workflow_id = ? AND state = ? AND lease_token = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
			string(schema.StateStatusPending),
			rec.WorkflowID, rec.State, rec.LeaseToken, now,
		)
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim %s/%s: %w", rec.WorkflowID, rec.State, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			reclaimed = append(reclaimed, rec)
		}
	}
	return reclaimed, nil
}

// fenceCheck classifies a zero-row fenced write: missing record vs stale token.
func (s *LibSQLStore) fenceCheck(ctx context.Context, res sql.Result, workflowID, state string, token int64, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	rec, getErr := s.GetStateRecord(ctx, workflowID, state)
	if getErr != nil {
		return getErr
	}
	return schema.NewErrorf(schema.ErrCodeFenceRejected,
		"%s rejected for %s/%s: token %d is not the live lease", op, workflowID, state, token).
		WithState(state).
		WithDetails(map[string]any{
			"held_token": rec.LeaseToken,
			"status":     string(rec.Status),
			"owner":      rec.LeaseOwner,
		})
}

// --- Data plane: envelopes ---

// AppendEnvelope writes one attempt's output envelope. Envelopes are
// append-once: a second write for the same attempt is rejected.
func (s *LibSQLStore) AppendEnvelope(ctx context.Context, rec *EnvelopeRecord) error {
	metrics, err := json.Marshal(rec.Envelope.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	var artifacts json.RawMessage
	if len(rec.Envelope.Artifacts) > 0 {
		artifacts, err = json.Marshal(rec.Envelope.Artifacts)
		if err != nil {
			return fmt.Errorf("marshal artifacts: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO envelopes (workflow_id, state, attempt, ok, summary, data, metrics, artifacts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.WorkflowID, rec.State, rec.Attempt, boolToInt(rec.Envelope.OK),
		nullStr(rec.Envelope.Summary), nullRaw(rec.Envelope.Data), string(metrics), nullRaw(artifacts),
		timeOrNow(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append envelope: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"envelope for %s/%s attempt %d already recorded", rec.WorkflowID, rec.State, rec.Attempt).
			WithState(rec.State)
	}
	return nil
}

func (s *LibSQLStore) LatestEnvelope(ctx context.Context, workflowID, state string) (*EnvelopeRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, state, attempt, ok, summary, data, metrics, artifacts, created_at
		 FROM envelopes WHERE workflow_id = ? AND state = ? ORDER BY attempt DESC LIMIT 1`,
		workflowID, state,
	)
	rec, err := scanEnvelope(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("envelope", workflowID+"/"+state)
	}
	return rec, err
}

func (s *LibSQLStore) ListEnvelopes(ctx context.Context, workflowID, state string) ([]*EnvelopeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, state, attempt, ok, summary, data, metrics, artifacts, created_at
		 FROM envelopes WHERE workflow_id = ? AND state = ? ORDER BY attempt ASC`,
		workflowID, state,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*EnvelopeRecord
	for rows.Next() {
		rec, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Nudges ---

// MarkNudgeSeen records a nudge id, returning false when it was already seen.
// This is the at-most-once half of notification idempotency; the readiness
// re-check is the other half.
func (s *LibSQLStore) MarkNudgeSeen(ctx context.Context, nudge *Nudge) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO nudges (nudge_id, workflow_id, state, reason, seen_at)
		 VALUES (?, ?, ?, ?, ?)`,
		nudge.NudgeID, nudge.WorkflowID, nudge.State, string(nudge.Reason), timeOrNow(nudge.SeenAt),
	)
	if err != nil {
		return false, fmt.Errorf("mark nudge seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, state, event_type, payload, executor_id, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.State), event.Type, payload, nullStr(event.ExecutorID), ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, state, event_type, payload, executor_id, timestamp, sequence
		 FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_id, state, event_type, payload, executor_id, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStateRecord(row rowScanner) (*StateRecord, error) {
	rec := &StateRecord{}
	var (
		stateType, status                  string
		leaseOwner, lastError, resolvedNext sql.NullString
		leaseTTL                           sql.NullInt64
		leaseTS, leaseExpires              sql.NullTime
		startedAt, finishedAt              sql.NullTime
	)
	err := row.Scan(&rec.WorkflowID, &rec.State, &stateType, &status, &rec.Attempts, &rec.LeaseToken,
		&leaseOwner, &leaseTS, &leaseTTL, &leaseExpires, &startedAt, &finishedAt,
		&lastError, &resolvedNext, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Type = schema.StateType(stateType)
	rec.Status = schema.StateStatus(status)
	rec.LeaseOwner = leaseOwner.String
	rec.LastError = lastError.String
	rec.ResolvedNext = resolvedNext.String
	if leaseTTL.Valid {
		rec.LeaseTTLSecs = int(leaseTTL.Int64)
	}
	if leaseTS.Valid {
		rec.LeaseTS = &leaseTS.Time
	}
	if leaseExpires.Valid {
		rec.LeaseExpires = &leaseExpires.Time
	}
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		rec.FinishedAt = &finishedAt.Time
	}
	return rec, nil
}

func scanEnvelope(row rowScanner) (*EnvelopeRecord, error) {
	rec := &EnvelopeRecord{}
	var (
		ok                       int
		summary, data, artifacts sql.NullString
		metrics                  string
	)
	err := row.Scan(&rec.WorkflowID, &rec.State, &rec.Attempt, &ok, &summary, &data, &metrics, &artifacts, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.Envelope.OK = ok != 0
	rec.Envelope.Summary = summary.String
	rec.Envelope.Data = rawOrNil(data)
	if err := json.Unmarshal([]byte(metrics), &rec.Envelope.Metrics); err != nil {
		return nil, fmt.Errorf("unmarshal envelope metrics: %w", err)
	}
	if artifacts.Valid && artifacts.String != "" {
		if err := json.Unmarshal([]byte(artifacts.String), &rec.Envelope.Artifacts); err != nil {
			return nil, fmt.Errorf("unmarshal envelope artifacts: %w", err)
		}
	}
	return rec, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var state, executorID sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &state, &e.Type, &payload, &executorID, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.State = state.String
		e.ExecutorID = executorID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Value helpers ---

func storeNotFound(resource, id string) *schema.WeftError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
