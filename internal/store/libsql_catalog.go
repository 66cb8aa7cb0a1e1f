package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Catalog operations: capability manifests, run history, workflow definitions,
// executor identities, secrets, scheduled jobs.

// --- Capability manifests ---

// PutManifest inserts or replaces a manifest by id. Re-publishing bumps
// updated_at and keeps created_at.
func (s *LibSQLStore) PutManifest(ctx context.Context, m *CapabilityManifest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capability_manifests (manifest_id, name, version, summary, descriptor, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(manifest_id) DO UPDATE SET
		     summary = excluded.summary,
		     descriptor = excluded.descriptor,
		     enabled = excluded.enabled,
		     updated_at = excluded.updated_at`,
		m.ManifestID, m.Name, m.Version, nullStr(m.Summary), string(m.Descriptor),
		boolToInt(m.Enabled), timeOrNow(m.CreatedAt), timeOrNow(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put manifest: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetManifest(ctx context.Context, manifestID string) (*CapabilityManifest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT manifest_id, name, version, summary, descriptor, enabled, created_at, updated_at
		 FROM capability_manifests WHERE manifest_id = ?`, manifestID,
	)
	m, err := scanManifest(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("manifest", manifestID)
	}
	return m, err
}

func (s *LibSQLStore) ListManifests(ctx context.Context, filter ManifestFilter) ([]*CapabilityManifest, error) {
	var where []string
	var args []any

	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}

	query := `SELECT manifest_id, name, version, summary, descriptor, enabled, created_at, updated_at FROM capability_manifests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, version DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanManifests(rows)
}

// SearchManifests returns enabled manifests whose name or summary matches any
// token of the query. Relevance ranking happens in the resolver; the store
// only narrows the candidate set.
func (s *LibSQLStore) SearchManifests(ctx context.Context, query string, limit int) ([]*CapabilityManifest, error) {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return nil, nil
	}

	var likes []string
	var args []any
	for _, tok := range tokens {
		likes = append(likes, "(LOWER(name) LIKE ? OR LOWER(summary) LIKE ?)")
		pattern := "%" + tok + "%"
		args = append(args, pattern, pattern)
	}

	q := `SELECT manifest_id, name, version, summary, descriptor, enabled, created_at, updated_at
	      FROM capability_manifests WHERE enabled = 1 AND (` + strings.Join(likes, " OR ") + `)
	      ORDER BY updated_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanManifests(rows)
}

func (s *LibSQLStore) RecordCapabilityRun(ctx context.Context, run *CapabilityRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capability_runs (manifest_id, workflow_id, state, ok, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ManifestID, run.WorkflowID, run.State, boolToInt(run.OK), run.LatencyMS, timeOrNow(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record capability run: %w", err)
	}
	return nil
}

// CapabilityStats aggregates run history for one manifest. Zero samples yields
// a zero-value stats row, not an error.
func (s *LibSQLStore) CapabilityStats(ctx context.Context, manifestID string) (*CapabilityStats, error) {
	stats := &CapabilityStats{ManifestID: manifestID}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(ok), 0) FROM capability_runs WHERE manifest_id = ?`, manifestID,
	).Scan(&stats.Samples, &stats.Successes)
	if err != nil {
		return nil, err
	}
	if stats.Samples > 0 {
		stats.SuccessRate = float64(stats.Successes) / float64(stats.Samples)
	}
	return stats, nil
}

func scanManifest(row rowScanner) (*CapabilityManifest, error) {
	m := &CapabilityManifest{}
	var summary sql.NullString
	var descriptor string
	var enabled int
	err := row.Scan(&m.ManifestID, &m.Name, &m.Version, &summary, &descriptor, &enabled, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Summary = summary.String
	m.Descriptor = []byte(descriptor)
	m.Enabled = enabled != 0
	return m, nil
}

func scanManifests(rows *sql.Rows) ([]*CapabilityManifest, error) {
	var manifests []*CapabilityManifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, rows.Err()
}

// --- Workflow definitions ---

func (s *LibSQLStore) PutDefinition(ctx context.Context, def *Definition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions (name, version, description, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name, version) DO UPDATE SET
		     description = excluded.description,
		     definition = excluded.definition,
		     updated_at = excluded.updated_at`,
		def.Name, def.Version, nullStr(def.Description), string(def.Raw),
		timeOrNow(def.CreatedAt), timeOrNow(def.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put definition: %w", err)
	}
	return nil
}

// GetDefinition resolves a definition by name. An empty version picks the
// latest published one.
func (s *LibSQLStore) GetDefinition(ctx context.Context, name, version string) (*Definition, error) {
	var row *sql.Row
	if version == "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT name, version, description, definition, created_at, updated_at
			 FROM workflow_definitions WHERE name = ? ORDER BY version DESC LIMIT 1`, name,
		)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT name, version, description, definition, created_at, updated_at
			 FROM workflow_definitions WHERE name = ? AND version = ?`, name, version,
		)
	}
	def := &Definition{}
	var description sql.NullString
	var raw string
	err := row.Scan(&def.Name, &def.Version, &description, &raw, &def.CreatedAt, &def.UpdatedAt)
	if err == sql.ErrNoRows {
		ref := name
		if version != "" {
			ref += "@" + version
		}
		return nil, storeNotFound("definition", ref)
	}
	if err != nil {
		return nil, err
	}
	def.Description = description.String
	def.Raw = []byte(raw)
	return def, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, limit int) ([]*Definition, error) {
	query := `SELECT name, version, description, definition, created_at, updated_at
	          FROM workflow_definitions ORDER BY name, version DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*Definition
	for rows.Next() {
		def := &Definition{}
		var description sql.NullString
		var raw string
		if err := rows.Scan(&def.Name, &def.Version, &description, &raw, &def.CreatedAt, &def.UpdatedAt); err != nil {
			return nil, err
		}
		def.Description = description.String
		def.Raw = []byte(raw)
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// --- Executors ---

func (s *LibSQLStore) RegisterExecutor(ctx context.Context, exec *Executor) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executors (id, name, kind, metadata, started_at, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     name = excluded.name,
		     kind = excluded.kind,
		     metadata = excluded.metadata,
		     last_seen_at = excluded.last_seen_at`,
		exec.ID, nullStr(exec.Name), exec.Kind, nullRaw(exec.Metadata),
		timeOrNow(exec.StartedAt), nullTime(exec.LastSeenAt),
	)
	if err != nil {
		return fmt.Errorf("register executor: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetExecutor(ctx context.Context, id string) (*Executor, error) {
	exec := &Executor{}
	var name, metadata sql.NullString
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, kind, metadata, started_at, last_seen_at FROM executors WHERE id = ?`, id,
	).Scan(&exec.ID, &name, &exec.Kind, &metadata, &exec.StartedAt, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("executor", id)
	}
	if err != nil {
		return nil, err
	}
	exec.Name = name.String
	exec.Metadata = rawOrNil(metadata)
	if lastSeen.Valid {
		exec.LastSeenAt = &lastSeen.Time
	}
	return exec, nil
}

func (s *LibSQLStore) UpdateExecutorSeen(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executors SET last_seen_at = ? WHERE id = ?`, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "executor", id)
}

func (s *LibSQLStore) ListExecutors(ctx context.Context) ([]*Executor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, kind, metadata, started_at, last_seen_at FROM executors ORDER BY started_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Executor
	for rows.Next() {
		exec := &Executor{}
		var name, metadata sql.NullString
		var lastSeen sql.NullTime
		if err := rows.Scan(&exec.ID, &name, &exec.Kind, &metadata, &exec.StartedAt, &lastSeen); err != nil {
			return nil, err
		}
		exec.Name = name.String
		exec.Metadata = rawOrNil(metadata)
		if lastSeen.Valid {
			exec.LastSeenAt = &lastSeen.Time
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// --- Secrets ---

// StoreSecret persists an encrypted secret blob. The value must already be
// sealed by the vault; the store never sees plaintext.
func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, rotated_at = CURRENT_TIMESTAMP`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store secret: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

// ListSecrets returns the stored keys only, never values.
func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// --- Scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, definition_name, definition_version, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.DefinitionName, nullStr(job.DefinitionVersion), job.CronExpression,
		nullRaw(job.Input), boolToInt(job.Enabled),
		nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus),
		timeOrNow(job.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, definition_name, definition_version, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_jobs WHERE id = ?`, id,
	)
	job, err := scanScheduledJob(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled job", id)
	}
	return job, err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}

	query := `SELECT id, definition_name, definition_version, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanScheduledJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func scanScheduledJob(row rowScanner) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var version, input, lastStatus sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := row.Scan(&job.ID, &job.DefinitionName, &version, &job.CronExpression, &input, &enabled,
		&lastRun, &nextRun, &lastStatus, &job.CreatedAt)
	if err != nil {
		return nil, err
	}
	job.DefinitionVersion = version.String
	job.Input = rawOrNil(input)
	job.Enabled = enabled != 0
	job.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		job.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		job.NextRunAt = &nextRun.Time
	}
	return job, nil
}
