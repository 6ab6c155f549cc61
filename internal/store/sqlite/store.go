package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"missionmesh/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS missions (
	id TEXT PRIMARY KEY,
	goal TEXT NOT NULL,
	priority TEXT NOT NULL,
	status TEXT NOT NULL,
	steps_total INTEGER NOT NULL DEFAULT 0,
	steps_completed INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	completed_at INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_missions_completed ON missions(completed_at);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	mission_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_mission ON decision_log(mission_id, created_at);

CREATE TABLE IF NOT EXISTS guard_rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender TEXT NOT NULL,
	recipient TEXT NOT NULL,
	kind TEXT NOT NULL,
	effect TEXT NOT NULL,
	expires_at INTEGER NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_guard_rules_lookup ON guard_rules(sender, recipient);

CREATE TABLE IF NOT EXISTS perf_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	worker_id TEXT NOT NULL,
	success INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	score REAL NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_perf_samples_worker ON perf_samples(worker_id, created_at);
`

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// ArchiveMission writes the terminal record of a concluded mission. Archiving
// the same id again overwrites the row, so conclusion retries stay idempotent.
func (s *Store) ArchiveMission(ctx context.Context, rec domain.MissionRecord) error {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO missions(
			id, goal, priority, status, steps_total, steps_completed,
			last_error, created_at, completed_at, duration_ms
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Goal, rec.Priority.String(), string(rec.Status),
		rec.StepsTotal, rec.StepsCompleted, rec.LastError,
		rec.CreatedAt.Unix(), rec.CompletedAt.Unix(), rec.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("archive mission: %w", err)
	}
	return nil
}

func (s *Store) GetMissionRecord(ctx context.Context, missionID string) (domain.MissionRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, goal, priority, status, steps_total, steps_completed,
			last_error, created_at, completed_at, duration_ms
		FROM missions WHERE id = ?`,
		missionID,
	)
	rec, err := scanMissionRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.MissionRecord{}, fmt.Errorf("mission %s: %w", missionID, ErrNotFound)
		}
		return domain.MissionRecord{}, fmt.Errorf("get mission: %w", err)
	}
	return rec, nil
}

func (s *Store) ListMissions(ctx context.Context, limit int) ([]domain.MissionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, goal, priority, status, steps_total, steps_completed,
			last_error, created_at, completed_at, duration_ms
		FROM missions ORDER BY completed_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	defer rows.Close()

	var out []domain.MissionRecord
	for rows.Next() {
		rec, err := scanMissionRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mission: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMissionRecord(row rowScanner) (domain.MissionRecord, error) {
	var rec domain.MissionRecord
	var priority, status string
	var created, completed int64
	if err := row.Scan(
		&rec.ID, &rec.Goal, &priority, &status, &rec.StepsTotal, &rec.StepsCompleted,
		&rec.LastError, &created, &completed, &rec.DurationMS,
	); err != nil {
		return domain.MissionRecord{}, err
	}
	parsed, err := domain.ParsePriority(priority)
	if err != nil {
		parsed = domain.PriorityNormal
	}
	rec.Priority = parsed
	rec.Status = domain.MissionStatus(status)
	rec.CreatedAt = unixToTime(created)
	rec.CompletedAt = unixToTime(completed)
	return rec, nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	payload := entry.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(mission_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.MissionID, entry.Actor, entry.Action, entry.Reason, string(payload), entry.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListMissionDecisions(ctx context.Context, missionID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, mission_id, actor, action, reason, payload, created_at
		FROM decision_log WHERE mission_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		missionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []domain.DecisionLog
	for rows.Next() {
		var entry domain.DecisionLog
		var payload string
		var created int64
		if err := rows.Scan(&entry.ID, &entry.MissionID, &entry.Actor, &entry.Action, &entry.Reason, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		entry.Payload = []byte(payload)
		entry.CreatedAt = unixToTime(created)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) AddGuardRule(ctx context.Context, rule domain.GuardRule) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO guard_rules(sender, recipient, kind, effect, expires_at, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		rule.Sender, rule.Recipient, rule.Kind, string(rule.Effect),
		nullableUnix(rule.ExpiresAt), time.Now().UTC().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("add guard rule: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) DeleteGuardRule(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM guard_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete guard rule: %w", err)
	}
	return nil
}

func (s *Store) ListGuardRules(ctx context.Context) ([]domain.GuardRule, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, sender, recipient, kind, effect, expires_at FROM guard_rules ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list guard rules: %w", err)
	}
	defer rows.Close()

	var out []domain.GuardRule
	for rows.Next() {
		rule, err := scanGuardRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan guard rule: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// CheckGuardRules evaluates delivery rules for one envelope. An unexpired
// deny rule wins over any allow; with no matching rule delivery is allowed.
// Sender, recipient and kind columns treat "*" as a wildcard.
func (s *Store) CheckGuardRules(ctx context.Context, sender, recipient string, kind domain.MessageKind, now time.Time) (bool, string, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, sender, recipient, kind, effect, expires_at
		FROM guard_rules
		WHERE sender IN (?, '*') AND recipient IN (?, '*') AND kind IN (?, '*')`,
		sender, recipient, string(kind),
	)
	if err != nil {
		return false, "", fmt.Errorf("check guard rules: %w", err)
	}
	defer rows.Close()

	denied := false
	var denyReason string
	for rows.Next() {
		rule, err := scanGuardRule(rows)
		if err != nil {
			return false, "", fmt.Errorf("scan guard rule: %w", err)
		}
		if rule.ExpiresAt != nil && now.After(*rule.ExpiresAt) {
			continue
		}
		if rule.Effect == domain.GuardEffectDeny {
			denied = true
			denyReason = fmt.Sprintf("denied by rule %d (%s -> %s %s)", rule.ID, rule.Sender, rule.Recipient, rule.Kind)
		}
	}
	if err := rows.Err(); err != nil {
		return false, "", err
	}
	if denied {
		return false, denyReason, nil
	}
	return true, "", nil
}

func scanGuardRule(rows *sql.Rows) (domain.GuardRule, error) {
	var rule domain.GuardRule
	var effect string
	var expires sql.NullInt64
	if err := rows.Scan(&rule.ID, &rule.Sender, &rule.Recipient, &rule.Kind, &effect, &expires); err != nil {
		return domain.GuardRule{}, err
	}
	rule.Effect = domain.GuardEffect(effect)
	rule.ExpiresAt = int64ToTimePtr(expires)
	return rule, nil
}

func (s *Store) SavePerfSample(ctx context.Context, sample domain.PerfSample) error {
	if sample.CreatedAt.IsZero() {
		sample.CreatedAt = time.Now().UTC()
	}
	success := 0
	if sample.Success {
		success = 1
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO perf_samples(worker_id, success, duration_ms, score, created_at)
		VALUES(?, ?, ?, ?, ?)`,
		sample.WorkerID, success, sample.DurationMS, sample.Score, sample.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save perf sample: %w", err)
	}
	return nil
}

func (s *Store) ListPerfSamples(ctx context.Context, workerID string, limit int) ([]domain.PerfSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, worker_id, success, duration_ms, score, created_at
		FROM perf_samples WHERE worker_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		workerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list perf samples: %w", err)
	}
	defer rows.Close()

	var out []domain.PerfSample
	for rows.Next() {
		var sample domain.PerfSample
		var success int
		var created int64
		if err := rows.Scan(&sample.ID, &sample.WorkerID, &success, &sample.DurationMS, &sample.Score, &created); err != nil {
			return nil, fmt.Errorf("scan perf sample: %w", err)
		}
		sample.Success = success != 0
		sample.CreatedAt = unixToTime(created)
		out = append(out, sample)
	}
	return out, rows.Err()
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}
