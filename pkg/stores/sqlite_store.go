package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path string
	// MaxOpenConns defaults to 1. SQLite allows one writer at a time and
	// transactions here never issue queries outside their own connection.
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// SignalRecord is the history payload written when a signal is consumed.
type SignalRecord struct {
	Payload json.RawMessage `json:"payload"`
	Source  string          `json:"source"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 1
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database and enables WAL mode and foreign keys.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxOpenConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateInstance inserts a new instance together with its first history entry.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *Instance, started *HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_instances (id, workflow, status, custom_status, waiting_signal, wait_deadline, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inst.ID,
		inst.Workflow,
		inst.Status,
		inst.CustomStatus,
		inst.WaitingSignal,
		nanosPtr(inst.WaitDeadline),
		inst.Error,
		inst.CreatedAt.UnixNano(),
		inst.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}

	if started != nil {
		if err := insertHistory(ctx, tx, started); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	query := `
		SELECT id, workflow, status, custom_status, waiting_signal, wait_deadline, error, created_at, updated_at
		FROM workflow_instances
		WHERE id = ?
	`

	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

// UpdateInstance writes the mutable fields of an instance.
func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *Instance) error {
	query := `
		UPDATE workflow_instances
		SET status = ?, custom_status = ?, waiting_signal = ?, wait_deadline = ?, error = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		inst.Status,
		inst.CustomStatus,
		inst.WaitingSignal,
		nanosPtr(inst.WaitDeadline),
		inst.Error,
		inst.UpdatedAt.UnixNano(),
		inst.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("instance %s: %w", inst.ID, ErrNotFound)
	}
	return nil
}

// ListInstances lists instances, optionally restricted to the given statuses, oldest first.
func (s *SQLiteStore) ListInstances(ctx context.Context, statuses ...InstanceStatus) ([]*Instance, error) {
	query := `
		SELECT id, workflow, status, custom_status, waiting_signal, wait_deadline, error, created_at, updated_at
		FROM workflow_instances
	`
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	instances := []*Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}
	return instances, nil
}

// AppendHistory appends one entry. Writing a sequence number that already
// exists returns ErrVersionConflict.
func (s *SQLiteStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	return insertHistory(ctx, s.db, entry)
}

// LoadHistory returns an instance's history in sequence order.
func (s *SQLiteStore) LoadHistory(ctx context.Context, instanceID string) ([]*HistoryEntry, error) {
	query := `
		SELECT instance_id, seq, kind, name, payload, recorded_at
		FROM workflow_history
		WHERE instance_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	entries := []*HistoryEntry{}
	for rows.Next() {
		entry := &HistoryEntry{}
		var recordedAt int64
		if err := rows.Scan(&entry.InstanceID, &entry.Seq, &entry.Kind, &entry.Name, &entry.Payload, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entry.RecordedAt = fromNanos(recordedAt)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return entries, nil
}

// EnqueueSignal stores a signal in the instance's inbox.
func (s *SQLiteStore) EnqueueSignal(ctx context.Context, sig *Signal) error {
	if sig.Payload == "" {
		sig.Payload = "null"
	}
	if !json.Valid([]byte(sig.Payload)) {
		return fmt.Errorf("signal payload is not valid JSON")
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_signals (instance_id, name, payload, source, received_at)
		VALUES (?, ?, ?, ?, ?)
	`, sig.InstanceID, sig.Name, sig.Payload, sig.Source, sig.ReceivedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to enqueue signal: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get signal ID: %w", err)
	}
	sig.ID = id
	return nil
}

// ConsumeSignal takes the oldest pending signal for (instanceID, name) and
// records it as history entry seq in one transaction. Later signals with the
// same name stay pending. It returns nil when no signal is pending.
func (s *SQLiteStore) ConsumeSignal(ctx context.Context, instanceID, name string, seq int, recordedAt time.Time) (*Signal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sig := &Signal{InstanceID: instanceID, Name: name}
	var receivedAt int64
	err = tx.QueryRowContext(ctx, `
		SELECT id, payload, source, received_at
		FROM workflow_signals
		WHERE instance_id = ? AND name = ?
		ORDER BY id ASC
		LIMIT 1
	`, instanceID, name).Scan(&sig.ID, &sig.Payload, &sig.Source, &receivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read signal: %w", err)
	}
	sig.ReceivedAt = fromNanos(receivedAt)

	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_signals WHERE id = ?`, sig.ID); err != nil {
		return nil, fmt.Errorf("failed to delete signal: %w", err)
	}

	payload, err := json.Marshal(SignalRecord{Payload: json.RawMessage(sig.Payload), Source: sig.Source})
	if err != nil {
		return nil, fmt.Errorf("failed to encode signal record: %w", err)
	}
	entry := &HistoryEntry{
		InstanceID: instanceID,
		Seq:        seq,
		Kind:       HistorySignalReceived,
		Name:       name,
		Payload:    string(payload),
		RecordedAt: recordedAt,
	}
	if err := insertHistory(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit signal: %w", err)
	}
	return sig, nil
}

// HasPendingSignal reports whether a signal with the given name is waiting.
func (s *SQLiteStore) HasPendingSignal(ctx context.Context, instanceID, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_signals WHERE instance_id = ? AND name = ?`,
		instanceID, name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count signals: %w", err)
	}
	return count > 0, nil
}

// DiscardSignals deletes all pending signals of an instance.
func (s *SQLiteStore) DiscardSignals(ctx context.Context, instanceID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM workflow_signals WHERE instance_id = ?`, instanceID)
	if err != nil {
		return 0, fmt.Errorf("failed to discard signals: %w", err)
	}
	return result.RowsAffected()
}

// CreateAuditEntry creates a new audit entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries, newest first, optionally filtered by action.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		var ts int64
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &entry.TargetID, &entry.Details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Timestamp = fromNanos(ts)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func insertHistory(ctx context.Context, db execer, entry *HistoryEntry) error {
	if entry.Payload == "" {
		entry.Payload = "null"
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO workflow_history (instance_id, seq, kind, name, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, seq) DO NOTHING
	`, entry.InstanceID, entry.Seq, entry.Kind, entry.Name, entry.Payload, entry.RecordedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("history entry %d of %s: %w", entry.Seq, entry.InstanceID, ErrVersionConflict)
	}
	return nil
}

func scanInstance(row rowScanner) (*Instance, error) {
	inst := &Instance{}
	var (
		deadline             sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&inst.ID,
		&inst.Workflow,
		&inst.Status,
		&inst.CustomStatus,
		&inst.WaitingSignal,
		&deadline,
		&inst.Error,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if deadline.Valid {
		t := fromNanos(deadline.Int64)
		inst.WaitDeadline = &t
	}
	inst.CreatedAt = fromNanos(createdAt)
	inst.UpdatedAt = fromNanos(updatedAt)
	return inst, nil
}

func nanosPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
