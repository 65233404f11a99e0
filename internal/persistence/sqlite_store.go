package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/petrijr/convoflow/pkg/api"
)

// SQLiteStore is an InstanceStore and EventStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ InstanceStore = (*SQLiteStore)(nil)
	_ EventStore    = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database
// and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			state BLOB NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_active
			ON instances (user_id, workflow_name)
			WHERE status = 'ACTIVE';
		CREATE TABLE IF NOT EXISTS instance_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			step TEXT,
			detail TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_instance_events_instance
			ON instance_events (instance_id, id);`,
	)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, inst *api.WorkflowInstance) error {
	state, err := EncodeInstance(inst)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM instances
		WHERE user_id = ? AND workflow_name = ? AND status = ?`,
		inst.UserID, inst.WorkflowName, string(api.StatusActive),
	).Scan(&existing)
	if err == nil {
		return ErrActiveInstanceExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO instances (id, user_id, workflow_name, status, state)
		VALUES (?, ?, ?, ?, ?)`,
		inst.ID, inst.UserID, inst.WorkflowName, string(inst.Status), state,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Save overwrites the full instance state in a single UPDATE, so a crash
// can never expose a partially written row.
func (s *SQLiteStore) Save(ctx context.Context, inst *api.WorkflowInstance) error {
	state, err := EncodeInstance(inst)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET status = ?, state = ?
		WHERE id = ?`,
		string(inst.Status), state, inst.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM instances WHERE id = ?`, id,
	).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return DecodeInstance(state)
}

func (s *SQLiteStore) GetActiveForUser(ctx context.Context, userID, workflowName string) (*api.WorkflowInstance, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM instances
		WHERE user_id = ? AND workflow_name = ? AND status = ?`,
		userID, workflowName, string(api.StatusActive),
	).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return DecodeInstance(state)
}

func (s *SQLiteStore) Append(ctx context.Context, rec HistoryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instance_events (instance_id, at, type, step, detail)
		VALUES (?, ?, ?, ?, ?)`,
		rec.InstanceID, rec.At.UnixNano(), string(rec.Type), rec.Step, rec.Detail,
	)
	return err
}

func (s *SQLiteStore) List(ctx context.Context, instanceID string) ([]HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, at, type, step, detail
		FROM instance_events
		WHERE instance_id = ?
		ORDER BY id`, instanceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		var at int64
		var typeStr string
		var step, detail sql.NullString
		if err := rows.Scan(&rec.InstanceID, &at, &typeStr, &step, &detail); err != nil {
			return nil, err
		}
		rec.At = time.Unix(0, at)
		rec.Type = api.EventType(typeStr)
		rec.Step = step.String
		rec.Detail = detail.String
		records = append(records, rec)
	}
	return records, rows.Err()
}
