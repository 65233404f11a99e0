package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/petrijr/convoflow/pkg/api"
)

// SQLiteInbox is a durable Inbox backed by SQLite, FIFO per instance by
// auto-incrementing id. Unacked rows survive a restart and are
// redelivered by Peek.
//
// The caller is responsible for importing a SQLite driver, e.g.
// "modernc.org/sqlite".
type SQLiteInbox struct {
	db *sql.DB
}

// NewSQLiteInbox initializes the signals table in the given DB and
// returns a new inbox.
func NewSQLiteInbox(db *sql.DB) (*SQLiteInbox, error) {
	b := &SQLiteInbox{db: db}
	if err := b.initSchema(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SQLiteInbox) initSchema() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			payload BLOB NOT NULL,
			received_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_signals_instance
			ON signals (instance_id, id);`,
	)
	return err
}

var _ Inbox = (*SQLiteInbox)(nil)

func (b *SQLiteInbox) Offer(ctx context.Context, instanceID string, sig api.Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return err
	}

	receivedAt := sig.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO signals (instance_id, payload, received_at)
		VALUES (?, ?, ?)`,
		instanceID, payload, receivedAt.UnixNano(),
	)
	return err
}

func (b *SQLiteInbox) Peek(ctx context.Context, instanceID string) (*Entry, error) {
	var (
		id      int64
		payload []byte
	)
	err := b.db.QueryRowContext(ctx, `
		SELECT id, payload FROM signals
		WHERE instance_id = ?
		ORDER BY id
		LIMIT 1`, instanceID,
	).Scan(&id, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	var sig api.Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return nil, err
	}
	return &Entry{ID: id, InstanceID: instanceID, Signal: sig}, nil
}

func (b *SQLiteInbox) Ack(ctx context.Context, instanceID string, entryID int64) error {
	_, err := b.db.ExecContext(ctx, `
		DELETE FROM signals WHERE id = ? AND instance_id = ?`,
		entryID, instanceID,
	)
	return err
}

func (b *SQLiteInbox) Pending(ctx context.Context, instanceID string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM signals WHERE instance_id = ?`, instanceID,
	).Scan(&n)
	return n, err
}

func (b *SQLiteInbox) Backlog(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT DISTINCT instance_id FROM signals ORDER BY instance_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
