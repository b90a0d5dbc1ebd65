// Package journal persists acknowledgment history to SQLite.
//
// The journal is dispatch history, not a replay log: it is fed
// asynchronously from MessageCompleted events on the bus and never blocks
// the pipeline. Rows are append-only.
package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	// SQLite driver (required for database/sql registration).
	_ "github.com/mattn/go-sqlite3"

	"github.com/YASSERRMD/AiMesh/engine/errors"
	"github.com/YASSERRMD/AiMesh/engine/protocol"
	"github.com/YASSERRMD/AiMesh/eventbus"
)

// Logger is the minimal logging interface the journal needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

const schema = `
CREATE TABLE IF NOT EXISTS acknowledgments (
	message_id TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL,
	status     TEXT NOT NULL,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT '',
	endpoint   TEXT NOT NULL DEFAULT '',
	graph_id   TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_acks_agent ON acknowledgments(agent_id, created_at);
CREATE INDEX IF NOT EXISTS idx_acks_created ON acknowledgments(created_at);
`

// Entry is one journal row.
type Entry struct {
	MessageID  string `json:"message_id"`
	AgentID    string `json:"agent_id"`
	Status     string `json:"status"`
	TokensUsed int64  `json:"tokens_used"`
	LatencyMS  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	GraphID    string `json:"graph_id,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

// Journal is the SQLite-backed acknowledgment history.
type Journal struct {
	db     *sql.DB
	logger Logger
}

// Open opens (and creates if needed) the journal database at path.
func Open(path string, logger Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "create journal dir", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "open journal", err)
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrap(errors.KindInternal, "journal pragma", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.KindInternal, "journal schema", err)
	}

	return &Journal{db: db, logger: logger}, nil
}

// Append records one settled message. Duplicate message IDs are ignored;
// a settlement is journaled once.
func (j *Journal) Append(ctx context.Context, ack *protocol.Acknowledgment, agentID, endpoint, graphID string) error {
	if ack == nil {
		return errors.Validation("ack", "must not be nil")
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO acknowledgments
		 (message_id, agent_id, status, tokens_used, latency_ms, error, endpoint, graph_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ack.OriginalMessageID, agentID, string(ack.Status), ack.TokensUsed,
		ack.ProcessingLatencyMS, ack.Error, endpoint, graphID, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(errors.KindInternal, "journal append", err)
	}
	return nil
}

// Recent returns the newest entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT message_id, agent_id, status, tokens_used, latency_ms, error, endpoint, graph_id, created_at
		 FROM acknowledgments ORDER BY created_at DESC, message_id LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "journal query", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// AgentHistory returns the newest entries for one agent, newest first.
func (j *Journal) AgentHistory(ctx context.Context, agentID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT message_id, agent_id, status, tokens_used, latency_ms, error, endpoint, graph_id, created_at
		 FROM acknowledgments WHERE agent_id = ? ORDER BY created_at DESC, message_id LIMIT ?`,
		agentID, limit)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "journal query", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Count reports the total number of journaled acknowledgments.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM acknowledgments`).Scan(&n); err != nil {
		return 0, errors.Wrap(errors.KindInternal, "journal count", err)
	}
	return n, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.MessageID, &e.AgentID, &e.Status, &e.TokensUsed,
			&e.LatencyMS, &e.Error, &e.Endpoint, &e.GraphID, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(errors.KindInternal, "journal scan", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// Bus Wiring
// =============================================================================

// SubscribeTo attaches the journal to MessageCompleted events on the bus.
// Returns the unsubscribe function. Write failures log and drop; history is
// best-effort by design.
func (j *Journal) SubscribeTo(bus eventbus.Bus) func() {
	return bus.Subscribe("MessageCompleted", func(ctx context.Context, msg eventbus.Message) (any, error) {
		ev, ok := msg.(*eventbus.MessageCompleted)
		if !ok || ev.Ack == nil {
			return nil, nil
		}
		if err := j.Append(ctx, ev.Ack, ev.AgentID, ev.Endpoint, ev.TaskGraphID); err != nil {
			if j.logger != nil {
				j.logger.Warn("journal_append_failed", "message_id", ev.MessageID, "error", err.Error())
			}
		}
		return nil, nil
	})
}
