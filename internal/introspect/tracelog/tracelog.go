// Package tracelog optionally persists a node's hook events (packet drops,
// link state transitions) to a SQLite file for post-mortem debugging across
// restarts of the introspection process. It is never consulted for
// protocol decisions; a node with no tracelog wired in behaves identically.
//
// Grounded on sarchlab/akita/v4/tracing.SQLiteTraceWriter: open (or create)
// a SQLite file, create a table with an index on the column queried most,
// and insert one row per event through a prepared statement. ergot keeps a
// single narrow `events` table (kind, detail, recorded order) instead of
// the teacher's multi-table task/delay/progress/dependency schema, since
// each event is only a hook position name plus its detail.
package tracelog

import (
	"database/sql"
	"fmt"

	// registers the "sqlite3" driver with database/sql.
	_ "github.com/mattn/go-sqlite3"

	"github.com/jamesmunns/ergot/internal/hookable"
	"github.com/jamesmunns/ergot/node"
)

// Recorder persists the last Capacity hook events from a subscribed
// hookable.Hookable to a SQLite file, oldest first.
type Recorder struct {
	db       *sql.DB
	insert   *sql.Stmt
	capacity int
	seq      int64
}

// Open opens, or creates, a SQLite file at path and returns a Recorder
// that can subscribe to one or more Hookables. Events already in the file
// are kept, and new ones are numbered after them. capacity bounds how many
// rows are kept; 0 means unbounded.
func Open(path string, capacity int) (*Recorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("tracelog: open %s: %w", path, err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq      INTEGER PRIMARY KEY,
			position VARCHAR(100) NOT NULL,
			detail   TEXT
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("tracelog: create table: %w", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS events_position_index ON events (position)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("tracelog: create index: %w", err)
	}

	stmt, err := db.Prepare(`INSERT INTO events (seq, position, detail) VALUES (?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("tracelog: prepare insert: %w", err)
	}

	var last sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(seq) FROM events`).Scan(&last); err != nil {
		stmt.Close()
		db.Close()
		return nil, fmt.Errorf("tracelog: read last seq: %w", err)
	}

	return &Recorder{db: db, insert: stmt, capacity: capacity, seq: last.Int64}, nil
}

// Watch subscribes the Recorder to every hook position on h, recording each
// firing's position name and a best-effort string rendering of its detail.
func (r *Recorder) Watch(h hookable.Hookable) {
	h.AcceptHook(hookable.FuncHook(r.record))
}

// WatchNode is a convenience for the common case: subscribe to every hook
// position n's engine fires (spec.md §4.7/§4.8's HookPosForwarded,
// HookPosDropped, HookPosLinkStateChanged).
func (r *Recorder) WatchNode(n *node.Node) {
	r.Watch(n)
}

func (r *Recorder) record(ctx hookable.Ctx) {
	r.seq++

	posName := ""
	if ctx.Pos != nil {
		posName = ctx.Pos.Name
	}

	if _, err := r.insert.Exec(r.seq, posName, fmt.Sprintf("%+v", ctx.Detail)); err != nil {
		return
	}

	if r.capacity > 0 {
		_, _ = r.db.Exec(`DELETE FROM events WHERE seq <= ?`, r.seq-int64(r.capacity))
	}
}

// Close flushes and closes the underlying database file.
func (r *Recorder) Close() error {
	if err := r.insert.Close(); err != nil {
		r.db.Close()
		return err
	}
	return r.db.Close()
}

// Event is one row read back by Recent.
type Event struct {
	Seq      int64
	Position string
	Detail   string
}

// Recent returns up to limit of the most recently recorded events, newest
// last.
func (r *Recorder) Recent(limit int) ([]Event, error) {
	rows, err := r.db.Query(`
		SELECT seq, position, detail FROM events
		ORDER BY seq DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("tracelog: query recent: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Seq, &e.Position, &e.Detail); err != nil {
			return nil, fmt.Errorf("tracelog: scan recent: %w", err)
		}
		out = append(out, e)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return out, rows.Err()
}
