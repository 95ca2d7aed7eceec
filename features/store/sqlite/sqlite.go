// Package sqlite is the durable state store: a single sqlite database in WAL
// mode with foreign keys on, schema managed by embedded goose migrations.
// Every mutation runs in a transaction that also appends its audit event, so
// the event log and the entity tables can never disagree. An optional sink
// receives a copy of each committed event for fan-out.
package sqlite

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/loomworks/loom/runtime/plan"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/telemetry"
)

//go:embed migrations/*.sql
var migrations embed.FS

type (
	// Store implements store.Store over sqlite.
	Store struct {
		db     *sqlx.DB
		sink   store.EventSink
		logger telemetry.Logger
		now    func() int64
	}

	// Option customizes a store.
	Option func(*Store)
)

// WithSink wires an event sink receiving a copy of each committed event.
func WithSink(sink store.EventSink) Option {
	return func(s *Store) { s.sink = sink }
}

// WithLogger wires the logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock replaces the timestamp source (tests).
func WithClock(now func() int64) Option {
	return func(s *Store) { s.now = now }
}

// New opens the database at path, applies the WAL and foreign-key pragmas,
// and runs pending migrations. Use ":memory:" for an in-process store.
func New(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_journal_mode": {"WAL"},
		"_synchronous":  {"NORMAL"},
		"_foreign_keys": {"on"},
	}.Encode())
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// sqlite handles one writer; serializing connections avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}

	s := &Store{
		db:     db,
		logger: telemetry.NopLogger(),
		now:    func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// withTx runs fn in a transaction. Events recorded through the returned
// appender commit with the mutation and are forwarded to the sink only after
// a successful commit.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx, ev *eventAppender) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	ev := &eventAppender{store: s, tx: tx}
	if err := fn(tx, ev); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	ev.flush(ctx)
	return nil
}

// eventAppender writes audit events inside the owning transaction and
// replays them to the sink after commit.
type eventAppender struct {
	store     *Store
	tx        *sqlx.Tx
	committed []plan.Event
}

func (e *eventAppender) append(ctx context.Context, actor, typ string, payload map[string]any) error {
	ts := e.store.now()
	raw, err := marshalJSON(payload)
	if err != nil {
		return err
	}
	res, err := e.tx.ExecContext(ctx,
		`INSERT INTO events (ts, actor, type, payload) VALUES (?, ?, ?, ?)`,
		ts, actor, typ, raw)
	if err != nil {
		return fmt.Errorf("append event %s: %w", typ, err)
	}
	seq, _ := res.LastInsertId()
	e.committed = append(e.committed, plan.Event{Seq: seq, TS: ts, Actor: actor, Type: typ, Payload: payload})
	return nil
}

// flush forwards committed events to the sink. Sink failures are logged,
// never propagated.
func (e *eventAppender) flush(ctx context.Context) {
	if e.store.sink == nil {
		return
	}
	for _, event := range e.committed {
		if err := e.store.sink.Send(ctx, event); err != nil {
			e.store.logger.Warn(ctx, "event sink send failed", "type", event.Type, "err", err.Error())
		}
	}
}

// AppendEvent implements store.EventLog for events outside another mutation.
func (s *Store) AppendEvent(ctx context.Context, actor, typ string, payload map[string]any) error {
	return s.withTx(ctx, func(_ *sqlx.Tx, ev *eventAppender) error {
		return ev.append(ctx, actor, typ, payload)
	})
}

// RecentEvents implements store.EventLog: up to limit most recent events,
// returned oldest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]plan.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT seq, ts, actor, type, payload FROM events ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	out := make([]plan.Event, len(rows))
	for i, r := range rows {
		e, err := r.toEvent()
		if err != nil {
			return nil, err
		}
		out[len(rows)-1-i] = e
	}
	return out, nil
}

type eventRow struct {
	Seq     int64   `db:"seq"`
	TS      int64   `db:"ts"`
	Actor   string  `db:"actor"`
	Type    string  `db:"type"`
	Payload *string `db:"payload"`
}

func (r eventRow) toEvent() (plan.Event, error) {
	e := plan.Event{Seq: r.Seq, TS: r.TS, Actor: r.Actor, Type: r.Type}
	if err := unmarshalJSON(r.Payload, &e.Payload); err != nil {
		return plan.Event{}, err
	}
	return e, nil
}

func marshalJSON(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	s := string(raw)
	return &s, nil
}

func unmarshalJSON[T any](raw *string, into *T) error {
	if raw == nil || *raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(*raw), into); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}
