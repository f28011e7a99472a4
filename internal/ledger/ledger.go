package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"warroom/internal/events"
)

// Ledger is the append-only store for every record a case produces. It is
// safe for concurrent use by independent cases.
type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

var (
	ErrNotFound      = errors.New("not found")
	ErrPhaseConflict = errors.New("phase conflict")
)

// PersistenceError means the audit trail could not be read or written.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func New(db *sql.DB) Ledger {
	return Ledger{DB: db, Now: time.Now}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Ledger) timestamp() string {
	return l.now().UTC().Format(time.RFC3339)
}

func fail(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPhaseConflict) || IsPersistence(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// queryer is satisfied by both *sql.DB and *sql.Tx so reads can run inside a
// snapshot transaction or standalone.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx groups writes that must commit together, typically a record plus the
// event announcing it.
type Tx struct {
	ctx     context.Context
	tx      *sql.Tx
	ledger  Ledger
	writer  events.Writer
	emitted []events.Event
}

// Write runs fn in one transaction and returns the events it emitted, in
// order, once the transaction has committed.
func (l Ledger) Write(ctx context.Context, fn func(*Tx) error) ([]events.Event, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fail("begin", err)
	}
	defer tx.Rollback()
	w := &Tx{ctx: ctx, tx: tx, ledger: l, writer: events.Writer{Now: l.now}}
	if err := fn(w); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fail("commit", err)
	}
	return w.emitted, nil
}

// Emit appends an event to the case log as part of this transaction.
func (t *Tx) Emit(caseID string, kind events.Kind, payload events.Payload) (events.Event, error) {
	evt, err := t.writer.Append(t.ctx, t.tx, caseID, kind, payload)
	if err != nil {
		return events.Event{}, fail("emit "+string(kind), err)
	}
	t.emitted = append(t.emitted, evt)
	return evt, nil
}

func (t *Tx) nextSeq(table, caseID string) (int64, error) {
	var seq int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM `+table+` WHERE case_id=?`, caseID).Scan(&seq)
	if err != nil {
		return 0, fail("next seq "+table, err)
	}
	return seq, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalStrings(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	return marshalJSON(items)
}

func unmarshalStrings(raw string) ([]string, error) {
	items := []string{}
	if raw == "" {
		return items, nil
	}
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, err
	}
	return items, nil
}
