package ledger

import (
	"context"

	"warroom/internal/domain"
	"warroom/internal/events"
)

// Snapshot reads everything known about a case inside one transaction, so the
// result is consistent with the event log up to LastEventSeq.
func (l Ledger) Snapshot(ctx context.Context, caseID string) (domain.Snapshot, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Snapshot{}, fail("begin snapshot", err)
	}
	defer tx.Rollback()

	var snap domain.Snapshot
	if snap.Case, err = scanCase(tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, caseID)); err != nil {
		return domain.Snapshot{}, fail("snapshot case", err)
	}
	if snap.Arguments, err = listArguments(ctx, tx, caseID); err != nil {
		return domain.Snapshot{}, err
	}
	if snap.Counterarguments, err = listCounterarguments(ctx, tx, caseID); err != nil {
		return domain.Snapshot{}, err
	}
	if snap.Conflicts, err = listConflicts(ctx, tx, caseID, ""); err != nil {
		return domain.Snapshot{}, err
	}
	if snap.Strategies, err = listStrategies(ctx, tx, caseID); err != nil {
		return domain.Snapshot{}, err
	}
	if n := len(snap.Strategies); n > 0 {
		current := snap.Strategies[n-1]
		snap.Strategy = &current
	}
	if snap.AgentRuns, err = listRuns(ctx, tx, caseID); err != nil {
		return domain.Snapshot{}, err
	}
	if snap.ReasoningSteps, err = listSteps(ctx, tx, caseID, ""); err != nil {
		return domain.Snapshot{}, err
	}
	if snap.AgentMessages, err = listMessages(ctx, tx, caseID); err != nil {
		return domain.Snapshot{}, err
	}
	if snap.LastEventSeq, err = lastEventSeq(ctx, tx, caseID); err != nil {
		return domain.Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Snapshot{}, fail("end snapshot", err)
	}
	return snap, nil
}

func lastEventSeq(ctx context.Context, q queryer, caseID string) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM case_events WHERE case_id=?`, caseID).Scan(&seq)
	return seq, fail("last event seq", err)
}

func (l Ledger) LastEventSeq(ctx context.Context, caseID string) (int64, error) {
	return lastEventSeq(ctx, l.DB, caseID)
}

// EventsAfter returns up to limit events with seq greater than afterSeq, in
// order. A limit of zero or less returns them all.
func (l Ledger) EventsAfter(ctx context.Context, caseID string, afterSeq int64, limit int) ([]events.Event, error) {
	query := `SELECT case_id,seq,kind,ts,payload_json FROM case_events WHERE case_id=? AND seq>? ORDER BY seq`
	args := []any{caseID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fail("events after", err)
	}
	defer rows.Close()
	res := []events.Event{}
	for rows.Next() {
		var evt events.Event
		var kind, payload string
		if err := rows.Scan(&evt.CaseID, &evt.Seq, &kind, &evt.TS, &payload); err != nil {
			return nil, fail("events after", err)
		}
		evt.Kind = events.Kind(kind)
		evt.Payload = []byte(payload)
		res = append(res, evt)
	}
	return res, fail("events after", rows.Err())
}

// GlobalEvent is an event with its position in the store-wide log, used by
// consumers that follow every case at once.
type GlobalEvent struct {
	Cursor int64
	events.Event
}

// EventsSince follows the event log across all cases by insertion order.
func (l Ledger) EventsSince(ctx context.Context, cursor int64, limit int) ([]GlobalEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT rowid,case_id,seq,kind,ts,payload_json FROM case_events WHERE rowid>? ORDER BY rowid LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, fail("events since", err)
	}
	defer rows.Close()
	res := []GlobalEvent{}
	for rows.Next() {
		var evt GlobalEvent
		var kind, payload string
		if err := rows.Scan(&evt.Cursor, &evt.CaseID, &evt.Seq, &kind, &evt.TS, &payload); err != nil {
			return nil, fail("events since", err)
		}
		evt.Kind = events.Kind(kind)
		evt.Payload = []byte(payload)
		res = append(res, evt)
	}
	return res, fail("events since", rows.Err())
}

// LatestCursor is the current end of the store-wide event log.
func (l Ledger) LatestCursor(ctx context.Context) (int64, error) {
	var cursor int64
	err := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(rowid),0) FROM case_events`).Scan(&cursor)
	return cursor, fail("latest cursor", err)
}
