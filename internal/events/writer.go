package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	AgentStarted               Kind = "agent_started"
	AgentCompleted             Kind = "agent_completed"
	DeliberationRoundStarted   Kind = "deliberation_round_started"
	DeliberationRoundCompleted Kind = "deliberation_round_completed"
	ConflictDetected           Kind = "conflict_detected"
	StrategyReady              Kind = "strategy_ready"
	Error                      Kind = "error"
)

var Kinds = []Kind{
	AgentStarted,
	AgentCompleted,
	DeliberationRoundStarted,
	DeliberationRoundCompleted,
	ConflictDetected,
	StrategyReady,
	Error,
}

// Terminal reports whether a stream ends after this kind.
func (k Kind) Terminal() bool {
	return k == StrategyReady || k == Error
}

func (k Kind) Valid() bool {
	for _, candidate := range Kinds {
		if candidate == k {
			return true
		}
	}
	return false
}

type Payload map[string]any

// Event is one entry of a case's ordered event log. Seq is dense and starts
// at 1 for every case.
type Event struct {
	CaseID  string          `json:"case_id"`
	Seq     int64           `json:"seq"`
	Kind    Kind            `json:"kind"`
	TS      string          `json:"ts" format:"date-time"`
	Payload json.RawMessage `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Writer appends events inside the caller's transaction so an event commits
// together with the records it announces.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, caseID string, kind Kind, payload Payload) (Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if !kind.Valid() {
		return Event{}, fmt.Errorf("unknown event kind %q", kind)
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM case_events WHERE case_id=?`, caseID).Scan(&seq); err != nil {
		return Event{}, fmt.Errorf("next event seq: %w", err)
	}
	evt := Event{
		CaseID:  caseID,
		Seq:     seq,
		Kind:    kind,
		TS:      w.Now().UTC().Format(time.RFC3339),
		Payload: data,
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO case_events(case_id,seq,kind,ts,payload_json) VALUES (?,?,?,?,?)`,
		evt.CaseID, evt.Seq, string(evt.Kind), evt.TS, string(data)); err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	return evt, nil
}
