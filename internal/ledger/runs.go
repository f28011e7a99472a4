package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"warroom/internal/domain"
)

const runColumns = `id,case_id,seq,role,phase,label,round,outcome,attempt_count,COALESCE(error,''),started_at,ended_at`

func scanRun(row rowScanner) (domain.AgentRun, error) {
	var r domain.AgentRun
	var role, phase, outcome string
	var ended sql.NullString
	if err := row.Scan(&r.ID, &r.CaseID, &r.Seq, &role, &phase, &r.Label, &r.Round, &outcome, &r.AttemptCount, &r.Error, &r.StartedAt, &ended); err != nil {
		return r, err
	}
	r.Role = domain.Role(role)
	r.Phase = domain.Phase(phase)
	r.Outcome = domain.RunOutcome(outcome)
	if ended.Valid {
		r.EndedAt = &ended.String
	}
	return r, nil
}

// StartRun opens an unsealed agent run.
func (t *Tx) StartRun(r *domain.AgentRun) error {
	seq, err := t.nextSeq("agent_runs", r.CaseID)
	if err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Seq = seq
	r.Outcome = domain.OutcomeRunning
	r.AttemptCount = 0
	r.StartedAt = t.ledger.timestamp()
	r.EndedAt = nil
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO agent_runs(id,case_id,seq,role,phase,label,round,outcome,attempt_count,started_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.CaseID, r.Seq, string(r.Role), string(r.Phase), r.Label, r.Round, string(r.Outcome), r.AttemptCount, r.StartedAt)
	return fail("start run", err)
}

// MarkRetried records a failed attempt on a run that is still open.
func (t *Tx) MarkRetried(runID string, attempts int, cause string) error {
	return t.updateOpenRun(runID, domain.OutcomeRetried, attempts, cause, false)
}

// SealRun closes a run with its final outcome. A sealed run never changes again.
func (t *Tx) SealRun(runID string, outcome domain.RunOutcome, attempts int, cause string) error {
	if outcome != domain.OutcomeSuccess && outcome != domain.OutcomeFailure {
		return fmt.Errorf("seal run %s: outcome %q is not final", runID, outcome)
	}
	return t.updateOpenRun(runID, outcome, attempts, cause, true)
}

func (t *Tx) updateOpenRun(runID string, outcome domain.RunOutcome, attempts int, cause string, seal bool) error {
	var ended any
	if seal {
		ended = t.ledger.timestamp()
	}
	res, err := t.tx.ExecContext(t.ctx, `UPDATE agent_runs SET outcome=?, attempt_count=?, error=?, ended_at=? WHERE id=? AND ended_at IS NULL`,
		string(outcome), attempts, nullable(cause), ended, runID)
	if err != nil {
		return fail("update run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fail("update run", fmt.Errorf("run %s is sealed or missing", runID))
	}
	return nil
}

// AppendStep adds a reasoning step under a run.
func (t *Tx) AppendStep(s *domain.ReasoningStep) error {
	seq, err := t.nextSeq("reasoning_steps", s.CaseID)
	if err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = "ok"
	}
	s.Seq = seq
	s.CreatedAt = t.ledger.timestamp()
	var detail any
	if len(s.Detail) > 0 {
		raw, err := marshalJSON(s.Detail)
		if err != nil {
			return fail("append step", err)
		}
		detail = raw
	}
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO reasoning_steps(id,case_id,run_id,seq,name,status,detail_json,duration_ms,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.CaseID, s.RunID, s.Seq, s.Name, s.Status, detail, s.DurationMS, s.CreatedAt)
	return fail("append step", err)
}

func listRuns(ctx context.Context, q queryer, caseID string) ([]domain.AgentRun, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE case_id=? ORDER BY seq`, caseID)
	if err != nil {
		return nil, fail("list runs", err)
	}
	defer rows.Close()
	res := []domain.AgentRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fail("list runs", err)
		}
		res = append(res, r)
	}
	return res, fail("list runs", rows.Err())
}

func listSteps(ctx context.Context, q queryer, caseID, runID string) ([]domain.ReasoningStep, error) {
	query := `SELECT id,case_id,run_id,seq,name,status,COALESCE(detail_json,''),duration_ms,created_at FROM reasoning_steps WHERE case_id=?`
	args := []any{caseID}
	if runID != "" {
		query += ` AND run_id=?`
		args = append(args, runID)
	}
	rows, err := q.QueryContext(ctx, query+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fail("list steps", err)
	}
	defer rows.Close()
	res := []domain.ReasoningStep{}
	for rows.Next() {
		var s domain.ReasoningStep
		var detail string
		if err := rows.Scan(&s.ID, &s.CaseID, &s.RunID, &s.Seq, &s.Name, &s.Status, &detail, &s.DurationMS, &s.CreatedAt); err != nil {
			return nil, fail("list steps", err)
		}
		if detail != "" {
			if err := json.Unmarshal([]byte(detail), &s.Detail); err != nil {
				return nil, fail("decode step detail", err)
			}
		}
		res = append(res, s)
	}
	return res, fail("list steps", rows.Err())
}

func (l Ledger) AgentRuns(ctx context.Context, caseID string) ([]domain.AgentRun, error) {
	return listRuns(ctx, l.DB, caseID)
}

// ReasoningSteps lists steps for a case, optionally narrowed to one run.
func (l Ledger) ReasoningSteps(ctx context.Context, caseID, runID string) ([]domain.ReasoningStep, error) {
	return listSteps(ctx, l.DB, caseID, runID)
}
