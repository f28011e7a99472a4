package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"warroom/internal/domain"
)

// NextDetectionPass returns the pass number for a new detection run.
func (t *Tx) NextDetectionPass(caseID string) (int, error) {
	var pass int
	err := t.tx.QueryRowContext(t.ctx, `SELECT COALESCE(MAX(detection_pass),0)+1 FROM conflicts WHERE case_id=?`, caseID).Scan(&pass)
	return pass, fail("next detection pass", err)
}

func (t *Tx) AppendConflict(c *domain.Conflict) error {
	if len(c.AgentsInvolved) < 2 {
		return fmt.Errorf("append conflict: %d roles involved, need at least 2", len(c.AgentsInvolved))
	}
	seq, err := t.nextSeq("conflicts", c.CaseID)
	if err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Seq = seq
	c.Status = domain.ConflictUnresolved
	c.Resolution = ""
	c.ResolvedByStrategyID = ""
	c.ResolvedAt = nil
	c.CreatedAt = t.ledger.timestamp()
	agents, err := marshalJSON(c.AgentsInvolved)
	if err != nil {
		return fail("append conflict", err)
	}
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO conflicts(id,case_id,seq,detection_pass,issue,agents_json,description,status,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.CaseID, c.Seq, c.DetectionPass, c.Issue, agents, c.Description, string(c.Status), c.CreatedAt)
	return fail("append conflict", err)
}

// ResolveConflict marks an unresolved conflict as addressed by a strategy.
func (t *Tx) ResolveConflict(conflictID, strategyID, resolution string) error {
	res, err := t.tx.ExecContext(t.ctx, `UPDATE conflicts SET status=?, resolution=?, resolved_by_strategy_id=?, resolved_at=? WHERE id=? AND status=?`,
		string(domain.ConflictResolved), nullable(resolution), nullable(strategyID), t.ledger.timestamp(), conflictID, string(domain.ConflictUnresolved))
	if err != nil {
		return fail("resolve conflict", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fail("resolve conflict", fmt.Errorf("conflict %s is resolved or missing", conflictID))
	}
	return nil
}

func (t *Tx) Conflicts(caseID string) ([]domain.Conflict, error) {
	return listConflicts(t.ctx, t.tx, caseID, "")
}

func listConflicts(ctx context.Context, q queryer, caseID string, status domain.ConflictStatus) ([]domain.Conflict, error) {
	query := `SELECT id,case_id,seq,detection_pass,issue,agents_json,description,status,COALESCE(resolution,''),COALESCE(resolved_by_strategy_id,''),created_at,resolved_at FROM conflicts WHERE case_id=?`
	args := []any{caseID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, string(status))
	}
	rows, err := q.QueryContext(ctx, query+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fail("list conflicts", err)
	}
	defer rows.Close()
	res := []domain.Conflict{}
	for rows.Next() {
		var c domain.Conflict
		var agents, st string
		var resolvedAt sql.NullString
		if err := rows.Scan(&c.ID, &c.CaseID, &c.Seq, &c.DetectionPass, &c.Issue, &agents, &c.Description, &st, &c.Resolution, &c.ResolvedByStrategyID, &c.CreatedAt, &resolvedAt); err != nil {
			return nil, fail("list conflicts", err)
		}
		if err := json.Unmarshal([]byte(agents), &c.AgentsInvolved); err != nil {
			return nil, fail("decode conflict agents", err)
		}
		c.Status = domain.ConflictStatus(st)
		if resolvedAt.Valid {
			c.ResolvedAt = &resolvedAt.String
		}
		res = append(res, c)
	}
	return res, fail("list conflicts", rows.Err())
}

// Conflicts lists a case's conflicts, optionally filtered by status.
func (l Ledger) Conflicts(ctx context.Context, caseID string, status domain.ConflictStatus) ([]domain.Conflict, error) {
	return listConflicts(ctx, l.DB, caseID, status)
}
