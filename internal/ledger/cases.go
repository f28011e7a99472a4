package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"warroom/internal/domain"
)

const caseColumns = `id,title,facts,jurisdiction,stakes,deliberation_rounds,phase,COALESCE(failure_reason,''),created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (domain.Case, error) {
	var c domain.Case
	var phase string
	err := row.Scan(&c.ID, &c.Title, &c.Facts, &c.Jurisdiction, &c.Stakes, &c.DeliberationRounds, &phase, &c.FailureReason, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	c.Phase = domain.Phase(phase)
	return c, err
}

// InsertCase stores a new case in the created phase.
func (t *Tx) InsertCase(c *domain.Case) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := t.ledger.timestamp()
	c.Phase = domain.PhaseCreated
	c.CreatedAt = now
	c.UpdatedAt = now
	c.FailureReason = ""
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO cases(id,title,facts,jurisdiction,stakes,deliberation_rounds,phase,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Title, c.Facts, c.Jurisdiction, c.Stakes, c.DeliberationRounds, string(c.Phase), c.CreatedAt, c.UpdatedAt)
	return fail("insert case", err)
}

// Case reads a case inside the transaction.
func (t *Tx) Case(caseID string) (domain.Case, error) {
	c, err := scanCase(t.tx.QueryRowContext(t.ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, caseID))
	return c, fail("get case", err)
}

// AdvancePhase moves a case from one phase to the next. The update only
// applies if the stored phase still equals from.
func (t *Tx) AdvancePhase(caseID string, from, to domain.Phase, reason string) (domain.Case, error) {
	if err := domain.ValidateTransition(from, to); err != nil {
		return domain.Case{}, fmt.Errorf("%w: %v", ErrPhaseConflict, err)
	}
	if to != domain.PhaseFailed {
		reason = ""
	}
	res, err := t.tx.ExecContext(t.ctx, `UPDATE cases SET phase=?, failure_reason=?, updated_at=? WHERE id=? AND phase=?`,
		string(to), nullable(reason), t.ledger.timestamp(), caseID, string(from))
	if err != nil {
		return domain.Case{}, fail("advance phase", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := t.Case(caseID)
		if err != nil {
			return domain.Case{}, err
		}
		return domain.Case{}, fmt.Errorf("%w: case %s is %s, expected %s", ErrPhaseConflict, caseID, current.Phase, from)
	}
	return t.Case(caseID)
}

func (l Ledger) GetCase(ctx context.Context, id string) (domain.Case, error) {
	c, err := scanCase(l.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
	return c, fail("get case", err)
}

// ListCases pages newest first using a (created_at, id) cursor.
func (l Ledger) ListCases(ctx context.Context, limit int, phase domain.Phase, cursorCreatedAt, cursorID string) ([]domain.Case, error) {
	var (
		clauses []string
		args    []any
	)
	if phase != "" {
		clauses = append(clauses, "phase=?")
		args = append(args, string(phase))
	}
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	query := `SELECT ` + caseColumns + ` FROM cases`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fail("list cases", err)
	}
	defer rows.Close()
	res := []domain.Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fail("list cases", err)
		}
		res = append(res, c)
	}
	return res, fail("list cases", rows.Err())
}

// UnfinishedCases returns cases whose phase is neither complete nor failed.
func (l Ledger) UnfinishedCases(ctx context.Context) ([]domain.Case, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE phase NOT IN (?,?) ORDER BY created_at, id`,
		string(domain.PhaseComplete), string(domain.PhaseFailed))
	if err != nil {
		return nil, fail("unfinished cases", err)
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fail("unfinished cases", err)
		}
		res = append(res, c)
	}
	return res, fail("unfinished cases", rows.Err())
}
