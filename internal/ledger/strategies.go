package ledger

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"warroom/internal/domain"
)

// AppendStrategy writes the next strategy version for the case. Earlier
// versions stay untouched.
func (t *Tx) AppendStrategy(s *domain.Strategy) error {
	var version int
	if err := t.tx.QueryRowContext(t.ctx, `SELECT COALESCE(MAX(version),0)+1 FROM strategies WHERE case_id=?`, s.CaseID).Scan(&version); err != nil {
		return fail("next strategy version", err)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.RejectedAlternatives == nil {
		s.RejectedAlternatives = []string{}
	}
	s.Version = version
	s.CreatedAt = t.ledger.timestamp()
	rationale, err := marshalJSON(s.Rationale)
	if err != nil {
		return fail("append strategy", err)
	}
	rejected, err := marshalStrings(s.RejectedAlternatives)
	if err != nil {
		return fail("append strategy", err)
	}
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO strategies(id,case_id,version,content,rationale_json,rejected_json,run_id,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.CaseID, s.Version, s.Content, rationale, rejected, s.RunID, s.CreatedAt)
	return fail("append strategy", err)
}

func listStrategies(ctx context.Context, q queryer, caseID string) ([]domain.Strategy, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,case_id,version,content,rationale_json,rejected_json,run_id,created_at FROM strategies WHERE case_id=? ORDER BY version`, caseID)
	if err != nil {
		return nil, fail("list strategies", err)
	}
	defer rows.Close()
	res := []domain.Strategy{}
	for rows.Next() {
		var s domain.Strategy
		var rationale, rejected string
		if err := rows.Scan(&s.ID, &s.CaseID, &s.Version, &s.Content, &rationale, &rejected, &s.RunID, &s.CreatedAt); err != nil {
			return nil, fail("list strategies", err)
		}
		if err := json.Unmarshal([]byte(rationale), &s.Rationale); err != nil {
			return nil, fail("decode strategy rationale", err)
		}
		if s.RejectedAlternatives, err = unmarshalStrings(rejected); err != nil {
			return nil, fail("decode rejected alternatives", err)
		}
		res = append(res, s)
	}
	return res, fail("list strategies", rows.Err())
}

// Strategies returns every version, oldest first.
func (l Ledger) Strategies(ctx context.Context, caseID string) ([]domain.Strategy, error) {
	return listStrategies(ctx, l.DB, caseID)
}

// CurrentStrategy returns the highest version.
func (l Ledger) CurrentStrategy(ctx context.Context, caseID string) (domain.Strategy, error) {
	items, err := listStrategies(ctx, l.DB, caseID)
	if err != nil {
		return domain.Strategy{}, err
	}
	if len(items) == 0 {
		return domain.Strategy{}, ErrNotFound
	}
	return items[len(items)-1], nil
}
