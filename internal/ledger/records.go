package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"warroom/internal/domain"
)

// AppendArgument writes an argument. A record without a lineage starts its own.
func (t *Tx) AppendArgument(a *domain.Argument) error {
	if err := a.Content.Validate(); err != nil {
		return fmt.Errorf("append argument: %w", err)
	}
	if a.Kind == domain.ArgumentRevision && a.RevisionOf == "" {
		return errors.New("append argument: revision requires revision_of")
	}
	seq, err := t.nextSeq("arguments", a.CaseID)
	if err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.LineageID == "" {
		a.LineageID = a.ID
	}
	a.Seq = seq
	a.CreatedAt = t.ledger.timestamp()
	content, err := marshalJSON(a.Content)
	if err != nil {
		return fail("append argument", err)
	}
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO arguments(id,case_id,seq,role,round,kind,content_json,lineage_id,revision_of,run_id,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.CaseID, a.Seq, string(a.Role), a.Round, string(a.Kind), content, a.LineageID, nullable(a.RevisionOf), a.RunID, a.CreatedAt)
	return fail("append argument", err)
}

func (t *Tx) AppendCounterargument(c *domain.Counterargument) error {
	if err := c.Content.Validate(); err != nil {
		return fmt.Errorf("append counterargument: %w", err)
	}
	if c.Round < 1 {
		return fmt.Errorf("append counterargument: round %d out of range", c.Round)
	}
	seq, err := t.nextSeq("counterarguments", c.CaseID)
	if err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Seq = seq
	c.CreatedAt = t.ledger.timestamp()
	content, err := marshalJSON(c.Content)
	if err != nil {
		return fail("append counterargument", err)
	}
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO counterarguments(id,case_id,seq,role,round,target_argument_id,content_json,run_id,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.CaseID, c.Seq, string(c.Role), c.Round, c.TargetArgumentID, content, c.RunID, c.CreatedAt)
	return fail("append counterargument", err)
}

func (t *Tx) AppendMessage(m *domain.AgentMessage) error {
	seq, err := t.nextSeq("agent_messages", m.CaseID)
	if err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Body == nil {
		m.Body = map[string]any{}
	}
	m.Seq = seq
	m.CreatedAt = t.ledger.timestamp()
	body, err := marshalJSON(m.Body)
	if err != nil {
		return fail("append message", err)
	}
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO agent_messages(id,case_id,seq,sender,recipient,body_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.CaseID, m.Seq, string(m.Sender), m.Recipient, body, m.CreatedAt)
	return fail("append message", err)
}

// Arguments reads inside the transaction, in write order.
func (t *Tx) Arguments(caseID string) ([]domain.Argument, error) {
	return listArguments(t.ctx, t.tx, caseID)
}

func (t *Tx) Counterarguments(caseID string) ([]domain.Counterargument, error) {
	return listCounterarguments(t.ctx, t.tx, caseID)
}

func scanContent(raw string) (domain.Content, error) {
	var c domain.Content
	err := json.Unmarshal([]byte(raw), &c)
	return c, err
}

func listArguments(ctx context.Context, q queryer, caseID string) ([]domain.Argument, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,case_id,seq,role,round,kind,content_json,lineage_id,revision_of,run_id,created_at FROM arguments WHERE case_id=? ORDER BY seq`, caseID)
	if err != nil {
		return nil, fail("list arguments", err)
	}
	defer rows.Close()
	res := []domain.Argument{}
	for rows.Next() {
		var a domain.Argument
		var role, kind, content string
		var revisionOf sql.NullString
		if err := rows.Scan(&a.ID, &a.CaseID, &a.Seq, &role, &a.Round, &kind, &content, &a.LineageID, &revisionOf, &a.RunID, &a.CreatedAt); err != nil {
			return nil, fail("list arguments", err)
		}
		a.Role = domain.Role(role)
		a.Kind = domain.ArgumentKind(kind)
		a.RevisionOf = revisionOf.String
		if a.Content, err = scanContent(content); err != nil {
			return nil, fail("decode argument content", err)
		}
		res = append(res, a)
	}
	return res, fail("list arguments", rows.Err())
}

func listCounterarguments(ctx context.Context, q queryer, caseID string) ([]domain.Counterargument, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,case_id,seq,role,round,target_argument_id,content_json,run_id,created_at FROM counterarguments WHERE case_id=? ORDER BY seq`, caseID)
	if err != nil {
		return nil, fail("list counterarguments", err)
	}
	defer rows.Close()
	res := []domain.Counterargument{}
	for rows.Next() {
		var c domain.Counterargument
		var role, content string
		if err := rows.Scan(&c.ID, &c.CaseID, &c.Seq, &role, &c.Round, &c.TargetArgumentID, &content, &c.RunID, &c.CreatedAt); err != nil {
			return nil, fail("list counterarguments", err)
		}
		c.Role = domain.Role(role)
		if c.Content, err = scanContent(content); err != nil {
			return nil, fail("decode counterargument content", err)
		}
		res = append(res, c)
	}
	return res, fail("list counterarguments", rows.Err())
}

func listMessages(ctx context.Context, q queryer, caseID string) ([]domain.AgentMessage, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,case_id,seq,sender,recipient,body_json,created_at FROM agent_messages WHERE case_id=? ORDER BY seq`, caseID)
	if err != nil {
		return nil, fail("list messages", err)
	}
	defer rows.Close()
	res := []domain.AgentMessage{}
	for rows.Next() {
		var m domain.AgentMessage
		var sender, body string
		if err := rows.Scan(&m.ID, &m.CaseID, &m.Seq, &sender, &m.Recipient, &body, &m.CreatedAt); err != nil {
			return nil, fail("list messages", err)
		}
		m.Sender = domain.Role(sender)
		if err := json.Unmarshal([]byte(body), &m.Body); err != nil {
			return nil, fail("decode message body", err)
		}
		res = append(res, m)
	}
	return res, fail("list messages", rows.Err())
}

func (l Ledger) Arguments(ctx context.Context, caseID string) ([]domain.Argument, error) {
	return listArguments(ctx, l.DB, caseID)
}

func (l Ledger) Counterarguments(ctx context.Context, caseID string) ([]domain.Counterargument, error) {
	return listCounterarguments(ctx, l.DB, caseID)
}

func (l Ledger) AgentMessages(ctx context.Context, caseID string) ([]domain.AgentMessage, error) {
	return listMessages(ctx, l.DB, caseID)
}
