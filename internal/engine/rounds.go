package engine

import (
	"context"
	"fmt"

	"warroom/internal/domain"
	"warroom/internal/events"
	"warroom/internal/extract"
	"warroom/internal/ledger"
	"warroom/internal/prompts"
)

// deliberate is the round coordinator. Each of the case's k rounds has
// adversarial counsel attack the current strategy; in every round but the
// last the lead strategist answers with a revision. k rounds therefore yield
// k counterarguments and k-1 revisions; k = 0 does nothing.
func (e Engine) deliberate(ctx context.Context, c domain.Case) error {
	k := c.DeliberationRounds
	for round := 1; round <= k; round++ {
		if err := e.write(ctx, c.ID, func(tx *ledger.Tx) error {
			_, err := tx.Emit(c.ID, events.DeliberationRoundStarted, events.Payload{"round": round, "total_rounds": k})
			return err
		}); err != nil {
			return err
		}

		counter, err := e.attack(ctx, c, round)
		if err != nil {
			return err
		}
		completed := events.Payload{"round": round, "total_rounds": k, "counterargument_id": counter.ID}
		if round < k {
			revision, err := e.rebut(ctx, c, round)
			if err != nil {
				return err
			}
			completed["revision_argument_id"] = revision.ID
		}

		if err := e.write(ctx, c.ID, func(tx *ledger.Tx) error {
			_, err := tx.Emit(c.ID, events.DeliberationRoundCompleted, completed)
			return err
		}); err != nil {
			return err
		}
		e.Logger.WithCase(c.ID).WithPhase(string(domain.PhaseDeliberating)).Info("round completed", "round", round, "of", k)
	}
	return nil
}

func (e Engine) attack(ctx context.Context, c domain.Case, round int) (domain.Counterargument, error) {
	args, err := e.Ledger.Arguments(ctx, c.ID)
	if err != nil {
		return domain.Counterargument{}, err
	}
	counters, err := e.Ledger.Counterarguments(ctx, c.ID)
	if err != nil {
		return domain.Counterargument{}, err
	}
	head, ok := lineageHead(args)
	if !ok {
		return domain.Counterargument{}, fmt.Errorf("round %d: no strategy to attack", round)
	}
	var counter domain.Counterargument
	err = e.invoke(ctx, c, invocation{
		role:   domain.RoleAdversarialCounsel,
		phase:  domain.PhaseDeliberating,
		label:  fmt.Sprintf("%s.attack.%d", domain.PhaseDeliberating, round),
		round:  round,
		prompt: prompts.Attack(c, round, head, args, counters),
		record: func(tx *ledger.Tx, run domain.AgentRun, text string) (events.Payload, error) {
			counter = domain.Counterargument{
				CaseID:           c.ID,
				Role:             domain.RoleAdversarialCounsel,
				Round:            round,
				TargetArgumentID: head.ID,
				Content:          domain.Structured(text, extract.AttackVectors(text), nil),
				RunID:            run.ID,
			}
			if err := tx.AppendCounterargument(&counter); err != nil {
				return nil, err
			}
			if err := tx.AppendMessage(&domain.AgentMessage{
				CaseID:    c.ID,
				Sender:    domain.RoleAdversarialCounsel,
				Recipient: string(domain.RoleLeadStrategist),
				Body: map[string]any{
					"event":   "counter",
					"round":   round,
					"refs":    map[string]any{"counterargument_id": counter.ID, "target_argument_id": head.ID},
					"summary": preview(text),
				},
			}); err != nil {
				return nil, err
			}
			return events.Payload{
				"counterargument_id": counter.ID,
				"target_argument_id": head.ID,
				"attack_vectors":     counter.Content.AttackVectors,
			}, nil
		},
	})
	return counter, err
}

func (e Engine) rebut(ctx context.Context, c domain.Case, round int) (domain.Argument, error) {
	args, err := e.Ledger.Arguments(ctx, c.ID)
	if err != nil {
		return domain.Argument{}, err
	}
	counters, err := e.Ledger.Counterarguments(ctx, c.ID)
	if err != nil {
		return domain.Argument{}, err
	}
	head, ok := lineageHead(args)
	if !ok || len(counters) == 0 {
		return domain.Argument{}, fmt.Errorf("round %d: nothing to rebut", round)
	}
	counter := counters[len(counters)-1]
	var revision domain.Argument
	err = e.invoke(ctx, c, invocation{
		role:   domain.RoleLeadStrategist,
		phase:  domain.PhaseDeliberating,
		label:  fmt.Sprintf("%s.rebuttal.%d", domain.PhaseDeliberating, round),
		round:  round,
		prompt: prompts.Rebuttal(c, round, head, counter),
		record: func(tx *ledger.Tx, run domain.AgentRun, text string) (events.Payload, error) {
			revision = domain.Argument{
				CaseID:     c.ID,
				Role:       domain.RoleLeadStrategist,
				Round:      round,
				Kind:       domain.ArgumentRevision,
				Content:    domain.PlainText(text),
				LineageID:  head.LineageID,
				RevisionOf: head.ID,
				RunID:      run.ID,
			}
			if err := tx.AppendArgument(&revision); err != nil {
				return nil, err
			}
			if err := tx.AppendMessage(&domain.AgentMessage{
				CaseID:    c.ID,
				Sender:    domain.RoleLeadStrategist,
				Recipient: string(domain.RoleAdversarialCounsel),
				Body: map[string]any{
					"event":   "rebuttal",
					"round":   round,
					"refs":    map[string]any{"argument_id": revision.ID, "counterargument_id": counter.ID},
					"summary": preview(text),
				},
			}); err != nil {
				return nil, err
			}
			return events.Payload{"argument_id": revision.ID, "revision_of": head.ID}, nil
		},
	})
	return revision, err
}
