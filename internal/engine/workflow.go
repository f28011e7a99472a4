package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"warroom/internal/conflict"
	"warroom/internal/domain"
	"warroom/internal/events"
	"warroom/internal/extract"
	"warroom/internal/ledger"
	"warroom/internal/prompts"
)

func (e Engine) strategize(ctx context.Context, c domain.Case) error {
	return e.invoke(ctx, c, invocation{
		role:   domain.RoleLeadStrategist,
		phase:  domain.PhaseStrategizing,
		label:  string(domain.PhaseStrategizing),
		prompt: prompts.Strategy(c),
		record: func(tx *ledger.Tx, run domain.AgentRun, text string) (events.Payload, error) {
			arg := domain.Argument{
				CaseID:  c.ID,
				Role:    domain.RoleLeadStrategist,
				Kind:    domain.ArgumentPrimary,
				Content: domain.PlainText(text),
				RunID:   run.ID,
			}
			if err := tx.AppendArgument(&arg); err != nil {
				return nil, err
			}
			return events.Payload{"argument_id": arg.ID}, nil
		},
	})
}

func (e Engine) research(ctx context.Context, c domain.Case) error {
	args, err := e.Ledger.Arguments(ctx, c.ID)
	if err != nil {
		return err
	}
	primary, ok := lineageHead(args)
	if !ok {
		return errors.New("research needs the lead strategy, none recorded")
	}
	return e.invoke(ctx, c, invocation{
		role:   domain.RolePrecedentResearcher,
		phase:  domain.PhaseResearching,
		label:  string(domain.PhaseResearching),
		prompt: prompts.Research(c, primary),
		record: func(tx *ledger.Tx, run domain.AgentRun, text string) (events.Payload, error) {
			arg := domain.Argument{
				CaseID:  c.ID,
				Role:    domain.RolePrecedentResearcher,
				Kind:    domain.ArgumentPrecedent,
				Content: domain.PlainText(text),
				RunID:   run.ID,
			}
			if err := tx.AppendArgument(&arg); err != nil {
				return nil, err
			}
			return events.Payload{"argument_id": arg.ID}, nil
		},
	})
}

// lineageHead is the latest argument of the lead strategist: the primary
// strategy or its most recent revision.
func lineageHead(args []domain.Argument) (domain.Argument, bool) {
	for i := len(args) - 1; i >= 0; i-- {
		if args[i].Role == domain.RoleLeadStrategist {
			return args[i], true
		}
	}
	return domain.Argument{}, false
}

// detectConflicts runs the detector exactly once. A detector failure is
// logged and yields an empty set; it never stops the workflow.
func (e Engine) detectConflicts(ctx context.Context, c domain.Case) error {
	log := e.Logger.WithCase(c.ID).WithPhase(string(domain.PhaseDetectingConflicts))
	args, err := e.Ledger.Arguments(ctx, c.ID)
	if err != nil {
		return err
	}
	counters, err := e.Ledger.Counterarguments(ctx, c.ID)
	if err != nil {
		return err
	}
	var findings []conflict.Finding
	degraded := false
	if e.Detector != nil {
		found, err := e.Detector.Detect(ctx, args, counters)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			degraded = true
			log.Warn("conflict detection failed, continuing without conflicts", "err", err)
		default:
			findings = found
		}
	}

	return e.write(ctx, c.ID, func(tx *ledger.Tx) error {
		pass, err := tx.NextDetectionPass(c.ID)
		if err != nil {
			return err
		}
		recorded := make([]domain.Conflict, 0, len(findings))
		for _, f := range findings {
			record := domain.Conflict{
				CaseID:         c.ID,
				DetectionPass:  pass,
				Issue:          f.Issue,
				AgentsInvolved: f.AgentsInvolved,
				Description:    f.Description,
			}
			if err := tx.AppendConflict(&record); err != nil {
				return err
			}
			recorded = append(recorded, record)
		}
		_, err = tx.Emit(c.ID, events.ConflictDetected, events.Payload{
			"detection_pass": pass,
			"count":          len(recorded),
			"conflicts":      recorded,
			"degraded":       degraded,
		})
		if err == nil {
			log.Info("conflicts detected", "count", len(recorded))
		}
		return err
	})
}

func (e Engine) synthesizeFinal(ctx context.Context, c domain.Case) error {
	_, err := e.synthesize(ctx, c, string(domain.PhaseSynthesizing), true)
	return err
}

// synthesize invokes the moderator over the full ledger state and writes the
// next strategy version. Conflicts whose issue the strategy names are marked
// resolved by it. With complete set, the case moves to complete in the same
// transaction that emits strategy_ready.
func (e Engine) synthesize(ctx context.Context, c domain.Case, label string, complete bool) (domain.Strategy, error) {
	args, err := e.Ledger.Arguments(ctx, c.ID)
	if err != nil {
		return domain.Strategy{}, err
	}
	counters, err := e.Ledger.Counterarguments(ctx, c.ID)
	if err != nil {
		return domain.Strategy{}, err
	}
	conflicts, err := e.Ledger.Conflicts(ctx, c.ID, "")
	if err != nil {
		return domain.Strategy{}, err
	}
	method := "multi-round deliberation synthesis"
	if !complete {
		method = "re-synthesis from ledger state"
	}

	var strategy domain.Strategy
	var resolved []domain.Conflict
	err = e.invoke(ctx, c, invocation{
		role:   domain.RoleModerator,
		phase:  domain.PhaseSynthesizing,
		label:  label,
		prompt: prompts.Synthesis(c, args, counters, conflicts),
		record: func(tx *ledger.Tx, run domain.AgentRun, text string) (events.Payload, error) {
			resolved = addressedConflicts(text, conflicts)
			strategy = domain.Strategy{
				CaseID:  c.ID,
				Content: text,
				Rationale: domain.Rationale{
					Method:                method,
					DeliberationRounds:    c.DeliberationRounds,
					ArgumentsConsidered:   len(args),
					CounterargsConsidered: len(counters),
					ConflictsConsidered:   len(conflicts),
					ConflictsResolved:     len(resolved),
				},
				RejectedAlternatives: extract.RejectedAlternatives(text),
				RunID:                run.ID,
			}
			if err := tx.AppendStrategy(&strategy); err != nil {
				return nil, err
			}
			for _, cf := range resolved {
				resolution := fmt.Sprintf("addressed by strategy version %d", strategy.Version)
				if err := tx.ResolveConflict(cf.ID, strategy.ID, resolution); err != nil {
					return nil, err
				}
			}
			if err := tx.AppendMessage(&domain.AgentMessage{
				CaseID:    c.ID,
				Sender:    domain.RoleModerator,
				Recipient: domain.RecipientTeam,
				Body: map[string]any{
					"event":   "strategy_finalized",
					"refs":    map[string]any{"strategy_id": strategy.ID, "version": strategy.Version},
					"summary": preview(text),
				},
			}); err != nil {
				return nil, err
			}
			return events.Payload{"strategy_id": strategy.ID, "version": strategy.Version}, nil
		},
		after: func(tx *ledger.Tx) error {
			if complete {
				if _, err := tx.AdvancePhase(c.ID, domain.PhaseSynthesizing, domain.PhaseComplete, ""); err != nil {
					return err
				}
			}
			resolvedIDs := make([]string, len(resolved))
			for i, cf := range resolved {
				resolvedIDs[i] = cf.ID
			}
			_, err := tx.Emit(c.ID, events.StrategyReady, events.Payload{
				"strategy_id":           strategy.ID,
				"version":               strategy.Version,
				"final_strategy":        strategy.Content,
				"rationale":             strategy.Rationale,
				"rejected_alternatives": strategy.RejectedAlternatives,
				"deliberation_rounds":   c.DeliberationRounds,
				"resolved_conflict_ids": resolvedIDs,
			})
			return err
		},
	})
	if err != nil {
		return domain.Strategy{}, err
	}
	e.Logger.WithCase(c.ID).Info("strategy ready", "version", strategy.Version, "conflicts_resolved", len(resolved))
	return strategy, nil
}

// addressedConflicts returns the unresolved conflicts whose issue label the
// strategy text mentions.
func addressedConflicts(text string, conflicts []domain.Conflict) []domain.Conflict {
	lowered := strings.ToLower(text)
	var out []domain.Conflict
	for _, cf := range conflicts {
		if cf.Status != domain.ConflictUnresolved {
			continue
		}
		issue := strings.ToLower(strings.TrimSpace(cf.Issue))
		if issue != "" && strings.Contains(lowered, issue) {
			out = append(out, cf)
		}
	}
	return out
}
