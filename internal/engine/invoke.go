package engine

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"warroom/internal/domain"
	"warroom/internal/events"
	"warroom/internal/generator"
	"warroom/internal/ledger"
)

const previewLen = 500

// invocation is one agent turn: a single AgentRun wrapping a bounded-retry
// generation call and the records written from its output.
type invocation struct {
	role   domain.Role
	phase  domain.Phase
	label  string
	round  int
	prompt string
	// record writes the records derived from the generated text inside the
	// completing transaction and returns extra agent_completed payload fields.
	record func(tx *ledger.Tx, run domain.AgentRun, text string) (events.Payload, error)
	// after runs in the same transaction once agent_completed is emitted.
	after func(tx *ledger.Tx) error
}

func (e Engine) invoke(ctx context.Context, c domain.Case, inv invocation) error {
	log := e.Logger.WithCase(c.ID).WithPhase(inv.label).WithRole(string(inv.role))
	run := domain.AgentRun{CaseID: c.ID, Role: inv.role, Phase: inv.phase, Label: inv.label, Round: inv.round}
	if err := e.write(ctx, c.ID, func(tx *ledger.Tx) error {
		if err := tx.StartRun(&run); err != nil {
			return err
		}
		if err := tx.AppendStep(&domain.ReasoningStep{
			CaseID: c.ID,
			RunID:  run.ID,
			Name:   "context_assembled",
			Detail: map[string]any{"prompt_chars": utf8.RuneCountInString(inv.prompt), "round": inv.round},
		}); err != nil {
			return err
		}
		_, err := tx.Emit(c.ID, events.AgentStarted, events.Payload{
			"run_id": run.ID,
			"role":   string(inv.role),
			"phase":  inv.label,
			"round":  inv.round,
		})
		return err
	}); err != nil {
		return err
	}
	log.Debug("agent started", "run_id", run.ID)

	start := time.Now()
	req := generator.Request{
		Role:        inv.role,
		System:      e.Prompts.SystemFor(inv.role),
		Prompt:      inv.prompt,
		MaxTokens:   e.MaxTokens,
		Temperature: e.Temperature,
	}
	res, genErr := generator.Invoke(ctx, e.Generator, e.Retry, req, func(a generator.Attempt) error {
		log.Warn("generation retry", "attempt", a.Number, "backoff", a.Backoff, "err", a.Err)
		return e.write(ctx, c.ID, func(tx *ledger.Tx) error {
			if err := tx.MarkRetried(run.ID, a.Number, a.Err.Error()); err != nil {
				return err
			}
			return tx.AppendStep(&domain.ReasoningStep{
				CaseID:     c.ID,
				RunID:      run.ID,
				Name:       "generation_attempt",
				Status:     "error",
				Detail:     map[string]any{"attempt": a.Number, "error": a.Err.Error(), "backoff_ms": a.Backoff.Milliseconds()},
				DurationMS: a.Elapsed.Milliseconds(),
			})
		})
	})
	elapsed := time.Since(start)
	if genErr != nil {
		cause := fmt.Errorf("%s (%s): %w", inv.role, inv.label, genErr)
		msg := failureReason(ctx, cause)
		e.sealFailed(ctx, run, "generation", res.Attempts, msg, elapsed)
		return cause
	}

	err := e.write(ctx, c.ID, func(tx *ledger.Tx) error {
		if err := tx.AppendStep(&domain.ReasoningStep{
			CaseID:     c.ID,
			RunID:      run.ID,
			Name:       "generation",
			Detail:     map[string]any{"attempts": res.Attempts, "chars": utf8.RuneCountInString(res.Text)},
			DurationMS: elapsed.Milliseconds(),
		}); err != nil {
			return err
		}
		extra, err := inv.record(tx, run, res.Text)
		if err != nil {
			return err
		}
		if err := tx.AppendStep(&domain.ReasoningStep{CaseID: c.ID, RunID: run.ID, Name: "record_written", Detail: extra}); err != nil {
			return err
		}
		if err := tx.SealRun(run.ID, domain.OutcomeSuccess, res.Attempts, ""); err != nil {
			return err
		}
		payload := events.Payload{
			"run_id":        run.ID,
			"role":          string(inv.role),
			"phase":         inv.label,
			"round":         inv.round,
			"attempt_count": res.Attempts,
			"preview":       preview(res.Text),
		}
		for k, v := range extra {
			payload[k] = v
		}
		if _, err := tx.Emit(c.ID, events.AgentCompleted, payload); err != nil {
			return err
		}
		if inv.after != nil {
			return inv.after(tx)
		}
		return nil
	})
	if err != nil {
		// The completing transaction rolled back, so the run is still open.
		e.sealFailed(ctx, run, "record_written", res.Attempts, failureReason(ctx, err), elapsed)
		return fmt.Errorf("%s (%s): %w", inv.role, inv.label, err)
	}
	return nil
}

// sealFailed closes a run as a failure with an error step. It writes even
// when ctx is cancelled so a cancelled case leaves no open run behind.
func (e Engine) sealFailed(ctx context.Context, run domain.AgentRun, step string, attempts int, msg string, elapsed time.Duration) {
	err := e.write(context.WithoutCancel(ctx), run.CaseID, func(tx *ledger.Tx) error {
		if err := tx.AppendStep(&domain.ReasoningStep{
			CaseID:     run.CaseID,
			RunID:      run.ID,
			Name:       step,
			Status:     "error",
			Detail:     map[string]any{"attempts": attempts, "error": msg},
			DurationMS: elapsed.Milliseconds(),
		}); err != nil {
			return err
		}
		return tx.SealRun(run.ID, domain.OutcomeFailure, attempts, msg)
	})
	if err != nil {
		e.Logger.WithCase(run.CaseID).Error("could not seal failed run", "run_id", run.ID, "err", err)
	}
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewLen {
		return text
	}
	return string([]rune(text)[:previewLen]) + "..."
}
