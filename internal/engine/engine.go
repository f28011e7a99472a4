package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"warroom/internal/bus"
	"warroom/internal/conflict"
	"warroom/internal/domain"
	"warroom/internal/events"
	"warroom/internal/generator"
	"warroom/internal/ledger"
	"warroom/internal/logging"
	"warroom/internal/prompts"
)

const (
	DefaultRounds = 2
	MaxRounds     = 10

	maxTitleLen = 200
	maxFieldLen = 20000
)

// Engine runs case workflows. Every step reads the case state it needs from
// the Ledger; nothing is handed from one phase to the next in memory.
type Engine struct {
	Ledger    ledger.Ledger
	Bus       *bus.Bus
	Generator generator.Generator
	Retry     generator.RetryPolicy
	Detector  conflict.Detector
	Prompts   prompts.Set
	// Rounds is the deliberation round count for cases that do not set one.
	// DefaultRounds applies when it is nil.
	Rounds *int
	// MaxTokens and Temperature are passed on every generation request when set.
	MaxTokens   int
	Temperature *float64
	Logger      *logging.Logger
	Now         func() time.Time
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) defaultRounds() int {
	if e.Rounds == nil {
		return DefaultRounds
	}
	return *e.Rounds
}

func (e Engine) publish(caseID string, evts []events.Event) {
	if e.Bus == nil || len(evts) == 0 {
		return
	}
	e.Bus.Publish(caseID, evts...)
}

// write commits fn and publishes the events it emitted.
func (e Engine) write(ctx context.Context, caseID string, fn func(*ledger.Tx) error) error {
	evts, err := e.Ledger.Write(ctx, fn)
	if err != nil {
		return err
	}
	e.publish(caseID, evts)
	return nil
}

// SubmitInput is a new case as received at the submission boundary.
type SubmitInput struct {
	Title        string
	Facts        string
	Jurisdiction string
	Stakes       string
	// DeliberationRounds overrides the configured round count when set.
	DeliberationRounds *int
}

func (e Engine) validate(in SubmitInput) (SubmitInput, int, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Facts = strings.TrimSpace(in.Facts)
	in.Jurisdiction = strings.TrimSpace(in.Jurisdiction)
	in.Stakes = strings.TrimSpace(in.Stakes)

	ve := &ValidationError{}
	required := []struct {
		name, value string
		limit       int
	}{
		{"title", in.Title, maxTitleLen},
		{"facts", in.Facts, maxFieldLen},
		{"jurisdiction", in.Jurisdiction, maxTitleLen},
		{"stakes", in.Stakes, maxFieldLen},
	}
	for _, field := range required {
		switch {
		case field.value == "":
			ve.add(field.name, "is required")
		case utf8.RuneCountInString(field.value) > field.limit:
			ve.add(field.name, fmt.Sprintf("must be at most %d characters", field.limit))
		}
	}
	rounds := e.defaultRounds()
	if in.DeliberationRounds != nil {
		rounds = *in.DeliberationRounds
		if rounds < 0 || rounds > MaxRounds {
			ve.add("deliberation_rounds", fmt.Sprintf("must be between 0 and %d", MaxRounds))
		}
	}
	return in, rounds, ve.orNil()
}

// SubmitCase validates and stores a new case in the created phase. It does
// not start the workflow.
func (e Engine) SubmitCase(ctx context.Context, in SubmitInput) (domain.Case, error) {
	in, rounds, err := e.validate(in)
	if err != nil {
		return domain.Case{}, err
	}
	c := domain.Case{
		Title:              in.Title,
		Facts:              in.Facts,
		Jurisdiction:       in.Jurisdiction,
		Stakes:             in.Stakes,
		DeliberationRounds: rounds,
	}
	if _, err := e.Ledger.Write(ctx, func(tx *ledger.Tx) error {
		return tx.InsertCase(&c)
	}); err != nil {
		return domain.Case{}, err
	}
	e.Logger.WithCase(c.ID).Info("case submitted", "rounds", rounds, "jurisdiction", c.Jurisdiction)
	return c, nil
}

// stage is one phase of the workflow and the work performed in it.
type stage struct {
	phase domain.Phase
	run   func(ctx context.Context, c domain.Case) error
}

func (e Engine) stages() []stage {
	return []stage{
		{domain.PhaseStrategizing, e.strategize},
		{domain.PhaseResearching, e.research},
		{domain.PhaseDeliberating, e.deliberate},
		{domain.PhaseDetectingConflicts, e.detectConflicts},
		{domain.PhaseSynthesizing, e.synthesizeFinal},
	}
}

// Run drives a created case to complete or failed. Each phase is persisted
// before its first invocation. Any error that stops the workflow moves the
// case to failed and emits a single error event.
func (e Engine) Run(ctx context.Context, caseID string) error {
	c, err := e.Ledger.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if c.Phase != domain.PhaseCreated {
		return fmt.Errorf("%w: case %s is %s, expected %s", ledger.ErrPhaseConflict, caseID, c.Phase, domain.PhaseCreated)
	}
	log := e.Logger.WithCase(caseID)
	log.Info("workflow started", "rounds", c.DeliberationRounds)

	for _, st := range e.stages() {
		next, err := e.advance(ctx, c, st.phase)
		if err != nil {
			return e.abort(ctx, caseID, err)
		}
		c = next
		log.WithPhase(string(c.Phase)).Info("phase entered")
		if err := st.run(ctx, c); err != nil {
			return e.abort(ctx, caseID, err)
		}
	}
	log.Info("workflow complete")
	return nil
}

func (e Engine) advance(ctx context.Context, c domain.Case, to domain.Phase) (domain.Case, error) {
	var next domain.Case
	err := e.write(ctx, c.ID, func(tx *ledger.Tx) error {
		var err error
		next, err = tx.AdvancePhase(c.ID, c.Phase, to, "")
		return err
	})
	return next, err
}

// abort moves the case to failed and emits the error event. The ledger write
// ignores ctx cancellation so an operator cancel is still recorded.
func (e Engine) abort(ctx context.Context, caseID string, cause error) error {
	reason := failureReason(ctx, cause)
	log := e.Logger.WithCase(caseID)
	wctx := context.WithoutCancel(ctx)
	err := e.write(wctx, caseID, func(tx *ledger.Tx) error {
		c, err := tx.Case(caseID)
		if err != nil {
			return err
		}
		if c.Phase.Terminal() {
			return errAlreadyTerminal
		}
		if _, err := tx.AdvancePhase(caseID, c.Phase, domain.PhaseFailed, reason); err != nil {
			return err
		}
		_, err = tx.Emit(caseID, events.Error, events.Payload{
			"message": reason,
			"phase":   string(c.Phase),
		})
		return err
	})
	switch {
	case errors.Is(err, errAlreadyTerminal):
		log.Warn("workflow stopped on a finished case", "err", cause)
	case err != nil:
		log.Error("could not record workflow failure", "err", err, "cause", cause)
	default:
		log.Error("workflow failed", "reason", reason)
	}
	return fmt.Errorf("case %s failed: %w", caseID, cause)
}

var errAlreadyTerminal = errors.New("case already terminal")

func failureReason(ctx context.Context, cause error) string {
	if ctx.Err() != nil {
		if c := context.Cause(ctx); c != nil && !errors.Is(c, context.Canceled) {
			return c.Error()
		}
		return ErrCancelled.Error()
	}
	return cause.Error()
}

// Cancel moves a case that has no running workflow straight to failed.
func (e Engine) Cancel(ctx context.Context, caseID string) (domain.Case, error) {
	var out domain.Case
	err := e.write(ctx, caseID, func(tx *ledger.Tx) error {
		c, err := tx.Case(caseID)
		if err != nil {
			return err
		}
		if c.Phase.Terminal() {
			return fmt.Errorf("%w: case %s is %s", ErrCaseTerminal, caseID, c.Phase)
		}
		out, err = tx.AdvancePhase(caseID, c.Phase, domain.PhaseFailed, ErrCancelled.Error())
		if err != nil {
			return err
		}
		_, err = tx.Emit(caseID, events.Error, events.Payload{
			"message": ErrCancelled.Error(),
			"phase":   string(c.Phase),
		})
		return err
	})
	if err != nil {
		return domain.Case{}, err
	}
	e.Logger.WithCase(caseID).Warn("case cancelled", "phase", out.Phase)
	return out, nil
}

// Resynthesize writes the next strategy version of a complete case from the
// current ledger state. The case stays complete.
func (e Engine) Resynthesize(ctx context.Context, caseID string) (domain.Strategy, error) {
	c, err := e.Ledger.GetCase(ctx, caseID)
	if err != nil {
		return domain.Strategy{}, err
	}
	if c.Phase != domain.PhaseComplete {
		return domain.Strategy{}, fmt.Errorf("%w: case %s is %s", ErrNotComplete, caseID, c.Phase)
	}
	e.Logger.WithCase(caseID).Info("re-synthesis started")
	strategy, err := e.synthesize(ctx, c, "resynthesizing", false)
	if err != nil {
		reason := failureReason(ctx, err)
		if werr := e.write(context.WithoutCancel(ctx), caseID, func(tx *ledger.Tx) error {
			_, err := tx.Emit(caseID, events.Error, events.Payload{
				"message":   reason,
				"phase":     string(c.Phase),
				"operation": "resynthesize",
			})
			return err
		}); werr != nil {
			e.Logger.WithCase(caseID).Error("could not record re-synthesis failure", "err", werr)
		}
		return domain.Strategy{}, err
	}
	return strategy, nil
}

// RecoverInterrupted fails every case left mid-workflow by a previous process
// and returns the cases that never started, which can be run again.
func (e Engine) RecoverInterrupted(ctx context.Context) ([]domain.Case, error) {
	cases, err := e.Ledger.UnfinishedCases(ctx)
	if err != nil {
		return nil, err
	}
	var pending []domain.Case
	for _, c := range cases {
		if c.Phase == domain.PhaseCreated {
			pending = append(pending, c)
			continue
		}
		reason := "interrupted before completion"
		err := e.write(ctx, c.ID, func(tx *ledger.Tx) error {
			if _, err := tx.AdvancePhase(c.ID, c.Phase, domain.PhaseFailed, reason); err != nil {
				return err
			}
			_, err := tx.Emit(c.ID, events.Error, events.Payload{"message": reason, "phase": string(c.Phase)})
			return err
		})
		if err != nil {
			return nil, err
		}
		e.Logger.WithCase(c.ID).Warn("interrupted case marked failed", "phase", c.Phase)
	}
	return pending, nil
}
