package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warroom/internal/bus"
	"warroom/internal/conflict"
	"warroom/internal/db"
	"warroom/internal/domain"
	"warroom/internal/engine"
	"warroom/internal/events"
	"warroom/internal/generator"
	"warroom/internal/ledger"
	"warroom/internal/logging"
	"warroom/internal/migrate"
	"warroom/internal/prompts"
)

type testEnv struct {
	Engine engine.Engine
	Ledger ledger.Ledger
	Bus    *bus.Bus
	Ctx    context.Context
}

func newTestEnv(t *testing.T, gen generator.Generator) testEnv {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))

	l := ledger.New(conn)
	l.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	b := bus.New(l, logging.Nop())
	rounds := 2
	eng := engine.Engine{
		Ledger:    l,
		Bus:       b,
		Generator: gen,
		Retry: generator.RetryPolicy{
			MaxAttempts: 3,
			Sleep:       func(ctx context.Context, d time.Duration) error { return ctx.Err() },
		},
		Detector: conflict.Heuristic{},
		Prompts:  prompts.Defaults(),
		Rounds:   &rounds,
		Logger:   logging.Nop(),
		Now:      l.Now,
	}
	return testEnv{Engine: eng, Ledger: l, Bus: b, Ctx: ctx}
}

func meridian(rounds int) engine.SubmitInput {
	return engine.SubmitInput{
		Title:              "Meridian Ventures tranche dispute",
		Facts:              "Meridian refuses to release Tranche 2 alleging unmet milestone",
		Jurisdiction:       "Delaware",
		Stakes:             "$4M second tranche and the company's runway",
		DeliberationRounds: &rounds,
	}
}

func (env testEnv) submit(t *testing.T, rounds int) domain.Case {
	t.Helper()
	c, err := env.Engine.SubmitCase(env.Ctx, meridian(rounds))
	require.NoError(t, err)
	return c
}

func drain(t *testing.T, sub *bus.Subscription) []events.Event {
	t.Helper()
	var got []events.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				return got
			}
			got = append(got, evt)
		case <-timeout:
			t.Fatalf("stream did not terminate after %d events", len(got))
		}
	}
}

func kinds(evts []events.Event) []events.Kind {
	out := make([]events.Kind, len(evts))
	for i, evt := range evts {
		out[i] = evt.Kind
	}
	return out
}

// flaky fails the first n calls for a role with a transient error and then
// defers to the offline generator.
type flaky struct {
	mu       sync.Mutex
	failures map[domain.Role]int
	calls    map[domain.Role]int
}

func (f *flaky) Generate(ctx context.Context, req generator.Request) (string, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[domain.Role]int{}
	}
	f.calls[req.Role]++
	fail := f.failures[req.Role] > 0
	if fail {
		f.failures[req.Role]--
	}
	f.mu.Unlock()
	if fail {
		return "", generator.Transient("rate limited", nil)
	}
	return generator.Offline{}.Generate(ctx, req)
}

func TestEndToEndMeridianScenario(t *testing.T) {
	env := newTestEnv(t, generator.Offline{})
	c := env.submit(t, 2)
	assert.Equal(t, domain.PhaseCreated, c.Phase)

	sub, err := env.Bus.Subscribe(env.Ctx, c.ID, 0)
	require.NoError(t, err)
	require.NoError(t, env.Engine.Run(env.Ctx, c.ID))
	stream := drain(t, sub)

	snap, err := env.Ledger.Snapshot(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseComplete, snap.Case.Phase)

	require.Len(t, snap.Arguments, 3)
	assert.Equal(t, domain.ArgumentPrimary, snap.Arguments[0].Kind)
	assert.Equal(t, domain.ArgumentPrecedent, snap.Arguments[1].Kind)
	revision := snap.Arguments[2]
	assert.Equal(t, domain.ArgumentRevision, revision.Kind)
	assert.Equal(t, 1, revision.Round)
	assert.Equal(t, snap.Arguments[0].ID, revision.RevisionOf)
	assert.Equal(t, snap.Arguments[0].LineageID, revision.LineageID)

	require.Len(t, snap.Counterarguments, 2)
	assert.Equal(t, 1, snap.Counterarguments[0].Round)
	assert.Equal(t, 2, snap.Counterarguments[1].Round)
	assert.Equal(t, snap.Arguments[0].ID, snap.Counterarguments[0].TargetArgumentID)
	assert.Equal(t, revision.ID, snap.Counterarguments[1].TargetArgumentID)
	assert.True(t, snap.Counterarguments[0].Content.IsStructured())
	assert.Len(t, snap.Counterarguments[0].Content.AttackVectors, 4)

	require.Len(t, snap.Strategies, 1)
	strategy := snap.Strategies[0]
	assert.Equal(t, 1, strategy.Version)
	assert.Len(t, strategy.RejectedAlternatives, 2)
	assert.Equal(t, 3, strategy.Rationale.ArgumentsConsidered)
	assert.Equal(t, 2, strategy.Rationale.CounterargsConsidered)

	require.Len(t, snap.Conflicts, 4)
	resolved := 0
	for _, cf := range snap.Conflicts {
		if cf.Status == domain.ConflictResolved {
			resolved++
			assert.Equal(t, strategy.ID, cf.ResolvedByStrategyID)
		} else {
			assert.Equal(t, "contract performance", cf.Issue)
		}
	}
	assert.Equal(t, 3, resolved)
	assert.Equal(t, 3, strategy.Rationale.ConflictsResolved)

	assert.Equal(t, []events.Kind{
		events.AgentStarted, events.AgentCompleted,
		events.AgentStarted, events.AgentCompleted,
		events.DeliberationRoundStarted,
		events.AgentStarted, events.AgentCompleted,
		events.AgentStarted, events.AgentCompleted,
		events.DeliberationRoundCompleted,
		events.DeliberationRoundStarted,
		events.AgentStarted, events.AgentCompleted,
		events.DeliberationRoundCompleted,
		events.ConflictDetected,
		events.AgentStarted, events.AgentCompleted,
		events.StrategyReady,
	}, kinds(stream))
	for i, evt := range stream {
		assert.Equal(t, int64(i+1), evt.Seq)
	}
	assert.Equal(t, snap.LastEventSeq, stream[len(stream)-1].Seq)

	var ready struct {
		StrategyID    string `json:"strategy_id"`
		Version       int    `json:"version"`
		FinalStrategy string `json:"final_strategy"`
	}
	require.NoError(t, stream[len(stream)-1].Decode(&ready))
	assert.Equal(t, strategy.ID, ready.StrategyID)
	assert.Equal(t, 1, ready.Version)
	assert.Equal(t, strategy.Content, ready.FinalStrategy)

	assert.Len(t, snap.AgentMessages, 4)
	assert.Equal(t, "counter", snap.AgentMessages[0].Body["event"])
	assert.Equal(t, "rebuttal", snap.AgentMessages[1].Body["event"])
	assert.Equal(t, domain.RecipientTeam, snap.AgentMessages[3].Recipient)
}

func TestAgentRunsFollowPhaseOrder(t *testing.T) {
	env := newTestEnv(t, generator.Offline{})
	c := env.submit(t, 2)
	require.NoError(t, env.Engine.Run(env.Ctx, c.ID))

	runs, err := env.Ledger.AgentRuns(env.Ctx, c.ID)
	require.NoError(t, err)
	var phases []domain.Phase
	var labels []string
	for _, run := range runs {
		phases = append(phases, run.Phase)
		labels = append(labels, run.Label)
		assert.Equal(t, domain.OutcomeSuccess, run.Outcome)
		assert.Equal(t, 1, run.AttemptCount)
		assert.True(t, run.Sealed())
	}
	assert.Equal(t, []domain.Phase{
		domain.PhaseStrategizing,
		domain.PhaseResearching,
		domain.PhaseDeliberating,
		domain.PhaseDeliberating,
		domain.PhaseDeliberating,
		domain.PhaseSynthesizing,
	}, phases)
	assert.Equal(t, []string{
		"strategizing",
		"researching",
		"deliberating.attack.1",
		"deliberating.rebuttal.1",
		"deliberating.attack.2",
		"synthesizing",
	}, labels)
}

func TestRoundCountsForEveryK(t *testing.T) {
	for k := 0; k <= 3; k++ {
		t.Run(fmt.Sprintf("k_%d", k), func(t *testing.T) {
			env := newTestEnv(t, generator.Offline{})
			c := env.submit(t, k)
			require.NoError(t, env.Engine.Run(env.Ctx, c.ID))

			counters, err := env.Ledger.Counterarguments(env.Ctx, c.ID)
			require.NoError(t, err)
			args, err := env.Ledger.Arguments(env.Ctx, c.ID)
			require.NoError(t, err)
			revisions := 0
			for _, arg := range args {
				if arg.Kind == domain.ArgumentRevision {
					revisions++
				}
			}
			assert.Len(t, counters, k)
			assert.Equal(t, max(k-1, 0), revisions)
			for i, counter := range counters {
				assert.Equal(t, i+1, counter.Round)
			}
			got, err := env.Ledger.GetCase(env.Ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.PhaseComplete, got.Phase)
		})
	}
}

func TestTransientFailuresThenSuccessWriteOneRecord(t *testing.T) {
	gen := &flaky{failures: map[domain.Role]int{domain.RoleLeadStrategist: 2}}
	env := newTestEnv(t, gen)
	c := env.submit(t, 0)
	require.NoError(t, env.Engine.Run(env.Ctx, c.ID))

	args, err := env.Ledger.Arguments(env.Ctx, c.ID)
	require.NoError(t, err)
	primaries := 0
	for _, arg := range args {
		if arg.Kind == domain.ArgumentPrimary {
			primaries++
		}
	}
	assert.Equal(t, 1, primaries)

	runs, err := env.Ledger.AgentRuns(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, runs[0].Outcome)
	assert.Equal(t, 3, runs[0].AttemptCount)

	steps, err := env.Ledger.ReasoningSteps(env.Ctx, c.ID, runs[0].ID)
	require.NoError(t, err)
	failed := 0
	for _, step := range steps {
		if step.Name == "generation_attempt" {
			failed++
			assert.Equal(t, "error", step.Status)
		}
	}
	assert.Equal(t, 2, failed)
}

func TestExhaustedRetriesFailTheCase(t *testing.T) {
	gen := &flaky{failures: map[domain.Role]int{domain.RolePrecedentResearcher: 10}}
	env := newTestEnv(t, gen)
	c := env.submit(t, 2)
	sub, err := env.Bus.Subscribe(env.Ctx, c.ID, 0)
	require.NoError(t, err)

	err = env.Engine.Run(env.Ctx, c.ID)
	require.Error(t, err)
	assert.True(t, generator.IsPermanent(err))
	stream := drain(t, sub)

	got, err := env.Ledger.GetCase(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, got.Phase)
	assert.Contains(t, got.FailureReason, "precedent_researcher")
	assert.Equal(t, 3, gen.calls[domain.RolePrecedentResearcher])

	last := stream[len(stream)-1]
	assert.Equal(t, events.Error, last.Kind)
	errorEvents := 0
	for _, evt := range stream {
		if evt.Kind == events.Error {
			errorEvents++
		}
	}
	assert.Equal(t, 1, errorEvents)

	runs, err := env.Ledger.AgentRuns(env.Ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, domain.OutcomeFailure, runs[1].Outcome)
	assert.Equal(t, 3, runs[1].AttemptCount)

	args, err := env.Ledger.Arguments(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, args, 1)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	calls := 0
	gen := generator.Func(func(ctx context.Context, req generator.Request) (string, error) {
		calls++
		return "", generator.Permanent("quota exhausted", nil)
	})
	env := newTestEnv(t, gen)
	c := env.submit(t, 1)
	require.Error(t, env.Engine.Run(env.Ctx, c.ID))
	assert.Equal(t, 1, calls)

	got, err := env.Ledger.GetCase(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, got.Phase)
	assert.Contains(t, got.FailureReason, "quota exhausted")
}

type detectorFunc func(ctx context.Context, args []domain.Argument, counters []domain.Counterargument) ([]conflict.Finding, error)

func (f detectorFunc) Detect(ctx context.Context, args []domain.Argument, counters []domain.Counterargument) ([]conflict.Finding, error) {
	return f(ctx, args, counters)
}

func TestDetectorFailureYieldsEmptyConflictSet(t *testing.T) {
	env := newTestEnv(t, generator.Offline{})
	env.Engine.Detector = detectorFunc(func(context.Context, []domain.Argument, []domain.Counterargument) ([]conflict.Finding, error) {
		return nil, errors.New("comparator offline")
	})
	c := env.submit(t, 1)
	require.NoError(t, env.Engine.Run(env.Ctx, c.ID))

	conflicts, err := env.Ledger.Conflicts(env.Ctx, c.ID, "")
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	evts, err := env.Ledger.EventsAfter(env.Ctx, c.ID, 0, 0)
	require.NoError(t, err)
	var detected struct {
		Count    int  `json:"count"`
		Degraded bool `json:"degraded"`
	}
	found := false
	for _, evt := range evts {
		if evt.Kind == events.ConflictDetected {
			found = true
			require.NoError(t, evt.Decode(&detected))
		}
	}
	require.True(t, found)
	assert.Equal(t, 0, detected.Count)
	assert.True(t, detected.Degraded)
}

func TestResynthesisAddsVersionTwo(t *testing.T) {
	env := newTestEnv(t, generator.Offline{})
	c := env.submit(t, 1)
	require.NoError(t, env.Engine.Run(env.Ctx, c.ID))
	before, err := env.Ledger.Strategies(env.Ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, before, 1)

	last, err := env.Ledger.LastEventSeq(env.Ctx, c.ID)
	require.NoError(t, err)
	sub, err := env.Bus.Subscribe(env.Ctx, c.ID, last)
	require.NoError(t, err)

	v2, err := env.Engine.Resynthesize(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, "re-synthesis from ledger state", v2.Rationale.Method)
	assert.Equal(t, []events.Kind{events.AgentStarted, events.AgentCompleted, events.StrategyReady}, kinds(drain(t, sub)))

	after, err := env.Ledger.Strategies(env.Ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, before[0], after[0])
	current, err := env.Ledger.CurrentStrategy(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, current.ID)

	got, err := env.Ledger.GetCase(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseComplete, got.Phase)
}

func TestResynthesizeRequiresCompleteCase(t *testing.T) {
	env := newTestEnv(t, generator.Offline{})
	c := env.submit(t, 1)
	_, err := env.Engine.Resynthesize(env.Ctx, c.ID)
	assert.ErrorIs(t, err, engine.ErrNotComplete)

	_, err = env.Engine.Resynthesize(env.Ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, generator.Offline{})
	_, err := env.Engine.SubmitCase(env.Ctx, engine.SubmitInput{Title: "  ", Facts: "facts"})
	require.Error(t, err)
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
	fields := map[string]bool{}
	for _, f := range ve.Fields {
		fields[f.Field] = true
	}
	assert.Equal(t, map[string]bool{"title": true, "jurisdiction": true, "stakes": true}, fields)

	in := meridian(engine.MaxRounds + 1)
	_, err = env.Engine.SubmitCase(env.Ctx, in)
	assert.True(t, engine.IsValidation(err))

	in.DeliberationRounds = nil
	c, err := env.Engine.SubmitCase(env.Ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 2, c.DeliberationRounds)
}

func TestRunRejectsStartedCase(t *testing.T) {
	env := newTestEnv(t, generator.Offline{})
	c := env.submit(t, 0)
	require.NoError(t, env.Engine.Run(env.Ctx, c.ID))
	assert.ErrorIs(t, env.Engine.Run(env.Ctx, c.ID), ledger.ErrPhaseConflict)
}

// gate blocks the precedent researcher until its context ends.
type gate struct {
	entered chan struct{}
	once    sync.Once
}

func (g *gate) Generate(ctx context.Context, req generator.Request) (string, error) {
	if req.Role == domain.RolePrecedentResearcher {
		g.once.Do(func() { close(g.entered) })
		<-ctx.Done()
		return "", ctx.Err()
	}
	return generator.Offline{}.Generate(ctx, req)
}

func TestOperatorCancelStopsRunningWorkflow(t *testing.T) {
	g := &gate{entered: make(chan struct{})}
	env := newTestEnv(t, g)
	d := engine.NewDispatcher(env.Ctx, env.Engine)
	t.Cleanup(d.Close)

	c, err := d.Submit(env.Ctx, meridian(2))
	require.NoError(t, err)
	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("research never started")
	}
	assert.True(t, d.Running(c.ID))
	assert.ErrorIs(t, d.Start(c.ID), engine.ErrCaseBusy)

	_, err = d.Cancel(env.Ctx, c.ID)
	require.NoError(t, err)
	d.Wait()
	assert.False(t, d.Running(c.ID))

	got, err := env.Ledger.GetCase(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, got.Phase)
	assert.Equal(t, engine.ErrCancelled.Error(), got.FailureReason)

	runs, err := env.Ledger.AgentRuns(env.Ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, domain.OutcomeFailure, runs[1].Outcome)
	assert.True(t, runs[1].Sealed())

	evts, err := env.Ledger.EventsAfter(env.Ctx, c.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, events.Error, evts[len(evts)-1].Kind)

	_, err = d.Cancel(env.Ctx, c.ID)
	assert.ErrorIs(t, err, engine.ErrCaseTerminal)
}

func TestCancelIdleCase(t *testing.T) {
	env := newTestEnv(t, generator.Offline{})
	c := env.submit(t, 1)
	got, err := env.Engine.Cancel(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, got.Phase)
	_, err = env.Engine.Cancel(env.Ctx, c.ID)
	assert.ErrorIs(t, err, engine.ErrCaseTerminal)
}

func TestDispatcherRunsCasesToCompletion(t *testing.T) {
	env := newTestEnv(t, generator.Offline{})
	d := engine.NewDispatcher(env.Ctx, env.Engine)
	var ids []string
	for i := 0; i < 3; i++ {
		c, err := d.Submit(env.Ctx, meridian(1))
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	d.Wait()
	for _, id := range ids {
		got, err := env.Ledger.GetCase(env.Ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.PhaseComplete, got.Phase, id)
	}

	require.NoError(t, d.Resynthesize(env.Ctx, ids[0]))
	d.Wait()
	strategies, err := env.Ledger.Strategies(env.Ctx, ids[0])
	require.NoError(t, err)
	assert.Len(t, strategies, 2)
	d.Close()
}

func TestRecoverInterruptedCases(t *testing.T) {
	env := newTestEnv(t, generator.Offline{})
	stuck := env.submit(t, 1)
	fresh := env.submit(t, 1)
	_, err := env.Ledger.Write(env.Ctx, func(tx *ledger.Tx) error {
		_, err := tx.AdvancePhase(stuck.ID, domain.PhaseCreated, domain.PhaseStrategizing, "")
		return err
	})
	require.NoError(t, err)

	d := engine.NewDispatcher(env.Ctx, env.Engine)
	require.NoError(t, d.Recover(env.Ctx))
	d.Wait()

	got, err := env.Ledger.GetCase(env.Ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, got.Phase)
	assert.Equal(t, "interrupted before completion", got.FailureReason)

	got, err = env.Ledger.GetCase(env.Ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseComplete, got.Phase)
}

func TestCancelAfterGenerationSealsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gen := generator.Func(func(gctx context.Context, req generator.Request) (string, error) {
		if req.Role == domain.RolePrecedentResearcher {
			// The operator cancel lands after the model has answered.
			cancel()
			return generator.Offline{}.Generate(context.Background(), req)
		}
		return generator.Offline{}.Generate(gctx, req)
	})
	env := newTestEnv(t, gen)
	c := env.submit(t, 1)

	require.Error(t, env.Engine.Run(ctx, c.ID))

	got, err := env.Ledger.GetCase(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, got.Phase)
	assert.Equal(t, engine.ErrCancelled.Error(), got.FailureReason)

	runs, err := env.Ledger.AgentRuns(env.Ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.True(t, run.Sealed(), run.Label)
	}
	assert.Equal(t, domain.OutcomeSuccess, runs[0].Outcome)
	assert.Equal(t, domain.OutcomeFailure, runs[1].Outcome)
	assert.Equal(t, 1, runs[1].AttemptCount)

	evts, err := env.Ledger.EventsAfter(env.Ctx, c.ID, 0, 0)
	require.NoError(t, err)
	var completed []string
	for _, evt := range evts {
		if evt.Kind == events.AgentCompleted {
			var p struct {
				Role string `json:"role"`
			}
			require.NoError(t, evt.Decode(&p))
			completed = append(completed, p.Role)
		}
	}
	assert.Equal(t, []string{string(domain.RoleLeadStrategist)}, completed)
	assert.Equal(t, events.Error, evts[len(evts)-1].Kind)
}

func TestLedgerWriteFailureFailsTheCase(t *testing.T) {
	env := newTestEnv(t, generator.Offline{})
	_, err := env.Ledger.DB.ExecContext(env.Ctx, `CREATE TRIGGER counterarguments_disk_full BEFORE INSERT ON counterarguments
BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)
	c := env.submit(t, 2)
	sub, err := env.Bus.Subscribe(env.Ctx, c.ID, 0)
	require.NoError(t, err)

	err = env.Engine.Run(env.Ctx, c.ID)
	require.Error(t, err)
	assert.True(t, ledger.IsPersistence(err))
	var pe *ledger.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "append counterargument", pe.Op)
	assert.ErrorContains(t, err, "disk full")

	stream := drain(t, sub)
	errorEvents := 0
	for _, evt := range stream {
		if evt.Kind == events.Error {
			errorEvents++
		}
	}
	assert.Equal(t, 1, errorEvents)
	assert.Equal(t, events.Error, stream[len(stream)-1].Kind)

	got, err := env.Ledger.GetCase(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, got.Phase)
	assert.Contains(t, got.FailureReason, "disk full")

	snap, err := env.Ledger.Snapshot(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Arguments, 2)
	assert.Empty(t, snap.Counterarguments)
	require.Len(t, snap.AgentRuns, 3)
	attack := snap.AgentRuns[2]
	assert.Equal(t, "deliberating.attack.1", attack.Label)
	assert.Equal(t, domain.OutcomeFailure, attack.Outcome)
	assert.True(t, attack.Sealed())
	assert.Nil(t, snap.Strategy)
}

func TestConfiguredRounds(t *testing.T) {
	env := newTestEnv(t, generator.Offline{})
	in := meridian(0)
	in.DeliberationRounds = nil

	env.Engine.Rounds = nil
	c, err := env.Engine.SubmitCase(env.Ctx, in)
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultRounds, c.DeliberationRounds)

	zero := 0
	env.Engine.Rounds = &zero
	c, err = env.Engine.SubmitCase(env.Ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 0, c.DeliberationRounds)
}

func TestDispatcherSettled(t *testing.T) {
	g := &gate{entered: make(chan struct{})}
	env := newTestEnv(t, g)
	d := engine.NewDispatcher(env.Ctx, env.Engine)
	t.Cleanup(d.Close)

	idle := env.submit(t, 1)
	settled, err := d.Settled(env.Ctx, idle.ID)
	require.NoError(t, err)
	assert.False(t, settled)

	c, err := d.Submit(env.Ctx, meridian(1))
	require.NoError(t, err)
	<-g.entered
	settled, err = d.Settled(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, settled)

	_, err = d.Cancel(env.Ctx, c.ID)
	require.NoError(t, err)
	d.Wait()
	settled, err = d.Settled(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, settled)

	_, err = d.Settled(env.Ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
