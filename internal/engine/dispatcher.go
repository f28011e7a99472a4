package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"warroom/internal/domain"
)

// Dispatcher runs one goroutine per active case on its own context, so a
// workflow outlives the request that started it and any subscriber watching
// it. Only an operator cancel or Close stops a running workflow.
type Dispatcher struct {
	engine Engine
	base   context.Context
	stop   context.CancelCauseFunc

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	wg      sync.WaitGroup
}

func NewDispatcher(ctx context.Context, e Engine) *Dispatcher {
	base, stop := context.WithCancelCause(context.WithoutCancel(ctx))
	return &Dispatcher{
		engine:  e,
		base:    base,
		stop:    stop,
		running: make(map[string]context.CancelCauseFunc),
	}
}

func (d *Dispatcher) Engine() Engine {
	return d.engine
}

// Submit stores a new case and starts its workflow.
func (d *Dispatcher) Submit(ctx context.Context, in SubmitInput) (domain.Case, error) {
	c, err := d.engine.SubmitCase(ctx, in)
	if err != nil {
		return domain.Case{}, err
	}
	if err := d.Start(c.ID); err != nil {
		return domain.Case{}, err
	}
	return c, nil
}

// Start runs the workflow of a created case in the background.
func (d *Dispatcher) Start(caseID string) error {
	return d.launch(caseID, func(ctx context.Context) error {
		return d.engine.Run(ctx, caseID)
	})
}

// Resynthesize checks the case is complete and writes the next strategy
// version in the background.
func (d *Dispatcher) Resynthesize(ctx context.Context, caseID string) error {
	c, err := d.engine.Ledger.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if c.Phase != domain.PhaseComplete {
		return fmt.Errorf("%w: case %s is %s", ErrNotComplete, caseID, c.Phase)
	}
	return d.launch(caseID, func(ctx context.Context) error {
		_, err := d.engine.Resynthesize(ctx, caseID)
		return err
	})
}

func (d *Dispatcher) launch(caseID string, fn func(ctx context.Context) error) error {
	if err := d.base.Err(); err != nil {
		return fmt.Errorf("dispatcher stopped: %w", context.Cause(d.base))
	}
	d.mu.Lock()
	if _, busy := d.running[caseID]; busy {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCaseBusy, caseID)
	}
	ctx, cancel := context.WithCancelCause(d.base)
	d.running[caseID] = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.running, caseID)
			d.mu.Unlock()
			cancel(nil)
		}()
		defer func() {
			if r := recover(); r != nil {
				d.engine.Logger.WithCase(caseID).Error("workflow panicked", "panic", r)
				_ = d.engine.abort(context.WithoutCancel(ctx), caseID, fmt.Errorf("workflow panicked: %v", r))
			}
		}()
		if err := fn(ctx); err != nil {
			d.engine.Logger.WithCase(caseID).Debug("workflow ended with error", "err", err)
		}
	}()
	return nil
}

// Cancel stops a running workflow, which then records the case as failed.
// A case with no running workflow is failed directly.
func (d *Dispatcher) Cancel(ctx context.Context, caseID string) (domain.Case, error) {
	d.mu.Lock()
	cancel, running := d.running[caseID]
	d.mu.Unlock()
	if !running {
		return d.engine.Cancel(ctx, caseID)
	}
	c, err := d.engine.Ledger.GetCase(ctx, caseID)
	if err != nil {
		return domain.Case{}, err
	}
	if c.Phase == domain.PhaseFailed {
		return domain.Case{}, fmt.Errorf("%w: case %s is %s", ErrCaseTerminal, caseID, c.Phase)
	}
	// For a running re-synthesis the case stays complete.
	cancel(ErrCancelled)
	return c, nil
}

// Running reports whether a workflow or re-synthesis is active for the case.
func (d *Dispatcher) Running(caseID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[caseID]
	return ok
}

// Settled reports whether a case is terminal and has no workflow or
// re-synthesis running in this process.
func (d *Dispatcher) Settled(ctx context.Context, caseID string) (bool, error) {
	if d.Running(caseID) {
		return false, nil
	}
	c, err := d.engine.Ledger.GetCase(ctx, caseID)
	if err != nil {
		return false, err
	}
	return c.Phase.Terminal() && !d.Running(caseID), nil
}

// Wait blocks until every launched workflow has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close interrupts every running workflow and waits for them to record their
// failure.
func (d *Dispatcher) Close() {
	d.stop(ErrShutdown)
	d.wg.Wait()
}

// Recover fails cases a previous process left mid-workflow and restarts the
// ones that never began.
func (d *Dispatcher) Recover(ctx context.Context) error {
	pending, err := d.engine.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, c := range pending {
		if err := d.Start(c.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
