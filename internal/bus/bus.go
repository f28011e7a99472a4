// Package bus fans case events out to live subscribers. A subscription first
// replays the persisted log and then follows live publishes, so an observer
// sees the same ordered sequence whenever it attaches.
package bus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"warroom/internal/events"
	"warroom/internal/logging"
)

const (
	defaultInbox = 64
	defaultPoll  = time.Second
	replayPage   = 500
)

// Source reads the persisted event log of a case.
type Source interface {
	EventsAfter(ctx context.Context, caseID string, afterSeq int64, limit int) ([]events.Event, error)
}

// SettledFunc reports whether a case is finished with nothing in flight that
// could still append events.
type SettledFunc func(ctx context.Context, caseID string) (bool, error)

type Option func(*Bus)

// WithSettled ends a subscription once the case has settled and the log has
// been replayed, even when no terminal event is left to deliver.
func WithSettled(fn SettledFunc) Option {
	return func(b *Bus) {
		b.settled = fn
	}
}

// WithPollInterval sets how often a subscription re-reads the Source for
// events committed by writers that do not publish to this Bus.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.poll = d
		}
	}
}

type subscriber struct {
	inbox chan events.Event
	// wake is signalled when the inbox overflowed and the pump must resync
	// from the Source.
	wake chan struct{}
}

func (s *subscriber) offer(evt events.Event) {
	select {
	case s.inbox <- evt:
	default:
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Bus delivers events per case. Publish never blocks on slow subscribers.
type Bus struct {
	source  Source
	settled SettledFunc
	logger  *logging.Logger
	inbox   int
	poll    time.Duration

	mu     sync.RWMutex
	subs   map[string]map[uint64]*subscriber
	nextID atomic.Uint64
}

func New(source Source, logger *logging.Logger, opts ...Option) *Bus {
	b := &Bus{
		source: source,
		logger: logger,
		inbox:  defaultInbox,
		poll:   defaultPoll,
		subs:   make(map[string]map[uint64]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish hands committed events of one case to its current subscribers.
func (b *Bus) Publish(caseID string, evts ...events.Event) {
	if len(evts) == 0 {
		return
	}
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs[caseID]))
	for _, sub := range b.subs[caseID] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		for _, evt := range evts {
			sub.offer(evt)
		}
	}
}

// Subscription is an ordered stream of one case's events. C closes after a
// terminal event or once the case has settled with nothing left to replay. It
// also closes when the subscribing context ends or a read fails; Err reports
// the failure once C is closed.
type Subscription struct {
	C   <-chan events.Event
	err error
}

func (s *Subscription) Err() error {
	return s.err
}

// Subscribe streams every event of caseID with seq greater than afterSeq.
func (b *Bus) Subscribe(ctx context.Context, caseID string, afterSeq int64) (*Subscription, error) {
	if caseID == "" {
		return nil, errors.New("case id is required")
	}
	if afterSeq < 0 {
		afterSeq = 0
	}
	sub := &subscriber{
		inbox: make(chan events.Event, b.inbox),
		wake:  make(chan struct{}, 1),
	}
	id := b.nextID.Add(1)
	b.mu.Lock()
	if b.subs[caseID] == nil {
		b.subs[caseID] = make(map[uint64]*subscriber)
	}
	b.subs[caseID][id] = sub
	b.mu.Unlock()

	out := make(chan events.Event)
	s := &Subscription{C: out}
	go func() {
		defer close(out)
		defer b.unregister(caseID, id)
		defer func() {
			if r := recover(); r != nil {
				s.err = fmt.Errorf("event pump panicked: %v", r)
				b.logger.Error("event pump panicked", "case_id", caseID, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		p := pump{ctx: ctx, caseID: caseID, source: b.source, settled: b.settled, poll: b.poll, last: afterSeq, out: out}
		if err := p.run(sub); err != nil && ctx.Err() == nil {
			s.err = err
			b.logger.Warn("event subscription ended", "case_id", caseID, "err", err)
		}
	}()
	return s, nil
}

func (b *Bus) unregister(caseID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[caseID], id)
	if len(b.subs[caseID]) == 0 {
		delete(b.subs, caseID)
	}
}

// Subscribers is the number of open subscriptions for a case.
func (b *Bus) Subscribers(caseID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[caseID])
}

var errDone = errors.New("stream complete")

type pump struct {
	ctx     context.Context
	caseID  string
	source  Source
	settled SettledFunc
	poll    time.Duration
	last    int64
	out     chan<- events.Event
}

func (p *pump) run(sub *subscriber) error {
	if err := p.sync(); err != nil {
		return ignoreDone(err)
	}
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return p.ctx.Err()
		case <-ticker.C:
			if err := p.sync(); err != nil {
				return ignoreDone(err)
			}
		case <-sub.wake:
			if err := p.catchUp(); err != nil {
				return ignoreDone(err)
			}
		case evt := <-sub.inbox:
			var err error
			switch {
			case evt.Seq <= p.last:
				continue
			case evt.Seq == p.last+1:
				err = p.send(evt)
			default:
				// A gap means events were dropped on overflow; they are
				// committed, so the log has them.
				err = p.catchUp()
			}
			if err != nil {
				return ignoreDone(err)
			}
		}
	}
}

// sync replays the log and ends the stream if the case had settled before
// the replay began, so a write landing between the two is still delivered.
func (p *pump) sync() error {
	var settled bool
	if p.settled != nil {
		var err error
		if settled, err = p.settled(p.ctx, p.caseID); err != nil {
			return fmt.Errorf("case status: %w", err)
		}
	}
	if err := p.catchUp(); err != nil {
		return err
	}
	if settled {
		return errDone
	}
	return nil
}

func (p *pump) catchUp() error {
	for {
		page, err := p.source.EventsAfter(p.ctx, p.caseID, p.last, replayPage)
		if err != nil {
			return fmt.Errorf("replay events: %w", err)
		}
		for _, evt := range page {
			if evt.Seq <= p.last {
				continue
			}
			if err := p.send(evt); err != nil {
				return err
			}
		}
		if len(page) < replayPage {
			return nil
		}
	}
}

func (p *pump) send(evt events.Event) error {
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case p.out <- evt:
	}
	p.last = evt.Seq
	if evt.Kind.Terminal() {
		return errDone
	}
	return nil
}

func ignoreDone(err error) error {
	if errors.Is(err, errDone) {
		return nil
	}
	return err
}
