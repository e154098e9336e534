// Package pool implements a bounded pool of reusable sessions with
// create/validate/destroy hooks and idle expiry.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"digital.vasic.vfs/pkg/metrics"
	"digital.vasic.vfs/pkg/retry"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("pool closed")

var errInvalid = errors.New("session failed validation")

// Config describes a pool. Only Create is required.
type Config[T any] struct {
	// Name labels logs and metrics.
	Name string
	// Max bounds the number of outstanding handles. Defaults to 1.
	Max int

	Create func(ctx context.Context) (T, error)
	// Validate reports whether v may be handed out (releasing=false) or
	// returned to the pool (releasing=true).
	Validate func(v T, releasing bool) bool
	Destroy  func(v T) error
	// KeepAlive is the liveness check sent by Use before a release.
	KeepAlive func(ctx context.Context, v T) error

	// IdleTimeout closes sessions left idle for longer. Zero disables it.
	IdleTimeout time.Duration
	Clock       clock.Clock

	// Retry applies to Use and Hold. Defaults to retry.Once.
	Retry  retry.Config
	Logger *zap.Logger
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Max         int
	Live        int
	Idle        int
	Outstanding int
}

// Pool is a bounded pool of values of type T.
type Pool[T any] struct {
	cfg Config[T]
	sem *semaphore.Weighted
	log *zap.Logger

	mu          sync.Mutex
	idle        []*entry[T]
	live        int
	outstanding int
	closed      bool
}

type entry[T any] struct {
	value T
	timer *clock.Timer
}

// New creates a pool. It panics if cfg.Create is nil.
func New[T any](cfg Config[T]) *Pool[T] {
	if cfg.Create == nil {
		panic("pool: nil Create")
	}
	if cfg.Max <= 0 {
		cfg.Max = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Once()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Pool[T]{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.Max)),
		log: log.With(zap.String("pool", cfg.Name)),
	}
}

// Acquire borrows a value, waiting while Max handles are outstanding.
// Idle values failing validation are destroyed and replaced. If ctx is
// done first, Acquire returns ctx.Err() and the pool is unchanged.
func (p *Pool[T]) Acquire(ctx context.Context) (*Handle[T], error) {
	start := p.cfg.Clock.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	metrics.ObservePoolAcquire(p.cfg.Name, p.cfg.Clock.Since(start))

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.sem.Release(1)
			return nil, ErrClosed
		}

		if n := len(p.idle); n > 0 {
			e := p.idle[n-1]
			p.idle = p.idle[:n-1]
			if e.timer != nil {
				e.timer.Stop()
				e.timer = nil
			}
			p.outstanding++
			p.mu.Unlock()

			if p.valid(e.value, false) {
				p.report()
				return &Handle[T]{pool: p, entry: e}, nil
			}

			p.mu.Lock()
			p.outstanding--
			p.live--
			p.mu.Unlock()
			p.destroy(e.value, "invalid")
			continue
		}

		p.live++
		p.outstanding++
		p.mu.Unlock()

		v, err := p.cfg.Create(ctx)
		if err != nil {
			p.mu.Lock()
			p.live--
			p.outstanding--
			p.mu.Unlock()
			p.sem.Release(1)
			p.report()
			return nil, err
		}

		p.log.Debug("session created")
		p.report()
		return &Handle[T]{pool: p, entry: &entry[T]{value: v}}, nil
	}
}

// Stats returns the current counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Max:         p.cfg.Max,
		Live:        p.live,
		Idle:        len(p.idle),
		Outstanding: p.outstanding,
	}
}

// Close destroys idle values. Values released later are destroyed too.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	for _, e := range idle {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	p.mu.Unlock()

	var err error
	for _, e := range idle {
		err = multierr.Append(err, p.destroy(e.value, "closed"))
	}
	p.report()
	return err
}

func (p *Pool[T]) valid(v T, releasing bool) bool {
	return p.cfg.Validate == nil || p.cfg.Validate(v, releasing)
}

func (p *Pool[T]) destroy(v T, reason string) error {
	metrics.RecordPoolDestroyed(p.cfg.Name, reason)
	if p.cfg.Destroy == nil {
		return nil
	}
	err := p.cfg.Destroy(v)
	if err != nil {
		p.log.Debug("failed to destroy session", zap.String("reason", reason), zap.Error(err))
	} else {
		p.log.Debug("session destroyed", zap.String("reason", reason))
	}
	return err
}

// expire closes e if it is still idle.
func (p *Pool[T]) expire(e *entry[T]) {
	p.mu.Lock()
	idx := -1
	for i, ie := range p.idle {
		if ie == e {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle[:idx], p.idle[idx+1:]...)
	e.timer = nil
	p.live--
	p.mu.Unlock()

	p.destroy(e.value, "idle")
	p.report()
}

func (p *Pool[T]) report() {
	s := p.Stats()
	metrics.SetPoolSessions(p.cfg.Name, s.Live, s.Idle, s.Outstanding)
}

// Handle is a borrowed value. Exactly one of Release or Discard takes
// effect; later calls are no-ops.
type Handle[T any] struct {
	pool  *Pool[T]
	entry *entry[T]
	done  atomic.Bool
}

// Value returns the borrowed value.
func (h *Handle[T]) Value() T {
	return h.entry.value
}

// Release returns the value to the pool, or destroys it if it fails
// validation or the pool is closed.
func (h *Handle[T]) Release() {
	if !h.done.CompareAndSwap(false, true) {
		return
	}
	p := h.pool
	ok := p.valid(h.entry.value, true)

	p.mu.Lock()
	p.outstanding--
	switch {
	case p.closed:
		p.live--
		p.mu.Unlock()
		p.destroy(h.entry.value, "closed")
	case !ok:
		p.live--
		p.mu.Unlock()
		p.destroy(h.entry.value, "invalid")
	default:
		e := h.entry
		if p.cfg.IdleTimeout > 0 {
			e.timer = p.cfg.Clock.AfterFunc(p.cfg.IdleTimeout, func() { p.expire(e) })
		}
		p.idle = append(p.idle, e)
		p.mu.Unlock()
	}

	p.sem.Release(1)
	p.report()
}

// Discard destroys the value instead of returning it.
func (h *Handle[T]) Discard() {
	if !h.done.CompareAndSwap(false, true) {
		return
	}
	p := h.pool

	p.mu.Lock()
	p.outstanding--
	p.live--
	p.mu.Unlock()

	p.destroy(h.entry.value, "discarded")
	p.sem.Release(1)
	p.report()
}
