package pool

import (
	"context"

	"go.uber.org/zap"

	"digital.vasic.vfs/pkg/retry"
)

// Use runs fn with a borrowed value. After fn returns, the value is
// pinged with KeepAlive and released; a value failing the ping is
// destroyed. When fn fails on a value that also fails the ping, the
// failure is treated as a dropped connection and fn is retried with a
// fresh value according to the pool's retry config.
func (p *Pool[T]) Use(ctx context.Context, fn func(ctx context.Context, v T) error) error {
	_, err := Call(ctx, p, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}

// Call is Use for functions returning a value.
func Call[T, R any](ctx context.Context, p *Pool[T], fn func(ctx context.Context, v T) (R, error)) (R, error) {
	r, err := retry.DoWithResult(ctx, p.cfg.Retry, func() (R, error) {
		h, err := p.Acquire(ctx)
		if err != nil {
			var zero R
			return zero, err
		}

		r, err := fn(ctx, h.Value())
		if !p.ping(ctx, h) {
			return r, lost(err)
		}
		h.Release()
		return r, err
	})
	return r, retry.Unwrap(err)
}

// Hold is like Call but keeps the value borrowed when fn succeeds, for
// results such as open streams that use the session after fn returns.
// The caller must Release or Discard the returned handle.
func Hold[T, R any](ctx context.Context, p *Pool[T], fn func(ctx context.Context, v T) (R, error)) (R, *Handle[T], error) {
	var held *Handle[T]
	r, err := retry.DoWithResult(ctx, p.cfg.Retry, func() (R, error) {
		h, err := p.Acquire(ctx)
		if err != nil {
			var zero R
			return zero, err
		}

		r, err := fn(ctx, h.Value())
		if err == nil {
			held = h
			return r, nil
		}
		if !p.ping(ctx, h) {
			return r, lost(err)
		}
		h.Release()
		return r, err
	})
	return r, held, retry.Unwrap(err)
}

// Recycle sends KeepAlive on a held value and releases it, or
// discards it when the ping fails. It reports whether the value was
// returned to the pool.
func (h *Handle[T]) Recycle(ctx context.Context) bool {
	if !h.pool.ping(ctx, h) {
		return false
	}
	h.Release()
	return true
}

// ping checks the borrowed value and discards it when dead.
func (p *Pool[T]) ping(ctx context.Context, h *Handle[T]) bool {
	var err error
	if p.cfg.KeepAlive != nil {
		err = p.cfg.KeepAlive(ctx, h.Value())
	} else if !p.valid(h.Value(), true) {
		err = errInvalid
	}
	if err != nil {
		p.log.Debug("keep-alive failed", zap.Error(err))
		h.Discard()
		return false
	}
	return true
}

// lost marks a failure on a dead session as retryable.
func lost(err error) error {
	if err == nil {
		return nil
	}
	return retry.Retryable(err)
}
