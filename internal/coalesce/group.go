// Package coalesce collapses concurrent requests for the same key into a
// single producer call.
package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ErrPanic wraps a value recovered from a panicking producer.
var ErrPanic = errors.New("coalesce: producer panicked")

// call tracks the callers waiting on one producer and the context it runs on.
type call struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Group deduplicates in-flight work per key. The zero value is not usable;
// construct with New.
type Group[V any] struct {
	sf       singleflight.Group
	mu       sync.Mutex
	calls    map[string]*call
	inFlight atomic.Int64
}

// New returns an empty Group.
func New[V any]() *Group[V] {
	return &Group[V]{calls: make(map[string]*call)}
}

// Do runs fn once per key among concurrent callers. Every caller receives the
// producer's result; shared reports whether the result went to more than one
// caller. A caller that gives up returns ctx.Err() while the others keep
// waiting; the producer's context is cancelled once no caller is left. A
// panic in fn is returned to every waiter as an error wrapping ErrPanic.
func (g *Group[V]) Do(ctx context.Context, key string, fn func(ctx context.Context) (V, error)) (V, bool, error) {
	g.mu.Lock()
	c, ok := g.calls[key]
	if !ok {
		pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &call{ctx: pctx, cancel: cancel}
		g.calls[key] = c
	}
	c.waiters++
	ch := g.sf.DoChan(key, func() (any, error) {
		return g.produce(c.ctx, fn)
	})
	g.mu.Unlock()
	defer g.leave(key, c)

	var zero V
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		value, _ := res.Val.(V)
		return value, res.Shared, nil
	}
}

func (g *Group[V]) produce(ctx context.Context, fn func(ctx context.Context) (V, error)) (v any, err error) {
	g.inFlight.Add(1)
	defer func() {
		g.inFlight.Add(-1)
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn(ctx)
}

// leave drops one waiter from c and cancels its producer when none remain.
func (g *Group[V]) leave(key string, c *call) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c.waiters--
	if c.waiters > 0 {
		return
	}
	if g.calls[key] == c {
		delete(g.calls, key)
		g.sf.Forget(key)
	}
	c.cancel()
}

// Forget drops key so the next Do starts a fresh producer even if one is
// still running. Callers already waiting keep the old producer.
func (g *Group[V]) Forget(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.calls, key)
	g.sf.Forget(key)
}

// ForgetAll is Forget for every key with a running producer.
func (g *Group[V]) ForgetAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.calls {
		g.sf.Forget(key)
	}
	clear(g.calls)
}

// InFlight reports the number of producers currently running.
func (g *Group[V]) InFlight() int {
	return int(g.inFlight.Load())
}
