// Package asynctx funnels writes through a single goroutine so a slow or
// wedged sink never blocks its producers. It is a direct generalization of
// the teacher's transport.AsyncTx: the same fan-in/drop-on-full shape, made
// generic so it can carry wire frames for the serial link and status
// payloads for the Redis publisher alike.
package asynctx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Send once the writer has been closed.
var ErrClosed = errors.New("asynctx: closed")

// Hooks customize AsyncTx behavior without duplicating the goroutine and
// buffer plumbing for every caller.
type Hooks[T any] struct {
	// OnError is called when send returns a non-nil error; the item is dropped.
	OnError func(item T, err error)
	// OnAfter is called only after a successful send.
	OnAfter func(item T)
	// OnDrop is called when the buffer is full. If nil the item is silently
	// dropped and Send returns nil (best-effort fire-and-forget).
	OnDrop func(item T) error
}

// AsyncTx is a reusable asynchronous single-goroutine writer with
// non-blocking enqueue semantics: if the buffer is full, Send invokes OnDrop
// and returns its error instead of blocking the caller.
type AsyncTx[T any] struct {
	mu     sync.Mutex
	ch     chan T
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(T) error
	hooks  Hooks[T]
	closed atomic.Bool
}

// New constructs an AsyncTx with a buffered channel of size buf and starts
// its worker goroutine. Close must be called to release it.
func New[T any](parent context.Context, buf int, send func(T) error, hooks Hooks[T]) *AsyncTx[T] {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx[T]{
		ch:     make(chan T, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx[T]) loop() {
	defer a.wg.Done()
	for {
		select {
		case item, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.send(item); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(item, err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter(item)
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Send queues item for asynchronous delivery, or invokes OnDrop if the
// buffer is full.
func (a *AsyncTx[T]) Send(item T) error {
	if a.closed.Load() {
		return ErrClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrClosed
	}
	select {
	case a.ch <- item:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop(item)
		}
		return nil
	}
}

// Close stops the worker and waits for it to exit. Sends after Close return
// ErrClosed.
func (a *AsyncTx[T]) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
