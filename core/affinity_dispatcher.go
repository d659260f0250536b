package core

import (
	"context"
	"sync"
	"time"
)

// token groups the outstanding callbacks scheduled under one id.
// Its identity, not the id string, is what CancelAll removes from the looper.
type token struct {
	id    string
	count int
}

// AffinityDispatcher schedules callbacks on a single Looper and lets callers
// cancel them by id.
//
// Each id maps to a reference-counted token. Scheduling under an id
// increments the token; each callback decrements it when it returns. The
// mapping is dropped when the count reaches zero, but only if the table still
// points at that very token: a newer token created after a CancelAll is never
// clobbered by a late decrement of the old one.
type AffinityDispatcher struct {
	looper *Looper
	owned  bool

	mu     sync.Mutex
	tokens map[string]*token
	closed bool

	logger Logger
}

// DispatcherStats is a point-in-time view of an AffinityDispatcher.
type DispatcherStats struct {
	Looper    string
	Tokens    int
	Scheduled int
	Queued    int
	Closed    bool
}

// NewAffinityDispatcher creates a dispatcher on a new Looper it owns and stops on Close.
func NewAffinityDispatcher(name string) *AffinityDispatcher {
	return NewAffinityDispatcherWithConfig(name, nil)
}

func NewAffinityDispatcherWithConfig(name string, config *Config) *AffinityDispatcher {
	d := NewAffinityDispatcherOn(NewLooperWithConfig(name, config), config)
	d.owned = true
	return d
}

// NewAffinityDispatcherOn creates a dispatcher on an existing Looper.
// Close does not stop a looper it did not create. If the looper is stopped
// elsewhere, its queued callbacks are gone and Pending reports zero.
func NewAffinityDispatcherOn(looper *Looper, config *Config) *AffinityDispatcher {
	cfg := config.withDefaults()
	return &AffinityDispatcher{
		looper: looper,
		tokens: make(map[string]*token),
		logger: cfg.Logger,
	}
}

// Looper returns the looper callbacks run on.
func (d *AffinityDispatcher) Looper() *Looper {
	return d.looper
}

// Schedule runs callback on the affinity looper after delay.
//
// With an empty id the callback is untracked and cannot be cancelled by id.
// Otherwise it is posted at the absolute deadline now+delay, tagged with the
// id's current token. A negative delay is treated as zero.
func (d *AffinityDispatcher) Schedule(id string, callback TaskFunc, delay time.Duration) error {
	if callback == nil {
		return ErrNilTask
	}
	if delay < 0 {
		delay = 0
	}

	if id == "" {
		if d.isClosed() {
			return ErrDispatcherClosed
		}
		return d.looper.PostDelayed(callback, delay)
	}

	at := time.Now().Add(delay)

	// Post under the token lock so a concurrent CancelAll either sees this
	// callback in the looper or never hands out the token it is tagged with.
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}
	d.pruneStoppedLocked()

	tok, ok := d.tokens[id]
	if !ok {
		tok = &token{id: id}
		d.tokens[id] = tok
	}
	tok.count++

	wrapped := func(ctx context.Context) {
		defer d.release(tok)
		callback(ctx)
	}
	if err := d.looper.PostAt(wrapped, at, tok); err != nil {
		d.releaseLocked(tok)
		return err
	}
	return nil
}

// release is the completion hook of a tracked callback.
func (d *AffinityDispatcher) release(tok *token) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releaseLocked(tok)
}

func (d *AffinityDispatcher) releaseLocked(tok *token) {
	tok.count--
	if tok.count > 0 {
		return
	}
	if cur, ok := d.tokens[tok.id]; ok && cur == tok {
		delete(d.tokens, tok.id)
	}
}

// CancelAll drops every callback scheduled under id before this call and
// returns how many were dropped. Callbacks scheduled afterwards, even under the
// same id, get a new token and are unaffected. Unknown ids are a no-op.
func (d *AffinityDispatcher) CancelAll(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	tok, ok := d.tokens[id]
	if !ok {
		return 0
	}
	delete(d.tokens, id)

	removed := d.looper.RemoveByTag(tok)
	if removed > 0 {
		d.logger.Debug("Cancelled affinity callbacks", F("looper", d.looper.Name()), F("id", id), F("removed", removed))
	}
	return removed
}

// Pending returns the number of outstanding callbacks scheduled under id.
func (d *AffinityDispatcher) Pending(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneStoppedLocked()
	if tok, ok := d.tokens[id]; ok {
		return tok.count
	}
	return 0
}

// Stats returns a snapshot of the dispatcher state.
func (d *AffinityDispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	d.pruneStoppedLocked()
	stats := DispatcherStats{
		Looper: d.looper.Name(),
		Tokens: len(d.tokens),
		Closed: d.closed,
	}
	for _, tok := range d.tokens {
		stats.Scheduled += tok.count
	}
	d.mu.Unlock()

	stats.Queued = d.looper.Len()
	return stats
}

// WaitIdle waits until every callback already due has run.
func (d *AffinityDispatcher) WaitIdle(ctx context.Context) error {
	return d.looper.WaitIdle(ctx)
}

// Close rejects new callbacks, cancels every tracked callback and stops the
// looper when the dispatcher created it. It must not be called from a callback
// running on the dispatcher's looper.
func (d *AffinityDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for id, tok := range d.tokens {
		d.looper.RemoveByTag(tok)
		delete(d.tokens, id)
	}
	d.mu.Unlock()

	if d.owned {
		d.looper.Stop()
	}
}

// pruneStoppedLocked forgets every token once the looper has stopped: a
// stopped looper drops its queue without running the release hooks.
func (d *AffinityDispatcher) pruneStoppedLocked() {
	if len(d.tokens) > 0 && d.looper.IsClosed() {
		clear(d.tokens)
	}
}

func (d *AffinityDispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
