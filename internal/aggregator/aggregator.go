// Package aggregator coalesces bursts of inbound fragments from one recipient
// into a single turn after a quiet window.
package aggregator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lead-agent/internal/domain"
)

// Handler receives one combined turn per flush.
type Handler func(ctx context.Context, r domain.Recipient, text string)

type batch struct {
	recipient domain.Recipient
	fragments []string
	timer     *time.Timer
	seq       uint64
}

// Aggregator keeps at most one pending flush per recipient.
type Aggregator struct {
	window  time.Duration
	handler Handler
	log     zerolog.Logger

	ctx    context.Context
	mu     sync.Mutex
	closed bool
	seq    uint64
	batch  map[int64]*batch
	wg     sync.WaitGroup
}

// New creates an Aggregator. ctx is handed to the handler and bounds its
// lifetime.
func New(ctx context.Context, window time.Duration, handler Handler, log zerolog.Logger) (*Aggregator, error) {
	if handler == nil {
		return nil, errors.New("aggregator: handler must not be nil")
	}
	if window <= 0 {
		return nil, errors.New("aggregator: window must be positive")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Aggregator{
		window:  window,
		handler: handler,
		log:     log,
		ctx:     ctx,
		batch:   make(map[int64]*batch),
	}, nil
}

// OnFragment appends fragment to the recipient's pending batch and restarts
// its quiet window.
func (a *Aggregator) OnFragment(r domain.Recipient, fragment string) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	b, ok := a.batch[r.ID]
	if !ok {
		b = &batch{}
		a.batch[r.ID] = b
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.recipient = r
	b.fragments = append(b.fragments, fragment)
	a.seq++
	b.seq = a.seq

	seq := b.seq
	id := r.ID
	b.timer = time.AfterFunc(a.window, func() { a.flush(id, seq) })
	a.log.Debug().Int64("recipient", id).Int("fragments", len(b.fragments)).Msg("fragment buffered")
}

func (a *Aggregator) flush(id int64, seq uint64) {
	fragments, r, ok := a.take(id, seq)
	if !ok || len(fragments) == 0 {
		return
	}
	defer a.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			a.log.Error().Int64("recipient", id).Interface("panic", rec).Msg("batch handler panicked")
		}
	}()
	a.handler(a.ctx, r, strings.Join(fragments, " "))
}

// take removes the batch only if seq still identifies the latest scheduled
// flush, so a stale timer never steals fragments from a newer batch.
func (a *Aggregator) take(id int64, seq uint64) ([]string, domain.Recipient, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.batch[id]
	if !ok || b.seq != seq || a.closed {
		return nil, domain.Recipient{}, false
	}
	delete(a.batch, id)
	if len(b.fragments) == 0 {
		return nil, domain.Recipient{}, false
	}
	a.wg.Add(1)
	return b.fragments, b.recipient, true
}

// Cancel drops any pending batch for the recipient. It is a no-op when
// nothing is pending, including after the batch has already flushed.
func (a *Aggregator) Cancel(recipientID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.batch[recipientID]
	if !ok {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	delete(a.batch, recipientID)
}

// Pending reports how many recipients have a batch waiting.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.batch)
}

// Close stops all pending timers without flushing and waits for handlers
// already running.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.closed = true
	for id, b := range a.batch {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(a.batch, id)
	}
	a.mu.Unlock()
	a.wg.Wait()
}
