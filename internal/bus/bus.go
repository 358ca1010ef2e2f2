// Package bus implements the per-run event stream and its paired response
// channel. A single producer (the agent loop) emits ordered events to any
// number of subscribers; clients answer permission, clarification,
// continuation, and client-tool requests through the correlation registry.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weftwork/weft/pkg/models"
)

// Common bus errors.
var (
	ErrBusClosed     = errors.New("event bus closed")
	ErrRunTerminated = errors.New("run terminated before response arrived")
	ErrNoWaiter      = errors.New("no waiter registered for correlation id")
	ErrDuplicateWait = errors.New("correlation id already has a waiter")
)

// Response is a client answer correlated to a previously emitted request
// event. Exactly one payload pointer is non-nil.
type Response struct {
	CorrelationID string                       `json:"correlation_id"`
	Permission    *models.PermissionPayload    `json:"permission,omitempty"`
	Clarification *models.ClarificationPayload `json:"clarification,omitempty"`
	Continuation  *models.ContinuationPayload  `json:"continuation,omitempty"`
	ClientTool    *models.ClientToolPayload    `json:"client_tool,omitempty"`
}

// subscriberBuffer is the channel capacity handed to subscribers. Emission
// blocks once a subscriber falls this far behind, suspending the run.
const subscriberBuffer = 64

// Bus is the ordered, typed event stream for one run.
type Bus struct {
	runID string
	seq   atomic.Uint64

	mu      sync.Mutex
	subs    []chan models.Event
	closed  bool
	waiters map[string]chan Response
	pending map[string]Response
}

// New creates a bus for a single run.
func New(runID string) *Bus {
	return &Bus{
		runID:   runID,
		waiters: make(map[string]chan Response),
		pending: make(map[string]Response),
	}
}

// RunID returns the run this bus belongs to.
func (b *Bus) RunID() string { return b.runID }

// Subscribe returns a channel of events for this run. The channel is closed
// after a terminal event (MESSAGE_TURN_FINISHED or MESSAGE_TURN_ERROR) is
// delivered, or when the bus is closed.
func (b *Bus) Subscribe() <-chan models.Event {
	ch := make(chan models.Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Emit appends an event to the stream, stamping sequence, time, version, and
// run id. Delivery order is emission order for every subscriber. Emission
// never drops events; a slow subscriber applies backpressure by blocking the
// producer until ctx is cancelled.
func (b *Bus) Emit(ctx context.Context, ev models.Event) error {
	ev.Sequence = b.seq.Add(1)
	if ev.Version == "" {
		ev.Version = models.EventVersion
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	ev.RunID = b.runID

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	subs := append([]chan models.Event(nil), b.subs...)
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if ev.Type.IsTerminal() {
		b.Close()
	}
	return nil
}

// Await registers a one-shot waiter for the given correlation id and blocks
// until the response arrives, ctx is cancelled, or the run terminates.
func (b *Bus) Await(ctx context.Context, correlationID string) (Response, error) {
	b.mu.Lock()
	if resp, ok := b.pending[correlationID]; ok {
		delete(b.pending, correlationID)
		b.mu.Unlock()
		return resp, nil
	}
	if b.closed {
		b.mu.Unlock()
		return Response{}, ErrRunTerminated
	}
	if _, ok := b.waiters[correlationID]; ok {
		b.mu.Unlock()
		return Response{}, ErrDuplicateWait
	}
	ch := make(chan Response, 1)
	b.waiters[correlationID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.waiters, correlationID)
		b.mu.Unlock()
	}()

	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, ErrRunTerminated
		}
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Respond delivers a response to the waiter registered for its correlation
// id. A response arriving before its waiter is parked until Await is called.
func (b *Bus) Respond(resp Response) error {
	if resp.CorrelationID == "" {
		return errors.New("correlation id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if ch, ok := b.waiters[resp.CorrelationID]; ok {
		delete(b.waiters, resp.CorrelationID)
		ch <- resp
		return nil
	}
	b.pending[resp.CorrelationID] = resp
	return nil
}

// Close terminates the stream: subscriber channels are closed and every
// pending waiter is cancelled. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub)
	}
	b.subs = nil
	for id, ch := range b.waiters {
		close(ch)
		delete(b.waiters, id)
	}
	b.pending = make(map[string]Response)
}

// Closed reports whether the bus has terminated.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
