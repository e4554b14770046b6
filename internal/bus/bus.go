// Package bus implements the transport-agnostic request/response + pub/sub
// channel that mediates between a frontend and the kernel. Responses are
// correlated to requests by envelope id through a map of reply channels;
// events fan out to topic subscribers.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/agentkernel/internal/kernelerrors"
)

// EnvelopeKind discriminates the three frame shapes exchanged over a
// Transport.
type EnvelopeKind string

const (
	KindRequest  EnvelopeKind = "request"
	KindResponse EnvelopeKind = "response"
	KindEvent    EnvelopeKind = "event"
)

// Envelope is the wire frame: {v:1, kind, id, method|topic, payload,
// error?}. Over a network transport this is one JSON object per frame;
// over a DirectTransport it is passed by value.
type Envelope struct {
	V       int          `json:"v"`
	Kind    EnvelopeKind `json:"kind"`
	ID      string       `json:"id,omitempty"`
	Method  string       `json:"method,omitempty"`
	Topic   string       `json:"topic,omitempty"`
	Payload any          `json:"payload,omitempty"`
	Error   *ErrorInfo   `json:"error,omitempty"`
}

// ErrorInfo is the error half of a response envelope.
type ErrorInfo struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Details any    `json:"details,omitempty"`
}

// Transport exchanges framed Envelopes with a peer.
type Transport interface {
	Send(Envelope) error
	// Recv blocks until the next inbound envelope or ctx is done.
	Recv(ctx context.Context) (Envelope, error)
	Close() error
}

// Handler answers one request method.
type Handler func(ctx context.Context, payload any) (any, error)

// Event is one pub/sub delivery.
type Event struct {
	Topic   string
	Payload any
}

// Bus is one endpoint of a request/response + pub/sub channel.
type Bus struct {
	transport Transport
	nextID    atomic.Int64

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	pendingMu sync.Mutex
	pending   map[string]chan Envelope

	subsMu sync.RWMutex
	subs   map[string][]chan Event

	closed   atomic.Bool
	closeMu  sync.Mutex
	recvDone chan struct{}
}

// New creates a Bus driven by transport. Call Run to start the receive
// loop; it returns once the transport closes or ctx is canceled.
func New(transport Transport) *Bus {
	return &Bus{
		transport: transport,
		handlers:  make(map[string]Handler),
		pending:   make(map[string]chan Envelope),
		subs:      make(map[string][]chan Event),
		recvDone:  make(chan struct{}),
	}
}

// RegisterHandler binds method to handler. One handler per method;
// registering twice is a caller error (last write wins, logged).
func (b *Bus) RegisterHandler(method string, h Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	if _, exists := b.handlers[method]; exists {
		log.Warn().Str("method", method).Msg("bus: overwriting existing handler registration")
	}
	b.handlers[method] = h
}

// Run drives the receive loop: each inbound request is dispatched to its
// handler in its own goroutine (so a slow handler never blocks unrelated
// requests), each inbound response is routed to its pending caller, and
// each inbound event fans out to subscribers.
func (b *Bus) Run(ctx context.Context) error {
	defer close(b.recvDone)
	for {
		env, err := b.transport.Recv(ctx)
		if err != nil {
			b.failPending(err)
			return err
		}
		switch env.Kind {
		case KindRequest:
			go b.handleRequest(ctx, env)
		case KindResponse:
			b.routeResponse(env)
		case KindEvent:
			b.routeEvent(env)
		}
	}
}

func (b *Bus) handleRequest(ctx context.Context, env Envelope) {
	b.handlersMu.RLock()
	h, ok := b.handlers[env.Method]
	b.handlersMu.RUnlock()

	resp := Envelope{V: 1, Kind: KindResponse, ID: env.ID}
	if !ok {
		resp.Error = &ErrorInfo{Message: fmt.Sprintf("no handler registered for method %q", env.Method), Type: "NotFound"}
	} else {
		result, err := h(ctx, env.Payload)
		if err != nil {
			resp.Error = &ErrorInfo{Message: err.Error()}
		} else {
			resp.Payload = result
		}
	}
	if err := b.transport.Send(resp); err != nil {
		log.Warn().Err(err).Str("method", env.Method).Msg("bus: failed to send response")
	}
}

func (b *Bus) routeResponse(env Envelope) {
	b.pendingMu.Lock()
	ch, ok := b.pending[env.ID]
	if ok {
		delete(b.pending, env.ID)
	}
	b.pendingMu.Unlock()
	if ok {
		ch <- env
	}
}

func (b *Bus) failPending(err error) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for id, ch := range b.pending {
		ch <- Envelope{ID: id, Kind: KindResponse, Error: &ErrorInfo{Message: err.Error(), Type: "TransportClosed"}}
		delete(b.pending, id)
	}
}

func (b *Bus) routeEvent(env Envelope) {
	b.subsMu.RLock()
	subs := append([]chan Event(nil), b.subs[env.Topic]...)
	b.subsMu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- Event{Topic: env.Topic, Payload: env.Payload}:
		default:
			// Bounded queue: a stalled subscriber must not block others.
			log.Warn().Str("topic", env.Topic).Msg("bus: subscriber queue full, dropping event")
		}
	}
}

// Request sends method/payload and blocks for the correlated response, or
// until ctx is done.
func (b *Bus) Request(ctx context.Context, method string, payload any) (any, error) {
	if b.closed.Load() {
		return nil, kernelerrors.ErrTransportClosed
	}
	id := fmt.Sprintf("%d", b.nextID.Add(1))
	ch := make(chan Envelope, 1)

	b.pendingMu.Lock()
	b.pending[id] = ch
	b.pendingMu.Unlock()

	if err := b.transport.Send(Envelope{V: 1, Kind: KindRequest, ID: id, Method: method, Payload: payload}); err != nil {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
		return nil, err
	}

	select {
	case env := <-ch:
		if env.Error != nil {
			return nil, fmt.Errorf("%s", env.Error.Message)
		}
		return env.Payload, nil
	case <-ctx.Done():
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// EmitEvent sends payload as one event envelope over the transport; the
// peer bus's receive loop fans it out to that topic's subscribers in
// arrival order. It returns once the envelope is handed to the transport,
// not when subscribers have received it.
func (b *Bus) EmitEvent(topic string, payload any) error {
	return b.transport.Send(Envelope{V: 1, Kind: KindEvent, Topic: topic, Payload: payload})
}

// Subscribe returns a channel of events for topic. The channel is buffered;
// a slow subscriber drops events rather than blocking the bus.
func (b *Bus) Subscribe(topic string) <-chan Event {
	ch := make(chan Event, 64)
	b.subsMu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.subsMu.Unlock()
	return ch
}

// Close tears down the transport. Pending requests fail with
// ErrTransportClosed.
func (b *Bus) Close() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if b.closed.Swap(true) {
		return nil
	}
	return b.transport.Close()
}
