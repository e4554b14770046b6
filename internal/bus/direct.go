package bus

import (
	"context"

	"github.com/xonecas/agentkernel/internal/kernelerrors"
)

// DirectTransport is an in-process Transport: one side's Send feeds the
// other side's Recv over a buffered channel. Used to connect a UI bus and
// a kernel bus within the same process; a network transport (e.g.
// WebSocket) plugs in via the same Transport interface.
type DirectTransport struct {
	out    chan Envelope
	in     chan Envelope
	closed chan struct{}
}

// NewDirectPair returns two connected transports: envelopes sent on a are
// received on b, and vice versa.
func NewDirectPair() (a, b *DirectTransport) {
	ab := make(chan Envelope, 256)
	ba := make(chan Envelope, 256)
	closed := make(chan struct{})
	return &DirectTransport{out: ab, in: ba, closed: closed},
		&DirectTransport{out: ba, in: ab, closed: closed}
}

func (t *DirectTransport) Send(env Envelope) error {
	select {
	case <-t.closed:
		return kernelerrors.ErrTransportClosed
	default:
	}
	select {
	case t.out <- env:
		return nil
	case <-t.closed:
		return kernelerrors.ErrTransportClosed
	}
}

func (t *DirectTransport) Recv(ctx context.Context) (Envelope, error) {
	select {
	case env := <-t.in:
		return env, nil
	case <-t.closed:
		return Envelope{}, kernelerrors.ErrTransportClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (t *DirectTransport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
		close(t.closed)
	}
	return nil
}
