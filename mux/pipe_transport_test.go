package mux

import "sync"

// pipeTransport is an in-memory Transport used by tests to exercise
// MuxedSocket's state machine without a real network, per transport.go's
// doc comment.
type pipeTransport struct {
	mu      sync.Mutex
	closed  bool
	peer    *pipeTransport
	receive chan []byte
	errs    chan error
}

func newPipeTransportPair() (*pipeTransport, *pipeTransport) {
	a := &pipeTransport{receive: make(chan []byte, 64), errs: make(chan error, 1)}
	b := &pipeTransport{receive: make(chan []byte, 64), errs: make(chan error, 1)}
	a.peer = b
	b.peer = a
	return a, b
}

func (t *pipeTransport) Send(message []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errPipeClosed
	}
	cp := make([]byte, len(message))
	copy(cp, message)
	select {
	case t.peer.receive <- cp:
	default:
	}
	return nil
}

func (t *pipeTransport) Receive() <-chan []byte { return t.receive }
func (t *pipeTransport) Errors() <-chan error   { return t.errs }

func (t *pipeTransport) Close() error {
	return t.CloseWithCode(1000, "")
}

// CloseWithCode tears down both ends of the pipe, mirroring a real
// transport where closing the connection is observed as EOF by whichever
// side is reading -- not just the side that called Close.
func (t *pipeTransport) CloseWithCode(code int, reason string) error {
	t.closeOwn()
	t.peer.closeOwn()
	return nil
}

func (t *pipeTransport) closeOwn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.receive)
}

type pipeClosedError struct{}

func (pipeClosedError) Error() string { return "mux: pipe transport closed" }

var errPipeClosed = pipeClosedError{}
