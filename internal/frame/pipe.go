package frame

import (
	"context"
	"sync"
)

const pipeBuffer = 64

type pipeState struct {
	once sync.Once
	done chan struct{}
}

// PipePort is an in-memory Port, one end of a Pipe.
type PipePort struct {
	origin string
	in     chan Message
	peer   *PipePort
	state  *pipeState
}

// Pipe connects two in-memory ports. Closing either end closes both, the
// way unloading a frame tears down its channel.
func Pipe(originA, originB string) (*PipePort, *PipePort) {
	state := &pipeState{done: make(chan struct{})}
	a := &PipePort{origin: originA, in: make(chan Message, pipeBuffer), state: state}
	b := &PipePort{origin: originB, in: make(chan Message, pipeBuffer), state: state}
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipePort) Origin() string { return p.origin }

func (p *PipePort) Messages() <-chan Message { return p.in }

func (p *PipePort) Done() <-chan struct{} { return p.state.done }

func (p *PipePort) Post(ctx context.Context, data []byte, targetOrigin string) error {
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}

	if !OriginMatches(targetOrigin, p.peer.origin) {
		return nil
	}

	msg := Message{Origin: p.origin, Data: append([]byte(nil), data...)}
	select {
	case p.peer.in <- msg:
		return nil
	case <-p.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipePort) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}
