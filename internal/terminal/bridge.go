package terminal

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"unicode/utf8"
)

var (
	// ErrDetached is returned by Input once the bridge is detached.
	ErrDetached = errors.New("terminal detached")
	// ErrReadOnly is returned by Input on a Mirror.
	ErrReadOnly = errors.New("terminal is read-only")
	// ErrClientGone marks a detach caused by the sink failing.
	ErrClientGone = errors.New("client connection gone")
)

const (
	readBufferSize    = 32 * 1024
	defaultInputQueue = 64
)

// Sink receives output chunks. The slice is owned by the callee.
type Sink func(p []byte) error

type Options struct {
	// OnInput runs after each accepted input chunk.
	OnInput func()
	// OnDetach runs once if the bridge detaches by itself (stream end, write
	// failure, sink failure). It is not called after Close. err is io.EOF
	// when the remote side ended normally.
	OnDetach func(b *Bridge, err error)
	// Resize changes the remote tty size; nil makes Resize a no-op.
	Resize func(cols, rows uint16) error
	// InputQueue bounds the pending input chunks (default 64).
	InputQueue int
}

type Bridge struct {
	stream io.ReadWriteCloser
	sink   Sink
	opts   Options

	input chan []byte
	done  chan struct{}
	wg    sync.WaitGroup

	once   sync.Once
	closed atomic.Bool
	err    error
}

// Attach starts both pumps over stream.
func Attach(stream io.ReadWriteCloser, sink Sink, opts Options) *Bridge {
	queue := opts.InputQueue
	if queue <= 0 {
		queue = defaultInputQueue
	}
	b := newBridge(stream, sink, opts)
	b.input = make(chan []byte, queue)
	b.wg.Add(2)
	go b.pumpOutput()
	go b.pumpInput()
	return b
}

// Mirror starts only the output pump over stream.
func Mirror(stream io.ReadWriteCloser, sink Sink, opts Options) *Bridge {
	b := newBridge(stream, sink, opts)
	b.wg.Add(1)
	go b.pumpOutput()
	return b
}

func newBridge(stream io.ReadWriteCloser, sink Sink, opts Options) *Bridge {
	return &Bridge{
		stream: stream,
		sink:   sink,
		opts:   opts,
		done:   make(chan struct{}),
	}
}

func (b *Bridge) pumpOutput() {
	defer b.wg.Done()
	buf := make([]byte, readBufferSize)
	var carry []byte
	for {
		n, err := b.stream.Read(buf)
		if n > 0 {
			data := make([]byte, 0, len(carry)+n)
			data = append(data, carry...)
			data = append(data, buf[:n]...)
			data, carry = splitUTF8(data)
			if len(data) > 0 {
				if serr := b.sink(data); serr != nil {
					b.detach(fmt.Errorf("%w: %w", ErrClientGone, serr))
					return
				}
			}
		}
		if err != nil {
			if len(carry) > 0 {
				b.sink(carry)
			}
			b.detach(err)
			return
		}
	}
}

func (b *Bridge) pumpInput() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case p := <-b.input:
			if _, err := b.stream.Write(p); err != nil {
				b.detach(fmt.Errorf("write input: %w", err))
				return
			}
		}
	}
}

// Input queues p for the exec stream. It blocks while the queue is full and
// fails once the bridge is detached.
func (b *Bridge) Input(p []byte) error {
	if b.input == nil {
		return ErrReadOnly
	}
	select {
	case <-b.done:
		return ErrDetached
	default:
	}
	select {
	case b.input <- p:
	case <-b.done:
		return ErrDetached
	}
	if b.opts.OnInput != nil {
		b.opts.OnInput()
	}
	return nil
}

// Resize forwards a tty size change.
func (b *Bridge) Resize(cols, rows uint16) error {
	if b.opts.Resize == nil {
		return nil
	}
	return b.opts.Resize(cols, rows)
}

func (b *Bridge) detach(err error) {
	first := false
	b.once.Do(func() {
		first = true
		b.err = err
		close(b.done)
		b.stream.Close()
	})
	if first && !b.closed.Load() && b.opts.OnDetach != nil {
		b.opts.OnDetach(b, err)
	}
}

// Close detaches the bridge from the owner side and closes the stream. It
// does not wait for the pumps; use Wait for that.
func (b *Bridge) Close() error {
	b.closed.Store(true)
	b.detach(ErrDetached)
	return nil
}

// Done is closed once the bridge has detached.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Err reports why the bridge detached; nil while attached.
func (b *Bridge) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

// Wait blocks until both pumps have returned.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// splitUTF8 returns the longest prefix of p that does not end inside a
// multi-byte UTF-8 sequence, and the incomplete remainder. Invalid bytes are
// passed through untouched.
func splitUTF8(p []byte) ([]byte, []byte) {
	// A rune is at most 4 bytes, so only the last 3 can be a partial one.
	for i := 1; i <= 3 && i <= len(p); i++ {
		start := len(p) - i
		c := p[start]
		if c < utf8.RuneSelf {
			return p, nil
		}
		if utf8.RuneStart(c) {
			if utf8.FullRune(p[start:]) {
				return p, nil
			}
			return p[:start], p[start:]
		}
	}
	return p, nil
}
