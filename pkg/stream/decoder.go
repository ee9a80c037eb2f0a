package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/killallgit/chatstream/pkg/protocol"
)

const defaultChunkSize = 4096

// ErrCancelled ends iteration when the caller's context is done. It wraps the
// context error and is never reported as a decode error.
var ErrCancelled = errors.New("stream cancelled")

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("decoder closed")

type readResult struct {
	data []byte
	err  error
}

// Decoder yields the events of one response body. It is not safe for
// concurrent use; Close may be called from any goroutine.
type Decoder struct {
	src       io.Reader
	chunkSize int

	buf     []byte
	pending []protocol.Event
	err     error

	chunks    chan readResult
	stop      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewDecoder reads r in chunks of the default size.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderSize(r, defaultChunkSize)
}

// NewDecoderSize reads r in chunks of at most size bytes.
func NewDecoderSize(r io.Reader, size int) *Decoder {
	if size <= 0 {
		size = defaultChunkSize
	}
	return &Decoder{
		src:       r,
		chunkSize: size,
		chunks:    make(chan readResult),
		stop:      make(chan struct{}),
	}
}

func (d *Decoder) start() {
	d.startOnce.Do(func() {
		go d.read()
	})
}

// read runs on its own goroutine so that Next can select on the context while
// a Read is blocked.
func (d *Decoder) read() {
	defer close(d.chunks)

	var p []byte
	for {
		if p == nil {
			p = make([]byte, d.chunkSize)
		}
		n, err := d.src.Read(p)
		if n == 0 && err == nil {
			select {
			case <-d.stop:
				return
			default:
				continue
			}
		}

		select {
		case d.chunks <- readResult{data: p[:n], err: err}:
			p = nil
		case <-d.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// Next returns the next event. The sequence ends with io.EOF after a clean end
// of stream, an error wrapping ErrCancelled once ctx is done, a *DecodeError
// when the tail of the stream is malformed, or the read error of the source.
// Once Next has returned an error it keeps returning it.
func (d *Decoder) Next(ctx context.Context) (protocol.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, d.cancel(err)
		}
		if len(d.pending) > 0 {
			ev := d.pending[0]
			d.pending = d.pending[1:]
			return ev, nil
		}
		if d.err != nil {
			return nil, d.err
		}

		d.start()

		select {
		case <-ctx.Done():
			return nil, d.cancel(ctx.Err())
		case res, ok := <-d.chunks:
			if !ok {
				d.err = ErrClosed
				continue
			}
			d.consume(ctx, res)
		}
	}
}

func (d *Decoder) consume(ctx context.Context, res readResult) {
	if len(res.data) > 0 {
		var events []protocol.Event
		events, d.buf = Decode(d.buf, res.data)
		d.pending = append(d.pending, events...)
	}

	switch {
	case res.err == nil:
	case errors.Is(res.err, io.EOF):
		events, err := Flush(d.buf)
		d.buf = nil
		d.pending = append(d.pending, events...)
		if err != nil {
			d.err = err
		} else {
			d.err = io.EOF
		}
	case ctx.Err() != nil:
		// Aborting the request surfaces as a read error; report the cause.
		d.cancel(ctx.Err())
	default:
		d.err = res.err
	}
}

func (d *Decoder) cancel(cause error) error {
	if d.err == nil || !errors.Is(d.err, ErrCancelled) {
		d.err = fmt.Errorf("%w: %w", ErrCancelled, cause)
		d.pending = nil
	}
	d.Close()
	return d.err
}

// Close stops the reader goroutine and closes the source if it is an
// io.Closer. It is safe to call more than once.
func (d *Decoder) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.stop)
		if c, ok := d.src.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}
