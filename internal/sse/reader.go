package sse

import (
	"context"
	"errors"
	"io"
)

// ErrStop may be returned by a handler to end ReadEvents without error.
var ErrStop = errors.New("sse: stop")

const readBufferSize = 32 * 1024

// HandlerFunc is called once per event, in stream order.
type HandlerFunc func(Event) error

// ReadEvents reads r until EOF, feeding a Parser and calling fn for every
// event. On EOF the trailing buffered event, if any, is flushed once.
//
// If ctx is canceled the loop stops and the context error is returned. The
// caller is expected to tie r to the same context (for example an HTTP
// response body of a request built with ctx) so a blocked Read returns too.
func ReadEvents(ctx context.Context, r io.Reader, fn HandlerFunc) error {
	p := NewParser()
	buf := make([]byte, readBufferSize)

	emit := func(events []Event) error {
		for _, ev := range events {
			if err := fn(ev); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			if err := emit(p.Feed(buf[:n])); err != nil {
				return stopOrErr(err)
			}
		}

		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if !errors.Is(readErr, io.EOF) {
				return readErr
			}
			return stopOrErr(emit(p.Flush()))
		}
	}
}

func stopOrErr(err error) error {
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}
