package llm

import (
	"context"
	"errors"
	"io"
)

type streamItem struct {
	text string
	err  error
}

type channelStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	items  <-chan streamItem
}

// emitFunc hands one fragment to the consumer. It blocks until the fragment is
// buffered or the stream is cancelled. Empty fragments are dropped.
type emitFunc func(text string) error

func newFragmentStream(ctx context.Context, run func(context.Context, emitFunc) error) Stream {
	streamCtx, cancel := context.WithCancel(ctx)
	ch := make(chan streamItem, 16)
	emit := func(text string) error {
		if text == "" {
			return nil
		}
		if err := streamCtx.Err(); err != nil {
			return aborted(err)
		}
		select {
		case <-streamCtx.Done():
			return aborted(streamCtx.Err())
		case ch <- streamItem{text: text}:
			return nil
		}
	}
	go func() {
		defer close(ch)
		err := run(streamCtx, emit)
		if err == nil {
			return
		}
		if ctxErr := streamCtx.Err(); ctxErr != nil && !errors.Is(err, ErrAborted) {
			err = aborted(ctxErr)
		}
		select {
		case ch <- streamItem{err: err}:
		case <-streamCtx.Done():
		}
	}()
	return &channelStream{ctx: streamCtx, cancel: cancel, items: ch}
}

func (s *channelStream) Recv() (string, error) {
	// Cancellation wins over buffered fragments so nothing is delivered after
	// an abort.
	if err := s.ctx.Err(); err != nil {
		return "", aborted(err)
	}
	select {
	case <-s.ctx.Done():
		return "", aborted(s.ctx.Err())
	case item, ok := <-s.items:
		if !ok {
			return "", io.EOF
		}
		if item.err != nil {
			return "", item.err
		}
		return item.text, nil
	}
}

func (s *channelStream) Close() error {
	s.cancel()
	return nil
}

// Collect drains s and returns the concatenated text.
func Collect(s Stream) (string, error) {
	defer s.Close()
	var out []byte
	for {
		frag, err := s.Recv()
		if err == io.EOF {
			return string(out), nil
		}
		if err != nil {
			return string(out), err
		}
		out = append(out, frag...)
	}
}
