package forwarder

import (
	"io"
	"time"
)

// idleTimeoutBody wraps a streaming response body so a read that produces no
// bytes within idle resolves as io.ErrClosedPipe, classified upstream as a
// network_or_timeout failure (spec.md §4.5 "streaming idle timeout").
type idleTimeoutBody struct {
	r     io.ReadCloser
	idle  time.Duration
	timer *time.Timer
}

func newIdleTimeoutBody(r io.ReadCloser, idle time.Duration) io.ReadCloser {
	return &idleTimeoutBody{r: r, idle: idle, timer: time.NewTimer(idle)}
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := b.r.Read(p)
		done <- result{n, err}
	}()

	b.timer.Reset(b.idle)
	select {
	case res := <-done:
		return res.n, res.err
	case <-b.timer.C:
		return 0, io.ErrClosedPipe
	}
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	return b.r.Close()
}
