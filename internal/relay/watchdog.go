package relay

import (
	"context"
	"io"
	"time"
)

const readSize = 32 * 1024

type chunk struct {
	data []byte
	err  error
}

// readChunks pumps r into a channel until EOF, a read error or ctx ends. A read error
// is delivered as the last chunk; EOF just closes the channel.
func readChunks(ctx context.Context, r io.Reader) <-chan chunk {
	out := make(chan chunk)
	go func() {
		defer close(out)
		buf := make([]byte, readSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case out <- chunk{data: data}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case out <- chunk{err: err}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()
	return out
}

// idleTimer fires when nothing arrived for the timeout; a zero timeout never fires
type idleTimer struct {
	timeout time.Duration
	timer   *time.Timer
}

func newIdleTimer(timeout time.Duration) *idleTimer {
	t := &idleTimer{timeout: timeout}
	if timeout > 0 {
		t.timer = time.NewTimer(timeout)
	}
	return t
}

// C returns the expiry channel, nil when disabled
func (t *idleTimer) C() <-chan time.Time {
	if t.timer == nil {
		return nil
	}
	return t.timer.C
}

// Reset restarts the countdown after activity
func (t *idleTimer) Reset() {
	if t.timer != nil {
		t.timer.Reset(t.timeout)
	}
}

func (t *idleTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
