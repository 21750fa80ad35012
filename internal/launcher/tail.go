package launcher

import (
	"io"
	"sync"
)

const defaultTailBytes = 8 << 10

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTail(max int) *tailBuffer {
	if max <= 0 {
		max = defaultTailBytes
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return len(p), nil
	}
	if over := len(t.buf) + len(p) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// pump copies r into w until EOF, then closes r and the optional file sink.
// done is closed once the copy finished.
func pump(r io.ReadCloser, w io.Writer, sink io.Closer, done chan<- struct{}) {
	defer close(done)
	_, _ = io.Copy(w, r)
	_ = r.Close()
	if sink != nil {
		_ = sink.Close()
	}
}
