//go:build unix

package reaper

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// SignalNotifier turns SIGCHLD into notifications.
type SignalNotifier struct {
	sig  chan os.Signal
	out  chan struct{}
	done chan struct{}
	once sync.Once
}

func NewSignalNotifier() *SignalNotifier {
	n := &SignalNotifier{
		sig:  make(chan os.Signal, 1),
		out:  make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	signal.Notify(n.sig, unix.SIGCHLD)
	go n.forward()
	return n
}

func (n *SignalNotifier) forward() {
	for {
		select {
		case <-n.done:
			return
		case <-n.sig:
			select {
			case n.out <- struct{}{}:
			default:
			}
		}
	}
}

func (n *SignalNotifier) C() <-chan struct{} { return n.out }

func (n *SignalNotifier) Stop() {
	n.once.Do(func() {
		signal.Stop(n.sig)
		close(n.done)
	})
}

// ChanNotifier is a Notifier driven by hand, for tests and embedders that
// already own SIGCHLD.
type ChanNotifier chan struct{}

func NewChanNotifier() ChanNotifier { return make(ChanNotifier, 1) }

// Notify queues one notification; extra calls coalesce.
func (c ChanNotifier) Notify() {
	select {
	case c <- struct{}{}:
	default:
	}
}

func (c ChanNotifier) C() <-chan struct{} { return c }
func (c ChanNotifier) Stop()              {}
