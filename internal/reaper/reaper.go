// Package reaper collects exited render-server children asynchronously and
// reports each exit exactly once.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/renderd/internal/launcher"
)

// DefaultPollInterval is the safety-net drain period used alongside
// notifications.
const DefaultPollInterval = 2 * time.Second

// Exit is one reaped child.
type Exit struct {
	Entry
	launcher.ExitInfo
}

// Handler receives reaped exits. It runs on the reaper goroutine, one exit at
// a time, after the registry lock has been released.
type Handler func(Exit)

// Notifier delivers child-exit notifications. Several exits may collapse
// into one notification.
type Notifier interface {
	C() <-chan struct{}
	Stop()
}

type Reaper struct {
	reg     *Registry
	notify  Notifier
	handler Handler
	poll    time.Duration
	kick    chan struct{}
	log     *slog.Logger

	// tryReap is launcher.TryReap; tests replace it.
	tryReap func(pid int) (launcher.ExitInfo, bool)
}

// New builds a reaper over reg. poll <= 0 selects DefaultPollInterval.
func New(reg *Registry, notify Notifier, handler Handler, poll time.Duration, log *slog.Logger) *Reaper {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{
		reg:     reg,
		notify:  notify,
		handler: handler,
		poll:    poll,
		kick:    make(chan struct{}, 1),
		log:     log,
		tryReap: launcher.TryReap,
	}
}

// Registry returns the registry the reaper drains.
func (r *Reaper) Registry() *Registry { return r.reg }

// Kick requests a drain pass. It never blocks.
func (r *Reaper) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run drains on every notification, kick, and poll tick until ctx is done.
// A final drain runs before returning.
func (r *Reaper) Run(ctx context.Context) {
	t := time.NewTicker(r.poll)
	defer t.Stop()
	defer r.notify.Stop()
	r.Drain()
	for {
		select {
		case <-ctx.Done():
			r.Drain()
			return
		case <-r.notify.C():
		case <-r.kick:
		case <-t.C:
		}
		r.Drain()
	}
}

// Drain reaps every terminated tracked child and invokes the handler for
// each. It returns the exits it handled.
func (r *Reaper) Drain() []Exit {
	exits := r.reg.collect(func(pid int) (Exit, bool) {
		info, ok := r.tryReap(pid)
		return Exit{ExitInfo: info}, ok
	})
	for _, ex := range exits {
		r.log.Info("render server exited", "key", ex.Key, "pid", ex.Entry.PID, "port", ex.Port, "exit", ex.Describe())
		if r.handler != nil {
			r.handler(ex)
		}
	}
	return exits
}
