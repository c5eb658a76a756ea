// Package signal turns operating-system signals into lifecycle signals for
// the resource manager.
package signal

import (
	"os"
	ossignal "os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

const (
	LowMemory = "low-memory"
	Hidden    = "hidden"
)

// DefaultMapping is the signal table used by perfd
func DefaultMapping() map[os.Signal]string {
	return map[os.Signal]string{
		syscall.SIGUSR1: LowMemory,
		syscall.SIGUSR2: Hidden,
	}
}

// LifecycleNotifier implements ports.LifecycleNotifier on top of os/signal
type LifecycleNotifier struct {
	mapping map[os.Signal]string
	subs    *xsync.MapOf[uint64, func(string)]
	nextID  atomic.Uint64

	ch       chan os.Signal
	stopOnce sync.Once
	done     chan struct{}
	logger   *zap.SugaredLogger
}

func NewLifecycleNotifier(mapping map[os.Signal]string, logger *zap.SugaredLogger) *LifecycleNotifier {
	return &LifecycleNotifier{
		mapping: mapping,
		subs:    xsync.NewMapOf[uint64, func(string)](),
		ch:      make(chan os.Signal, 4),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// Start registers the mapped signals and begins delivery
func (n *LifecycleNotifier) Start() {
	sigs := make([]os.Signal, 0, len(n.mapping))
	for sig := range n.mapping {
		sigs = append(sigs, sig)
	}
	ossignal.Notify(n.ch, sigs...)

	go n.loop()
}

func (n *LifecycleNotifier) loop() {
	for {
		select {
		case sig := <-n.ch:
			n.Emit(n.mapping[sig])
		case <-n.done:
			return
		}
	}
}

// Emit delivers a lifecycle signal to every subscriber
func (n *LifecycleNotifier) Emit(name string) {
	if name == "" {
		return
	}
	n.logger.Infow("lifecycle signal", "signal", name, "subscribers", n.subs.Size())
	n.subs.Range(func(_ uint64, fn func(string)) bool {
		fn(name)
		return true
	})
}

func (n *LifecycleNotifier) Subscribe(fn func(signal string)) (unsubscribe func()) {
	id := n.nextID.Add(1)
	n.subs.Store(id, fn)
	return func() { n.subs.Delete(id) }
}

// Stop unregisters the signals; safe to call more than once
func (n *LifecycleNotifier) Stop() {
	n.stopOnce.Do(func() {
		ossignal.Stop(n.ch)
		close(n.done)
	})
}
